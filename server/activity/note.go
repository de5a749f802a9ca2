package activity

import (
	"time"
)

// Object is the ActivityStreams representation of a post or comment.
type Object struct {
	Context      interface{} `json:"@context,omitempty"`
	Type         string      `json:"type"`
	ID           string      `json:"id"`
	URL          string      `json:"url,omitempty"` // plain url string
	AttributedTo string      `json:"attributedTo,omitempty"`
	Name         string      `json:"name,omitempty"`
	Summary      string      `json:"summary,omitempty"`
	Content      string      `json:"content,omitempty"`
	MediaType    string      `json:"mediaType,omitempty"`
	InReplyTo    string      `json:"inReplyTo,omitempty"`
	Conversation string      `json:"context,omitempty"`
	Published    string      `json:"published,omitempty"`
	Updated      string      `json:"updated,omitempty"`
	Deleted      string      `json:"deleted,omitempty"`
	To           []string    `json:"to,omitempty"`
	CC           []string    `json:"cc,omitempty"`
	Tag          []Tag       `json:"tag,omitempty"`
}

type Tag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name,omitempty"`
}

func (o *Object) Timestamp() time.Time {
	return ParseTime(o.Published)
}

// FormatTime renders t the way ActivityPub timestamps are written, or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

func ParseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// ObjectFrom reads an embedded object received as a JSON map.
// It returns false when v is a bare id or has no id.
func ObjectFrom(v interface{}) (*Object, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	obj := &Object{
		Type:         str(TypeProperty),
		ID:           ParseID(m[IDProperty]),
		URL:          ParseID(m["url"]),
		AttributedTo: ParseID(m["attributedTo"]),
		Name:         str("name"),
		Summary:      str("summary"),
		Content:      str("content"),
		MediaType:    str("mediaType"),
		InReplyTo:    ParseID(m["inReplyTo"]),
		Published:    str("published"),
		Updated:      str("updated"),
		To:           ParseStrings(m[ToProperty]),
		CC:           ParseStrings(m[CCProperty]),
	}
	if obj.ID == "" {
		return nil, false
	}
	return obj, true
}
