package activity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownVerb = errors.New("unknown activity verb")
	ErrNotDeleted  = errors.New("delete requires a deleted timestamp")
)

// Snapshot is the current state of a piece of local content, captured before dispatch.
// PostSnapshot and CommentSnapshot are the two shapes.
type Snapshot interface {
	object() *Object
	actor() string
	deletedAt() time.Time
}

// PostSnapshot is a local blog post.
type PostSnapshot struct {
	ID           string    `json:"id"` // permalink, or the caller's override when deleting
	Type         string    `json:"type,omitempty"`
	URL          string    `json:"url,omitempty"`
	Author       string    `json:"author"`     // local username
	AuthorURI    string    `json:"author_uri"` // actor id of the author
	FollowersURI string    `json:"followers_uri,omitempty"`
	Title        string    `json:"title,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Content      string    `json:"content,omitempty"`
	Mentions     []string  `json:"mentions,omitempty"`
	Published    time.Time `json:"published"`
	Updated      time.Time `json:"updated,omitempty"`
	Deleted      time.Time `json:"deleted,omitempty"`
}

// CommentSnapshot is a comment written by a local user on a local post.
type CommentSnapshot struct {
	ID           string    `json:"id"`
	URL          string    `json:"url,omitempty"`
	Author       string    `json:"author"` // empty for received or anonymous comments
	AuthorURI    string    `json:"author_uri"`
	FollowersURI string    `json:"followers_uri,omitempty"`
	PostID       string    `json:"post_id"`
	InReplyTo    string    `json:"in_reply_to"` // parent comment id, or the post id for top-level comments
	Content      string    `json:"content,omitempty"`
	Mentions     []string  `json:"mentions,omitempty"`
	Published    time.Time `json:"published"`
	Updated      time.Time `json:"updated,omitempty"`
	Deleted      time.Time `json:"deleted,omitempty"`
}

func (p PostSnapshot) actor() string        { return p.AuthorURI }
func (p PostSnapshot) deletedAt() time.Time { return p.Deleted }

func (p PostSnapshot) object() *Object {
	typ := p.Type
	if typ == "" {
		typ = NoteType
	}
	obj := &Object{
		Type:         typ,
		ID:           p.ID,
		URL:          p.URL,
		AttributedTo: p.AuthorURI,
		Summary:      p.Summary,
		Content:      p.Content,
		Published:    FormatTime(p.Published),
		Updated:      FormatTime(p.Updated),
		Deleted:      FormatTime(p.Deleted),
		Tag:          mentionTags(p.Mentions),
	}
	if typ == ArticleType {
		obj.Name = p.Title
	}
	if obj.URL == "" {
		obj.URL = p.ID
	}
	obj.To, obj.CC = baseAddressing(p.FollowersURI, p.Mentions)
	return obj
}

func (c CommentSnapshot) actor() string        { return c.AuthorURI }
func (c CommentSnapshot) deletedAt() time.Time { return c.Deleted }

func (c CommentSnapshot) object() *Object {
	obj := &Object{
		Type:         NoteType,
		ID:           c.ID,
		URL:          c.URL,
		AttributedTo: c.AuthorURI,
		Content:      c.Content,
		InReplyTo:    c.InReplyTo,
		Conversation: c.PostID,
		Published:    FormatTime(c.Published),
		Updated:      FormatTime(c.Updated),
		Deleted:      FormatTime(c.Deleted),
		Tag:          mentionTags(c.Mentions),
	}
	if obj.InReplyTo == "" {
		obj.InReplyTo = c.PostID
	}
	obj.To, obj.CC = baseAddressing(c.FollowersURI, c.Mentions)
	return obj
}

// Build turns a content snapshot into an activity of the given verb.
// The object is filled from the snapshot right now; later changes to the content are not seen.
func Build(verb string, snap Snapshot) (Activity, error) {
	obj := snap.object()

	var published string
	switch verb {
	case CreateType:
		published = obj.Published
	case UpdateType:
		published = obj.Updated
		if published == "" {
			published = obj.Published
		}
	case DeleteType:
		if snap.deletedAt().IsZero() {
			return Activity{}, fmt.Errorf("building delete for %s: %w", obj.ID, ErrNotDeleted)
		}
		published = obj.Deleted
	default:
		return Activity{}, fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
	}

	act := Activity{
		Context:   Context,
		Type:      verb,
		ID:        fmt.Sprintf("%s#%s-%s", obj.ID, strings.ToLower(verb), uuid.NewString()),
		Actor:     snap.actor(),
		Object:    obj,
		To:        cloneStrings(obj.To),
		CC:        cloneStrings(obj.CC),
		Published: published,
	}
	if verb == DeleteType {
		act.Deleted = obj.Deleted
	}
	return act, nil
}

func baseAddressing(followers string, mentions []string) (to, cc []string) {
	to = []string{PublicAddress}
	cc = make([]string, 0, len(mentions)+1)
	cc = appendUnique(cc, followers)
	for _, m := range mentions {
		cc = appendUnique(cc, m)
	}
	return to, cc
}

func mentionTags(mentions []string) []Tag {
	if len(mentions) == 0 {
		return nil
	}
	tags := make([]Tag, 0, len(mentions))
	for _, m := range mentions {
		tags = append(tags, Tag{Type: MentionType, Href: m})
	}
	return tags
}
