package activity

import (
	"encoding/json"
	"fmt"
)

type Activity struct {
	Context   interface{} `json:"@context,omitempty"`
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Actor     interface{} `json:"actor,omitempty"`
	Object    interface{} `json:"object,omitempty"`
	Target    interface{} `json:"target,omitempty"`
	To        []string    `json:"to,omitempty"`
	CC        []string    `json:"cc,omitempty"`
	Published string      `json:"published,omitempty"`
	Deleted   string      `json:"deleted,omitempty"`
}

// Role selects which addressing field a recipient is placed in.
type Role int

const (
	To Role = iota
	Cc
)

func (r Role) String() string {
	if r == Cc {
		return CCProperty
	}
	return ToProperty
}

// Addressed returns a copy of the activity addressed to uri in the given role.
// The receiver is left untouched, so one built activity can be shared across recipients.
// An embedded *Object gets the same addressing as the activity.
func (a Activity) Addressed(role Role, uri string) Activity {
	c := a
	c.To = cloneStrings(a.To)
	c.CC = cloneStrings(a.CC)
	switch role {
	case To:
		c.To = appendUnique(c.To, uri)
	case Cc:
		c.CC = appendUnique(c.CC, uri)
	}
	if obj, ok := a.Object.(*Object); ok && obj != nil {
		o := *obj
		o.To = cloneStrings(c.To)
		o.CC = cloneStrings(c.CC)
		o.Tag = append([]Tag(nil), obj.Tag...)
		c.Object = &o
	}
	return c
}

// Address implements the delivery payload contract: the serialized form of Addressed.
func (a Activity) Address(role Role, uri string) ([]byte, error) {
	b, err := json.Marshal(a.Addressed(role, uri))
	if err != nil {
		return nil, fmt.Errorf("marshaling %s activity: %w", a.Type, err)
	}
	return b, nil
}

// ActorID is the id of the activity's actor, whether it was sent as a string or an object.
func (a Activity) ActorID() string {
	return ParseID(a.Actor)
}

// ObjectID is the id of the activity's object, whether it was sent as a string or an object.
func (a Activity) ObjectID() string {
	return ParseID(a.Object)
}

// ParseID returns the id of a JSON-LD value that may be a bare string or an object with an "id".
func ParseID(v interface{}) (val string) {
	switch t := v.(type) {
	case string:
		// e.g. { "actor": "https://id" }
		val = t
	case map[string]interface{}:
		// e.g. { "actor": { "name": "Alice", "id": "https://id" } }
		switch s := t[IDProperty].(type) {
		case string:
			val = s
		case fmt.Stringer:
			val = s.String()
		}
	case *Object:
		if t != nil {
			val = t.ID
		}
	case *Actor:
		if t != nil {
			val = t.ID
		}
	}
	return val
}

// ParseStrings flattens a JSON-LD value that may be a single string or an array of strings.
func ParseStrings(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := ParseID(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)+1), s...)
}

func appendUnique(list []string, uri string) []string {
	if uri == "" {
		return list
	}
	for _, s := range list {
		if s == uri {
			return list
		}
	}
	return append(list, uri)
}
