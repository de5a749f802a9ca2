package activity

import (
	"encoding/json"
	"fmt"
)

// Envelope is a received activity kept in its original JSON shape so it can be relayed
// without dropping properties this server doesn't model.
type Envelope map[string]interface{}

// localProperties never leave this server.
var localProperties = []string{BToProperty, BCCProperty, "user_id"}

func ParseEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	return e, nil
}

// Stripped returns a copy without blind-copy recipients or local dispatch markers,
// at both the activity and the embedded object level.
func (e Envelope) Stripped() Envelope {
	c := e.clone()
	for _, k := range localProperties {
		delete(c, k)
	}
	if obj, ok := c[ObjectProperty].(map[string]interface{}); ok {
		for _, k := range localProperties {
			delete(obj, k)
		}
	}
	return c
}

// Addressed returns a stripped copy with uri added to the role field of the activity and its object.
func (e Envelope) Addressed(role Role, uri string) Envelope {
	c := e.Stripped()
	key := role.String()
	c[key] = appendUnique(cloneStrings(ParseStrings(e[key])), uri)
	if obj, ok := c[ObjectProperty].(map[string]interface{}); ok {
		obj[key] = appendUnique(cloneStrings(ParseStrings(obj[key])), uri)
	}
	return c
}

func (e Envelope) Address(role Role, uri string) ([]byte, error) {
	b, err := json.Marshal(e.Addressed(role, uri))
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return b, nil
}

func (e Envelope) Type() string {
	s, _ := e[TypeProperty].(string)
	return s
}

func (e Envelope) ActorID() string {
	return ParseID(e["actor"])
}

// clone copies the top level and the embedded object map; nested values below that are shared
// but never written.
func (e Envelope) clone() Envelope {
	c := make(Envelope, len(e))
	for k, v := range e {
		c[k] = v
	}
	if obj, ok := e[ObjectProperty].(map[string]interface{}); ok {
		o := make(map[string]interface{}, len(obj))
		for k, v := range obj {
			o[k] = v
		}
		c[ObjectProperty] = o
	}
	return c
}

func (e Envelope) stringProperty(key string) string {
	s, _ := e[key].(string)
	return s
}

// Activity reads the envelope's core properties into an Activity,
// accepting a single string wherever an array is usual.
func (e Envelope) Activity() Activity {
	return Activity{
		Context:   e["@context"],
		Type:      e.Type(),
		ID:        ParseID(e[IDProperty]),
		Actor:     e["actor"],
		Object:    e[ObjectProperty],
		Target:    e["target"],
		To:        ParseStrings(e[ToProperty]),
		CC:        ParseStrings(e[CCProperty]),
		Published: e.stringProperty("published"),
	}
}
