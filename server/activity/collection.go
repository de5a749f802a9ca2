package activity

type OrderedCollection struct {
	Context  string        `json:"@context,omitempty"`
	Type     string        `json:"type"`
	ID       string        `json:"id"`
	NumItems int           `json:"totalItems"`
	Items    []interface{} `json:"orderedItems,omitempty"`
}
