package activity

// DeleteKind is what an inbound Delete activity claims to have deleted.
type DeleteKind int

const (
	DeleteUnrecognized  DeleteKind = iota
	DeleteActor                    // object is a typed actor
	DeleteObject                   // object is a typed object or a Tombstone
	DeleteActorSelf                // minimal form, object == actor
	DeleteMinimalObject            // minimal form, object != actor
)

func (k DeleteKind) String() string {
	switch k {
	case DeleteActor:
		return "actor"
	case DeleteObject:
		return "object"
	case DeleteActorSelf:
		return "actor-self"
	case DeleteMinimalObject:
		return "minimal-object"
	}
	return "unrecognized"
}

// IsActor reports whether the kind concerns a deleted actor rather than a single object.
func (k DeleteKind) IsActor() bool {
	return k == DeleteActor || k == DeleteActorSelf
}

// DeleteTarget is the classification of a Delete: its kind and the URI whose
// tombstone state must be checked before anything local is removed.
type DeleteTarget struct {
	Kind DeleteKind
	URI  string
}

var deleteKinds = map[string]DeleteKind{
	PersonType:       DeleteActor,
	GroupType:        DeleteActor,
	OrganizationType: DeleteActor,
	ServiceType:      DeleteActor,
	ApplicationType:  DeleteActor,

	NoteType:      DeleteObject,
	ArticleType:   DeleteObject,
	ImageType:     DeleteObject,
	AudioType:     DeleteObject,
	VideoType:     DeleteObject,
	EventType:     DeleteObject,
	DocumentType:  DeleteObject,
	TombstoneType: DeleteObject,
}

// ClassifyDelete maps the object of a Delete activity to a DeleteTarget.
// Unknown object types and shapes classify as DeleteUnrecognized.
func ClassifyDelete(act Activity) DeleteTarget {
	actor := act.ActorID()
	switch obj := act.Object.(type) {
	case string:
		// Minimal activity, https://www.w3.org/TR/activitystreams-core/#example-1
		if obj == "" {
			break
		}
		if obj == actor {
			return DeleteTarget{Kind: DeleteActorSelf, URI: actor}
		}
		return DeleteTarget{Kind: DeleteMinimalObject, URI: obj}
	case map[string]interface{}:
		typ, _ := obj[TypeProperty].(string)
		switch deleteKinds[typ] {
		case DeleteActor:
			if actor != "" {
				return DeleteTarget{Kind: DeleteActor, URI: actor}
			}
		case DeleteObject:
			if id := ParseID(obj); id != "" {
				return DeleteTarget{Kind: DeleteObject, URI: id}
			}
		}
	}
	return DeleteTarget{Kind: DeleteUnrecognized}
}
