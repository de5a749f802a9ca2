package activity

// ActivityPub and ActivityStreams vocabulary

const (
	IDProperty     = "id"
	TypeProperty   = "type"
	ObjectProperty = "object"
	ToProperty     = "to"
	CCProperty     = "cc"
	BToProperty    = "bto"
	BCCProperty    = "bcc"
)

const (
	Context         = "https://www.w3.org/ns/activitystreams"
	SecurityContext = "https://w3id.org/security/v1"
	PublicAddress   = "https://www.w3.org/ns/activitystreams#Public"
	ContentType     = `application/activity+json`
	ContentTypeLD   = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	AcceptHeader    = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// ActivityPub actor types
// https://www.w3.org/TR/activitystreams-vocabulary/#actor-types
const (
	PersonType       = "Person"
	GroupType        = "Group"
	OrganizationType = "Organization"
	ServiceType      = "Service"
	ApplicationType  = "Application"
)

// ActivityPub object types
// https://www.w3.org/TR/activitystreams-vocabulary/#object-types
const (
	NoteType              = "Note"
	ArticleType           = "Article"
	ImageType             = "Image"
	AudioType             = "Audio"
	VideoType             = "Video"
	EventType             = "Event"
	DocumentType          = "Document"
	TombstoneType         = "Tombstone"
	MentionType           = "Mention"
	OrderedCollectionType = "OrderedCollection"
)

// ActivityPub activity types
const (
	CreateType = "Create"
	UpdateType = "Update"
	DeleteType = "Delete"
	FollowType = "Follow"
	UndoType   = "Undo"
	AcceptType = "Accept"
	RejectType = "Reject"
)

const (
	// ActivityPub time format string
	TimeFormat = "2006-01-02T15:04:05Z"
)
