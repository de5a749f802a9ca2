package activity

// Actor is the subset of a remote actor document this server reads.
type Actor struct {
	Context           interface{} `json:"@context,omitempty"`
	Type              string      `json:"type"`
	ID                string      `json:"id"`
	PreferredUsername string      `json:"preferredUsername,omitempty"`
	Name              string      `json:"name,omitempty"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox,omitempty"`
	Followers         string      `json:"followers,omitempty"`
	Endpoints         *Endpoints  `json:"endpoints,omitempty"`
	PublicKey         *PublicKey  `json:"publicKey,omitempty"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// SharedInbox returns the actor's shared inbox, or "" if it doesn't advertise one.
func (a *Actor) SharedInbox() string {
	if a.Endpoints == nil {
		return ""
	}
	return a.Endpoints.SharedInbox
}

// DeliveryInbox prefers the shared inbox so one request reaches every recipient on a server.
func (a *Actor) DeliveryInbox() string {
	if s := a.SharedInbox(); s != "" {
		return s
	}
	return a.Inbox
}

// IsActorType reports whether t names one of the ActivityStreams actor types.
func IsActorType(t string) bool {
	return deleteKinds[t] == DeleteActor
}
