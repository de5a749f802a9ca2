package page

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Namespace is the path prefix of every ActivityPub endpoint; APIPath is the versioned root under it.
const (
	Namespace = "/activitypub"
	APIPath   = Namespace + "/1.0"
)

// ApplicationName is the preferred username of the server's own actor.
// It is reserved, no user can have it.
const ApplicationName = "application"

// Software identifies this server in nodeinfo.
const (
	SoftwareName    = "activitypress"
	SoftwareVersion = "0.2.0"
)

// MetaData contains server information typically used in templates
type MetaData struct {
	URL      string // full server URL with scheme, host, port
	Scheme   string // http or https
	HostName string // server hostname
	Port     int    // server port

	UserCount int // number of local users, for nodeinfo
}

// These functions set the base paths for endpoints

func (m MetaData) join(elem ...string) string {
	s, _ := url.JoinPath(m.URL, elem...)
	return s
}

// WebFingerAccount gets a webfinger user account name
func (m MetaData) WebFingerAccount(name string) string {
	return fmt.Sprintf("acct:%s@%s", name, m.HostName)
}

// ActorPath is the server path of a user's actor document
func ActorPath(name string) string {
	return fmt.Sprintf("%s/users/%s", APIPath, name)
}

// ActorURL gets an ActivtyPub Actor ID and endpoint URL
func (m MetaData) ActorURL(name string) string {
	return m.join(ActorPath(name))
}

func (m MetaData) ApplicationURL() string {
	return m.join(APIPath, ApplicationName)
}

func (m MetaData) SharedInboxURL() string {
	return m.join(APIPath, "inbox")
}

// JSONString escapes s for use inside a quoted JSON string in a template.
func (m MetaData) JSONString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(string(b), `"`), `"`)
}

func (m MetaData) NewUserMetaData(name string) UserMetaData {
	actor := m.ActorURL(name)
	return UserMetaData{
		MetaData:        m,
		UserName:        name,
		UserID:          actor,
		UserProfileURL:  actor,
		UserPublicKeyID: actor + "#main-key",
		UserType:        "Person",
	}
}

// NewApplicationMetaData describes the server's own actor.
func (m MetaData) NewApplicationMetaData() UserMetaData {
	app := m.ApplicationURL()
	return UserMetaData{
		MetaData:        m,
		UserName:        ApplicationName,
		UserID:          app,
		UserProfileURL:  m.URL,
		UserPublicKeyID: app + "#main-key",
		UserType:        "Application",
		UserDisplayName: m.HostName,
	}
}

func NewMetaData(u *url.URL) MetaData {
	return MetaData{
		URL:      u.String(),
		Scheme:   u.Scheme,
		HostName: u.Hostname(),
	}
}

// UserMetaData contains user information typically used in templates
type UserMetaData struct {
	MetaData
	UserName        string // Plain undecorated username
	UserID          string // ActivityPub user ID (an URL for application/json+activity)
	UserProfileURL  string // HTML user profile page (an URL)
	UserDisplayName string
	UserSummary     string
	UserType        string // ActivityPub Actor type (Person, Organization, etc.)
	UserPublicKeyID string
	UserPublicKey   string // PEM
	AvatarURL       string
	AvatarWidth     int
	AvatarHeight    int
}

func (m UserMetaData) InboxURL() string {
	return m.UserID + "/inbox"
}

func (m UserMetaData) OutboxURL() string {
	return m.UserID + "/outbox"
}

func (m UserMetaData) FollowersURL() string {
	return m.UserID + "/followers"
}

// TransformedPublicKey is the PEM escaped for a JSON string
func (m UserMetaData) TransformedPublicKey() string {
	return m.JSONString(m.UserPublicKey)
}
