package page

import (
	"net/http"
	"regexp"

	"github.com/tkrehbiel/activitypress/server/telemetry"
)

// MultiStaticPage can render one of many different StaticPages depending on a request param.
// Resources may be acct: URIs or actor ids.
type MultiStaticPage struct {
	StaticPage
	HostName string
	Pages    map[string]StaticPageHandler
	ids      map[string]string // actor id to username
}

var WellKnownWebFinger = MultiStaticPage{
	StaticPage: StaticPage{
		Path:        "/.well-known/webfinger",
		Accept:      "*/*",
		ContentType: "application/json",
	},
}

// WebFingerPath is where webfinger is also answered inside the namespace
const WebFingerPath = APIPath + "/webfinger"

var WebFingerAccount = StaticPage{
	ContentType: "application/jrd+json",
	Template: `
{
	"subject": "{{ .WebFingerAccount .UserName }}",
	"aliases": [
		"{{ .UserID }}"
	],
	"links": [
		{
			"rel": "self",
			"type": "application/activity+json",
			"href": "{{ .UserID }}"
		},
		{
			"rel": "http://webfinger.net/rel/profile-page",
			"type": "text/html",
			"href": "{{ .UserProfileURL }}"
		}
	]
}`,
}

var acctRegex = regexp.MustCompile(`^acct:@?([^@]+)@(.+)$`)

// Add a user resource to be served
func (s *MultiStaticPage) Add(user UserMetaData) {
	s.HostName = user.HostName
	if s.Pages == nil {
		s.Pages = make(map[string]StaticPageHandler)
		s.ids = make(map[string]string)
	}
	userPage := NewStaticPage(WebFingerAccount) // copy
	if err := userPage.Init(user); err != nil {
		telemetry.Error(err, "rendering webfinger for %s", user.UserName)
		return
	}
	s.Pages[user.UserName] = userPage
	s.ids[user.UserID] = user.UserName
}

func (s *MultiStaticPage) lookup(resource string) (StaticPageHandler, bool) {
	if name, ok := s.ids[resource]; ok {
		return s.Pages[name], true
	}
	matches := acctRegex.FindStringSubmatch(resource)
	if len(matches) == 0 {
		telemetry.Log("WARNING: malformed webfinger resource request [%s]", resource)
		telemetry.Increment("webfinger_malformed", 1)
		return nil, false
	}
	username, hostname := matches[1], matches[2]
	if hostname == s.HostName && s.Pages[username] != nil {
		return s.Pages[username], true
	}
	telemetry.Log("WARNING: unrecognized webfinger resource request for [%s]", resource)
	telemetry.Increment("webfinger_unrecognized", 1)
	return nil, false
}

func (s *MultiStaticPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// This one specifically uses the resource query parameter to lookup webfinger resources.
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		telemetry.Log("WARNING: webfinger request without resource param")
		telemetry.Increment("webfinger_missing", 1)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if pg, ok := s.lookup(resource); ok {
		pg.ServeHTTP(w, r)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *MultiStaticPage) Path() string {
	return s.StaticPage.Path
}

func (s *MultiStaticPage) Accept() string {
	return s.StaticPage.Accept
}

func (s *MultiStaticPage) Init(meta any) error {
	return nil // no template here, only user templates
}
