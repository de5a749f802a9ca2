package page

// NodeInfo discovery: the well-known document links to the 2.1 schema document.

const nodeInfoSchema = "http://nodeinfo.diaspora.software/ns/schema/2.1"

var WellKnownNodeInfo = StaticPage{
	Path:         "/.well-known/nodeinfo",
	Accept:       "*/*",
	ContentType:  "application/json",
	CacheControl: "max-age=3600",
	Template: `
{
	"links": [
		{
			"rel": "` + nodeInfoSchema + `",
			"href": "{{ .URL }}/nodeinfo/2.1"
		}
	]
}`,
}

var NodeInfo = StaticPage{
	Path:         "/nodeinfo/2.1",
	Accept:       "*/*",
	ContentType:  `application/json; profile="` + nodeInfoSchema + `#"`,
	CacheControl: "max-age=1800",
	Template: `
{
	"version": "2.1",
	"software": {
		"name": "` + SoftwareName + `",
		"version": "` + SoftwareVersion + `",
		"repository": "https://github.com/tkrehbiel/activitypress/"
	},
	"protocols": ["activitypub"],
	"services": {
		"inbound": ["rss2.0"],
		"outbound": []
	},
	"openRegistrations": false,
	"usage": {
		"users": {
			"total": {{ .UserCount }}
		}
	},
	"metadata": {
		"nodeName": "{{ .JSONString .HostName }}"
	}
}`,
}
