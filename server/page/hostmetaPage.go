package page

// Host-meta points discovery clients at webfinger, in XRD and JRD forms.

const lrddTemplate = `{{ .URL }}/.well-known/webfinger?resource={uri}`

var WellKnownHostMeta = StaticPage{
	Path:         "/.well-known/host-meta",
	Accept:       "*/*",
	ContentType:  "application/xrd+xml; charset=utf-8",
	CacheControl: "max-age=3600",
	Template: `
<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
	<Link rel="lrdd" type="application/jrd+json" template="` + lrddTemplate + `"/>
</XRD>`,
}

var WellKnownHostMetaJSON = StaticPage{
	Path:         "/.well-known/host-meta.json",
	Accept:       "*/*",
	ContentType:  "application/jrd+json; charset=utf-8",
	CacheControl: "max-age=3600",
	Template: `
{
	"links": [
		{
			"rel": "lrdd",
			"type": "application/jrd+json",
			"template": "` + lrddTemplate + `"
		}
	]
}`,
}
