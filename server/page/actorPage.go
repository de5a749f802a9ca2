package page

// ActorEndpoint is a template for an ActivityPub Actor endpoint
var ActorEndpoint = StaticPage{
	Path:        "", // must be set for each actor
	Accept:      `application/(activity|ld)\+json`,
	ContentType: "application/activity+json",
	Template: `
{
	"@context": [
      "https://www.w3.org/ns/activitystreams",
      "https://w3id.org/security/v1"
  	],
	"type": "{{ .UserType }}",
	"id": "{{ .UserID }}",
	"url": "{{ .UserProfileURL }}",
	"inbox": "{{ .InboxURL }}",
	"outbox": "{{ .OutboxURL }}",
	"followers": "{{ .FollowersURL }}",
	"endpoints": {
		"sharedInbox": "{{ .SharedInboxURL }}"
	},
	"name": "{{ .JSONString .UserDisplayName }}",
	"preferredUsername": "{{ .UserName }}",
	"manuallyApprovesFollowers": false,
    "publicKey": {
        "id": "{{ .UserPublicKeyID }}",
        "owner": "{{ .UserID }}",
        "publicKeyPem": "{{ .TransformedPublicKey }}"
    },
	"summary": "{{ .JSONString .UserSummary }}"
	{{- if .AvatarURL -}},
	"icon": {
		"type": "Image",
		"url": "{{ .AvatarURL }}",
		"width": {{ .AvatarWidth }},
		"height": {{ .AvatarHeight }}
	}
	{{- end }}
}`,
}

// ApplicationEndpoint is the server's own actor. It has no outbox or followers;
// its key signs requests made on behalf of the server rather than a user.
var ApplicationEndpoint = StaticPage{
	Path:        APIPath + "/" + ApplicationName,
	Accept:      `application/(activity|ld)\+json`,
	ContentType: "application/activity+json",
	Template: `
{
	"@context": [
      "https://www.w3.org/ns/activitystreams",
      "https://w3id.org/security/v1"
  	],
	"type": "Application",
	"id": "{{ .UserID }}",
	"url": "{{ .UserProfileURL }}",
	"inbox": "{{ .SharedInboxURL }}",
	"preferredUsername": "{{ .UserName }}",
	"name": "{{ .JSONString .UserDisplayName }}",
	"manuallyApprovesFollowers": true,
    "publicKey": {
        "id": "{{ .UserPublicKeyID }}",
        "owner": "{{ .UserID }}",
        "publicKeyPem": "{{ .TransformedPublicKey }}"
    }
}`,
}
