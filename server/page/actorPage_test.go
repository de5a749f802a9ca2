package page

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPEM = "-----BEGIN PUBLIC KEY-----\nMIIBIjANBgkq\n-----END PUBLIC KEY-----\n"

func TestActorPage_JSON(t *testing.T) {
	const testName = "testUserName"

	u, err := url.Parse("http://test")
	require.NoError(t, err)
	meta := NewMetaData(u)
	umeta := meta.NewUserMetaData(testName)
	umeta.UserDisplayName = `The "Test" User`
	umeta.UserPublicKey = testPEM

	// Test that the template parses
	page := NewStaticPage(ActorEndpoint)
	assert.NoError(t, page.Init(umeta))

	rp := page.(*renderedPage)
	assert.NotNil(t, rp.rendered)

	// Test that the JSON is valid
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(rp.rendered, &data))
	assert.Equal(t, testName, data["preferredUsername"])
	assert.Equal(t, "http://test/activitypub/1.0/users/testUserName", data["id"])
	assert.Equal(t, "http://test/activitypub/1.0/users/testUserName/inbox", data["inbox"])
	assert.Equal(t, "http://test/activitypub/1.0/users/testUserName/followers", data["followers"])
	assert.Equal(t, `The "Test" User`, data["name"])
	assert.Equal(t, "http://test/activitypub/1.0/inbox", data["endpoints"].(map[string]interface{})["sharedInbox"])
	key := data["publicKey"].(map[string]interface{})
	assert.Equal(t, testPEM, key["publicKeyPem"])
	assert.Equal(t, "http://test/activitypub/1.0/users/testUserName#main-key", key["id"])
}

func TestApplicationPage_JSON(t *testing.T) {
	u, err := url.Parse("https://blog.example")
	require.NoError(t, err)
	app := NewMetaData(u).NewApplicationMetaData()
	app.UserPublicKey = testPEM

	page := NewStaticPage(ApplicationEndpoint).(*renderedPage)
	require.NoError(t, page.Init(app))

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(page.rendered, &data))
	assert.Equal(t, "Application", data["type"])
	assert.Equal(t, "https://blog.example/activitypub/1.0/application", data["id"])
	assert.Equal(t, "/activitypub/1.0/application", page.Path())
	assert.Equal(t, testPEM, data["publicKey"].(map[string]interface{})["publicKeyPem"])
}
