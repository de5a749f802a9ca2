package remote

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/signature"
)

// remoteServer serves actors and objects like another fediverse server would
type remoteServer struct {
	*httptest.Server
	publicPEM string
	hits      atomic.Int32
	signed    atomic.Int32
	statuses  map[string]int
	docs      map[string]any
}

func newRemoteServer(t *testing.T) *remoteServer {
	pub, _, err := signature.GenerateKeyPair()
	require.NoError(t, err)
	rs := &remoteServer{publicPEM: pub, statuses: map[string]int{}, docs: map[string]any{}}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		if r.Header.Get("Signature") != "" {
			rs.signed.Add(1)
		}
		if status, ok := rs.statuses[r.URL.Path]; ok {
			w.WriteHeader(status)
			return
		}
		doc, ok := rs.docs[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", activity.ContentType)
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *remoteServer) addActor(name string, shared bool) string {
	id := rs.URL + "/users/" + name
	actor := activity.Actor{
		Type:  activity.PersonType,
		ID:    id,
		Inbox: id + "/inbox",
		PublicKey: &activity.PublicKey{
			ID:           id + "#main-key",
			Owner:        id,
			PublicKeyPem: rs.publicPEM,
		},
	}
	if shared {
		actor.Endpoints = &activity.Endpoints{SharedInbox: rs.URL + "/inbox"}
	}
	rs.docs["/users/"+name] = actor
	return id
}

func TestLookupActor_Cached(t *testing.T) {
	rs := newRemoteServer(t)
	id := rs.addActor("alice", true)
	r := NewResolver(nil, time.Minute, nil)

	actor, err := r.LookupActor(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, actor.ID)
	assert.Equal(t, rs.URL+"/inbox", actor.DeliveryInbox())

	_, err = r.LookupActor(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), rs.hits.Load())

	_, err = r.LookupActor(context.Background(), rs.URL+"/users/nobody")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestPublicKey(t *testing.T) {
	rs := newRemoteServer(t)
	id := rs.addActor("alice", false)
	r := NewResolver(nil, time.Minute, nil)

	key, owner, err := r.PublicKey(context.Background(), id+"#main-key")
	require.NoError(t, err)
	assert.Equal(t, id, owner)
	assert.IsType(t, &rsa.PublicKey{}, key)

	_, _, err = r.PublicKey(context.Background(), id+"#other-key")
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestPublicKey_OwnerMustPublishKey(t *testing.T) {
	victim := newRemoteServer(t)
	alice := victim.addActor("alice", false)

	// a key on another host claiming to belong to alice
	evil := newRemoteServer(t)
	evil.docs["/k"] = activity.Actor{
		ID: evil.URL + "/k",
		PublicKey: &activity.PublicKey{
			ID:           evil.URL + "/k#main-key",
			Owner:        alice,
			PublicKeyPem: evil.publicPEM,
		},
	}

	// a key document apart from its actor, on the actor's host
	carol := victim.URL + "/users/carol"
	victim.docs["/users/carol"] = activity.Actor{
		Type:  activity.PersonType,
		ID:    carol,
		Inbox: carol + "/inbox",
		PublicKey: &activity.PublicKey{
			ID:           victim.URL + "/keys/carol#main-key",
			Owner:        carol,
			PublicKeyPem: victim.publicPEM,
		},
	}
	victim.docs["/keys/carol"] = map[string]any{
		"id": victim.URL + "/keys/carol",
		"publicKey": map[string]string{
			"id":           victim.URL + "/keys/carol#main-key",
			"owner":        carol,
			"publicKeyPem": victim.publicPEM,
		},
	}
	// a same-host key naming alice, who doesn't publish it
	victim.docs["/keys/mallory"] = map[string]any{
		"id": victim.URL + "/keys/mallory",
		"publicKey": map[string]string{
			"id":           victim.URL + "/keys/mallory#main-key",
			"owner":        alice,
			"publicKeyPem": evil.publicPEM,
		},
	}

	r := NewResolver(nil, time.Minute, nil)
	ctx := context.Background()

	key, owner, err := r.PublicKey(ctx, evil.URL+"/k#main-key")
	assert.ErrorIs(t, err, ErrKeyMismatch)
	assert.Nil(t, key)
	assert.Empty(t, owner)

	key, owner, err = r.PublicKey(ctx, victim.URL+"/keys/carol#main-key")
	require.NoError(t, err)
	assert.Equal(t, carol, owner)
	assert.IsType(t, &rsa.PublicKey{}, key)

	_, owner, err = r.PublicKey(ctx, victim.URL+"/keys/mallory#main-key")
	assert.ErrorIs(t, err, ErrKeyMismatch)
	assert.Empty(t, owner)
}

func TestIsTombstone(t *testing.T) {
	rs := newRemoteServer(t)
	rs.statuses["/gone"] = http.StatusGone
	rs.statuses["/broken"] = http.StatusInternalServerError
	rs.docs["/tombstone"] = map[string]string{"type": activity.TombstoneType, "id": rs.URL + "/tombstone"}
	rs.docs["/alive"] = map[string]string{"type": activity.NoteType, "id": rs.URL + "/alive"}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	r := NewResolver(nil, time.Minute, &signature.Signer{KeyID: "https://local/app#main-key", Key: key})

	tests := []struct {
		path    string
		gone    bool
		wantErr bool
	}{
		{"/missing", true, false},
		{"/gone", true, false},
		{"/tombstone", true, false},
		{"/alive", false, false},
		{"/broken", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			gone, err := r.IsTombstone(context.Background(), rs.URL+tt.path)
			assert.Equal(t, tt.gone, gone)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.Equal(t, int32(len(tests)), rs.signed.Load())
}

func TestIsTombstone_Unreachable(t *testing.T) {
	rs := newRemoteServer(t)
	url := rs.URL + "/somewhere"
	rs.Close()

	r := NewResolver(nil, time.Minute, nil)
	gone, err := r.IsTombstone(context.Background(), url)
	assert.False(t, gone)
	assert.Error(t, err)
}

func TestMentionedInboxes(t *testing.T) {
	rs := newRemoteServer(t)
	alice := rs.addActor("alice", true)
	bob := rs.addActor("bob", false)
	r := NewResolver(nil, time.Minute, nil)

	targets := r.MentionedInboxes(context.Background(), []string{alice, rs.URL + "/users/ghost", bob})
	require.Len(t, targets, 2)
	assert.Equal(t, rs.URL+"/inbox", targets[0].Inbox)
	assert.Equal(t, alice, targets[0].Addressee)
	assert.Equal(t, fmt.Sprintf("%s/inbox", bob), targets[1].Inbox)
}

func TestExtractMentions(t *testing.T) {
	html := `<p><span class="h-card"><a href="https://a.example/@alice" class="u-url mention">@alice</a></span>
	<a href="https://b.example/users/bob" rel="mention">@bob</a>
	<a href="https://a.example/tags/go" class="mention hashtag">#go</a>
	<a href="https://a.example/@alice" class="mention">@alice again</a>
	<a href="https://example.com/">a link</a></p>`
	assert.Equal(t, []string{"https://a.example/@alice", "https://b.example/users/bob"}, ExtractMentions(html))
	assert.Empty(t, ExtractMentions("plain text"))
}
