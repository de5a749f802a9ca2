package server

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/deletion"
	"github.com/tkrehbiel/activitypress/server/delivery"
	"github.com/tkrehbiel/activitypress/server/page"
	"github.com/tkrehbiel/activitypress/server/storage"
)

// testStore opens an in-memory database private to the test
func testStore(t *testing.T) storage.Database {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db := storage.NewDatabase("", "file:"+name+"?mode=memory&cache=shared")
	require.NoError(t, db.Open())
	t.Cleanup(db.Close)
	return db
}

func testMeta(t *testing.T) page.MetaData {
	u, err := url.Parse("https://blog.example")
	require.NoError(t, err)
	return page.NewMetaData(u)
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) Enqueue(ctx context.Context, name string, payload any) error {
	return m.Called(name, payload).Error(0)
}

// payload returns the payload of the only task queued under name
func (m *mockScheduler) payload(t *testing.T, name string) any {
	for _, call := range m.Calls {
		if call.Method == "Enqueue" && call.Arguments.String(0) == name {
			return call.Arguments.Get(1)
		}
	}
	require.Failf(t, "task not queued", "%s", name)
	return nil
}

type mockDeletions struct {
	mock.Mock
}

func (m *mockDeletions) Process(ctx context.Context, act activity.Activity) (deletion.Outcome, error) {
	args := m.Called(act.ActorID(), act.ObjectID())
	return args.Get(0).(deletion.Outcome), args.Error(1)
}

type mockPosts struct {
	mock.Mock
}

func (m *mockPosts) PublishPost(ctx context.Context, post activity.PostSnapshot) error {
	return m.Called(post).Error(0)
}

func (m *mockPosts) UpdatePost(ctx context.Context, post activity.PostSnapshot) error {
	return m.Called(post).Error(0)
}

// stubActors serves remote actors from memory
type stubActors map[string]*activity.Actor

func (s stubActors) LookupActor(ctx context.Context, id string) (*activity.Actor, error) {
	if a, ok := s[id]; ok {
		return a, nil
	}
	return nil, &url.Error{Op: "Get", URL: id, Err: context.DeadlineExceeded}
}

func (s stubActors) add(id string, sharedInbox string) *activity.Actor {
	a := &activity.Actor{Type: activity.PersonType, ID: id, Inbox: id + "/inbox"}
	if sharedInbox != "" {
		a.Endpoints = &activity.Endpoints{SharedInbox: sharedInbox}
	}
	s[id] = a
	return a
}

type stubFollowers map[string][]delivery.Target

func (s stubFollowers) FollowerTargets(ctx context.Context, owner string) ([]delivery.Target, error) {
	return s[owner], nil
}

type stubMentions map[string]delivery.Target

func (s stubMentions) MentionedInboxes(ctx context.Context, mentions []string) []delivery.Target {
	targets := make([]delivery.Target, 0)
	for _, m := range mentions {
		if t, ok := s[m]; ok {
			targets = append(targets, t)
		}
	}
	return targets
}

type sent struct {
	inbox     string
	body      []byte
	signer    string
	forwarded bool
}

// recordingTransport records deliveries instead of making them
type recordingTransport struct {
	lock  sync.Mutex
	sends []sent
	fail  map[string]error
}

func (r *recordingTransport) record(s sent) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sends = append(r.sends, s)
	return r.fail[s.inbox]
}

func (r *recordingTransport) Send(ctx context.Context, inbox string, body []byte, signer string) error {
	return r.record(sent{inbox: inbox, body: body, signer: signer})
}

func (r *recordingTransport) Forward(ctx context.Context, inbox string, body []byte) error {
	return r.record(sent{inbox: inbox, body: body, forwarded: true})
}

func (r *recordingTransport) inboxes() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	list := make([]string, 0, len(r.sends))
	for _, s := range r.sends {
		list = append(list, s.inbox)
	}
	return list
}

func (r *recordingTransport) to(t *testing.T, inbox string) sent {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, s := range r.sends {
		if s.inbox == inbox {
			return s
		}
	}
	require.Failf(t, "nothing sent", "%s", inbox)
	return sent{}
}

func decode(t *testing.T, b []byte) map[string]interface{} {
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}
