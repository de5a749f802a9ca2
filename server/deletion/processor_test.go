package deletion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/storage"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) FindFollowersByActor(ctx context.Context, actorID string) ([]storage.Follower, error) {
	args := m.Called(actorID)
	f, _ := args.Get(0).([]storage.Follower)
	return f, args.Error(1)
}

func (m *mockStore) DeleteFollower(ctx context.Context, owner, actorID string) error {
	return m.Called(owner, actorID).Error(0)
}

func (m *mockStore) FindInteraction(ctx context.Context, objectID string) (*storage.Interaction, error) {
	args := m.Called(objectID)
	i, _ := args.Get(0).(*storage.Interaction)
	return i, args.Error(1)
}

func (m *mockStore) DeleteInteraction(ctx context.Context, objectID string) error {
	return m.Called(objectID).Error(0)
}

func (m *mockStore) DeleteInteractionsByActor(ctx context.Context, actorID string) (int64, error) {
	args := m.Called(actorID)
	return int64(args.Int(0)), args.Error(1)
}

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) IsTombstone(ctx context.Context, uri string) (bool, error) {
	args := m.Called(uri)
	return args.Bool(0), args.Error(1)
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) Enqueue(ctx context.Context, name string, payload any) error {
	return m.Called(name, payload).Error(0)
}

func parse(t *testing.T, s string) activity.Activity {
	var act activity.Activity
	require.NoError(t, json.Unmarshal([]byte(s), &act))
	return act
}

const alice = "https://remote/alice"

func TestProcess_SelfDeleteConfirmed(t *testing.T) {
	store, oracle, queue := &mockStore{}, &mockOracle{}, &mockScheduler{}
	oracle.On("IsTombstone", alice).Return(true, nil)
	store.On("FindFollowersByActor", alice).Return([]storage.Follower{
		{Owner: "blog", ActorID: alice},
		{Owner: "photos", ActorID: alice},
	}, nil)
	store.On("DeleteFollower", "blog", alice).Return(nil)
	store.On("DeleteFollower", "photos", alice).Return(nil)
	queue.On("Enqueue", CascadeTask, CascadePayload{Actor: alice}).Return(nil)

	p := NewProcessor(store, oracle, queue)
	outcome, err := p.Process(context.Background(), parse(t, `{"type":"Delete","actor":"https://remote/alice","object":"https://remote/alice"}`))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	store.AssertExpectations(t)
	queue.AssertExpectations(t)
}

func TestProcess_ActorTypeUsesSamePath(t *testing.T) {
	store, oracle, queue := &mockStore{}, &mockOracle{}, &mockScheduler{}
	oracle.On("IsTombstone", alice).Return(true, nil)
	store.On("FindFollowersByActor", alice).Return([]storage.Follower{}, nil)
	queue.On("Enqueue", CascadeTask, CascadePayload{Actor: alice}).Return(nil)

	p := NewProcessor(store, oracle, queue)
	outcome, err := p.Process(context.Background(), parse(t, `{"type":"Delete","actor":"https://remote/alice","object":{"type":"Person","id":"https://remote/alice"}}`))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	queue.AssertExpectations(t)
}

func TestProcess_ActorStillExists(t *testing.T) {
	store, oracle, queue := &mockStore{}, &mockOracle{}, &mockScheduler{}
	oracle.On("IsTombstone", alice).Return(false, nil)

	p := NewProcessor(store, oracle, queue)
	outcome, err := p.Process(context.Background(), parse(t, `{"type":"Delete","actor":"https://remote/alice","object":"https://remote/alice"}`))
	require.NoError(t, err)
	assert.Equal(t, Unconfirmed, outcome)
	store.AssertNotCalled(t, "FindFollowersByActor", mock.Anything)
	store.AssertNotCalled(t, "DeleteFollower", mock.Anything, mock.Anything)
	queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestProcess_OracleErrorIsNotConfirmation(t *testing.T) {
	store, oracle, queue := &mockStore{}, &mockOracle{}, &mockScheduler{}
	oracle.On("IsTombstone", alice).Return(true, errors.New("timeout"))

	p := NewProcessor(store, oracle, queue)
	outcome, err := p.Process(context.Background(), parse(t, `{"type":"Delete","actor":"https://remote/alice","object":{"type":"Service","id":"https://remote/alice"}}`))
	require.NoError(t, err)
	assert.Equal(t, Unconfirmed, outcome)
	store.AssertNotCalled(t, "DeleteFollower", mock.Anything, mock.Anything)
}

func TestProcess_ObjectDelete(t *testing.T) {
	note := "https://remote/notes/1"
	tests := []struct {
		name    string
		json    string
		stored  bool
		gone    bool
		outcome Outcome
	}{
		{"typed note confirmed", `{"type":"Delete","actor":"https://remote/alice","object":{"type":"Note","id":"https://remote/notes/1"}}`, true, true, Applied},
		{"tombstone confirmed", `{"type":"Delete","actor":"https://remote/alice","object":{"type":"Tombstone","id":"https://remote/notes/1"}}`, true, true, Applied},
		{"minimal confirmed", `{"type":"Delete","actor":"https://remote/alice","object":"https://remote/notes/1"}`, true, true, Applied},
		{"still there", `{"type":"Delete","actor":"https://remote/alice","object":"https://remote/notes/1"}`, true, false, Unconfirmed},
		{"never stored", `{"type":"Delete","actor":"https://remote/alice","object":"https://remote/notes/1"}`, false, true, Ignored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, oracle, queue := &mockStore{}, &mockOracle{}, &mockScheduler{}
			if tt.stored {
				store.On("FindInteraction", note).Return(&storage.Interaction{ObjectID: note, ActorID: alice}, nil)
			} else {
				store.On("FindInteraction", note).Return(nil, nil)
			}
			oracle.On("IsTombstone", note).Return(tt.gone, nil)
			store.On("DeleteInteraction", note).Return(nil)

			outcome, err := NewProcessor(store, oracle, queue).Process(context.Background(), parse(t, tt.json))
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, outcome)
			if tt.outcome == Applied {
				store.AssertCalled(t, "DeleteInteraction", note)
			} else {
				store.AssertNotCalled(t, "DeleteInteraction", mock.Anything)
			}
			if !tt.stored {
				oracle.AssertNotCalled(t, "IsTombstone", mock.Anything)
			}
		})
	}
}

func TestProcess_Unrecognized(t *testing.T) {
	store, oracle, queue := &mockStore{}, &mockOracle{}, &mockScheduler{}
	outcome, err := NewProcessor(store, oracle, queue).Process(context.Background(), parse(t, `{"type":"Delete","actor":"https://remote/alice","object":{"type":"Hologram","id":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, Ignored, outcome)
	oracle.AssertNotCalled(t, "IsTombstone", mock.Anything)
}

func TestDeleteActorInteractions(t *testing.T) {
	store := &mockStore{}
	store.On("DeleteInteractionsByActor", alice).Return(3, nil)
	p := NewProcessor(store, &mockOracle{}, &mockScheduler{})

	payload, _ := json.Marshal(CascadePayload{Actor: alice})
	assert.NoError(t, p.DeleteActorInteractions(context.Background(), payload))
	store.AssertExpectations(t)

	assert.Error(t, p.DeleteActorInteractions(context.Background(), json.RawMessage(`{}`)))
	assert.Error(t, p.DeleteActorInteractions(context.Background(), json.RawMessage(`nope`)))
}
