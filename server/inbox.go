package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/deletion"
	"github.com/tkrehbiel/activitypress/server/gate"
	"github.com/tkrehbiel/activitypress/server/page"
	"github.com/tkrehbiel/activitypress/server/storage"
	"github.com/tkrehbiel/activitypress/server/tasks"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

const maxActivityBytes = 1 << 20

// ActorLookup fetches remote actor documents.
type ActorLookup interface {
	LookupActor(ctx context.Context, id string) (*activity.Actor, error)
}

type DeleteProcessor interface {
	Process(ctx context.Context, act activity.Activity) (deletion.Outcome, error)
}

type inboxStore interface {
	storage.Followers
	storage.Interactions
	storage.Notes
	storage.Comments
}

// followResponseMessage is the payload of FollowResponseTask
type followResponseMessage struct {
	Owner    string            `json:"owner"`
	Actor    string            `json:"actor"` // the remote follower
	Inbox    string            `json:"inbox"`
	Response string            `json:"response"` // Accept or Reject
	Object   activity.Activity `json:"object"`   // the Follow or Undo being answered
}

// forwardMessage is the payload of ForwardTask
type forwardMessage struct {
	Activity json.RawMessage `json:"activity"`
	Sender   string          `json:"sender"`
	Ancestor string          `json:"ancestor"`
}

// ActivityInbox receives activities from remote servers, either for one
// local user or, when owner is empty, for every local user (the shared inbox).
type ActivityInbox struct {
	id           string
	owner        string
	users        map[string]string // actor id to local username
	meta         page.MetaData
	store        inboxStore
	actors       ActorLookup
	deletions    DeleteProcessor
	queue        tasks.Scheduler
	maxFollowers int
}

// GetHTTP handles GET requests to the inbox, which we don't do
func (ai *ActivityInbox) GetHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "ActivityInbox.GetHTTP [%s]", ai.id)
	telemetry.Increment("get_requests", 1)
	writeCollection(w, activity.OrderedCollection{
		Context: activity.Context,
		Type:    activity.OrderedCollectionType,
		ID:      ai.id,
	})
}

// PostHTTP handles POST requests to the inbox.
// This is where the bulk of handling communications from remote federated servers happens.
func (ai *ActivityInbox) PostHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Increment("post_requests", 1)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxActivityBytes))
	if err != nil {
		telemetry.Error(err, "reading body bytes")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	env, err := activity.ParseEnvelope(body)
	if err != nil {
		telemetry.Error(err, "unmarshaling activity [%s]", string(body))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	act := env.Activity()

	if reason := ai.unauthorized(r, act); reason != "" {
		telemetry.Request(r, "refused %s from %s: %s", act.Type, act.ActorID(), reason)
		telemetry.Increment("unauthorized_requests", 1)
		http.Error(w, gate.ErrUnsigned.Error(), http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	switch act.Type {
	case activity.FollowType:
		ai.follow(ctx, w, act)
	case activity.UndoType:
		ai.undo(ctx, w, act)
	case activity.DeleteType:
		ai.delete(ctx, w, act)
	case activity.CreateType:
		ai.create(ctx, w, act, body)
	case activity.UpdateType:
		ai.update(ctx, w, act, body)
	default:
		telemetry.Trace("ignoring activity type [%s] from %s", act.Type, act.ActorID())
		w.WriteHeader(http.StatusAccepted)
	}
}

// unauthorized checks the gate's verdict against the activity itself.
// It returns the reason the activity is refused, or "".
func (ai *ActivityInbox) unauthorized(r *http.Request, act activity.Activity) string {
	res, ok := gate.FromContext(r.Context())
	switch {
	case !ok:
		return "not checked"
	case res.Verified:
		if res.Signer != act.ActorID() {
			return fmt.Sprintf("signed by %s", res.Signer)
		}
		return ""
	case res.Deferred && act.Type == activity.DeleteType:
		// the delete processor confirms with the origin server
		return ""
	}
	return "unsigned " + act.Type
}

// localUser maps an actor id to a local username this inbox serves.
func (ai *ActivityInbox) localUser(actorID string) (string, bool) {
	name, ok := ai.users[actorID]
	if !ok || (ai.owner != "" && name != ai.owner) {
		return "", false
	}
	return name, true
}

func (ai *ActivityInbox) follow(ctx context.Context, w http.ResponseWriter, act activity.Activity) {
	telemetry.Increment("follow_requests", 1)

	// The actor is the id of the person who wants to follow
	actorID := act.ActorID()
	// The object is the user that is to be followed
	objectID := act.ObjectID()

	var message = fmt.Sprintf("POST follow [%s] by [%s] at inbox [%s]", objectID, actorID, ai.id)
	defer func() {
		telemetry.Log(message)
	}()

	owner, ok := ai.localUser(objectID)
	if !ok {
		message += " - rejected, wrong inbox"
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if act.ID == "" {
		// The id is echoed in the Accept so the remote server knows what we're accepting.
		message += " - rejected, no follow id"
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	remote, err := ai.actors.LookupActor(ctx, actorID)
	if err != nil {
		message += " - rejected, unresolvable actor"
		telemetry.Error(err, "looking up follower %s", actorID)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	existing, err := ai.store.FindFollower(ctx, owner, actorID)
	if err != nil {
		message += " - rejected, database read error"
		telemetry.Error(err, "database error")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	followers, err := ai.store.GetFollowers(ctx, owner)
	if err != nil {
		message += " - rejected, database read error"
		telemetry.Error(err, "database error")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	response := activity.RejectType
	if existing != nil || ai.maxFollowers == 0 || len(followers) < ai.maxFollowers {
		// Pending until an Accept is successfully delivered.
		follower := storage.Follower{
			Owner:       owner,
			ActorID:     actorID,
			Inbox:       remote.Inbox,
			SharedInbox: remote.SharedInbox(),
			RequestID:   act.ID,
			Status:      storage.FollowPending,
		}
		if err := ai.store.SaveFollower(ctx, &follower); err != nil {
			message += " - database write error"
			telemetry.Error(err, "database error")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		response = activity.AcceptType
	}

	err = ai.queue.Enqueue(ctx, FollowResponseTask, followResponseMessage{
		Owner:    owner,
		Actor:    actorID,
		Inbox:    remote.Inbox,
		Response: response,
		Object: activity.Activity{
			Type:   activity.FollowType,
			ID:     act.ID,
			Actor:  actorID,
			Object: objectID,
		},
	})
	if err != nil {
		message += " - response not queued"
		telemetry.Error(err, "queuing follow response")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	message += " - " + response
	w.WriteHeader(http.StatusAccepted)
}

func (ai *ActivityInbox) undo(ctx context.Context, w http.ResponseWriter, act activity.Activity) {
	undone, ok := act.Object.(map[string]interface{})
	if !ok || undone[activity.TypeProperty] != activity.FollowType {
		telemetry.Trace("ignoring undo of %v", act.Object)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	telemetry.Increment("undo_requests", 1)

	actorID := act.ActorID()
	objectID := activity.ParseID(undone[activity.ObjectProperty])

	var message = fmt.Sprintf("POST unfollow [%s] by [%s] at inbox [%s]", objectID, actorID, ai.id)
	defer func() {
		telemetry.Log(message)
	}()

	if activity.ParseID(undone["actor"]) != actorID {
		message += " - rejected, not the follower"
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	owner, ok := ai.localUser(objectID)
	if !ok {
		message += " - rejected, wrong inbox"
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := ai.store.DeleteFollower(ctx, owner, actorID); err != nil {
		message += " - database delete error"
		telemetry.Error(err, "database error")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	remote, err := ai.actors.LookupActor(ctx, actorID)
	if err != nil {
		// the follow is gone either way, the Accept is a courtesy
		message += " - no accept, unresolvable actor"
		w.WriteHeader(http.StatusAccepted)
		return
	}
	err = ai.queue.Enqueue(ctx, FollowResponseTask, followResponseMessage{
		Owner:    owner,
		Actor:    actorID,
		Inbox:    remote.Inbox,
		Response: activity.AcceptType,
		Object: activity.Activity{
			Type:  activity.UndoType,
			ID:    act.ID,
			Actor: actorID,
			Object: activity.Activity{
				Type:   activity.FollowType,
				ID:     activity.ParseID(undone[activity.IDProperty]),
				Actor:  actorID,
				Object: objectID,
			},
		},
	})
	if err != nil {
		telemetry.Error(err, "queuing undo response")
	}

	message += " - success"
	w.WriteHeader(http.StatusAccepted)
}

func (ai *ActivityInbox) delete(ctx context.Context, w http.ResponseWriter, act activity.Activity) {
	telemetry.Increment("delete_requests", 1)
	outcome, err := ai.deletions.Process(ctx, act)
	if err != nil {
		telemetry.Error(err, "processing delete of %s by %s", act.ObjectID(), act.ActorID())
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	telemetry.Log("POST delete [%s] by [%s] at inbox [%s] - %s", act.ObjectID(), act.ActorID(), ai.id, outcome)
	w.WriteHeader(http.StatusAccepted)
}

// threadOwner finds the local user whose thread parentID belongs to:
// the owner of a stored reply, else the author of a federated local comment,
// else the owner of a local note.
func (ai *ActivityInbox) threadOwner(ctx context.Context, parentID string) (string, error) {
	parent, err := ai.store.FindInteraction(ctx, parentID)
	if err != nil {
		return "", err
	}
	if parent != nil {
		return parent.Owner, nil
	}
	comment, err := ai.store.FindComment(ctx, parentID)
	if err != nil {
		return "", err
	}
	if comment != nil {
		return comment.Owner, nil
	}
	note, err := ai.store.FindNote(ctx, parentID)
	if err != nil {
		return "", err
	}
	if note != nil {
		return note.Owner, nil
	}
	return "", nil
}

// addressesOwner reports whether a reply is addressed to owner or owner's followers.
func (ai *ActivityInbox) addressesOwner(act activity.Activity, obj *activity.Object, owner string) bool {
	actor := ai.meta.ActorURL(owner)
	followers := actor + "/followers"
	for _, list := range [][]string{act.To, act.CC, obj.To, obj.CC} {
		for _, uri := range list {
			if uri == actor || uri == followers {
				return true
			}
		}
	}
	return false
}

func (ai *ActivityInbox) create(ctx context.Context, w http.ResponseWriter, act activity.Activity, body []byte) {
	obj, ok := activity.ObjectFrom(act.Object)
	if !ok || obj.InReplyTo == "" {
		telemetry.Trace("ignoring create of %s, not a reply", act.ObjectID())
		w.WriteHeader(http.StatusAccepted)
		return
	}
	actorID := act.ActorID()
	if obj.AttributedTo != "" && obj.AttributedTo != actorID {
		telemetry.Log("rejecting reply %s attributed to %s sent by %s", obj.ID, obj.AttributedTo, actorID)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	owner, err := ai.threadOwner(ctx, obj.InReplyTo)
	if err != nil {
		telemetry.Error(err, "database error")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if owner == "" {
		telemetry.Trace("ignoring reply %s to unknown %s", obj.ID, obj.InReplyTo)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	published := obj.Timestamp()
	if published.IsZero() {
		published = time.Now().UTC()
	}
	err = ai.store.SaveInteraction(ctx, &storage.Interaction{
		ObjectID:  obj.ID,
		ActorID:   actorID,
		Owner:     owner,
		InReplyTo: obj.InReplyTo,
		Content:   obj.Content,
		Source:    string(body),
		Published: published,
	})
	if err != nil {
		telemetry.Error(err, "database error")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	telemetry.Increment("replies_received", 1)
	telemetry.Log("POST reply [%s] to [%s] by [%s] for %s", obj.ID, obj.InReplyTo, actorID, owner)

	if ai.addressesOwner(act, obj, owner) {
		err := ai.queue.Enqueue(ctx, ForwardTask, forwardMessage{
			Activity: json.RawMessage(body),
			Sender:   actorID,
			Ancestor: owner,
		})
		if err != nil {
			telemetry.Error(err, "queuing forward of %s", obj.ID)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// update replaces the content of a reply we already have from the same actor.
func (ai *ActivityInbox) update(ctx context.Context, w http.ResponseWriter, act activity.Activity, body []byte) {
	obj, ok := activity.ObjectFrom(act.Object)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	existing, err := ai.store.FindInteraction(ctx, obj.ID)
	if err != nil {
		telemetry.Error(err, "database error")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if existing == nil || existing.ActorID != act.ActorID() {
		telemetry.Trace("ignoring update of %s", obj.ID)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	existing.Content = obj.Content
	existing.Source = string(body)
	if err := ai.store.SaveInteraction(ctx, existing); err != nil {
		telemetry.Error(err, "database error")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	telemetry.Log("POST update [%s] by [%s]", obj.ID, act.ActorID())
	w.WriteHeader(http.StatusAccepted)
}

func writeCollection(w http.ResponseWriter, collection activity.OrderedCollection) {
	jsonBytes, err := json.Marshal(&collection)
	if err != nil {
		telemetry.Error(err, "marshaling collection")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", activity.ContentType)
	w.Write(jsonBytes)
}
