package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/delivery"
	"github.com/tkrehbiel/activitypress/server/page"
	"github.com/tkrehbiel/activitypress/server/storage"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

// Sender posts an activity signed by a local user.
type Sender interface {
	Send(ctx context.Context, inbox string, body []byte, owner string) error
}

// followResponder answers Follow and Undo requests.
type followResponder struct {
	sender    Sender
	followers storage.Followers
	meta      page.MetaData
}

// acceptObject is an Accept or Reject
// https://www.w3.org/TR/activitypub/#follow-activity-inbox
type acceptObject struct {
	Context string            `json:"@context"`
	Type    string            `json:"type"`
	ID      string            `json:"id"` // Pleroma requires an id
	Actor   string            `json:"actor"`
	Object  activity.Activity `json:"object"`
	To      []string          `json:"to"` // Pleroma requires to and cc arrays
	CC      []string          `json:"cc"`
}

// HandleFollowResponse is the FollowResponseTask handler.
func (f *followResponder) HandleFollowResponse(ctx context.Context, payload json.RawMessage) error {
	var msg followResponseMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %w", FollowResponseTask, err)
	}

	local := f.meta.ActorURL(msg.Owner)
	response := acceptObject{
		Context: activity.Context,
		Type:    msg.Response,
		ID:      local + "#" + uuid.NewString(),
		Actor:   local,
		Object:  msg.Object,
		To:      []string{msg.Actor},
		CC:      make([]string, 0),
	}
	body, err := json.Marshal(&response)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", msg.Response, err)
	}
	if err := f.sender.Send(ctx, msg.Inbox, body, msg.Owner); err != nil {
		return fmt.Errorf("sending %s to %s: %w", msg.Response, msg.Actor, err)
	}
	telemetry.Increment("accept_responses", 1)

	if msg.Response != activity.AcceptType || msg.Object.Type != activity.FollowType {
		return nil
	}
	// mark the follow completed, unless it was undone meanwhile
	follower, err := f.followers.FindFollower(ctx, msg.Owner, msg.Actor)
	if err != nil {
		return err
	}
	if follower == nil || follower.RequestID != msg.Object.ID {
		return nil
	}
	follower.Status = storage.FollowAccepted
	if err := f.followers.SaveFollower(ctx, follower); err != nil {
		// The remote server believes the follow was accepted; it stays pending here.
		return fmt.Errorf("marking %s accepted: %w", msg.Actor, err)
	}
	return nil
}

// replyForwarder relays received replies to the followers of the thread owner.
type replyForwarder struct {
	forwarder *delivery.Forwarder
	actors    ActorLookup
}

// HandleForward is the ForwardTask handler.
func (f *replyForwarder) HandleForward(ctx context.Context, payload json.RawMessage) error {
	var msg forwardMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %w", ForwardTask, err)
	}
	env, err := activity.ParseEnvelope(msg.Activity)
	if err != nil {
		return err
	}

	var inboxes []string
	if sender, err := f.actors.LookupActor(ctx, msg.Sender); err != nil {
		// still excluded by actor id
		telemetry.Error(err, "looking up forwarded sender %s", msg.Sender)
	} else {
		inboxes = []string{sender.Inbox, sender.SharedInbox()}
	}

	report, err := f.forwarder.Forward(ctx, env, msg.Sender, inboxes, msg.Ancestor)
	if err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		telemetry.Log("forward of %s failed for %d inboxes (%d permanently)", env.ActorID(), len(report.Failed), countPermanent(report.Failed))
	}
	return nil
}
