// Package deletion applies Delete activities received from remote servers.
// Nothing is removed until the remote server confirms the deletion.
package deletion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/storage"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

// CascadeTask is the task name for removing everything an actor wrote.
const CascadeTask = "delete_actor_interactions"

type Store interface {
	FindFollowersByActor(ctx context.Context, actorID string) ([]storage.Follower, error)
	DeleteFollower(ctx context.Context, owner, actorID string) error
	FindInteraction(ctx context.Context, objectID string) (*storage.Interaction, error)
	DeleteInteraction(ctx context.Context, objectID string) error
	DeleteInteractionsByActor(ctx context.Context, actorID string) (int64, error)
}

// Oracle confirms that a remote resource no longer exists.
type Oracle interface {
	IsTombstone(ctx context.Context, uri string) (bool, error)
}

type Scheduler interface {
	Enqueue(ctx context.Context, name string, payload any) error
}

// CascadePayload is the message for CascadeTask.
type CascadePayload struct {
	Actor string `json:"actor"`
}

type Outcome int

const (
	Ignored     Outcome = iota // unrecognized shape, or nothing stored
	Unconfirmed                // the remote server didn't confirm the deletion
	Applied
)

func (o Outcome) String() string {
	switch o {
	case Unconfirmed:
		return "unconfirmed"
	case Applied:
		return "applied"
	}
	return "ignored"
}

type Processor struct {
	store  Store
	oracle Oracle
	queue  Scheduler
}

func NewProcessor(store Store, oracle Oracle, queue Scheduler) *Processor {
	return &Processor{store: store, oracle: oracle, queue: queue}
}

// Process classifies a Delete and applies it if the remote server confirms it.
func (p *Processor) Process(ctx context.Context, act activity.Activity) (Outcome, error) {
	target := activity.ClassifyDelete(act)
	telemetry.Trace("delete from %s classified as %s %s", act.ActorID(), target.Kind, target.URI)
	switch {
	case target.Kind.IsActor():
		return p.actorGone(ctx, target.URI)
	case target.Kind == activity.DeleteObject, target.Kind == activity.DeleteMinimalObject:
		return p.objectGone(ctx, target.URI)
	}
	telemetry.Increment("delete_unrecognized", 1)
	return Ignored, nil
}

func (p *Processor) confirmed(ctx context.Context, uri string) bool {
	gone, err := p.oracle.IsTombstone(ctx, uri)
	if err != nil {
		telemetry.Error(err, "could not confirm deletion of %s", uri)
		telemetry.Increment("tombstone_unconfirmed", 1)
		return false
	}
	if !gone {
		telemetry.Log("%s still exists, ignoring delete", uri)
		telemetry.Increment("tombstone_unconfirmed", 1)
	}
	return gone
}

// actorGone removes the actor as a follower of every local user and schedules
// removal of everything it wrote.
func (p *Processor) actorGone(ctx context.Context, actorID string) (Outcome, error) {
	if !p.confirmed(ctx, actorID) {
		return Unconfirmed, nil
	}
	followers, err := p.store.FindFollowersByActor(ctx, actorID)
	if err != nil {
		return Ignored, fmt.Errorf("finding follows by %s: %w", actorID, err)
	}
	for _, f := range followers {
		if err := p.store.DeleteFollower(ctx, f.Owner, f.ActorID); err != nil {
			return Ignored, fmt.Errorf("removing follower %s of %s: %w", f.ActorID, f.Owner, err)
		}
	}
	if err := p.queue.Enqueue(ctx, CascadeTask, CascadePayload{Actor: actorID}); err != nil {
		return Ignored, fmt.Errorf("scheduling cascade for %s: %w", actorID, err)
	}
	telemetry.Log("actor %s deleted, removed %d follows", actorID, len(followers))
	telemetry.Increment("actors_deleted", 1)
	return Applied, nil
}

func (p *Processor) objectGone(ctx context.Context, objectID string) (Outcome, error) {
	interaction, err := p.store.FindInteraction(ctx, objectID)
	if err != nil {
		return Ignored, fmt.Errorf("finding interaction %s: %w", objectID, err)
	}
	if interaction == nil {
		return Ignored, nil
	}
	if !p.confirmed(ctx, objectID) {
		return Unconfirmed, nil
	}
	if err := p.store.DeleteInteraction(ctx, objectID); err != nil {
		return Ignored, fmt.Errorf("deleting interaction %s: %w", objectID, err)
	}
	telemetry.Log("interaction %s deleted", objectID)
	telemetry.Increment("interactions_deleted", 1)
	return Applied, nil
}

// DeleteActorInteractions is the CascadeTask handler.
func (p *Processor) DeleteActorInteractions(ctx context.Context, payload json.RawMessage) error {
	var msg CascadePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %w", CascadeTask, err)
	}
	if msg.Actor == "" {
		return fmt.Errorf("%s payload has no actor", CascadeTask)
	}
	n, err := p.store.DeleteInteractionsByActor(ctx, msg.Actor)
	if err != nil {
		return fmt.Errorf("deleting interactions by %s: %w", msg.Actor, err)
	}
	telemetry.Log("removed %d interactions by %s", n, msg.Actor)
	return nil
}
