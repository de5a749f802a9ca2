package delivery

import (
	"context"
	"fmt"

	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

// FollowerTargets lists the delivery targets of a local user's followers.
type FollowerTargets interface {
	FollowerTargets(ctx context.Context, owner string) ([]Target, error)
}

// Forwarder relays a received reply to the followers of the local user it replies to.
type Forwarder struct {
	followers FollowerTargets
	fanout    *Fanout
}

func NewForwarder(followers FollowerTargets, fanout *Fanout) *Forwarder {
	return &Forwarder{followers: followers, fanout: fanout}
}

// Forward delivers env to the followers of ancestor, except the sender, whether
// the sender is matched by actor or by inbox.
func (f *Forwarder) Forward(ctx context.Context, env activity.Envelope, sender string, senderInboxes []string, ancestor string) (Report, error) {
	targets, err := f.followers.FollowerTargets(ctx, ancestor)
	if err != nil {
		return Report{}, fmt.Errorf("listing followers of %s: %w", ancestor, err)
	}

	exclude := make(map[string]bool, len(senderInboxes))
	for _, inbox := range senderInboxes {
		if inbox != "" {
			exclude[inbox] = true
		}
	}
	recipients := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Addressee == sender {
			continue
		}
		recipients = append(recipients, t)
	}

	report := f.fanout.Deliver(ctx, env.Stripped(), recipients, activity.Cc, Options{
		Exclude:  exclude,
		Strength: Forwarding,
	})
	telemetry.Log("forwarded %s from %s to %d inboxes", env.Type(), sender, len(report.Delivered))
	return report, nil
}
