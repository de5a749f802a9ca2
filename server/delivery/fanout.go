// Package delivery sends addressed activities to remote inboxes.
package delivery

import (
	"context"
	"sync"

	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/telemetry"
	"golang.org/x/sync/errgroup"
)

// Target is one inbox to deliver to and the actor the copy is addressed to.
type Target struct {
	Inbox     string
	Addressee string
}

// Payload produces the serialized copy of an activity for one recipient.
// Implementations must not modify themselves.
type Payload interface {
	Address(role activity.Role, uri string) ([]byte, error)
}

// Transport performs the HTTP side of delivery.
type Transport interface {
	// Send posts body to inbox signed by the local user signer.
	Send(ctx context.Context, inbox string, body []byte, signer string) error
	// Forward posts someone else's activity to inbox, signed by the application actor.
	Forward(ctx context.Context, inbox string, body []byte) error
}

type Strength int

const (
	Normal Strength = iota
	Forwarding
)

type Options struct {
	Exclude  map[string]bool // inboxes already reached
	Strength Strength
	Signer   string // local username, for Normal strength
}

// Report lists what a delivery pass did.
type Report struct {
	Delivered []string         // every inbox attempted, in target order
	Failed    map[string]error // inboxes whose send failed
}

// Excluded merges the delivered inboxes into an exclusion set for a following pass.
func (r Report) Excluded(prior map[string]bool) map[string]bool {
	m := make(map[string]bool, len(prior)+len(r.Delivered))
	for k, v := range prior {
		m[k] = v
	}
	for _, inbox := range r.Delivered {
		m[inbox] = true
	}
	return m
}

type Fanout struct {
	transport Transport
	workers   int
}

func NewFanout(transport Transport, workers int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	return &Fanout{transport: transport, workers: workers}
}

// Dedupe keeps the first target for each inbox, skipping excluded inboxes.
func Dedupe(targets []Target, exclude map[string]bool) []Target {
	seen := make(map[string]bool, len(targets))
	result := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Inbox == "" || exclude[t.Inbox] || seen[t.Inbox] {
			continue
		}
		seen[t.Inbox] = true
		result = append(result, t)
	}
	return result
}

// Deliver sends one addressed copy of p to every distinct target inbox.
// A failure for one inbox is logged and reported but never stops the others.
func (f *Fanout) Deliver(ctx context.Context, p Payload, targets []Target, role activity.Role, opts Options) Report {
	targets = Dedupe(targets, opts.Exclude)
	report := Report{
		Delivered: make([]string, 0, len(targets)),
		Failed:    make(map[string]error),
	}
	var lock sync.Mutex

	var g errgroup.Group
	g.SetLimit(f.workers)
	for _, t := range targets {
		t := t
		report.Delivered = append(report.Delivered, t.Inbox)
		g.Go(func() error {
			if err := f.deliverOne(ctx, p, t, role, opts); err != nil {
				telemetry.Error(err, "delivering to %s", t.Inbox)
				telemetry.Increment("delivery_failures", 1)
				lock.Lock()
				report.Failed[t.Inbox] = err
				lock.Unlock()
				return nil
			}
			telemetry.Increment("deliveries", 1)
			return nil
		})
	}
	g.Wait()
	return report
}

func (f *Fanout) deliverOne(ctx context.Context, p Payload, t Target, role activity.Role, opts Options) error {
	body, err := p.Address(role, t.Addressee)
	if err != nil {
		return err
	}
	if opts.Strength == Forwarding {
		return f.transport.Forward(ctx, t.Inbox, body)
	}
	return f.transport.Send(ctx, t.Inbox, body, opts.Signer)
}
