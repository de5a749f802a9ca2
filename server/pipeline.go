package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/codeGROOVE-dev/retry-go"
	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/signature"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

// DeliveryError is a rejected delivery.
type DeliveryError struct {
	Inbox      string
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("POST %s: HTTP %d", e.Inbox, e.StatusCode)
}

// permanent reports whether retrying can't help
func (e *DeliveryError) permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests && e.StatusCode != http.StatusRequestTimeout
}

// Policy is how hard the pipeline tries to deliver one request.
type Policy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// OutputPipeline posts activities to remote inboxes.
// Local users' activities are signed with their own keys; forwarded activities
// are signed with the application actor's key and retried less.
type OutputPipeline struct {
	client       *http.Client
	keys         *Keyring
	sendUnsigned bool
	send         Policy
	forward      Policy
}

func NewPipeline(client *http.Client, keys *Keyring, sendUnsigned bool, send, forward Policy) *OutputPipeline {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OutputPipeline{
		client:       client,
		keys:         keys,
		sendUnsigned: sendUnsigned,
		send:         send,
		forward:      forward,
	}
}

// Send posts body to inbox signed by the local user owner.
func (p *OutputPipeline) Send(ctx context.Context, inbox string, body []byte, owner string) error {
	var signer *signature.Signer
	if !p.sendUnsigned {
		var err error
		if signer, err = p.keys.Signer(ctx, owner); err != nil {
			return err
		}
	}
	return p.post(ctx, inbox, body, signer, p.send)
}

// Forward posts an activity authored elsewhere, signed by the application actor.
func (p *OutputPipeline) Forward(ctx context.Context, inbox string, body []byte) error {
	var signer *signature.Signer
	if !p.sendUnsigned {
		var err error
		if signer, err = p.keys.Application(ctx); err != nil {
			return err
		}
	}
	return p.post(ctx, inbox, body, signer, p.forward)
}

func (p *OutputPipeline) post(ctx context.Context, inbox string, body []byte, signer *signature.Signer, policy Policy) error {
	attempts := policy.Attempts
	if attempts == 0 {
		attempts = 1
	}
	delay := policy.Delay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}

	var last error
	err := retry.Do(
		func() error {
			var retryable bool
			retryable, last = p.attempt(ctx, inbox, body, signer)
			if last != nil && !retryable {
				return retry.Unrecoverable(last)
			}
			return last
		},
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.MaxDelay(maxDelay),
		retry.MaxJitter(delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			telemetry.Log("retrying delivery to %s after attempt %d: %v", inbox, n+1, err)
			telemetry.Increment("delivery_retries", 1)
		}),
	)
	if err != nil {
		if last == nil {
			last = err
		}
		return fmt.Errorf("delivering to %s: %w", inbox, last)
	}
	return nil
}

// attempt makes one delivery request, reporting whether a failure is worth retrying.
func (p *OutputPipeline) attempt(ctx context.Context, inbox string, body []byte, signer *signature.Signer) (retryable bool, err error) {
	// a new request each attempt so the signature date is fresh
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	r.Header.Set("Content-Type", activity.ContentType)
	r.Header.Set("Accept", activity.AcceptHeader)
	if signer != nil {
		if err := signer.Sign(r); err != nil {
			return false, err
		}
	}

	resp, err := p.client.Do(r)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	telemetry.Trace("POST %s returned %d", inbox, resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	derr := &DeliveryError{Inbox: inbox, StatusCode: resp.StatusCode}
	return !derr.permanent(), derr
}

// IsPermanent reports whether a delivery failed in a way retrying won't fix.
func IsPermanent(err error) bool {
	var derr *DeliveryError
	return errors.As(err, &derr) && derr.permanent()
}

// countPermanent counts the failures in a delivery report that retrying won't fix.
func countPermanent(failed map[string]error) int {
	n := 0
	for _, err := range failed {
		if IsPermanent(err) {
			n++
		}
	}
	return n
}
