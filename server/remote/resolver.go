// Package remote fetches documents from other ActivityPub servers.
package remote

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/signature"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

var ErrKeyMismatch = errors.New("actor does not own key")

// maximum size of a remote document we will read
const maxDocumentBytes = 1 << 20

// RequestSigner signs outgoing fetches, for servers that require authorized fetch.
type RequestSigner interface {
	Sign(r *http.Request) error
}

// StatusError is a non-success response from a remote server.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Resolver looks up remote actors and objects, caching actors.
type Resolver struct {
	client *http.Client
	cache  *ccache.Cache[activity.Actor]
	ttl    time.Duration
	signer RequestSigner
}

// NewResolver creates a resolver. signer may be nil, in which case fetches are unsigned.
func NewResolver(client *http.Client, ttl time.Duration, signer RequestSigner) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Resolver{
		client: client,
		cache:  ccache.New(ccache.Configure[activity.Actor]().MaxSize(1000)),
		ttl:    ttl,
		signer: signer,
	}
}

func (r *Resolver) get(ctx context.Context, uri string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", activity.AcceptHeader)
	if r.signer != nil {
		if err := r.signer.Sign(req); err != nil {
			return nil, fmt.Errorf("signing request for %s: %w", uri, err)
		}
	}
	return r.client.Do(req)
}

// LookupActor returns the actor document for id, from the cache when possible.
func (r *Resolver) LookupActor(ctx context.Context, id string) (*activity.Actor, error) {
	if item := r.cache.Get(id); item != nil && !item.Expired() {
		actor := item.Value()
		return &actor, nil
	}

	resp, err := r.get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching actor %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: id, StatusCode: resp.StatusCode}
	}

	var actor activity.Actor
	jsonBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("reading actor %s: %w", id, err)
	}
	if err := json.Unmarshal(jsonBytes, &actor); err != nil {
		return nil, fmt.Errorf("unmarshaling actor %s: %w", id, err)
	}
	if actor.ID == "" {
		actor.ID = id
	}
	r.cache.Set(id, actor, r.ttl)
	telemetry.Increment("actor_fetches", 1)
	return &actor, nil
}

// Forget drops a cached actor.
func (r *Resolver) Forget(id string) {
	r.cache.Delete(id)
}

// keyDocument fetches the document at id and checks that it publishes keyID,
// refetching once in case keys rotated since it was cached.
func (r *Resolver) keyDocument(ctx context.Context, id, keyID string) (*activity.Actor, error) {
	doc, err := r.LookupActor(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.PublicKey == nil || doc.PublicKey.ID != keyID {
		r.Forget(id)
		if doc, err = r.LookupActor(ctx, id); err != nil {
			return nil, err
		}
	}
	if doc.PublicKey == nil || doc.PublicKey.ID != keyID {
		return nil, fmt.Errorf("%w: %s %s", ErrKeyMismatch, id, keyID)
	}
	return doc, nil
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}

// PublicKey resolves a signature keyId to a public key and the actor that owns it.
// The owner must be on the key's host and, when the key is published apart from
// the actor, the actor document must name the same key. It satisfies signature.KeyLoader.
func (r *Resolver) PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, string, error) {
	docID, _, _ := strings.Cut(keyID, "#")
	doc, err := r.keyDocument(ctx, docID, keyID)
	if err != nil {
		return nil, "", err
	}
	owner := doc.PublicKey.Owner
	if owner == "" {
		owner = doc.ID
	}
	if !sameHost(owner, keyID) {
		return nil, "", fmt.Errorf("%w: %s claims owner %s", ErrKeyMismatch, keyID, owner)
	}
	if owner != doc.ID {
		actor, err := r.keyDocument(ctx, owner, keyID)
		if err != nil {
			return nil, "", err
		}
		doc = actor
	}
	key, err := signature.ParsePublicKey(doc.PublicKey.PublicKeyPem)
	if err != nil {
		return nil, "", err
	}
	return key, owner, nil
}

// IsTombstone reports whether uri is confirmed gone: HTTP 404 or 410, or a document of type Tombstone.
// Any other outcome is an error, meaning the deletion could not be confirmed.
func (r *Resolver) IsTombstone(ctx context.Context, uri string) (bool, error) {
	resp, err := r.get(ctx, uri)
	if err != nil {
		return false, fmt.Errorf("checking tombstone %s: %w", uri, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		r.Forget(uri)
		return true, nil
	case http.StatusOK:
	default:
		return false, &StatusError{URL: uri, StatusCode: resp.StatusCode}
	}

	var doc struct {
		Type string `json:"type"`
	}
	jsonBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", uri, err)
	}
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return false, fmt.Errorf("unmarshaling %s: %w", uri, err)
	}
	if doc.Type == activity.TombstoneType {
		r.Forget(uri)
		return true, nil
	}
	return false, nil
}
