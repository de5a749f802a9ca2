// Package gate decides which requests under the ActivityPub namespace must carry a valid HTTP signature.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tkrehbiel/activitypress/server/signature"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

var ErrUnsigned = errors.New("request signature missing or invalid")

type Config struct {
	Namespace    string   // path prefix the gate applies to, e.g. /activitypub
	PublicPaths  []string // paths under Namespace that are never checked on GET
	SecureMode   bool     // require signatures on GET too
	Deferred     []string // activity types accepted unsigned, to be verified later
	MaxBodyBytes int64
}

// Result is what the gate concluded about a request.
type Result struct {
	Allow    bool
	Checked  bool   // a signature check was attempted
	Verified bool   // the signature checked out
	Deferred bool   // unsigned, but the activity type is verified downstream
	Signer   string // actor owning the signing key, when verified
	Reason   string
}

type Gate struct {
	cfg      Config
	keys     signature.KeyLoader
	public   map[string]bool
	deferred map[string]bool
}

func New(cfg Config, keys signature.KeyLoader) *Gate {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	g := &Gate{
		cfg:      cfg,
		keys:     keys,
		public:   make(map[string]bool),
		deferred: make(map[string]bool),
	}
	for _, p := range cfg.PublicPaths {
		g.public[p] = true
	}
	for _, t := range cfg.Deferred {
		g.deferred[t] = true
	}
	return g
}

func (g *Gate) inNamespace(path string) bool {
	ns := strings.TrimSuffix(g.cfg.Namespace, "/")
	return ns == "" || path == ns || strings.HasPrefix(path, ns+"/")
}

// Authorize evaluates a request. The body, if read, is restored for the handler.
func (g *Gate) Authorize(r *http.Request) Result {
	if !g.inNamespace(r.URL.Path) {
		return Result{Allow: true, Reason: "outside namespace"}
	}

	switch r.Method {
	case http.MethodPost:
		// fall through to the signature check below
	case http.MethodGet, http.MethodHead:
		if !g.cfg.SecureMode {
			return Result{Allow: true, Reason: "read"}
		}
		if g.public[r.URL.Path] {
			return Result{Allow: true, Reason: "public path"}
		}
	default:
		return Result{Allow: true, Reason: "method"}
	}

	var activityType string
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxBodyBytes))
		if err != nil {
			return Result{Reason: "unreadable body"}
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewBuffer(body))
		activityType = peekType(body)
	}

	if r.Header.Get("Signature") == "" && g.deferred[activityType] {
		return Result{Allow: true, Deferred: true, Reason: "deferred " + activityType}
	}

	signer, err := signature.Verify(r.Context(), g.keys, r)
	if err != nil {
		if g.deferred[activityType] {
			// a bad signature on a deferred type still gets the downstream check
			telemetry.Trace("deferring %s with unverifiable signature: %v", activityType, err)
			return Result{Allow: true, Checked: true, Deferred: true, Reason: err.Error()}
		}
		return Result{Checked: true, Reason: err.Error()}
	}
	return Result{Allow: true, Checked: true, Verified: true, Signer: signer, Reason: "verified"}
}

func peekType(body []byte) string {
	var doc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	return doc.Type
}

type contextKey struct{}

// FromContext returns the gate result stored by Middleware, if any.
func FromContext(ctx context.Context) (Result, bool) {
	res, ok := ctx.Value(contextKey{}).(Result)
	return res, ok
}

// WithResult stores a gate result in a context.
func WithResult(ctx context.Context, res Result) context.Context {
	return context.WithValue(ctx, contextKey{}, res)
}

// Middleware rejects requests that fail Authorize with 401 before they reach next.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := g.Authorize(r)
		if !res.Allow {
			telemetry.Request(r, "unauthorized: %s", res.Reason)
			telemetry.Increment("unauthorized_requests", 1)
			http.Error(w, ErrUnsigned.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), res)))
	})
}
