package page

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"text/template"

	"github.com/tkrehbiel/activitypress/server/telemetry"
)

// StaticPage configures a discovery document that is rendered once from server metadata
// and then served unchanged.
type StaticPage struct {
	Path         string // Server path to the static page
	Accept       string // pattern the Accept header must match to receive this page
	ContentType  string
	CacheControl string // optional Cache-Control header
	Template     string // Golang template to create the page
}

func (p StaticPage) isJSON() bool {
	return strings.Contains(p.ContentType, "json")
}

// renderedPage is a StaticPage after its template has been executed
type renderedPage struct {
	source   StaticPage
	rendered []byte
}

// NewStaticPage wraps a page configuration in a handler. Init must be called before serving.
func NewStaticPage(page StaticPage) StaticPageHandler {
	return &renderedPage{
		source: page,
	}
}

// StaticPageHandler is an http.Handler and extras for setting up and rendering a static page.
type StaticPageHandler interface {
	http.Handler
	Init(any) error // Initialize the page by processing its template before rendering
	Path() string   // Path at which the page should respond
	Accept() string // Accept header required to respond
}

func (s renderedPage) Path() string {
	return s.source.Path
}

func (s renderedPage) Accept() string {
	return s.source.Accept
}

func (s *renderedPage) Init(meta any) error {
	s.rendered = nil
	t, err := template.New(s.source.Path).Option("missingkey=error").Parse(strings.TrimSpace(s.source.Template))
	if err != nil {
		return fmt.Errorf("parsing template for %s: %w", s.source.Path, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, meta); err != nil {
		return fmt.Errorf("executing template for %s: %w", s.source.Path, err)
	}
	// served json must parse
	if s.source.isJSON() && !json.Valid(buf.Bytes()) {
		return fmt.Errorf("rendered %s is not valid json", s.source.Path)
	}
	s.rendered = buf.Bytes()
	return nil
}

// ServeHTTP serves the rendered page, or 500 if it never rendered.
func (s renderedPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "StaticPage.ServeHTTP %s", s.source.Path)
	telemetry.Increment("get_requests", 1)
	if s.rendered == nil {
		telemetry.Log("no static rendered content for %s", s.source.Path)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", s.source.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(s.rendered)))
	if s.source.CacheControl != "" {
		w.Header().Set("Cache-Control", s.source.CacheControl)
	}
	if r.Method == http.MethodHead {
		return
	}
	w.Write(s.rendered)
}
