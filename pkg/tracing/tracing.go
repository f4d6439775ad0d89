package tracing

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Trace identifies one traced request
type Trace struct {
	ID   string
	Span string

	// Parent is the W3C traceparent value
	Parent string
}

// Tracer creates traces and the request headers that carry them
type Tracer interface {
	NewTrace(span string) Trace
	Headers(trace Trace) http.Header
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// W3C propagates traces with the traceparent header
type W3C struct{}

// NewTrace creates a trace with a random id. An empty span gets a random
// 16-hex-digit span id.
func (W3C) NewTrace(span string) Trace {
	id := newID()
	if span == "" {
		s := newID()
		span = s[len(s)-16:]
	}
	return Trace{
		ID:     id,
		Span:   span,
		Parent: "00-" + id + "-" + span + "-03",
	}
}

func (W3C) Headers(trace Trace) http.Header {
	h := http.Header{}
	h.Set("traceparent", trace.Parent)
	return h
}

// GoogleCloud adds the Cloud Trace and request-id headers to W3C
type GoogleCloud struct {
	W3C
}

func (g GoogleCloud) Headers(trace Trace) http.Header {
	h := g.W3C.Headers(trace)
	h.Set("x-request-id", trace.ID)
	h.Set("x-cloud-trace-context", trace.ID+"/0;o=1")
	return h
}
