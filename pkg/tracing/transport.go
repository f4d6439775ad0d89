package tracing

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/cuemby/logship/pkg/push"
	"github.com/cuemby/logship/pkg/types"
)

const (
	FieldTraceID = "logship/traceId"
	FieldSpanID  = "logship/spanId"
	FieldHTTP    = "logship/http"

	// MaxBodySize is the largest body copied into an entry
	MaxBodySize = 50_000
)

// Recorder accepts log entries; the agent implements it
type Recorder interface {
	Log(build func(*types.Builder))
}

// Transport is an http.RoundTripper that adds trace headers to outgoing
// requests and records a log entry for each request and response
type Transport struct {
	Base     http.RoundTripper
	Tracer   Tracer
	Recorder Recorder

	// IncludeBodies copies request and response bodies into the entries
	IncludeBodies bool
}

// NewTransport wraps base (http.DefaultTransport when nil) with W3C tracing
func NewTransport(base http.RoundTripper, rec Recorder) *Transport {
	return &Transport{Base: base, Tracer: W3C{}, Recorder: rec}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The agent's own pushes are never traced
	if req.Header.Get(push.HeaderLogship) != "" {
		return t.base().RoundTrip(req)
	}

	tracer := t.Tracer
	if tracer == nil {
		tracer = W3C{}
	}
	trace := tracer.NewTrace("")

	req = req.Clone(req.Context())
	for name, values := range tracer.Headers(trace) {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	t.logRequest(req, trace)

	start := time.Now()
	resp, err := t.base().RoundTrip(req)
	if err != nil {
		t.logFailure(req, trace, err)
		return nil, err
	}
	t.logResponse(resp, req, trace, time.Since(start))
	return resp, nil
}

func (t *Transport) logRequest(req *http.Request, trace Trace) {
	doc := map[string]any{
		"side":   "request",
		"url":    req.URL.String(),
		"method": req.Method,
	}
	if t.IncludeBodies && req.Body != nil && req.Body != http.NoBody {
		doc["body"] = requestBody(req)
	}

	t.Recorder.Log(func(b *types.Builder) {
		b.Level(types.LevelInfo).
			Messagef("HTTP Request %s %s", req.Method, req.URL).
			Field(FieldTraceID, trace.ID).
			Field(FieldSpanID, trace.Span).
			Field(FieldHTTP, doc)
	})
}

func (t *Transport) logResponse(resp *http.Response, req *http.Request, trace Trace, rtt time.Duration) {
	doc := map[string]any{
		"side":    "response",
		"url":     req.URL.String(),
		"method":  req.Method,
		"code":    resp.StatusCode,
		"success": resp.StatusCode < http.StatusBadRequest,
		"rtt":     rtt.Milliseconds(),
	}
	if t.IncludeBodies && resp.Body != nil {
		doc["body"] = responseBody(resp)
	}

	t.Recorder.Log(func(b *types.Builder) {
		b.Level(types.LevelInfo).
			Messagef("HTTP Response %d %s %s", resp.StatusCode, req.Method, req.URL).
			Field(FieldTraceID, trace.ID).
			Field(FieldSpanID, trace.Span).
			Field(FieldHTTP, doc)
	})
}

func (t *Transport) logFailure(req *http.Request, trace Trace, err error) {
	t.Recorder.Log(func(b *types.Builder) {
		b.Level(types.LevelWarning).
			Messagef("HTTP Request failed %s %s", req.Method, req.URL).
			Err(err).
			Field(FieldTraceID, trace.ID).
			Field(FieldSpanID, trace.Span).
			Field(FieldHTTP, map[string]any{
				"side":   "response",
				"url":    req.URL.String(),
				"method": req.Method,
			})
	})
}

// requestBody captures the request body and leaves req readable
func requestBody(req *http.Request) string {
	if req.ContentLength > MaxBodySize {
		return fmt.Sprintf("<Truncated length=%d>", req.ContentLength)
	}

	var data []byte
	var err error
	if req.GetBody != nil {
		var rc io.ReadCloser
		if rc, err = req.GetBody(); err == nil {
			data, err = io.ReadAll(io.LimitReader(rc, MaxBodySize+1))
			rc.Close()
		}
	} else {
		data, err = io.ReadAll(req.Body)
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(data))
	}
	if err != nil {
		return "<Unreadable body>"
	}
	return describe(data)
}

// responseBody peeks at most MaxBodySize bytes and leaves resp readable
func responseBody(resp *http.Response) string {
	if resp.ContentLength > MaxBodySize {
		return fmt.Sprintf("<Truncated length=%d>", resp.ContentLength)
	}

	peeked, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(peeked), resp.Body), resp.Body}
	if err != nil {
		return "<Unreadable body>"
	}
	if len(peeked) > MaxBodySize {
		return fmt.Sprintf("<Truncated length>%d>", MaxBodySize)
	}
	return describe(peeked)
}

func describe(data []byte) string {
	if len(data) > MaxBodySize {
		return fmt.Sprintf("<Truncated length=%d>", len(data))
	}
	if !utf8.Valid(data) {
		return fmt.Sprintf("<Binary length=%d>", len(data))
	}
	return string(data)
}
