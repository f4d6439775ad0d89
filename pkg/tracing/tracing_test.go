package tracing

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/cuemby/logship/pkg/push"
	"github.com/cuemby/logship/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	entries []*types.Entry
}

func (r *recorder) Log(build func(*types.Builder)) {
	b := types.NewBuilder(types.LevelTrace)
	build(b)
	entry, err := b.Build()
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recorder) Entries() []*types.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Entry(nil), r.entries...)
}

func httpDoc(t *testing.T, e *types.Entry) map[string]any {
	t.Helper()
	doc, ok := e.Fields[FieldHTTP].(map[string]any)
	require.True(t, ok)
	return doc
}

var traceparent = regexp.MustCompile(`^00-[0-9a-f]{32}-[0-9a-f]{16}-03$`)

func TestW3CTrace(t *testing.T) {
	trace := W3C{}.NewTrace("")
	assert.Len(t, trace.ID, 32)
	assert.Len(t, trace.Span, 16)
	assert.Regexp(t, traceparent, trace.Parent)
	assert.Equal(t, trace.Parent, W3C{}.Headers(trace).Get("traceparent"))

	fixed := W3C{}.NewTrace("00f067aa0ba902b7")
	assert.Equal(t, "00f067aa0ba902b7", fixed.Span)
	assert.NotEqual(t, trace.ID, fixed.ID)
}

func TestGoogleCloudHeaders(t *testing.T) {
	g := GoogleCloud{}
	trace := g.NewTrace("")
	h := g.Headers(trace)

	assert.Equal(t, trace.Parent, h.Get("traceparent"))
	assert.Equal(t, trace.ID, h.Get("x-request-id"))
	assert.Equal(t, trace.ID+"/0;o=1", h.Get("x-cloud-trace-context"))
}

func TestTransportTracesRequest(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "missing")
	}))
	defer srv.Close()

	rec := &recorder{}
	client := &http.Client{Transport: NewTransport(nil, rec)}

	resp, err := client.Get(srv.URL + "/items/7")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "missing", string(body))

	assert.Regexp(t, traceparent, seen.Get("traceparent"))

	entries := rec.Entries()
	require.Len(t, entries, 2)

	req, res := entries[0], entries[1]
	assert.Equal(t, "HTTP Request GET "+srv.URL+"/items/7", req.Message)
	assert.Equal(t, "request", httpDoc(t, req)["side"])
	assert.NotContains(t, httpDoc(t, req), "body")

	assert.Equal(t, "HTTP Response 404 GET "+srv.URL+"/items/7", res.Message)
	assert.Equal(t, 404, httpDoc(t, res)["code"])
	assert.Equal(t, false, httpDoc(t, res)["success"])
	assert.Equal(t, req.Fields[FieldTraceID], res.Fields[FieldTraceID])
	assert.Equal(t, req.Fields[FieldSpanID], res.Fields[FieldSpanID])
	assert.Contains(t, seen.Get("traceparent"), req.Fields[FieldTraceID].(string))
}

func TestTransportIncludesBodies(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		received = string(data)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	client := &http.Client{Transport: &Transport{Tracer: GoogleCloud{}, Recorder: rec, IncludeBodies: true}}

	resp, err := client.Post(srv.URL, "application/json", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, `{"name":"x"}`, received, "request body still reaches the server")
	assert.Equal(t, `{"ok":true}`, string(body), "response body still reaches the caller")

	entries := rec.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, `{"name":"x"}`, httpDoc(t, entries[0])["body"])
	assert.Equal(t, `{"ok":true}`, httpDoc(t, entries[1])["body"])
}

func TestTransportSkipsAgentRequests(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer srv.Close()

	rec := &recorder{}
	client := &http.Client{Transport: NewTransport(nil, rec)}

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(push.HeaderLogship, "true")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, seen.Get("traceparent"))
	assert.Empty(t, rec.Entries())
}

type failingTripper struct{}

func (failingTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestTransportRecordsFailure(t *testing.T) {
	rec := &recorder{}
	client := &http.Client{Transport: NewTransport(failingTripper{}, rec)}

	_, err := client.Get("http://unreachable.test/")
	require.Error(t, err)

	entries := rec.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, types.LevelWarning, entries[1].Level)
	assert.Contains(t, entries[1].Error, "connection refused")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "plain", describe([]byte("plain")))
	assert.Equal(t, "<Binary length=2>", describe([]byte{0xff, 0xfe}))
	assert.Equal(t, "<Truncated length=50001>", describe(make([]byte, MaxBodySize+1)))
}
