package adapter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/logship/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogger struct {
	mu      sync.Mutex
	minimum types.Level
	entries []*types.Entry
}

func (f *fakeLogger) Enabled(level types.Level) bool {
	return level >= f.minimum
}

func (f *fakeLogger) Log(build func(*types.Builder)) {
	b := types.NewBuilder(f.minimum)
	build(b)
	entry, err := b.Build()
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeLogger) last(t *testing.T) *types.Entry {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.entries)
	return f.entries[len(f.entries)-1]
}

func attributes(t *testing.T, e *types.Entry) map[string]any {
	t.Helper()
	attrs, ok := e.Fields[FieldAttributes].(map[string]any)
	require.True(t, ok, "entry has no attributes")
	return attrs
}

func TestLevelFromSlog(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want types.Level
	}{
		{slog.LevelDebug - 4, types.LevelTrace},
		{slog.LevelDebug, types.LevelDebug},
		{slog.LevelInfo, types.LevelInfo},
		{slog.LevelInfo + 2, types.LevelInfo},
		{slog.LevelWarn, types.LevelWarning},
		{slog.LevelError, types.LevelError},
		{slog.LevelError + 4, types.LevelError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFromSlog(tt.in), tt.in.String())
	}
}

func TestHandlerEnabled(t *testing.T) {
	logger := slog.New(NewSlogHandler(&fakeLogger{minimum: types.LevelWarning}, false))

	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}

func TestHandlerRecords(t *testing.T) {
	fake := &fakeLogger{minimum: types.LevelTrace}
	logger := slog.New(NewSlogHandler(fake, false))

	logger.Info("user signed in", "user", "alice", "attempts", 2, "elapsed", 1500*time.Millisecond)

	e := fake.last(t)
	assert.Equal(t, types.LevelInfo, e.Level)
	assert.Equal(t, "user signed in", e.Message)

	attrs := attributes(t, e)
	assert.Equal(t, "alice", attrs["user"])
	assert.Equal(t, int64(2), attrs["attempts"])
	assert.Equal(t, "1.5s", attrs["elapsed"])
	assert.NotContains(t, e.Fields, FieldSource)
}

func TestHandlerError(t *testing.T) {
	fake := &fakeLogger{minimum: types.LevelTrace}
	logger := slog.New(NewSlogHandler(fake, false))

	logger.Error("upload failed", "err", errors.New("disk full"), "cause", errors.New("quota"))

	e := fake.last(t)
	assert.Equal(t, types.LevelError, e.Level)
	assert.Equal(t, "disk full", e.Error)
	assert.Equal(t, "quota", attributes(t, e)["cause"], "other error attributes stay attributes")
}

func TestHandlerGroupsAndAttrs(t *testing.T) {
	fake := &fakeLogger{minimum: types.LevelTrace}
	logger := slog.New(NewSlogHandler(fake, false)).
		With("service", "checkout").
		WithGroup("request").
		With("id", "r-1")

	logger.Warn("slow", "ms", 900, slog.Group("db", "table", "orders"))

	attrs := attributes(t, fake.last(t))
	assert.Equal(t, "checkout", attrs["service"])

	req, ok := attrs["request"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "r-1", req["id"])
	assert.Equal(t, int64(900), req["ms"])

	db, ok := req["db"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "orders", db["table"])
}

func TestHandlerEmptyGroupOmitted(t *testing.T) {
	fake := &fakeLogger{minimum: types.LevelTrace}
	logger := slog.New(NewSlogHandler(fake, false)).WithGroup("unused")

	logger.Info("plain")

	assert.NotContains(t, fake.last(t).Fields, FieldAttributes)
}

func TestHandlerSource(t *testing.T) {
	fake := &fakeLogger{minimum: types.LevelTrace}
	logger := slog.New(NewSlogHandler(fake, true))

	logger.Info("where am I")

	source, ok := fake.last(t).Fields[FieldSource].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, source["function"], "TestHandlerSource")
	assert.Contains(t, source["file"], "slog_test.go")
}

func TestHandlerFilteredLevel(t *testing.T) {
	fake := &fakeLogger{minimum: types.LevelError}
	slog.New(NewSlogHandler(fake, false)).Info("ignored")

	assert.Empty(t, fake.entries)
}
