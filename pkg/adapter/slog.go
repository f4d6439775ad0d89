package adapter

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/cuemby/logship/pkg/types"
)

const (
	// FieldAttributes holds the slog attributes of an entry
	FieldAttributes = "attributes"
	// FieldSource holds the calling function, file and line
	FieldSource = "source"
)

// Logger is the agent surface the handler feeds
type Logger interface {
	Log(build func(*types.Builder))
	Enabled(level types.Level) bool
}

// SlogHandler is a slog.Handler writing records to the agent
type SlogHandler struct {
	logger    Logger
	attrs     []slog.Attr
	groups    []string
	addSource bool
}

// NewSlogHandler returns a handler writing to logger. With addSource set,
// the caller's function, file and line are recorded.
func NewSlogHandler(logger Logger, addSource bool) *SlogHandler {
	return &SlogHandler{logger: logger, addSource: addSource}
}

// LevelFromSlog maps slog levels onto entry levels. Anything below
// slog.LevelDebug is trace.
func LevelFromSlog(l slog.Level) types.Level {
	switch {
	case l >= slog.LevelError:
		return types.LevelError
	case l >= slog.LevelWarn:
		return types.LevelWarning
	case l >= slog.LevelInfo:
		return types.LevelInfo
	case l >= slog.LevelDebug:
		return types.LevelDebug
	default:
		return types.LevelTrace
	}
}

func (h *SlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.Enabled(LevelFromSlog(level))
}

func (h *SlogHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any)

	// Stored attributes (from WithAttrs) first, then the record's
	for _, a := range h.attrs {
		addAttr(attrs, a)
	}
	record := make(map[string]any)
	var errAttr error
	r.Attrs(func(a slog.Attr) bool {
		if err, ok := a.Value.Any().(error); ok && (a.Key == "err" || a.Key == "error") {
			errAttr = err
			return true
		}
		addAttr(record, a)
		return true
	})
	if len(record) > 0 {
		target := attrs
		for _, g := range h.groups {
			sub, ok := target[g].(map[string]any)
			if !ok {
				sub = make(map[string]any)
				target[g] = sub
			}
			target = sub
		}
		for k, v := range record {
			target[k] = v
		}
	}

	var source map[string]any
	if h.addSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		source = map[string]any{"function": f.Function, "file": f.File, "line": f.Line}
	}

	h.logger.Log(func(b *types.Builder) {
		b.Level(LevelFromSlog(r.Level)).Message(r.Message)
		if errAttr != nil {
			b.Err(errAttr)
		}
		if len(attrs) > 0 {
			b.Field(FieldAttributes, attrs)
		}
		if source != nil {
			b.Field(FieldSource, source)
		}
	})
	return nil
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = append([]slog.Attr(nil), h.attrs...)
	if len(h.groups) == 0 {
		h2.attrs = append(h2.attrs, attrs...)
	} else {
		// Attributes added inside a group belong to that group
		nested := make([]any, len(attrs))
		for i, a := range attrs {
			nested[i] = a
		}
		group := slog.Group(h.groups[len(h.groups)-1], nested...)
		for i := len(h.groups) - 2; i >= 0; i-- {
			group = slog.Group(h.groups[i], group)
		}
		h2.attrs = append(h2.attrs, group)
	}
	return &h2
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string(nil), h.groups...), name)
	return &h2
}

func addAttr(into map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if v.Kind() == slog.KindGroup {
		group := v.Group()
		if len(group) == 0 {
			return
		}
		target := into
		if a.Key != "" {
			sub, ok := into[a.Key].(map[string]any)
			if !ok {
				sub = make(map[string]any)
				into[a.Key] = sub
			}
			target = sub
		}
		for _, ga := range group {
			addAttr(target, ga)
		}
		return
	}

	switch v.Kind() {
	case slog.KindDuration:
		into[a.Key] = v.Duration().String()
	case slog.KindTime:
		into[a.Key] = v.Time()
	default:
		if err, ok := v.Any().(error); ok {
			into[a.Key] = err.Error()
			return
		}
		into[a.Key] = v.Any()
	}
}
