package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a log entry. Levels are totally ordered.
type Level uint8

const (
	LevelTrace Level = iota + 1
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
)

// String returns the canonical form used on the wire
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// Valid reports whether l is one of the defined levels
func (l Level) Valid() bool {
	return l >= LevelTrace && l <= LevelError
}

// ParseLevel parses a level name. "warn" is accepted as an alias of "warning".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid log level: %d", uint8(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

const (
	// LabelsKey is the document key carrying the merged labels
	LabelsKey = "logship/labels"
)

// Entry is a single log record. Entries are produced by Builder and are
// not modified afterwards; WithLabels returns a copy.
type Entry struct {
	Timestamp time.Time
	Level     Level
	Message   string

	// Error holds the rendered error (including any stack the error
	// formats with %+v). Empty when no error was attached.
	Error string

	// Fields are extra structured sub-documents merged at the top level
	// of the serialized document.
	Fields map[string]any

	Labels Labels
}

// WithLabels returns a copy of e whose labels are e's labels merged with
// each of sets in order. Later sets win on key collision.
func (e *Entry) WithLabels(sets ...Labels) *Entry {
	out := *e
	out.Labels = e.Labels.Clone()
	for _, set := range sets {
		out.Labels = out.Labels.Merge(set)
	}
	return &out
}

// MarshalJSON renders the entry as a single-line document
func (e *Entry) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(e.Fields)+5)

	// Structured fields first so the core fields cannot be overwritten
	for key, value := range e.Fields {
		doc[key] = value
	}

	message := e.Message
	if message == "" {
		message = e.Level.String()
	}

	doc["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	doc["severity"] = e.Level.String()
	doc["message"] = message
	if e.Error != "" {
		doc["error"] = e.Error
	} else {
		delete(doc, "error")
	}

	labels := make(map[string]Value, len(e.Labels))
	for key, value := range e.Labels {
		if value.IsNull() {
			continue
		}
		labels[key] = value
	}
	doc[LabelsKey] = labels

	return json.Marshal(doc)
}
