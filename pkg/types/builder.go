package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrBelowVerbosity is matched by every BelowVerbosityError
var ErrBelowVerbosity = errors.New("below verbosity")

// BelowVerbosityError rejects an entry whose level is unset or lower than
// the configured minimum. It is a filtering outcome, not a failure.
type BelowVerbosityError struct {
	Level   Level // zero when no level was assigned
	Minimum Level
}

func (e *BelowVerbosityError) Error() string {
	if e.Level == 0 {
		return fmt.Sprintf("entry has no level (minimum %s)", e.Minimum)
	}
	return fmt.Sprintf("level %s is below minimum %s", e.Level, e.Minimum)
}

func (e *BelowVerbosityError) Is(target error) bool {
	return target == ErrBelowVerbosity
}

// Builder collects the fields of a candidate entry. It performs no I/O.
type Builder struct {
	minimum Level
	level   Level
	message string
	err     error
	fields  map[string]any
	now     func() time.Time
}

// NewBuilder returns a builder gated at minimum
func NewBuilder(minimum Level) *Builder {
	return &Builder{minimum: minimum, now: time.Now}
}

// Level sets the entry level
func (b *Builder) Level(level Level) *Builder {
	b.level = level
	return b
}

// Message sets the entry text
func (b *Builder) Message(msg string) *Builder {
	b.message = msg
	return b
}

// Messagef formats the entry text
func (b *Builder) Messagef(format string, args ...any) *Builder {
	b.message = fmt.Sprintf(format, args...)
	return b
}

// Err attaches an error
func (b *Builder) Err(err error) *Builder {
	b.err = err
	return b
}

// Field attaches a structured sub-document under key
func (b *Builder) Field(key string, doc any) *Builder {
	if b.fields == nil {
		b.fields = make(map[string]any)
	}
	b.fields[key] = doc
	return b
}

// Fields attaches several structured sub-documents
func (b *Builder) Fields(docs map[string]any) *Builder {
	for k, v := range docs {
		b.Field(k, v)
	}
	return b
}

// Build validates the candidate against the minimum level and stamps it
func (b *Builder) Build() (*Entry, error) {
	if b.level == 0 || b.level < b.minimum {
		return nil, &BelowVerbosityError{Level: b.level, Minimum: b.minimum}
	}

	entry := &Entry{
		Timestamp: b.now(),
		Level:     b.level,
		Message:   b.message,
		Labels:    Labels{},
	}
	if entry.Message == "" {
		entry.Message = b.level.String()
	}
	if b.err != nil {
		entry.Error = fmt.Sprintf("%+v", b.err)
	}
	if len(b.fields) > 0 {
		entry.Fields = make(map[string]any, len(b.fields))
		for k, v := range b.fields {
			entry.Fields[k] = v
		}
	}
	return entry, nil
}
