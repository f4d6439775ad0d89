package agent

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/logship/pkg/push"
	"github.com/cuemby/logship/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// InternalLabel marks entries produced by the agent about itself
const InternalLabel = "logship/internal"

// diagnostics is a zerolog hook shipping the agent's own warnings and
// errors to the collector. Direct pushes that fail fall back to storage.
type diagnostics struct {
	agent   *Agent
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newDiagnostics(a *Agent) *diagnostics {
	return &diagnostics{
		agent:   a,
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 5),
	}
}

func (d *diagnostics) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.WarnLevel || msg == "" {
		return
	}
	if !d.limiter.Allow() {
		return
	}

	d.mu.Lock()
	if d.closed || d.agent.pusher == nil || d.agent.store == nil {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	entryLevel := types.LevelWarning
	if level >= zerolog.ErrorLevel {
		entryLevel = types.LevelError
	}

	go func() {
		defer d.wg.Done()
		d.ship(entryLevel, msg)
	}()
}

func (d *diagnostics) ship(level types.Level, msg string) {
	a := d.agent
	entry, ok := a.buildEntry(types.LevelTrace, func(b *types.Builder) {
		b.Level(level).Message(msg)
	})
	if !ok {
		return
	}
	entry.Labels[InternalLabel] = types.Bool(true)

	ctx, cancel := context.WithTimeout(context.Background(), push.DefaultRequestTimeout)
	defer cancel()

	if err := a.pusher.PushDirect(ctx, entry); err != nil {
		a.store.Record(entry)
	}
}

// close stops accepting diagnostics and waits for in-flight ones
func (d *diagnostics) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
