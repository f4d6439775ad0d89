package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/logship/pkg/log"
	"github.com/cuemby/logship/pkg/metrics"
	"github.com/cuemby/logship/pkg/storage"
	"github.com/cuemby/logship/pkg/types"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultCycleTimeout = time.Minute
	DefaultMaxFailures  = 3
)

// ErrTransport wraps failed requests and error statuses
var ErrTransport = errors.New("transport failure")

// Store is the part of the segment store a push cycle drives
type Store interface {
	Flush() error
	HasLiveEntries() (bool, error)
	RollLive() error
	ForEachSealed(visit func(*storage.Segment) bool) error
}

// Options configures a Pusher
type Options struct {
	Endpoint     string
	Transport    Transport
	Interval     time.Duration
	CycleTimeout time.Duration
	MaxFailures  int
}

// CycleResult summarizes one push cycle
type CycleResult struct {
	Rolled   bool
	Pushed   int
	Failed   int
	TimedOut bool

	// Err is set when the cycle was aborted before delivery, e.g. by a
	// failed rotation
	Err error
}

// Pusher delivers sealed segments to the collector
type Pusher struct {
	store  Store
	opts   Options
	logger zerolog.Logger

	// cycleMu serializes cycles; a concurrent caller waits for the active one
	cycleMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPusher creates a pusher over store
func NewPusher(store Store, opts Options) (*Pusher, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("push endpoint is required")
	}
	if opts.Transport == nil {
		opts.Transport = NewHTTPTransport()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultCycleTimeout
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}

	metrics.RegisterComponent(metrics.ComponentPush, true, "no cycle yet")

	return &Pusher{
		store:  store,
		opts:   opts,
		logger: log.WithComponent("push"),
	}, nil
}

// RunCycle flushes the buffer, seals the live segment when it has content,
// and pushes sealed segments oldest first. It stops after MaxFailures
// failed requests or when the cycle deadline passes; whatever is left is
// retried next cycle.
func (p *Pusher) RunCycle(ctx context.Context) CycleResult {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PushCycleDuration)

	ctx, cancel := context.WithTimeout(ctx, p.opts.CycleTimeout)
	defer cancel()

	var result CycleResult

	if err := p.store.Flush(); err != nil && !errors.Is(err, storage.ErrInsufficientSpace) {
		p.logger.Warn().Err(err).Msg("Error flushing before push")
	}

	hasLive, err := p.store.HasLiveEntries()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Error checking live segment")
	}
	if hasLive {
		if err := p.store.RollLive(); err != nil {
			p.logger.Warn().Err(err).Msg("Error rolling live segment, skipping push")
			result.Err = err
			return result
		}
		result.Rolled = true
	}

	err = p.store.ForEachSealed(func(seg *storage.Segment) bool {
		if ctx.Err() != nil {
			return false
		}
		if err := p.pushSegment(ctx, seg); err != nil {
			result.Failed++
			segLogger := log.WithSegment(p.logger, seg.Name)
			segLogger.Warn().Err(err).Int("failures", result.Failed).Msg("Failed to push segment")
			return result.Failed < p.opts.MaxFailures
		}
		result.Pushed++
		return true
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("Error iterating sealed segments")
		result.Err = err
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		metrics.PushCycleTimeouts.Inc()
		p.logger.Warn().Dur("timeout", p.opts.CycleTimeout).Msg("Push cycle timed out")
	}

	p.updateHealth(result)
	p.logger.Debug().
		Bool("rolled", result.Rolled).
		Int("pushed", result.Pushed).
		Int("failed", result.Failed).
		Msg("Push cycle finished")
	return result
}

func (p *Pusher) pushSegment(ctx context.Context, seg *storage.Segment) error {
	body, err := seg.ReadAll()
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Content-Type", ContentTypeNDJSON)
	header.Set("Content-Encoding", "gzip")
	header.Set(HeaderLogship, "true")

	if err := p.post(ctx, "segment", header, body); err != nil {
		return err
	}

	// Delivered; a failed delete only means the segment is sent again
	if err := seg.Remove(); err != nil {
		segLogger := log.WithSegment(p.logger, seg.Name)
		segLogger.Warn().Err(err).Msg("Failed to remove pushed segment")
	}
	return nil
}

// PushDirect sends one entry immediately, uncompressed and without touching
// storage. The caller decides what to do on failure.
func (p *Pusher) PushDirect(ctx context.Context, entry *types.Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", ContentTypeJSON)
	header.Set(HeaderLogship, "true")

	return p.post(ctx, "direct", header, body)
}

func (p *Pusher) post(ctx context.Context, kind string, header http.Header, body []byte) error {
	timer := metrics.NewTimer()
	status, err := p.opts.Transport.Post(ctx, p.opts.Endpoint, header, body)
	timer.ObserveDurationVec(metrics.PushRequestDuration, kind)
	if err != nil {
		metrics.PushRequests.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if status >= http.StatusBadRequest {
		metrics.PushRequests.WithLabelValues(kind, "rejected").Inc()
		return fmt.Errorf("%w: HTTP %d %s", ErrTransport, status, http.StatusText(status))
	}
	metrics.PushRequests.WithLabelValues(kind, "success").Inc()
	return nil
}

func (p *Pusher) updateHealth(result CycleResult) {
	switch {
	case result.Failed >= p.opts.MaxFailures:
		metrics.UpdateComponent(metrics.ComponentPush, false,
			fmt.Sprintf("%d failed pushes in last cycle", result.Failed))
	case result.TimedOut:
		metrics.UpdateComponent(metrics.ComponentPush, false, "last cycle timed out")
	default:
		metrics.UpdateComponent(metrics.ComponentPush, true,
			fmt.Sprintf("pushed %d segments", result.Pushed))
	}
}

// Start runs a push cycle every Interval until Stop
func (p *Pusher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.run(ctx)
}

func (p *Pusher) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.guard(func() { p.RunCycle(ctx) })
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the periodic task and waits for an in-flight cycle to unwind
func (p *Pusher) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil
}

func (p *Pusher) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("Push cycle panicked")
		}
	}()
	fn()
}
