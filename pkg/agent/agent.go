package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuemby/logship/pkg/buffer"
	"github.com/cuemby/logship/pkg/config"
	"github.com/cuemby/logship/pkg/events"
	"github.com/cuemby/logship/pkg/log"
	"github.com/cuemby/logship/pkg/metrics"
	"github.com/cuemby/logship/pkg/platform"
	"github.com/cuemby/logship/pkg/push"
	"github.com/cuemby/logship/pkg/storage"
	"github.com/cuemby/logship/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Dependencies are the collaborators an Agent talks to. Nil fields get
// production defaults.
type Dependencies struct {
	// Transport posts to the collector (default: push.NewHTTPTransport)
	Transport push.Transport

	// Fs holds the segment directory (default: the OS filesystem)
	Fs afero.Fs

	// Space probes free space. It defaults to statfs when Fs is also
	// nil; with a custom Fs and no Space the check is disabled.
	Space storage.SpaceChecker

	// Platform supplies global labels (default: platform.NewRuntime)
	Platform platform.Provider

	// Meta persists user metadata (default: bbolt in the data directory)
	Meta storage.MetaStore

	// Diagnostics receives the agent's own logs (default: stderr)
	Diagnostics io.Writer

	// Stdout receives mirrored entries when PrintToStdout is set
	// (default: stdout)
	Stdout io.Writer
}

// Agent accepts log entries from application code, stores them on disk
// and ships them to the collector in the background
type Agent struct {
	cfg    *config.Config
	logger zerolog.Logger
	stdout zerolog.Logger

	store     *storage.SegmentStore
	pusher    *push.Pusher
	collector *metrics.Collector
	broker    *events.Broker
	diag      *diagnostics

	meta     storage.MetaStore
	ownsMeta bool

	labelsMu sync.RWMutex
	global   types.Labels
	userMeta types.Labels
	labels   types.Labels

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg, restores persisted metadata and starts the background
// flush, maintenance and push tasks. The diagnostic logger is process
// global, so only one Agent should run per process.
func New(cfg *config.Config, deps Dependencies) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.ConfigFor(cfg.Debug, deps.Diagnostics))

	a := &Agent{cfg: cfg}
	if cfg.ShipDiagnostics {
		// Installed before the components below create their loggers
		a.diag = newDiagnostics(a)
		log.AddHook(a.diag)
	}
	a.logger = log.WithComponent("agent")

	if cfg.PrintToStdout {
		out := deps.Stdout
		if out == nil {
			out = os.Stdout
		}
		a.stdout = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			Level(zerolog.TraceLevel).With().Timestamp().Logger()
	}

	fs, space := deps.Fs, deps.Space
	if fs == nil {
		fs = afero.NewOsFs()
		if space == nil {
			space = storage.StatfsChecker{}
		}
	}
	if cfg.MinFreeSpace == 0 {
		space = nil
	}

	store, err := storage.NewSegmentStore(buffer.New(), storage.Options{
		Fs:           fs,
		Dir:          cfg.SegmentDir(),
		Space:        space,
		MinFreeSpace: cfg.MinFreeSpace,
		Retention: storage.Retention{
			MaxAge:  cfg.Retention.MaxAge,
			MaxSize: cfg.Retention.MaxSize,
		},
	})
	if err != nil {
		return nil, err
	}
	a.store = store

	a.pusher, err = push.NewPusher(store, push.Options{
		Endpoint:  cfg.Endpoint,
		Transport: deps.Transport,
		Interval:  cfg.PushInterval,
	})
	if err != nil {
		return nil, err
	}

	a.meta = deps.Meta
	if a.meta == nil {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		bolt, err := storage.NewBoltMetaStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		a.meta, a.ownsMeta = bolt, true
	}

	provider := deps.Platform
	if provider == nil {
		provider = platform.NewRuntime(fs, cfg.DataDir)
	}
	a.global = provider.Labels()
	a.restoreMeta()

	metrics.RegisterComponent(metrics.ComponentStorage, true, "ready")
	a.collector = metrics.NewCollector(store, 0)
	a.collector.Start()

	a.broker = events.NewBroker()
	a.broker.Start()
	a.wg.Add(1)
	go a.watchLifecycle(a.broker.Subscribe())

	store.Start()
	a.pusher.Start()

	a.logger.Debug().
		Str("endpoint", cfg.Endpoint).
		Str("level", cfg.Level.String()).
		Str("dir", store.Dir()).
		Msg("Agent started")
	return a, nil
}

func (a *Agent) restoreMeta() {
	stored, err := a.meta.Load()
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to restore metadata")
		stored = types.Labels{}
	}

	a.labelsMu.Lock()
	defer a.labelsMu.Unlock()
	a.userMeta = stored
	a.rebuildLabels()
}

// rebuildLabels merges global labels and user metadata, metadata winning.
// Callers hold labelsMu.
func (a *Agent) rebuildLabels() {
	a.labels = a.global.Clone().Merge(a.userMeta)
}

// Enabled reports whether entries at level pass the verbosity gate
func (a *Agent) Enabled(level types.Level) bool {
	return level >= a.cfg.Level
}

// Log builds an entry with build and records it. Entries below the
// configured level are discarded. Log never blocks on I/O and never fails.
func (a *Agent) Log(build func(*types.Builder)) {
	entry, ok := a.buildEntry(a.cfg.Level, build)
	if !ok {
		return
	}

	metrics.EntriesTotal.WithLabelValues(entry.Level.String()).Inc()
	a.store.Record(entry)
	if a.cfg.PrintToStdout {
		a.print(entry)
	}
}

func (a *Agent) buildEntry(minimum types.Level, build func(*types.Builder)) (*types.Entry, bool) {
	b := types.NewBuilder(minimum)
	build(b)

	entry, err := b.Build()
	if err != nil {
		var below *types.BelowVerbosityError
		if errors.As(err, &below) {
			metrics.EntriesFiltered.Inc()
			a.logger.Debug().
				Stringer("level", below.Level).
				Stringer("minimum", below.Minimum).
				Msg("Discarded entry below verbosity level")
		}
		return nil, false
	}

	a.labelsMu.RLock()
	entry.Labels = entry.Labels.Merge(a.labels)
	a.labelsMu.RUnlock()
	return entry, true
}

func (a *Agent) print(entry *types.Entry) {
	var ev *zerolog.Event
	switch entry.Level {
	case types.LevelTrace:
		ev = a.stdout.Trace()
	case types.LevelDebug:
		ev = a.stdout.Debug()
	case types.LevelInfo:
		ev = a.stdout.Info()
	case types.LevelWarning:
		ev = a.stdout.Warn()
	default:
		ev = a.stdout.Error()
	}
	if entry.Error != "" {
		ev = ev.Str("error", entry.Error)
	}
	ev.Msg(entry.Message)
}

func (a *Agent) Trace(msg string) {
	a.Log(func(b *types.Builder) { b.Level(types.LevelTrace).Message(msg) })
}

func (a *Agent) Debug(msg string) {
	a.Log(func(b *types.Builder) { b.Level(types.LevelDebug).Message(msg) })
}

func (a *Agent) Info(msg string) {
	a.Log(func(b *types.Builder) { b.Level(types.LevelInfo).Message(msg) })
}

// Warn records a warning; err may be nil
func (a *Agent) Warn(msg string, err error) {
	a.Log(func(b *types.Builder) { b.Level(types.LevelWarning).Message(msg).Err(err) })
}

// Error records an error; err may be nil
func (a *Agent) Error(msg string, err error) {
	a.Log(func(b *types.Builder) { b.Level(types.LevelError).Message(msg).Err(err) })
}

// SetMeta sets a metadata label on every subsequent entry and persists it
// across restarts. A nil value removes the key.
func (a *Agent) SetMeta(key string, value any) error {
	v, err := types.ValueOf(value)
	if err != nil {
		return fmt.Errorf("metadata %q: %w", key, err)
	}
	if err := a.meta.Set(key, v); err != nil {
		return fmt.Errorf("failed to persist metadata %q: %w", key, err)
	}

	a.labelsMu.Lock()
	defer a.labelsMu.Unlock()
	if v.IsNull() {
		delete(a.userMeta, key)
	} else {
		a.userMeta[key] = v
	}
	a.rebuildLabels()
	return nil
}

// ClearMeta removes all metadata, in memory and on disk
func (a *Agent) ClearMeta() error {
	a.labelsMu.Lock()
	a.userMeta = types.Labels{}
	a.rebuildLabels()
	a.labelsMu.Unlock()

	if err := a.meta.Clear(); err != nil {
		return fmt.Errorf("failed to clear metadata: %w", err)
	}
	return nil
}

// Labels returns the labels currently merged into every entry
func (a *Agent) Labels() types.Labels {
	a.labelsMu.RLock()
	defer a.labelsMu.RUnlock()
	return a.labels.Clone()
}

// Flush writes buffered entries to the live segment now
func (a *Agent) Flush() error {
	return a.store.Flush()
}

// Push runs a push cycle now. It waits for a cycle already in progress.
func (a *Agent) Push(ctx context.Context) push.CycleResult {
	return a.pusher.RunCycle(ctx)
}

// Store exposes the segment store for inspection
func (a *Agent) Store() *storage.SegmentStore {
	return a.store
}

// Lifecycle returns the broker hosts publish lifecycle events on
func (a *Agent) Lifecycle() *events.Broker {
	return a.broker
}

// NotifyBackground tells the agent the application moved to the
// background, triggering an extra push cycle
func (a *Agent) NotifyBackground() {
	a.broker.Publish(&events.Event{Type: events.EventBackground})
}

// NotifyForeground tells the agent the application became active again
func (a *Agent) NotifyForeground() {
	a.broker.Publish(&events.Event{Type: events.EventForeground})
}

func (a *Agent) watchLifecycle(sub events.Subscriber) {
	defer a.wg.Done()

	for ev := range sub {
		switch ev.Type {
		case events.EventBackground:
			a.logger.Debug().Msg("Moved to background, pushing")
			result := a.pusher.RunCycle(context.Background())
			a.logger.Debug().Int("pushed", result.Pushed).Msg("Background push finished")
		case events.EventForeground:
			a.logger.Debug().Msg("Moved to foreground")
		}
	}
}

// CrashHook must be deferred directly:
//
//	defer agent.CrashHook()
//
// On panic it records the panic, writes everything buffered to the live
// segment without waiting for locks, then panics again with the same
// value. The write may race with an in-flight rotation. It does nothing
// unless AttachCrashHandler is set.
func (a *Agent) CrashHook() {
	r := recover()
	if r == nil {
		return
	}

	if a.cfg.AttachCrashHandler {
		entry, ok := a.buildEntry(types.LevelTrace, func(b *types.Builder) {
			b.Level(types.LevelError).
				Messagef("panic: %v", r).
				Field("stack", string(debug.Stack()))
		})
		if ok {
			a.store.Record(entry)
		}
		if err := a.store.Salvage(); err != nil {
			fmt.Fprintf(os.Stderr, "logship: crash flush failed: %v\n", err)
		}
	}
	panic(r)
}

// Close stops the background tasks, writes out the buffer and makes a final
// push attempt bounded by ctx
func (a *Agent) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.broker.Publish(&events.Event{Type: events.EventShutdown})
		a.broker.Stop()
		a.wg.Wait()

		a.pusher.Stop()
		a.store.Stop()
		a.collector.Stop()

		result := a.pusher.RunCycle(ctx)
		a.logger.Debug().
			Int("pushed", result.Pushed).
			Int("failed", result.Failed).
			Msg("Final push finished")

		if a.diag != nil {
			a.diag.close()
		}
		if a.ownsMeta {
			a.closeErr = a.meta.Close()
		}
	})
	return a.closeErr
}
