package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/logship/pkg/buffer"
	"github.com/cuemby/logship/pkg/log"
	"github.com/cuemby/logship/pkg/metrics"
	"github.com/cuemby/logship/pkg/types"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	// LiveSegmentName is the reserved name of the live segment
	LiveSegmentName = "current"

	DefaultFlushInterval       = 5 * time.Second
	DefaultMaintenanceInterval = 30 * time.Second
	DefaultMaxLiveSize         = 1024 * 1024       // 1 MiB
	DefaultMaxCompactInput     = 100 * 1024        // 100 KiB
	DefaultMaxSealed           = 20                // fan-out before compaction
	DefaultMinFreeSpace        = 768 * 1024 * 1024 // 768 MiB

	// Files at or below this size hold no useful content
	minContentSize = 50

	// stagedSuffix marks a sealed segment still being written
	stagedSuffix = ".tmp"
)

var (
	// ErrStorageIO wraps failures to read or write segment files
	ErrStorageIO = errors.New("storage I/O failure")

	// ErrInsufficientSpace is returned by Flush when a batch was dropped
	// because the device is low on free space
	ErrInsufficientSpace = errors.New("insufficient free space")
)

// Retention bounds how much sealed history is kept. Zero disables a bound.
type Retention struct {
	MaxAge  time.Duration
	MaxSize int64
}

func (r Retention) enabled() bool {
	return r.MaxAge > 0 || r.MaxSize > 0
}

// Options configures a SegmentStore. Zero values take the defaults.
type Options struct {
	// Fs is the filesystem holding Dir (default: the OS filesystem)
	Fs  afero.Fs
	Dir string

	// Space probes free space for admission control. Nil disables the
	// check; a zero MinFreeSpace means DefaultMinFreeSpace.
	Space        SpaceChecker
	MinFreeSpace uint64

	MaxLiveSize     int64
	MaxCompactInput int64
	MaxSealed       int

	FlushInterval       time.Duration
	MaintenanceInterval time.Duration

	Retention Retention

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.MinFreeSpace == 0 {
		o.MinFreeSpace = DefaultMinFreeSpace
	}
	if o.MaxLiveSize <= 0 {
		o.MaxLiveSize = DefaultMaxLiveSize
	}
	if o.MaxCompactInput <= 0 {
		o.MaxCompactInput = DefaultMaxCompactInput
	}
	if o.MaxSealed <= 0 {
		o.MaxSealed = DefaultMaxSealed
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Segment is a sealed segment on disk
type Segment struct {
	Name      string
	Timestamp time.Time
	Size      int64

	store *SegmentStore
}

// ReadAll returns the raw gzip-compressed bytes of the segment
func (s *Segment) ReadAll() ([]byte, error) {
	data, err := afero.ReadFile(s.store.fs, s.store.path(s.Name))
	if err != nil {
		return nil, fmt.Errorf("%w: read segment %s: %v", ErrStorageIO, s.Name, err)
	}
	return data, nil
}

// Decompress returns the newline-delimited documents held by the segment
func (s *Segment) Decompress() ([]byte, error) {
	f, err := s.store.fs.Open(s.store.path(s.Name))
	if err != nil {
		return nil, fmt.Errorf("%w: open segment %s: %v", ErrStorageIO, s.Name, err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", s.Name, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", s.Name, err)
	}
	return data, nil
}

// Remove deletes the segment. Only call it from inside ForEachSealed.
func (s *Segment) Remove() error {
	if err := s.store.fs.Remove(s.store.path(s.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove segment %s: %v", ErrStorageIO, s.Name, err)
	}
	return nil
}

// SegmentStore owns the segment directory: one live append-only segment
// and any number of gzip-compressed sealed segments named by the epoch
// millisecond at which they were sealed.
//
// Two mutexes split the work: liveMu covers append, rotation and the live
// size check; sealedMu covers iteration, push deletion and compaction.
// Rotation creates sealed files without sealedMu. New sealed files are
// written under a staged name and renamed into place once complete, so an
// iteration or compaction only ever sees whole segments. nameMu makes the
// choice of a free final name atomic with the rename.
type SegmentStore struct {
	fs     afero.Fs
	dir    string
	buf    *buffer.DoubleBuffer
	opts   Options
	logger zerolog.Logger

	liveMu   sync.Mutex
	sealedMu sync.Mutex
	nameMu   sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSegmentStore creates the directory if needed and returns a store
// draining buf
func NewSegmentStore(buf *buffer.DoubleBuffer, opts Options) (*SegmentStore, error) {
	opts.setDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("segment directory is required")
	}

	if err := opts.Fs.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}

	s := &SegmentStore{
		fs:     opts.Fs,
		dir:    opts.Dir,
		buf:    buf,
		opts:   opts,
		logger: log.WithComponent("storage"),
	}
	s.removeStaged()
	return s, nil
}

// removeStaged deletes sealed segments left half-written by a previous
// run. Their source (live segment or compaction inputs) is still on disk.
func (s *SegmentStore) removeStaged() {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return
	}
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), stagedSuffix) {
			continue
		}
		if err := s.fs.Remove(s.path(info.Name())); err != nil {
			segLogger := log.WithSegment(s.logger, info.Name())
			segLogger.Warn().Err(err).Msg("Failed to remove staged segment")
		}
	}
}

// Dir returns the segment directory
func (s *SegmentStore) Dir() string {
	return s.dir
}

func (s *SegmentStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Record queues an entry for the next flush. It never blocks on I/O.
func (s *SegmentStore) Record(entry *types.Entry) {
	s.buf.Add(entry)
}

// Flush drains the buffer into the live segment. A batch is dropped, not
// requeued, when free space is below the configured minimum.
func (s *SegmentStore) Flush() error {
	entries := s.buf.Retrieve()
	if len(entries) == 0 {
		return nil
	}

	s.logger.Debug().Int("entries", len(entries)).Msg("Flushing log entries")

	if err := s.admit(len(entries)); err != nil {
		return err
	}

	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	return s.appendLive(entries)
}

// Salvage writes whatever is buffered straight to the live segment without
// taking the live-segment lock. It exists for crash and shutdown paths and
// may interleave with an in-flight rotation.
func (s *SegmentStore) Salvage() error {
	entries := s.buf.Retrieve()
	if len(entries) == 0 {
		return nil
	}
	s.logger.Debug().Int("entries", len(entries)).Msg("Salvaging buffered entries")
	return s.appendLive(entries)
}

func (s *SegmentStore) admit(n int) error {
	if s.opts.Space == nil {
		return nil
	}

	available, err := s.opts.Space.Available(s.dir)
	if err != nil {
		// Unknown free space must not stop logging
		s.logger.Debug().Err(err).Msg("Could not determine available space")
		return nil
	}

	if available < s.opts.MinFreeSpace {
		s.logger.Warn().
			Str("available", formatSize(available)).
			Str("required", formatSize(s.opts.MinFreeSpace)).
			Int("entries", n).
			Msg("Not enough available space, dropping entries")
		metrics.EntriesDropped.WithLabelValues(metrics.DropInsufficientSpace).Add(float64(n))
		return ErrInsufficientSpace
	}
	return nil
}

// appendLive serializes entries as JSON lines and appends them in one write.
// Callers hold liveMu, except Salvage.
func (s *SegmentStore) appendLive(entries []*types.Entry) error {
	var data bytes.Buffer
	written := 0
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to encode log entry")
			metrics.EntriesDropped.WithLabelValues(metrics.DropEncoding).Inc()
			continue
		}
		data.Write(line)
		data.WriteByte('\n')
		written++
	}
	if written == 0 {
		return nil
	}

	f, err := s.fs.OpenFile(s.path(LiveSegmentName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		metrics.EntriesDropped.WithLabelValues(metrics.DropStorageIO).Add(float64(written))
		return fmt.Errorf("%w: open live segment: %v", ErrStorageIO, err)
	}

	_, err = f.Write(data.Bytes())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		metrics.EntriesDropped.WithLabelValues(metrics.DropStorageIO).Add(float64(written))
		return fmt.Errorf("%w: append live segment: %v", ErrStorageIO, err)
	}

	metrics.FlushedBytes.Add(float64(data.Len()))
	s.logger.Debug().Int("entries", written).Int("bytes", data.Len()).Msg("Flushed entries")
	return nil
}

// liveSize returns the size of the live segment, 0 when absent
func (s *SegmentStore) liveSize() (int64, error) {
	info, err := s.fs.Stat(s.path(LiveSegmentName))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: stat live segment: %v", ErrStorageIO, err)
	}
	return info.Size(), nil
}

// HasLiveEntries reports whether the live segment holds more than a
// trivial amount of content
func (s *SegmentStore) HasLiveEntries() (bool, error) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	size, err := s.liveSize()
	if err != nil {
		return false, err
	}
	return size > minContentSize, nil
}

// RollLive seals the live segment: its bytes are gzip-compressed into a
// new sealed segment and the live segment is deleted. A missing or empty
// live segment is a no-op.
func (s *SegmentStore) RollLive() error {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	size, err := s.liveSize()
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	data, err := afero.ReadFile(s.fs, s.path(LiveSegmentName))
	if err != nil {
		return fmt.Errorf("%w: read live segment: %v", ErrStorageIO, err)
	}

	name, err := s.writeSealed(func(w io.Writer) (bool, error) {
		_, err := w.Write(data)
		return true, err
	})
	if err != nil {
		return err
	}

	if err := s.fs.Remove(s.path(LiveSegmentName)); err != nil {
		// The content is sealed already; a leftover live segment means the
		// lines may be delivered twice, never lost.
		return fmt.Errorf("%w: remove live segment after sealing %s: %v", ErrStorageIO, name, err)
	}

	metrics.Rotations.Inc()
	metrics.LiveSegmentBytes.Set(0)
	segLogger := log.WithSegment(s.logger, name)
	segLogger.Debug().Int("bytes", len(data)).Msg("Rolled live segment")
	return nil
}

// createStaged creates a uniquely named file for a sealed segment that is
// not yet visible to listSealed
func (s *SegmentStore) createStaged() (afero.File, string, error) {
	base := s.opts.Now().UnixMilli()
	for i := int64(0); i < 1000; i++ {
		name := strconv.FormatInt(base+i, 10) + stagedSuffix
		f, err := s.fs.OpenFile(s.path(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("%w: create staged segment: %v", ErrStorageIO, err)
		}
	}
	return nil, "", fmt.Errorf("%w: no free staged segment name near %d", ErrStorageIO, base)
}

// publishSealed renames a complete staged file to the first free sealed
// name at or after the current millisecond
func (s *SegmentStore) publishSealed(staged string) (string, error) {
	s.nameMu.Lock()
	defer s.nameMu.Unlock()

	base := s.opts.Now().UnixMilli()
	for i := int64(0); i < 1000; i++ {
		name := strconv.FormatInt(base+i, 10)
		_, err := s.fs.Stat(s.path(name))
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: stat sealed segment %s: %v", ErrStorageIO, name, err)
		}
		if err := s.fs.Rename(s.path(staged), s.path(name)); err != nil {
			return "", fmt.Errorf("%w: publish sealed segment %s: %v", ErrStorageIO, name, err)
		}
		return name, nil
	}
	return "", fmt.Errorf("%w: no free sealed segment name near %d", ErrStorageIO, base)
}

// writeSealed fills a staged file through a gzip stream and publishes it
// when fill reports content worth keeping. It returns the sealed name, or
// "" when nothing was published. On failure the staged file is removed.
func (s *SegmentStore) writeSealed(fill func(w io.Writer) (bool, error)) (string, error) {
	f, staged, err := s.createStaged()
	if err != nil {
		return "", err
	}

	zw := gzip.NewWriter(f)
	keep, err := fill(zw)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(s.path(staged))
		return "", fmt.Errorf("%w: write sealed segment %s: %v", ErrStorageIO, staged, err)
	}
	if !keep {
		_ = s.fs.Remove(s.path(staged))
		return "", nil
	}

	name, err := s.publishSealed(staged)
	if err != nil {
		_ = s.fs.Remove(s.path(staged))
		return "", err
	}
	return name, nil
}

// listSealed returns sealed segments oldest first
func (s *SegmentStore) listSealed() ([]*Segment, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list segments: %v", ErrStorageIO, err)
	}

	segments := make([]*Segment, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || info.Name() == LiveSegmentName {
			continue
		}
		ms, err := strconv.ParseInt(info.Name(), 10, 64)
		if err != nil {
			continue // not ours
		}
		segments = append(segments, &Segment{
			Name:      info.Name(),
			Timestamp: time.UnixMilli(ms),
			Size:      info.Size(),
			store:     s,
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Timestamp.Before(segments[j].Timestamp)
	})
	return segments, nil
}

// ForEachSealed visits sealed segments oldest first while visit returns
// true. The sealed-segment lock is held for the whole iteration.
func (s *SegmentStore) ForEachSealed(visit func(*Segment) bool) error {
	s.sealedMu.Lock()
	defer s.sealedMu.Unlock()

	segments, err := s.listSealed()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if !visit(seg) {
			break
		}
	}
	return nil
}

// CompactSealed merges small sealed segments into one new sealed segment.
// Segments larger than MaxCompactInput are left alone. Every other segment
// is consumed: its content is merged when readable, and it is deleted
// either way once the merged segment is safely written.
func (s *SegmentStore) CompactSealed() error {
	s.sealedMu.Lock()
	defer s.sealedMu.Unlock()

	segments, err := s.listSealed()
	if err != nil {
		return err
	}

	var consumed []*Segment
	merged := 0
	name, err := s.writeSealed(func(w io.Writer) (bool, error) {
		for _, seg := range segments {
			if seg.Size > s.opts.MaxCompactInput {
				continue
			}
			consumed = append(consumed, seg)
			if seg.Size <= minContentSize {
				continue
			}

			data, err := seg.Decompress()
			if err != nil {
				segLogger := log.WithSegment(s.logger, seg.Name)
				segLogger.Warn().Err(err).Msg("Dropping unreadable sealed segment")
				metrics.EntriesDropped.WithLabelValues(metrics.DropCorruptSegment).Inc()
				continue
			}
			if _, err := w.Write(data); err != nil {
				return false, err
			}
			merged++
		}
		return merged > 0, nil
	})
	if err != nil {
		return err
	}

	for _, seg := range consumed {
		if err := seg.Remove(); err != nil {
			segLogger := log.WithSegment(s.logger, seg.Name)
			segLogger.Warn().Err(err).Msg("Failed to remove compacted segment")
		}
	}

	metrics.Compactions.Inc()
	s.logger.Debug().
		Int("merged", merged).
		Int("consumed", len(consumed)).
		Str("output", name).
		Msg("Compacted sealed segments")
	return nil
}

// Prune applies the retention policy: sealed segments older than MaxAge
// are deleted, then the oldest are deleted until the total sealed size is
// within MaxSize.
func (s *SegmentStore) Prune() error {
	r := s.opts.Retention
	if !r.enabled() {
		return nil
	}

	s.sealedMu.Lock()
	defer s.sealedMu.Unlock()

	segments, err := s.listSealed()
	if err != nil {
		return err
	}

	var total int64
	for _, seg := range segments {
		total += seg.Size
	}

	cutoff := s.opts.Now().Add(-r.MaxAge)
	for _, seg := range segments {
		expired := r.MaxAge > 0 && seg.Timestamp.Before(cutoff)
		oversize := r.MaxSize > 0 && total > r.MaxSize
		if !expired && !oversize {
			// Oldest first: nothing after this one is older
			break
		}
		if err := seg.Remove(); err != nil {
			segLogger := log.WithSegment(s.logger, seg.Name)
			segLogger.Warn().Err(err).Msg("Failed to prune sealed segment")
			continue
		}
		total -= seg.Size
		metrics.EntriesDropped.WithLabelValues(metrics.DropRetention).Inc()
		segLogger := log.WithSegment(s.logger, seg.Name)
		segLogger.Debug().Bool("expired", expired).Msg("Pruned sealed segment")
	}
	return nil
}

// Stats reports the current sizes on disk. It takes no locks and is only
// approximate while other operations run.
func (s *SegmentStore) Stats() (metrics.StoreStats, error) {
	live, err := s.liveSize()
	if err != nil {
		return metrics.StoreStats{}, err
	}
	segments, err := s.listSealed()
	if err != nil {
		return metrics.StoreStats{}, err
	}

	stats := metrics.StoreStats{LiveBytes: live, SealedSegments: len(segments)}
	for _, seg := range segments {
		stats.SealedBytes += seg.Size
	}
	return stats, nil
}

// Segments lists sealed segments oldest first, for inspection
func (s *SegmentStore) Segments() ([]*Segment, error) {
	return s.listSealed()
}

// Start launches the periodic flush and maintenance tasks
func (s *SegmentStore) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.flushLoop(ctx)
	go s.maintenanceLoop(ctx)
}

// Stop ends the periodic tasks. The flush task salvages the buffer on its
// way out.
func (s *SegmentStore) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *SegmentStore) flushLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if err := s.Salvage(); err != nil {
			s.logger.Warn().Err(err).Msg("Final flush failed")
		}
	}()

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.guard("flush", func() {
				if s.buf.Len() == 0 {
					return
				}
				if err := s.Flush(); err != nil && !errors.Is(err, ErrInsufficientSpace) {
					s.logger.Warn().Err(err).Msg("Error flushing")
				}
			})
		case <-ctx.Done():
			return
		}
	}
}

func (s *SegmentStore) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.guard("maintenance", s.Maintain)
		case <-ctx.Done():
			return
		}
	}
}

// Maintain runs one maintenance pass: rotate an oversized live segment,
// compact when there are too many sealed segments, then apply retention.
func (s *SegmentStore) Maintain() {
	size, err := s.liveSize()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Error checking live segment")
	}
	s.logger.Debug().Int64("bytes", size).Msg("Live segment size")

	if size > s.opts.MaxLiveSize {
		s.logger.Debug().Msg("Above max size, rolling")
		if err := s.RollLive(); err != nil {
			s.logger.Warn().Err(err).Msg("Error rolling live segment")
		}
	}

	segments, err := s.listSealed()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Error listing sealed segments")
	} else if len(segments) > s.opts.MaxSealed {
		s.logger.Debug().Int("segments", len(segments)).Msg("Too many sealed segments, compacting")
		if err := s.CompactSealed(); err != nil {
			s.logger.Warn().Err(err).Msg("Error compacting")
		}
	}

	if err := s.Prune(); err != nil {
		s.logger.Warn().Err(err).Msg("Error pruning")
	}

	if stats, err := s.Stats(); err == nil {
		metrics.Observe(stats)
	}
}

// guard runs a periodic task body, turning panics into logged errors so
// the schedule survives
func (s *SegmentStore) guard(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("task", task).Interface("panic", r).Msg("Periodic task panicked")
		}
	}()
	fn()
}

func formatSize(n uint64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatUint(n, 10) + " B"
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
