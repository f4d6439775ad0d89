package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/logship/pkg/buffer"
	"github.com/cuemby/logship/pkg/types"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDir = "/data/logship"

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, mutate func(*Options)) (*SegmentStore, afero.Fs, *clock) {
	t.Helper()

	fs := afero.NewMemMapFs()
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	opts := Options{Fs: fs, Dir: testDir, Now: clk.Now}
	if mutate != nil {
		mutate(&opts)
	}

	store, err := NewSegmentStore(buffer.New(), opts)
	require.NoError(t, err)
	return store, fs, clk
}

func testEntry(i int) *types.Entry {
	return &types.Entry{
		Timestamp: time.Unix(int64(i), 0),
		Level:     types.LevelInfo,
		Message:   fmt.Sprintf("message number %04d", i),
	}
}

func readLive(t *testing.T, fs afero.Fs) []byte {
	t.Helper()
	data, err := afero.ReadFile(fs, testDir+"/"+LiveSegmentName)
	require.NoError(t, err)
	return data
}

func messages(t *testing.T, ndjson []byte) []string {
	t.Helper()
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(ndjson))
	for scanner.Scan() {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc))
		out = append(out, doc["message"].(string))
	}
	require.NoError(t, scanner.Err())
	return out
}

func sealedNames(t *testing.T, store *SegmentStore) []string {
	t.Helper()
	segments, err := store.Segments()
	require.NoError(t, err)
	names := make([]string, 0, len(segments))
	for _, seg := range segments {
		names = append(names, seg.Name)
	}
	return names
}

// noise returns n characters that gzip cannot shrink much
func noise(seed int64, n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[r.Intn(len(alphabet))]
	}
	return string(b)
}

// writeSealedFile writes a gzip segment with the given lines directly
func writeSealedFile(t *testing.T, fs afero.Fs, name string, lines ...string) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, line := range lines {
		_, err := zw.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, afero.WriteFile(fs, testDir+"/"+name, buf.Bytes(), 0o600))
}

func TestNewSegmentStoreRequiresDir(t *testing.T) {
	_, err := NewSegmentStore(buffer.New(), Options{Fs: afero.NewMemMapFs()})
	assert.Error(t, err)
}

func TestFlushAppendsJSONLines(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)

	store.Record(testEntry(1))
	store.Record(testEntry(2))
	require.NoError(t, store.Flush())

	store.Record(testEntry(3))
	require.NoError(t, store.Flush())

	assert.Equal(t, []string{
		"message number 0001",
		"message number 0002",
		"message number 0003",
	}, messages(t, readLive(t, fs)))
}

func TestFlushEmptyBufferCreatesNothing(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)

	require.NoError(t, store.Flush())

	exists, err := afero.Exists(fs, testDir+"/"+LiveSegmentName)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFlushDropsBatchWhenSpaceIsLow(t *testing.T) {
	store, fs, _ := newTestStore(t, func(o *Options) {
		o.MinFreeSpace = 1024
		o.Space = SpaceFunc(func(string) (uint64, error) { return 512, nil })
	})

	for i := 0; i < 5; i++ {
		store.Record(testEntry(i))
	}

	err := store.Flush()
	assert.True(t, errors.Is(err, ErrInsufficientSpace))

	exists, err := afero.Exists(fs, testDir+"/"+LiveSegmentName)
	require.NoError(t, err)
	assert.False(t, exists, "no bytes may be written under disk pressure")
	assert.Empty(t, store.buf.Retrieve(), "dropped entries are not requeued")
}

func TestFlushWritesWhenSpaceUnknown(t *testing.T) {
	store, fs, _ := newTestStore(t, func(o *Options) {
		o.Space = SpaceFunc(func(string) (uint64, error) { return 0, errors.New("unsupported") })
	})

	store.Record(testEntry(1))
	require.NoError(t, store.Flush())
	assert.Len(t, messages(t, readLive(t, fs)), 1)
}

func TestHasLiveEntries(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)

	has, err := store.HasLiveEntries()
	require.NoError(t, err)
	assert.False(t, has, "no live segment")

	require.NoError(t, afero.WriteFile(fs, testDir+"/"+LiveSegmentName, []byte("{}\n"), 0o600))
	has, err = store.HasLiveEntries()
	require.NoError(t, err)
	assert.False(t, has, "trivial content")

	store.Record(testEntry(1))
	require.NoError(t, store.Flush())
	has, err = store.HasLiveEntries()
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRollLiveRoundTrip(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)

	const n = 250
	for i := 0; i < n; i++ {
		store.Record(testEntry(i))
	}
	require.NoError(t, store.Flush())
	require.NoError(t, store.RollLive())

	exists, err := afero.Exists(fs, testDir+"/"+LiveSegmentName)
	require.NoError(t, err)
	assert.False(t, exists, "live segment must be gone after rotation")

	segments, err := store.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "1700000000000", segments[0].Name)
	assert.Equal(t, int64(1_700_000_000_000), segments[0].Timestamp.UnixMilli())

	data, err := segments[0].Decompress()
	require.NoError(t, err)
	got := messages(t, data)
	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("message number %04d", i), got[i])
	}
}

func TestRollLiveNoop(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)

	require.NoError(t, store.RollLive())
	assert.Empty(t, sealedNames(t, store))

	require.NoError(t, afero.WriteFile(fs, testDir+"/"+LiveSegmentName, nil, 0o600))
	require.NoError(t, store.RollLive())
	assert.Empty(t, sealedNames(t, store), "empty live segment is not sealed")
}

func TestRollLiveAvoidsNameCollision(t *testing.T) {
	store, _, _ := newTestStore(t, nil)

	for round := 0; round < 3; round++ {
		store.Record(testEntry(round))
		require.NoError(t, store.Flush())
		require.NoError(t, store.RollLive())
	}

	assert.Equal(t, []string{"1700000000000", "1700000000001", "1700000000002"}, sealedNames(t, store))
}

func TestForEachSealedOldestFirstAndEarlyStop(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)

	// Lexical order differs from numeric order on purpose
	writeSealedFile(t, fs, "900", `{"message":"c"}`)
	writeSealedFile(t, fs, "10000", `{"message":"d"}`)
	writeSealedFile(t, fs, "20", `{"message":"a"}`)
	writeSealedFile(t, fs, "300", `{"message":"b"}`)
	require.NoError(t, afero.WriteFile(fs, testDir+"/notes.txt", []byte("ignored"), 0o600))
	require.NoError(t, afero.WriteFile(fs, testDir+"/"+LiveSegmentName, []byte("x"), 0o600))

	var visited []string
	require.NoError(t, store.ForEachSealed(func(seg *Segment) bool {
		visited = append(visited, seg.Name)
		return true
	}))
	assert.Equal(t, []string{"20", "300", "900", "10000"}, visited)

	visited = nil
	require.NoError(t, store.ForEachSealed(func(seg *Segment) bool {
		visited = append(visited, seg.Name)
		return len(visited) < 2
	}))
	assert.Equal(t, []string{"20", "300"}, visited)
}

func TestCompactSealedConcatenatesInOrder(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)

	long := func(tag string) string {
		return fmt.Sprintf(`{"message":"%s","padding":"%s"}`, tag, noise(int64(len(tag)+int(tag[0])+int(tag[1])), 80))
	}
	writeSealedFile(t, fs, "100", long("a1"), long("a2"))
	writeSealedFile(t, fs, "200", long("b1"))
	writeSealedFile(t, fs, "300", long("c1"), long("c2"))

	require.NoError(t, store.CompactSealed())

	segments, err := store.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1, "the three inputs are replaced by one segment")
	assert.Equal(t, "1700000000000", segments[0].Name)

	data, err := segments[0].Decompress()
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "b1", "c1", "c2"}, messages(t, data))
}

func TestCompactSealedSkipsLargeSegments(t *testing.T) {
	store, fs, _ := newTestStore(t, func(o *Options) {
		o.MaxCompactInput = 200
	})

	writeSealedFile(t, fs, "100", fmt.Sprintf(`{"message":"small","pad":"%s"}`, noise(1, 60)))
	writeSealedFile(t, fs, "200", fmt.Sprintf(`{"message":"big","pad":"%s"}`, noise(2, 600)))

	segments, err := store.Segments()
	require.NoError(t, err)
	require.Greater(t, segments[1].Size, int64(200), "fixture must exceed the cap")

	require.NoError(t, store.CompactSealed())

	names := sealedNames(t, store)
	assert.Contains(t, names, "200", "large segment is left alone")
	assert.NotContains(t, names, "100")
	assert.Len(t, names, 2)
}

func TestCompactSealedDropsUnreadableSegments(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)

	writeSealedFile(t, fs, "100", fmt.Sprintf(`{"message":"good","pad":"%s"}`, noise(3, 60)))
	require.NoError(t, afero.WriteFile(fs, testDir+"/200", bytes.Repeat([]byte("not gzip "), 20), 0o600))

	require.NoError(t, store.CompactSealed())

	segments, err := store.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)

	data, err := segments[0].Decompress()
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, messages(t, data))
}

func TestCompactSealedWithNothingToMerge(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)

	// Tiny segments carry no content; they are consumed without output
	require.NoError(t, afero.WriteFile(fs, testDir+"/100", []byte("x"), 0o600))

	require.NoError(t, store.CompactSealed())
	assert.Empty(t, sealedNames(t, store))
}

// gateFs blocks the first write into a staged segment until release is
// closed, so a rotation can be held half-written
type gateFs struct {
	afero.Fs
	entered chan struct{}
	release chan struct{}
	held    atomic.Bool
}

func newGateFs() *gateFs {
	return &gateFs{
		Fs:      afero.NewMemMapFs(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gateFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := g.Fs.OpenFile(name, flag, perm)
	if err != nil || !strings.HasSuffix(name, stagedSuffix) {
		return f, err
	}
	return &gateFile{File: f, gate: g}, nil
}

type gateFile struct {
	afero.File
	gate *gateFs
}

func (f *gateFile) Write(p []byte) (int, error) {
	if f.gate.held.CompareAndSwap(false, true) {
		close(f.gate.entered)
		<-f.gate.release
	}
	return f.File.Write(p)
}

func TestRotationConcurrentWithCompactionAndIteration(t *testing.T) {
	gate := newGateFs()
	store, _, _ := newTestStore(t, func(o *Options) {
		o.Fs = gate
	})
	fs := afero.Fs(gate)

	writeSealedFile(t, fs, "100", fmt.Sprintf(`{"message":"old-a","pad":"%s"}`, noise(4, 80)))
	writeSealedFile(t, fs, "200", fmt.Sprintf(`{"message":"old-b","pad":"%s"}`, noise(5, 80)))

	const flushed = 20
	var want []string
	for i := 0; i < flushed; i++ {
		entry := testEntry(i)
		store.Record(entry)
		want = append(want, entry.Message)
	}
	require.NoError(t, store.Flush())

	rolled := make(chan error, 1)
	go func() {
		rolled <- store.RollLive()
	}()

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("rotation never started writing")
	}

	// The half-written segment must be invisible to iteration
	var visited []string
	require.NoError(t, store.ForEachSealed(func(seg *Segment) bool {
		visited = append(visited, seg.Name)
		_, err := seg.Decompress()
		assert.NoError(t, err, "segment %s visited while incomplete", seg.Name)
		return true
	}))
	assert.Equal(t, []string{"100", "200"}, visited)

	require.NoError(t, store.CompactSealed())

	close(gate.release)
	select {
	case err := <-rolled:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("rotation did not finish")
	}

	exists, err := afero.Exists(fs, testDir+"/"+LiveSegmentName)
	require.NoError(t, err)
	assert.False(t, exists)

	var got []string
	require.NoError(t, store.ForEachSealed(func(seg *Segment) bool {
		data, err := seg.Decompress()
		require.NoError(t, err)
		got = append(got, messages(t, data)...)
		return true
	}))
	assert.ElementsMatch(t, append([]string{"old-a", "old-b"}, want...), got)
	assert.Len(t, sealedNames(t, store), 2, "compacted output plus the rotated segment")
}

func TestNewSegmentStoreRemovesStagedFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testDir, 0o700))
	writeSealedFile(t, fs, "100", `{"message":"kept"}`)
	require.NoError(t, afero.WriteFile(fs, testDir+"/1700000000000"+stagedSuffix, []byte("partial"), 0o600))

	store, err := NewSegmentStore(buffer.New(), Options{Fs: fs, Dir: testDir})
	require.NoError(t, err)

	exists, err := afero.Exists(fs, testDir+"/1700000000000"+stagedSuffix)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, []string{"100"}, sealedNames(t, store))

	// A staged file written later is never listed
	require.NoError(t, afero.WriteFile(fs, testDir+"/1700000000001"+stagedSuffix, []byte("partial"), 0o600))
	assert.Equal(t, []string{"100"}, sealedNames(t, store))
}

func TestPruneByAge(t *testing.T) {
	store, fs, clk := newTestStore(t, func(o *Options) {
		o.Retention = Retention{MaxAge: time.Hour}
	})

	now := clk.Now().UnixMilli()
	old := strconv.FormatInt(now-2*time.Hour.Milliseconds(), 10)
	recent := strconv.FormatInt(now-time.Minute.Milliseconds(), 10)
	writeSealedFile(t, fs, old, `{"message":"old"}`)
	writeSealedFile(t, fs, recent, `{"message":"recent"}`)

	require.NoError(t, store.Prune())
	assert.Equal(t, []string{recent}, sealedNames(t, store))
}

func TestPruneBySize(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)

	writeSealedFile(t, fs, "100", `{"message":"one"}`)
	writeSealedFile(t, fs, "200", `{"message":"two"}`)
	writeSealedFile(t, fs, "300", `{"message":"three"}`)

	segments, err := store.Segments()
	require.NoError(t, err)
	store.opts.Retention = Retention{MaxSize: segments[2].Size + segments[1].Size}

	require.NoError(t, store.Prune())
	assert.Equal(t, []string{"200", "300"}, sealedNames(t, store))
}

func TestPruneDisabled(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)
	writeSealedFile(t, fs, "1", `{"message":"ancient"}`)

	require.NoError(t, store.Prune())
	assert.Equal(t, []string{"1"}, sealedNames(t, store))
}

func TestMaintainRollsAndCompacts(t *testing.T) {
	store, fs, _ := newTestStore(t, func(o *Options) {
		o.MaxLiveSize = 100
		o.MaxSealed = 3
	})

	for i := 0; i < 4; i++ {
		writeSealedFile(t, fs, strconv.Itoa(100+i), fmt.Sprintf(`{"message":"s%d","pad":"%s"}`, i, noise(int64(10+i), 60)))
	}
	for i := 0; i < 10; i++ {
		store.Record(testEntry(i))
	}
	require.NoError(t, store.Flush())

	store.Maintain()

	exists, err := afero.Exists(fs, testDir+"/"+LiveSegmentName)
	require.NoError(t, err)
	assert.False(t, exists, "oversized live segment was rolled")

	// Five sealed segments exceed the limit of three and get compacted
	assert.Len(t, sealedNames(t, store), 1)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SealedSegments)
	assert.Zero(t, stats.LiveBytes)
}

func TestSalvageWritesBuffer(t *testing.T) {
	store, fs, _ := newTestStore(t, nil)

	store.Record(testEntry(7))
	require.NoError(t, store.Salvage())
	assert.Equal(t, []string{"message number 0007"}, messages(t, readLive(t, fs)))
}

func TestStartStopFlushesOnShutdown(t *testing.T) {
	store, fs, _ := newTestStore(t, func(o *Options) {
		o.FlushInterval = time.Hour
		o.MaintenanceInterval = time.Hour
	})

	store.Start()
	store.Record(testEntry(1))
	store.Stop()

	assert.Equal(t, []string{"message number 0001"}, messages(t, readLive(t, fs)))
}

func TestPeriodicFlush(t *testing.T) {
	store, fs, _ := newTestStore(t, func(o *Options) {
		o.FlushInterval = 10 * time.Millisecond
		o.MaintenanceInterval = time.Hour
	})
	store.Start()
	defer store.Stop()

	store.Record(testEntry(1))

	assert.Eventually(t, func() bool {
		exists, _ := afero.Exists(fs, testDir+"/"+LiveSegmentName)
		return exists
	}, time.Second, 10*time.Millisecond)
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", formatSize(512))
	assert.Equal(t, "1.0 KiB", formatSize(1024))
	assert.Equal(t, "768.0 MiB", formatSize(DefaultMinFreeSpace))
}
