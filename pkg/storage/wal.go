package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Sync modes for WALConfig.SyncMode.
const (
	SyncImmediate = "immediate" // fsync after each write (safest, slowest)
	SyncBatch     = "batch"     // fsync periodically (faster, some risk)
	SyncNone      = "none"      // flush to the OS only (fastest, data loss on crash)
)

var segmentMagic = [8]byte{'N', 'G', 'W', 'A', 'L', 0, 0, 2}

// WALConfig configures WAL behavior.
type WALConfig struct {
	// Directory for WAL segment files
	Dir string

	// SyncMode controls when writes are synced to disk:
	// "immediate", "batch" or "none"
	SyncMode string

	// BatchSyncInterval for "batch" sync mode
	BatchSyncInterval time.Duration

	// MaxSegmentSize triggers rotation to a new segment when exceeded
	MaxSegmentSize int64

	// Compression enables zstd compression of payloads of at least
	// CompressionMinSize bytes
	Compression        bool
	CompressionMinSize int

	// Logger receives WAL diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// DefaultWALConfig returns sensible defaults.
func DefaultWALConfig() *WALConfig {
	return &WALConfig{
		Dir:                "data/wal",
		SyncMode:           SyncImmediate,
		BatchSyncInterval:  100 * time.Millisecond,
		MaxSegmentSize:     64 * 1024 * 1024, // 64MB
		CompressionMinSize: 512,
	}
}

// Validate checks the configuration.
func (c *WALConfig) Validate() error {
	switch c.SyncMode {
	case SyncImmediate, SyncBatch, SyncNone:
	default:
		return fmt.Errorf("wal: invalid sync mode %q", c.SyncMode)
	}
	if c.SyncMode == SyncBatch && c.BatchSyncInterval <= 0 {
		return fmt.Errorf("wal: batch sync requires a positive interval")
	}
	if c.MaxSegmentSize < 0 {
		return fmt.Errorf("wal: negative segment size")
	}
	return nil
}

// WAL provides write-ahead logging for durability.
// Thread-safe for concurrent writes; appends are serialized.
//
// The log is a sequence of segment files named wal-<first sequence>.log.
// Sequence numbers are strictly increasing across segments.
type WAL struct {
	mu       sync.Mutex
	config   *WALConfig
	logger   *zap.Logger
	file     *os.File
	writer   *bufio.Writer
	segments []uint64 // first sequence of each segment, ascending
	segSize  int64
	syncErr  error // failure of the background sync, reported by the next Append

	sequence atomic.Uint64
	entries  atomic.Int64
	bytes    atomic.Int64
	closed   atomic.Bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// Background sync goroutine
	syncTicker *time.Ticker
	stopSync   chan struct{}
	syncDone   chan struct{}

	// Stats
	totalWrites   atomic.Int64
	totalSyncs    atomic.Int64
	lastSyncTime  atomic.Int64
	lastEntryTime atomic.Int64
	tornBytes     int64
}

// WALStats provides observability into WAL state.
type WALStats struct {
	Sequence      uint64
	Segments      int
	EntryCount    int64
	BytesWritten  int64
	TotalWrites   int64
	TotalSyncs    int64
	TornBytes     int64
	LastSyncTime  time.Time
	LastEntryTime time.Time
	Closed        bool
}

// OpenWAL opens the log in cfg.Dir, creating it if needed.
//
// The last segment is scanned to restore the sequence counter. A record cut
// short at the very end of the log (a torn write) is truncated away; a
// complete record that fails its checksum is returned as *CorruptionError.
func OpenWAL(cfg *WALConfig) (*WAL, error) {
	if cfg == nil {
		cfg = DefaultWALConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &WAL{
		config: cfg,
		logger: logger,
	}

	var err error
	w.decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("wal: failed to create decompressor: %w", err)
	}
	if cfg.Compression {
		w.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			w.decoder.Close()
			return nil, fmt.Errorf("wal: failed to create compressor: %w", err)
		}
	}

	if err := w.openSegments(); err != nil {
		w.closeCodecs()
		return nil, err
	}

	// Start batch sync if configured
	if cfg.SyncMode == SyncBatch {
		w.syncTicker = time.NewTicker(cfg.BatchSyncInterval)
		w.stopSync = make(chan struct{})
		w.syncDone = make(chan struct{})
		go w.batchSyncLoop()
	}

	return w, nil
}

func segmentName(start uint64) string {
	return fmt.Sprintf("wal-%020d.log", start)
}

// listSegments returns the first sequences of all segments in dir, ascending.
func listSegments(dir string) ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		return nil, err
	}
	starts := make([]uint64, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "wal-"), ".log")
		start, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

func (w *WAL) segmentPath(start uint64) string {
	return filepath.Join(w.config.Dir, segmentName(start))
}

// openSegments restores state from disk and opens the active segment.
func (w *WAL) openSegments() error {
	starts, err := listSegments(w.config.Dir)
	if err != nil {
		return fmt.Errorf("wal: failed to list segments: %w", err)
	}
	if len(starts) == 0 {
		return w.createSegment(1)
	}
	w.segments = starts

	last := starts[len(starts)-1]
	path := w.segmentPath(last)
	lastSeq, goodSize, torn, err := scanSegment(path, w.decoder, nil)
	if err != nil {
		return err
	}
	if lastSeq == 0 {
		lastSeq = last - 1
	}
	if torn && goodSize < int64(len(segmentMagic)) {
		// Crashed while creating the segment: start it again
		w.segments = starts[:len(starts)-1]
		return w.createSegment(last)
	}
	if torn {
		info, statErr := os.Stat(path)
		if statErr == nil {
			w.tornBytes = info.Size() - goodSize
		}
		if err := os.Truncate(path, goodSize); err != nil {
			return fmt.Errorf("wal: failed to truncate torn tail: %w", err)
		}
		w.logger.Warn("wal: truncated torn record at tail",
			zap.String("segment", filepath.Base(path)),
			zap.Int64("bytes", w.tornBytes))
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("wal: failed to open segment: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriterSize(file, 64*1024)
	w.segSize = goodSize
	w.sequence.Store(lastSeq)
	return nil
}

// createSegment starts a new segment whose first record will carry start.
// Caller must hold the lock (or be the constructor).
func (w *WAL) createSegment(start uint64) error {
	path := w.segmentPath(start)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("wal: failed to create segment: %w", err)
	}
	if _, err := file.Write(segmentMagic[:]); err != nil {
		file.Close()
		return fmt.Errorf("wal: failed to write segment header: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("wal: failed to sync segment header: %w", err)
	}
	if err := syncDir(w.config.Dir); err != nil {
		file.Close()
		return err
	}

	w.file = file
	w.writer = bufio.NewWriterSize(file, 64*1024)
	w.segSize = int64(len(segmentMagic))
	w.segments = append(w.segments, start)
	w.sequence.Store(start - 1)
	return nil
}

// batchSyncLoop periodically syncs writes to disk.
func (w *WAL) batchSyncLoop() {
	defer close(w.syncDone)
	for {
		select {
		case <-w.syncTicker.C:
			w.mu.Lock()
			if err := w.syncLocked(); err != nil && w.syncErr == nil {
				w.syncErr = err
				w.logger.Error("wal: background sync failed", zap.Error(err))
			}
			w.mu.Unlock()
		case <-w.stopSync:
			return
		}
	}
}

// Append writes a new entry to the WAL and returns its sequence number.
// In "immediate" mode a boundary entry (commit, abort, schema, checkpoint)
// and every entry before it are on stable storage when Append returns.
func (w *WAL) Append(op WALOp, payload []byte) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrWALClosed
	}
	if !op.Valid() {
		return 0, ErrInvalidWALOp
	}

	stored, flags := payload, uint8(0)
	if w.encoder != nil && len(payload) >= w.config.CompressionMinSize {
		if c := w.encoder.EncodeAll(payload, nil); len(c) < len(payload) {
			stored, flags = c, flagCompressed
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return 0, ErrWALClosed
	}
	if w.syncErr != nil {
		err := w.syncErr
		w.syncErr = nil
		return 0, fmt.Errorf("wal: previous background sync failed: %w", err)
	}

	if w.config.MaxSegmentSize > 0 && w.segSize >= w.config.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	seq := w.sequence.Load() + 1
	n, _, err := encodeRecord(w.writer, seq, op, flags, stored)
	if err != nil {
		return 0, fmt.Errorf("wal: failed to write entry: %w", err)
	}
	w.sequence.Store(seq)
	w.segSize += n

	w.entries.Add(1)
	w.bytes.Add(n)
	w.totalWrites.Add(1)
	w.lastEntryTime.Store(time.Now().UnixNano())

	if w.config.SyncMode == SyncImmediate && op.boundary() {
		if err := w.syncLocked(); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Sync flushes all buffered writes to disk.
func (w *WAL) Sync() error {
	if w.closed.Load() {
		return ErrWALClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush failed: %w", err)
	}

	if w.config.SyncMode != SyncNone {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync failed: %w", err)
		}
	}

	w.totalSyncs.Add(1)
	w.lastSyncTime.Store(time.Now().UnixNano())
	return nil
}

// Rotate closes the active segment and starts a new one.
func (w *WAL) Rotate() error {
	if w.closed.Load() {
		return ErrWALClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *WAL) rotateLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush failed: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync failed: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: failed to close segment: %w", err)
	}
	return w.createSegment(w.sequence.Load() + 1)
}

// TruncateBefore deletes whole segments whose records all have a sequence
// lower than seq. The active segment is never removed. It returns the number
// of segments deleted.
func (w *WAL) TruncateBefore(seq uint64) (int, error) {
	if w.closed.Load() {
		return 0, ErrWALClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for len(w.segments) > 1 && w.segments[1] <= seq {
		path := w.segmentPath(w.segments[0])
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("wal: failed to remove segment: %w", err)
		}
		w.segments = w.segments[1:]
		removed++
	}
	if removed > 0 {
		w.logger.Debug("wal: truncated segments", zap.Int("removed", removed), zap.Uint64("before", seq))
		return removed, syncDir(w.config.Dir)
	}
	return 0, nil
}

// Replay calls fn for every entry with a sequence of at least from, in
// order. Buffered writes are flushed first so the walk sees every appended
// entry.
func (w *WAL) Replay(from uint64, fn func(*WALEntry) error) error {
	if w.closed.Load() {
		return ErrWALClosed
	}
	w.mu.Lock()
	if err := w.writer.Flush(); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("wal: flush failed: %w", err)
	}
	starts := append([]uint64(nil), w.segments...)
	w.mu.Unlock()

	return replaySegments(w.config.Dir, starts, w.decoder, from, fn)
}

// Close closes the WAL, flushing all pending writes.
func (w *WAL) Close() error {
	if w.closed.Swap(true) {
		return nil // Already closed
	}

	// Stop sync goroutine
	if w.syncTicker != nil {
		w.syncTicker.Stop()
		close(w.stopSync)
		<-w.syncDone
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	syncErr := w.syncLocked()
	closeErr := w.file.Close()
	w.closeCodecs()

	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

func (w *WAL) closeCodecs() {
	if w.encoder != nil {
		w.encoder.Close()
	}
	if w.decoder != nil {
		w.decoder.Close()
	}
}

// Stats returns current WAL statistics.
func (w *WAL) Stats() WALStats {
	var lastSync, lastEntry time.Time
	if t := w.lastSyncTime.Load(); t > 0 {
		lastSync = time.Unix(0, t)
	}
	if t := w.lastEntryTime.Load(); t > 0 {
		lastEntry = time.Unix(0, t)
	}

	w.mu.Lock()
	segments := len(w.segments)
	w.mu.Unlock()

	return WALStats{
		Sequence:      w.sequence.Load(),
		Segments:      segments,
		EntryCount:    w.entries.Load(),
		BytesWritten:  w.bytes.Load(),
		TotalWrites:   w.totalWrites.Load(),
		TotalSyncs:    w.totalSyncs.Load(),
		TornBytes:     w.tornBytes,
		LastSyncTime:  lastSync,
		LastEntryTime: lastEntry,
		Closed:        w.closed.Load(),
	}
}

// Sequence returns the sequence number of the last appended entry.
func (w *WAL) Sequence() uint64 {
	return w.sequence.Load()
}

// Dir returns the WAL directory.
func (w *WAL) Dir() string {
	return w.config.Dir
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("wal: failed to open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("wal: failed to sync directory: %w", err)
	}
	return nil
}

// readSegmentHeader checks the magic of an open segment.
func readSegmentHeader(r io.Reader, name string) error {
	var magic [len(segmentMagic)]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrTornRecord
		}
		return err
	}
	if magic != segmentMagic {
		return &CorruptionError{Segment: name, Reason: "invalid segment header"}
	}
	return nil
}
