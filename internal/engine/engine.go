// Package engine coordinates the write-ahead log, the two memtable
// generations, and the on-disk SSTable levels into the single-writer
// API described by original_source/core/src/database.rs's Database:
// init, put, delete, and the swap_memtable procedure that promotes a
// full memtable to a level-0 SSTable without ever leaving a window
// where a crash could lose acknowledged data.
package engine

import (
	"errors"
	"sort"
	"time"

	"github.com/dd0wney/lsmkv/internal/enginerr"
	"github.com/dd0wney/lsmkv/internal/logging"
	"github.com/dd0wney/lsmkv/internal/memtable"
	"github.com/dd0wney/lsmkv/internal/metrics"
	"github.com/dd0wney/lsmkv/internal/pathutil"
	"github.com/dd0wney/lsmkv/internal/sstable"
	"github.com/dd0wney/lsmkv/internal/wal"
)

// ErrQueryNotImplemented is returned by Query. Point lookups across
// memtables and on-disk levels are an external collaborator's concern
// in this engine; the method exists so callers can compile against the
// full API surface ahead of that collaborator landing.
var ErrQueryNotImplemented = errors.New("engine: query path is not implemented")

// Engine is the single-writer coordinator. All of its methods assume
// exclusive access; callers must serialize their own concurrent use.
type Engine struct {
	options Options
	clock   *pathutil.Clock
	logger  logging.Logger
	metrics *metrics.Registry

	wal          *wal.WAL
	rwMemtable   *memtable.MemTable
	roMemtable   *memtable.MemTable
	onDiskLevels [][]*sstable.Table

	mutationsSinceSync int
}

// Init replays the working directory's WAL segments, opens its
// existing SSTables, and returns a ready-to-use Engine.
func Init(options Options) (*Engine, error) {
	if options.WorkingDir == "" {
		options.WorkingDir = "."
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewNop()
	}
	if options.Logger == nil {
		options.Logger = logging.NewNopLogger()
	}

	if err := pathutil.EnsureDir(options.WorkingDir); err != nil {
		return nil, enginerr.NewIO("engine.Init", options.WorkingDir, err)
	}

	clock := pathutil.NewClock()

	currentWAL, rw, err := wal.Replay(options.WorkingDir, clock, options.Logger)
	if err != nil {
		return nil, err
	}

	levels, err := loadLevels(options.WorkingDir, options.LevelNum)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		options:      options,
		clock:        clock,
		logger:       options.Logger,
		metrics:      options.Metrics,
		wal:          currentWAL,
		rwMemtable:   rw,
		roMemtable:   memtable.New(),
		onDiskLevels: levels,
	}

	e.metrics.MemTableSizeBytes.Set(float64(rw.Size()))
	e.logger.Info("engine initialized",
		logging.Path(options.WorkingDir),
		logging.Int("recovered_entries", rw.Len()))

	return e, nil
}

// loadLevels scans the working directory's SSTables and classifies
// each into its recorded level: level 0 newest-first by filename
// timestamp, deeper levels ascending by low key.
func loadLevels(workingDir string, levelNum int) ([][]*sstable.Table, error) {
	paths, err := pathutil.ListByExt(workingDir, sstable.Ext)
	if err != nil {
		return nil, enginerr.NewIO("engine.loadLevels", workingDir, err)
	}

	levels := make([][]*sstable.Table, levelNum)

	// ListByExt returns ascending filename (= ascending timestamp,
	// oldest first); level 0 wants newest first.
	for i := len(paths) - 1; i >= 0; i-- {
		table, err := sstable.Open(paths[i])
		if err != nil {
			return nil, err
		}
		level := table.Level()
		if level < 0 || level >= levelNum {
			return nil, enginerr.NewInvariantViolation("engine.loadLevels",
				"sstable "+paths[i]+" carries an out-of-range level")
		}
		levels[level] = append(levels[level], table)
	}

	for level := 1; level < levelNum; level++ {
		sort.SliceStable(levels[level], func(i, j int) bool {
			return string(levels[level][i].LowKey()) < string(levels[level][j].LowKey())
		})
	}

	return levels, nil
}

// Put writes key/value with a fresh monotonic timestamp, then swaps
// the memtable generations if the threshold is now exceeded.
func (e *Engine) Put(key, value []byte) error {
	ts := e.clock.Now()

	if err := e.wal.Put(ts, key, value); err != nil {
		return err
	}
	if err := e.afterMutation(); err != nil {
		return err
	}

	e.rwMemtable.Put(ts, key, value)
	e.metrics.WritesTotal.WithLabelValues("put").Inc()
	e.metrics.BytesWritten.Add(float64(len(key) + len(value)))
	e.metrics.MemTableSizeBytes.Set(float64(e.rwMemtable.Size()))

	return e.maybeSwap()
}

// Delete writes a tombstone for key with a fresh monotonic timestamp.
func (e *Engine) Delete(key []byte) error {
	ts := e.clock.Now()

	if err := e.wal.Delete(ts, key); err != nil {
		return err
	}
	if err := e.afterMutation(); err != nil {
		return err
	}

	e.rwMemtable.Delete(ts, key)
	e.metrics.WritesTotal.WithLabelValues("delete").Inc()
	e.metrics.MemTableSizeBytes.Set(float64(e.rwMemtable.Size()))

	return e.maybeSwap()
}

// Query is present for interface completeness; the point-lookup path
// across memtables and on-disk levels is out of scope for this engine.
func (e *Engine) Query(key []byte) (memtable.Entry, bool, error) {
	return memtable.Entry{}, false, ErrQueryNotImplemented
}

func (e *Engine) afterMutation() error {
	e.mutationsSinceSync++
	switch e.options.Durability {
	case DurabilityPerMutation:
		return e.wal.Sync()
	case DurabilityPeriodic:
		interval := e.options.PeriodicInterval
		if interval <= 0 {
			interval = defaultPeriodicInterval
		}
		if e.mutationsSinceSync >= interval {
			e.mutationsSinceSync = 0
			return e.wal.Sync()
		}
		return e.wal.Flush()
	default:
		return e.wal.Flush()
	}
}

func (e *Engine) maybeSwap() error {
	if e.rwMemtable.Size() <= e.options.MemtableThreshold {
		return nil
	}
	return e.swapMemtable()
}

// swapMemtable promotes the current rw memtable to an immutable
// level-0 SSTable. The outgoing WAL is flushed and the new SSTable is
// durably on disk before the outgoing WAL is deleted; that ordering is
// what makes a crash mid-swap recoverable from either side of it.
func (e *Engine) swapMemtable() error {
	start := time.Now()
	e.roMemtable = memtable.New()

	oldWAL := e.wal
	if !pathutil.FileExists(oldWAL.Path()) {
		return enginerr.NewInvariantViolation("engine.swapMemtable", "outgoing wal segment is missing: "+oldWAL.Path())
	}

	newWAL, err := wal.Create(e.options.WorkingDir, e.clock.Now(), e.logger)
	if err != nil {
		return err
	}
	e.metrics.WALRotationsTotal.Inc()

	e.wal, e.rwMemtable, e.roMemtable = newWAL, e.roMemtable, e.rwMemtable
	e.mutationsSinceSync = 0

	entries := e.roMemtable.Entries()
	sstPath := pathutil.FilePath(e.options.WorkingDir, e.clock.Now(), sstable.Ext)
	if _, err := sstable.Write(sstPath, 0, entries); err != nil {
		return err
	}

	table, err := sstable.Open(sstPath)
	if err != nil {
		return err
	}
	e.onDiskLevels[0] = append([]*sstable.Table{table}, e.onDiskLevels[0]...)

	// The outgoing WAL must be flushed before it is closed or deleted;
	// Close does that (Sync, then the file handle) so the fd backing
	// it isn't leaked either.
	if err := oldWAL.Close(); err != nil {
		return err
	}
	if err := wal.Remove(oldWAL.Path()); err != nil {
		return err
	}

	e.metrics.FlushesTotal.Inc()
	e.metrics.MemTableSizeBytes.Set(float64(e.rwMemtable.Size()))
	e.metrics.SwapDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("memtable swapped to level-0 sstable",
		logging.Path(sstPath),
		logging.Int("entries", len(entries)))

	return nil
}

// Close flushes, fsyncs and closes the current WAL segment. Opened
// SSTables hold no file handle (Get reopens the file per lookup), so
// there is nothing of theirs to close.
func (e *Engine) Close() error {
	return e.wal.Close()
}

// LevelZeroCount reports how many SSTables currently sit in level 0,
// the signal a background compactor would watch against
// LevelZeroMemtablesLimit.
func (e *Engine) LevelZeroCount() int {
	return len(e.onDiskLevels[0])
}
