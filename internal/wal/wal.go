// Package wal implements the append-only write-ahead log: every
// accepted mutation is durable here before it is visible to readers.
// The on-disk shape and the create/put/delete/flush/replay/iter surface
// follow original_source/core/src/wal.rs; the buffered-writer and
// Flush/Sync split are adapted from the graph-storage sibling's
// pkg/wal.FileRotator.
package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/dd0wney/lsmkv/internal/codec"
	"github.com/dd0wney/lsmkv/internal/enginerr"
	"github.com/dd0wney/lsmkv/internal/logging"
	"github.com/dd0wney/lsmkv/internal/memtable"
	"github.com/dd0wney/lsmkv/internal/pathutil"
)

// Ext is the file extension used for write-ahead log segments.
const Ext = "wal"

// WAL is a single append-only segment file, named by the microsecond
// timestamp at which it was created.
type WAL struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	logger logging.Logger
}

// Create opens a brand new, empty WAL segment in dir, named by ts. ts
// must not collide with an existing segment; callers mint it from a
// shared pathutil.Clock alongside record timestamps so the two
// monotonic sequences can never produce a collision.
func Create(dir string, ts uint64, logger logging.Logger) (*WAL, error) {
	if err := pathutil.EnsureDir(dir); err != nil {
		return nil, enginerr.NewIO("wal.Create", dir, err)
	}

	path := pathutil.FilePath(dir, ts, Ext)
	if pathutil.FileExists(path) {
		return nil, enginerr.NewInvariantViolation("wal.Create", fmt.Sprintf("wal segment already exists: %s", path))
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, enginerr.NewIO("wal.Create", path, err)
	}

	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger.Debug("wal segment created", logging.Path(path))

	return &WAL{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		logger: logger,
	}, nil
}

// Path returns the segment's file path.
func (w *WAL) Path() string { return w.path }

// Put appends a live-value record.
func (w *WAL) Put(timestamp uint64, key, value []byte) error {
	return w.append(codec.Record{Timestamp: timestamp, Key: key, Value: value})
}

// Delete appends a tombstone record.
func (w *WAL) Delete(timestamp uint64, key []byte) error {
	return w.append(codec.Record{Timestamp: timestamp, Key: key, Tombstone: true})
}

func (w *WAL) append(rec codec.Record) error {
	if err := codec.Encode(w.writer, rec); err != nil {
		return enginerr.NewIO("wal.append", w.path, err)
	}
	return nil
}

// Flush drains the buffered writer to the OS, without forcing the data
// to stable storage. Cheap; does not by itself survive a power loss.
func (w *WAL) Flush() error {
	if err := w.writer.Flush(); err != nil {
		return enginerr.NewIO("wal.Flush", w.path, err)
	}
	return nil
}

// Sync flushes the buffered writer and then fsyncs the underlying
// file, guaranteeing every record appended before the call is durable
// across a crash.
func (w *WAL) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return enginerr.NewIO("wal.Sync", w.path, err)
	}
	return nil
}

// Close flushes, syncs, and closes the segment.
func (w *WAL) Close() error {
	if err := w.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return enginerr.NewIO("wal.Close", w.path, err)
	}
	return nil
}

// Remove deletes the segment file at path; a file that is already gone
// is not an error. It does not close any open handle on it. Called
// only once a segment's contents are known to be durably reflected
// elsewhere (a flushed SSTable, or a freshly replayed segment).
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return enginerr.NewIO("wal.Remove", path, err)
	}
	return nil
}

// offsetReader wraps a reader and tracks how many bytes have been
// consumed from it, so a corrupt tail record can be reported with the
// byte offset at which decoding broke down.
type offsetReader struct {
	r      io.Reader
	offset int64
}

func (o *offsetReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	o.offset += int64(n)
	return n, err
}

// Iter reads every well-formed record from the segment at path, in
// append order. A clean end of file (no bytes read for the next
// record) ends iteration successfully. Any error partway through a
// record — a length prefix whose payload got cut short by a crash
// mid-write — is reported as a CorruptionError carrying the byte
// offset the good prefix ends at, and the records decoded up to that
// point are still returned so a caller can choose to proceed with a
// truncated recovery.
func Iter(path string) ([]codec.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, enginerr.NewIO("wal.Iter", path, err)
	}
	defer file.Close()

	// Deliberately unbuffered: bufio's read-ahead would advance
	// or.offset past the logical record boundary, throwing off the
	// offset a corruption error reports.
	or := &offsetReader{r: file}

	var records []codec.Record
	for {
		start := or.offset
		rec, err := codec.Decode(or)
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, enginerr.NewCorruption("wal.Iter", path, start, "truncated record at end of segment", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Replay consolidates every .wal segment in dir into a single fresh
// segment plus the MemTable that segment's records describe. The
// procedure is, in order:
//
//  1. list the directory's .wal segments, oldest first;
//  2. decode each segment's records in order, applying Put/Delete to
//     one in-memory MemTable as they're read, so the latest timestamp
//     for a key wins regardless of which segment it came from;
//  3. write every decoded record, in the same order, to one brand new
//     segment;
//  4. sync that new segment, which is returned open as the current one;
//  5. delete every old segment.
//
// Step 3 happens before step 5 so a crash partway through replay never
// loses data: either the old segments are still present (and replay
// will simply run again), or the new segment already holds everything
// they held.
func Replay(dir string, clock *pathutil.Clock, logger logging.Logger) (*WAL, *memtable.MemTable, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	old, err := pathutil.ListByExt(dir, Ext)
	if err != nil {
		return nil, nil, enginerr.NewIO("wal.Replay", dir, err)
	}

	table := memtable.New()
	var replayed []codec.Record
	for _, path := range old {
		records, iterErr := Iter(path)
		replayed = append(replayed, records...)
		for _, rec := range records {
			if rec.Tombstone {
				table.Delete(rec.Timestamp, rec.Key)
			} else {
				table.Put(rec.Timestamp, rec.Key, rec.Value)
			}
		}
		if iterErr != nil {
			logger.Warn("wal: segment truncated during replay, continuing with recovered prefix",
				logging.Path(path), logging.Error(iterErr))
		}
	}

	fresh, err := Create(dir, clock.Now(), logger)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range replayed {
		if e.Tombstone {
			if err := fresh.Delete(e.Timestamp, e.Key); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err := fresh.Put(e.Timestamp, e.Key, e.Value); err != nil {
			return nil, nil, err
		}
	}
	if err := fresh.Sync(); err != nil {
		return nil, nil, err
	}

	for _, path := range old {
		if err := Remove(path); err != nil {
			return nil, nil, err
		}
	}

	logger.Info("wal replay complete",
		logging.Int("segments_consolidated", len(old)),
		logging.Int("entries_recovered", table.Len()),
		logging.Path(fresh.Path()))

	return fresh, table, nil
}
