// Package sstable implements the immutable, sorted on-disk file a
// frozen memtable is flushed to. The section layout and fixed-field
// metadata header follow original_source/core/src/sstable.rs's
// SstMetadata exactly (level, lookup_table_offset, values_table_offset,
// low_key, high_key); the write-then-atomically-rename creation
// pattern is adapted from the graph-storage sibling's
// pkg/lsm.NewSSTable (reserve-header/write-data/seek-back) and its
// pkg/wal.FileRotator.Rotate (create-new, then rename over the old
// name) rather than that file's in-place header rewrite, since writing
// to a temp path and renaming is the spec's recommended, safer option.
package sstable

import (
	"bufio"
	"bytes"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/dd0wney/lsmkv/internal/codec"
	"github.com/dd0wney/lsmkv/internal/enginerr"
	"github.com/dd0wney/lsmkv/internal/memtable"
)

// Ext is the file extension used for SSTable files.
const Ext = "sst"

const uint64Width = 8

// Metadata is the fixed-field sidecar written at the start of every
// SSTable file, readable on its own without scanning the data section.
type Metadata struct {
	Level             int
	LookupTableOffset uint64
	ValuesTableOffset uint64
	LowKey            []byte
	HighKey           []byte
	DataChecksum      uint32
}

func (m Metadata) encodedLen() int {
	return uint64Width*3 + uint64Width + len(m.LowKey) + uint64Width + len(m.HighKey) + crc32Width
}

const crc32Width = 4

func writeUint32(w io.Writer, v uint32) error {
	var buf [crc32Width]byte
	for i := 0; i < crc32Width; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [crc32Width]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	var v uint32
	for i := 0; i < crc32Width; i++ {
		v |= uint32(buf[i]) << (8 * i)
	}
	return v, nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [uint64Width]byte
	for i := 0; i < uint64Width; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [uint64Width]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < uint64Width; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v, nil
}

func writeMetadata(w io.Writer, m Metadata) error {
	if err := writeUint64(w, uint64(m.Level)); err != nil {
		return err
	}
	if err := writeUint64(w, m.LookupTableOffset); err != nil {
		return err
	}
	if err := writeUint64(w, m.ValuesTableOffset); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(m.LowKey))); err != nil {
		return err
	}
	if _, err := w.Write(m.LowKey); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(m.HighKey))); err != nil {
		return err
	}
	if _, err := w.Write(m.HighKey); err != nil {
		return err
	}
	if err := writeUint32(w, m.DataChecksum); err != nil {
		return err
	}
	return nil
}

func readMetadata(r io.Reader) (Metadata, error) {
	level, err := readUint64(r)
	if err != nil {
		return Metadata{}, err
	}
	lookupOffset, err := readUint64(r)
	if err != nil {
		return Metadata{}, err
	}
	valuesOffset, err := readUint64(r)
	if err != nil {
		return Metadata{}, err
	}
	lowKeyLen, err := readUint64(r)
	if err != nil {
		return Metadata{}, err
	}
	lowKey := make([]byte, lowKeyLen)
	if _, err := io.ReadFull(r, lowKey); err != nil {
		return Metadata{}, err
	}
	highKeyLen, err := readUint64(r)
	if err != nil {
		return Metadata{}, err
	}
	highKey := make([]byte, highKeyLen)
	if _, err := io.ReadFull(r, highKey); err != nil {
		return Metadata{}, err
	}
	checksum, err := readUint32(r)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		Level:             int(level),
		LookupTableOffset: lookupOffset,
		ValuesTableOffset: valuesOffset,
		LowKey:            lowKey,
		HighKey:           highKey,
		DataChecksum:      checksum,
	}, nil
}

// ReadMetadata reads only the fixed-field header at the start of the
// SSTable file at path, without touching the data or lookup sections.
func ReadMetadata(path string) (Metadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return Metadata{}, enginerr.NewIO("sstable.ReadMetadata", path, err)
	}
	defer file.Close()

	meta, err := readMetadata(bufio.NewReader(file))
	if err != nil {
		return Metadata{}, enginerr.NewCorruption("sstable.ReadMetadata", path, 0, "malformed metadata header", err)
	}
	return meta, nil
}

type lookupEntry struct {
	key    []byte
	offset uint64
}

// Write serializes entries — already sorted ascending and unique, as a
// frozen memtable yields them — into a new SSTable file at path,
// recorded at level. The values table is fused with the data section
// (the metadata's permitted shortcut): ValuesTableOffset marks where
// that combined section starts, immediately after the header.
func Write(path string, level int, entries []memtable.Entry) (Metadata, error) {
	if len(entries) == 0 {
		return Metadata{}, enginerr.NewInvariantViolation("sstable.Write", "cannot flush an empty memtable")
	}
	if _, err := os.Stat(path); err == nil {
		return Metadata{}, enginerr.NewInvariantViolation("sstable.Write", "sstable already exists: "+path)
	}

	meta := Metadata{Level: level, LowKey: entries[0].Key, HighKey: entries[len(entries)-1].Key}
	headerLen := uint64(meta.encodedLen())

	type encoded struct {
		data   []byte
		offset uint64
		key    []byte
	}
	records := make([]encoded, len(entries))
	offset := headerLen
	checksum := crc32.NewIEEE()
	for i, e := range entries {
		rec := codec.Record{Timestamp: e.Timestamp, Key: e.Key, Value: e.Value, Tombstone: e.IsTombstone()}
		var buf bytes.Buffer
		if err := codec.Encode(&buf, rec); err != nil {
			return Metadata{}, enginerr.NewIO("sstable.Write", path, err)
		}
		records[i] = encoded{data: buf.Bytes(), offset: offset, key: e.Key}
		offset += uint64(buf.Len())
		checksum.Write(records[i].data)
	}

	meta.ValuesTableOffset = headerLen
	meta.LookupTableOffset = offset
	meta.DataChecksum = checksum.Sum32()

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return Metadata{}, enginerr.NewIO("sstable.Write", tmpPath, err)
	}

	writer := bufio.NewWriter(file)
	writeErr := func() error {
		if err := writeMetadata(writer, meta); err != nil {
			return err
		}
		for _, r := range records {
			if _, err := writer.Write(r.data); err != nil {
				return err
			}
		}
		for _, r := range records {
			if err := writeUint64(writer, uint64(len(r.key))); err != nil {
				return err
			}
			if _, err := writer.Write(r.key); err != nil {
				return err
			}
			if err := writeUint64(writer, r.offset); err != nil {
				return err
			}
		}
		if err := writer.Flush(); err != nil {
			return err
		}
		return file.Sync()
	}()

	if closeErr := file.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tmpPath)
		return Metadata{}, enginerr.NewIO("sstable.Write", tmpPath, writeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return Metadata{}, enginerr.NewIO("sstable.Write", path, err)
	}

	return meta, nil
}

// Table is an opened SSTable with its lookup table resident in memory,
// ready for point lookups.
type Table struct {
	path   string
	meta   Metadata
	lookup []lookupEntry
}

// verifyDataChecksum recomputes the CRC32 over the data section (between
// ValuesTableOffset and LookupTableOffset) and compares it against the
// value recorded in the metadata header at write time, catching
// bit-rot or a truncated/corrupted data section before any Get is
// attempted against it.
func verifyDataChecksum(file *os.File, path string, meta Metadata) error {
	if _, err := file.Seek(int64(meta.ValuesTableOffset), io.SeekStart); err != nil {
		return enginerr.NewIO("sstable.Open", path, err)
	}

	checksum := crc32.NewIEEE()
	dataLen := int64(meta.LookupTableOffset - meta.ValuesTableOffset)
	if _, err := io.CopyN(checksum, file, dataLen); err != nil {
		return enginerr.NewCorruption("sstable.Open", path, int64(meta.ValuesTableOffset), "data section", err)
	}

	if checksum.Sum32() != meta.DataChecksum {
		return enginerr.NewCorruption("sstable.Open", path, int64(meta.ValuesTableOffset),
			"data section checksum mismatch", nil)
	}
	return nil
}

// Open reads an SSTable's metadata and lookup table into memory.
func Open(path string) (*Table, error) {
	meta, err := ReadMetadata(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, enginerr.NewIO("sstable.Open", path, err)
	}
	defer file.Close()

	if err := verifyDataChecksum(file, path, meta); err != nil {
		return nil, err
	}

	if _, err := file.Seek(int64(meta.LookupTableOffset), io.SeekStart); err != nil {
		return nil, enginerr.NewIO("sstable.Open", path, err)
	}

	reader := bufio.NewReader(file)
	var entries []lookupEntry
	for {
		keyLen, err := readUint64(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, enginerr.NewCorruption("sstable.Open", path, int64(meta.LookupTableOffset), "malformed lookup table", err)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(reader, key); err != nil {
			return nil, enginerr.NewCorruption("sstable.Open", path, int64(meta.LookupTableOffset), "malformed lookup table", err)
		}
		off, err := readUint64(reader)
		if err != nil {
			return nil, enginerr.NewCorruption("sstable.Open", path, int64(meta.LookupTableOffset), "malformed lookup table", err)
		}
		entries = append(entries, lookupEntry{key: key, offset: off})
	}

	return &Table{path: path, meta: meta, lookup: entries}, nil
}

// Path returns the SSTable's file path.
func (t *Table) Path() string { return t.path }

// Level returns the level this SSTable was written into.
func (t *Table) Level() int { return t.meta.Level }

// LowKey returns the smallest key in the table.
func (t *Table) LowKey() []byte { return t.meta.LowKey }

// HighKey returns the largest key in the table.
func (t *Table) HighKey() []byte { return t.meta.HighKey }

// Get looks up key via binary search over the resident lookup table,
// then reads the single record it points to from disk.
func (t *Table) Get(key []byte) (memtable.Entry, bool, error) {
	i := sort.Search(len(t.lookup), func(i int) bool {
		return bytes.Compare(t.lookup[i].key, key) >= 0
	})
	if i == len(t.lookup) || !bytes.Equal(t.lookup[i].key, key) {
		return memtable.Entry{}, false, nil
	}

	file, err := os.Open(t.path)
	if err != nil {
		return memtable.Entry{}, false, enginerr.NewIO("sstable.Get", t.path, err)
	}
	defer file.Close()

	offset := t.lookup[i].offset
	if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
		return memtable.Entry{}, false, enginerr.NewIO("sstable.Get", t.path, err)
	}

	rec, err := codec.Decode(file)
	if err != nil {
		return memtable.Entry{}, false, enginerr.NewCorruption("sstable.Get", t.path, int64(offset), "data record", err)
	}
	return memtable.Entry{Key: rec.Key, Value: rec.Value, Timestamp: rec.Timestamp, Deleted: rec.Tombstone}, true, nil
}
