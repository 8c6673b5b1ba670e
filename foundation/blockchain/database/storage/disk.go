// Package storage implements the on-disk format for the block store: a
// single append-only log of compressed binary records plus a separate index
// file mapping height to (offset, length) and hash to height.
package storage

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
)

// File names used inside the storage directory.
const (
	logFileName   = "blocks.db"
	indexFileName = "blocks.idx"
)

// recordHeaderSize is the fixed prefix of every log record: the compressed
// length followed by the uncompressed length, both uint32 little-endian.
const recordHeaderSize = 8

// hashSize is the raw size of a block hash.
const hashSize = 32

// indexEntry locates one block record inside the log. The entry's position
// in the slice is the block height.
type indexEntry struct {
	offset int64
	length uint32
	hash   [hashSize]byte
}

// Disk represents the serialization implementation for reading and storing
// blocks in a compressed append-only log. This implements the
// database.Storage interface.
type Disk struct {
	mu          sync.RWMutex
	dbPath      string
	logFile     *os.File
	writeOffset int64
	entries     []indexEntry
	byHash      map[[hashSize]byte]uint64
	dirty       bool
	evHandler   func(v string, args ...any)
}

// New opens the storage directory, creating it if needed, and recovers the
// chain index. The index file is loaded first; if it is absent or
// inconsistent with the log's actual size it is rebuilt by scanning the log.
func New(dbPath string, evHandler func(v string, args ...any)) (*Disk, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(filepath.Join(dbPath, logFileName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	d := Disk{
		dbPath:    dbPath,
		logFile:   logFile,
		byHash:    make(map[[hashSize]byte]uint64),
		evHandler: evHandler,
	}

	logSize, err := logFile.Seek(0, io.SeekEnd)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	if err := d.loadIndex(logSize); err != nil {
		d.evHandler("storage: New: index unusable, rebuilding from log: %s", err)
		if err := d.rebuildIndex(logSize); err != nil {
			logFile.Close()
			return nil, err
		}
		if err := d.Flush(); err != nil {
			logFile.Close()
			return nil, err
		}
	}

	d.writeOffset = logSize

	return &d, nil
}

// Close flushes the index and closes the log file.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dirty {
		if err := d.flushLocked(); err != nil {
			return err
		}
	}

	return d.logFile.Close()
}

// Write compresses and appends the block record at the current log offset
// and records the offset/length pair in the in-memory index. The index file
// is not touched here; flushing runs on its own cadence.
func (d *Disk) Write(blockData database.BlockData) (int64, error) {
	raw := database.EncodeBlockData(blockData)
	compressed := s2.Encode(nil, raw)

	hash, err := decodeHashHex(blockData.Hash)
	if err != nil {
		return 0, fmt.Errorf("block %d has malformed hash: %w", blockData.Header.Height, err)
	}

	record := make([]byte, recordHeaderSize, recordHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(record[4:8], uint32(len(raw)))
	record = append(record, compressed...)

	d.mu.Lock()
	defer d.mu.Unlock()

	pos := d.writeOffset

	// A write failure is surfaced, never retried. Skipping a block here
	// would break height monotonicity for every record after it.
	if _, err := d.logFile.WriteAt(record, pos); err != nil {
		return 0, err
	}

	d.entries = append(d.entries, indexEntry{
		offset: pos,
		length: uint32(len(compressed)),
		hash:   hash,
	})
	d.byHash[hash] = blockData.Header.Height
	d.writeOffset = pos + int64(len(record))
	d.dirty = true

	return pos, nil
}

// GetBlock reads and decodes the block record at the specified height.
func (d *Disk) GetBlock(height uint64) (database.BlockData, error) {
	d.mu.RLock()
	if height >= uint64(len(d.entries)) {
		d.mu.RUnlock()
		return database.BlockData{}, database.ErrNotFound
	}
	entry := d.entries[height]
	d.mu.RUnlock()

	return d.readRecord(entry.offset, entry.length)
}

// GetBlockByHash maps the hash to a height through the index and reads the
// block at that height.
func (d *Disk) GetBlockByHash(hashHex string) (database.BlockData, error) {
	hash, err := decodeHashHex(hashHex)
	if err != nil {
		return database.BlockData{}, database.ErrNotFound
	}

	d.mu.RLock()
	height, exists := d.byHash[hash]
	d.mu.RUnlock()

	if !exists {
		return database.BlockData{}, database.ErrNotFound
	}

	return d.GetBlock(height)
}

// Height returns the height of the last indexed block and whether any
// block exists.
func (d *Disk) Height() (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.entries) == 0 {
		return 0, false
	}
	return uint64(len(d.entries)) - 1, true
}

// Truncate discards every record above the specified height, rewinding the
// log file and the index together.
func (d *Disk) Truncate(height uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if height >= uint64(len(d.entries)) {
		return database.ErrNotFound
	}

	keep := d.entries[height]
	newSize := keep.offset + recordHeaderSize + int64(keep.length)

	if err := d.logFile.Truncate(newSize); err != nil {
		return err
	}

	for _, entry := range d.entries[height+1:] {
		delete(d.byHash, entry.hash)
	}
	d.entries = d.entries[:height+1]
	d.writeOffset = newSize
	d.dirty = true

	return d.flushLocked()
}

// Flush persists the in-memory index to the index file. The write goes to
// a temp file first so a crash cannot leave a half-written index; a
// half-written index would be detected and rebuilt anyway.
func (d *Disk) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.flushLocked()
}

// ForEach returns an iterator to walk through all the blocks starting with
// the genesis block.
func (d *Disk) ForEach() database.Iterator {
	return &DiskIterator{disk: d}
}

// =============================================================================

// readRecord reads, decompresses and decodes a single log record.
func (d *Disk) readRecord(offset int64, length uint32) (database.BlockData, error) {
	record := make([]byte, recordHeaderSize+int(length))
	if _, err := d.logFile.ReadAt(record, offset); err != nil {
		return database.BlockData{}, err
	}

	rawLen := binary.LittleEndian.Uint32(record[4:8])

	raw, err := s2.Decode(make([]byte, 0, rawLen), record[recordHeaderSize:])
	if err != nil {
		return database.BlockData{}, &database.IndexCorruptionError{
			Detail: fmt.Sprintf("record at offset %d does not decompress: %s", offset, err),
		}
	}

	return database.DecodeBlockData(raw)
}

// loadIndex reads the index file and checks it is consistent with the
// actual size of the log.
func (d *Disk) loadIndex(logSize int64) error {
	data, err := os.ReadFile(filepath.Join(d.dbPath, indexFileName))
	if err != nil {
		return err
	}

	const entrySize = 8 + 4 + hashSize

	if len(data) < 8 {
		return errors.New("index file too small")
	}
	count := binary.LittleEndian.Uint64(data[:8])
	data = data[8:]

	if uint64(len(data)) != count*entrySize {
		return errors.New("index file size does not match entry count")
	}

	entries := make([]indexEntry, 0, count)
	byHash := make(map[[hashSize]byte]uint64, count)

	var expectOffset int64
	for i := uint64(0); i < count; i++ {
		rec := data[i*entrySize : (i+1)*entrySize]

		entry := indexEntry{
			offset: int64(binary.LittleEndian.Uint64(rec[0:8])),
			length: binary.LittleEndian.Uint32(rec[8:12]),
		}
		copy(entry.hash[:], rec[12:])

		// Records are contiguous. Any gap or overlap means the index does
		// not describe this log.
		if entry.offset != expectOffset {
			return fmt.Errorf("entry %d offset %d, expected %d", i, entry.offset, expectOffset)
		}
		expectOffset = entry.offset + recordHeaderSize + int64(entry.length)

		entries = append(entries, entry)
		byHash[entry.hash] = i
	}

	if expectOffset != logSize {
		return fmt.Errorf("index covers %d bytes, log has %d", expectOffset, logSize)
	}

	d.entries = entries
	d.byHash = byHash

	return nil
}

// rebuildIndex reconstructs the index by scanning the log from the start.
func (d *Disk) rebuildIndex(logSize int64) error {
	d.entries = nil
	d.byHash = make(map[[hashSize]byte]uint64)

	var offset int64
	var header [recordHeaderSize]byte

	for offset < logSize {
		if _, err := d.logFile.ReadAt(header[:], offset); err != nil {
			return &database.IndexCorruptionError{Detail: fmt.Sprintf("scanning log at offset %d: %s", offset, err)}
		}

		length := binary.LittleEndian.Uint32(header[0:4])
		if offset+recordHeaderSize+int64(length) > logSize {
			return &database.IndexCorruptionError{Detail: fmt.Sprintf("record at offset %d extends past end of log", offset)}
		}

		blockData, err := d.readRecord(offset, length)
		if err != nil {
			return &database.IndexCorruptionError{Detail: fmt.Sprintf("record at offset %d: %s", offset, err)}
		}

		if blockData.Header.Height != uint64(len(d.entries)) {
			return &database.IndexCorruptionError{
				Detail: fmt.Sprintf("record at offset %d has height %d, expected %d", offset, blockData.Header.Height, len(d.entries)),
			}
		}

		hash, err := decodeHashHex(blockData.Hash)
		if err != nil {
			return &database.IndexCorruptionError{Detail: fmt.Sprintf("record at offset %d has malformed hash", offset)}
		}

		d.byHash[hash] = blockData.Header.Height
		d.entries = append(d.entries, indexEntry{offset: offset, length: length, hash: hash})

		offset += recordHeaderSize + int64(length)
	}

	d.evHandler("storage: rebuildIndex: recovered %d blocks from log", len(d.entries))

	return nil
}

// flushLocked writes the index file. Callers must hold the mutex.
func (d *Disk) flushLocked() error {
	const entrySize = 8 + 4 + hashSize

	data := make([]byte, 8, 8+len(d.entries)*entrySize)
	binary.LittleEndian.PutUint64(data[:8], uint64(len(d.entries)))

	for _, entry := range d.entries {
		var rec [entrySize]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(entry.offset))
		binary.LittleEndian.PutUint32(rec[8:12], entry.length)
		copy(rec[12:], entry.hash[:])
		data = append(data, rec[:]...)
	}

	path := filepath.Join(d.dbPath, indexFileName)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	d.dirty = false

	return nil
}

// decodeHashHex converts a 0x-prefixed hex hash into its raw bytes.
func decodeHashHex(hashHex string) ([hashSize]byte, error) {
	var hash [hashSize]byte

	raw, err := hex.DecodeString(strings.TrimPrefix(hashHex, "0x"))
	if err != nil {
		return hash, err
	}
	if len(raw) != hashSize {
		return hash, fmt.Errorf("hash is %d bytes, expected %d", len(raw), hashSize)
	}

	copy(hash[:], raw)
	return hash, nil
}

// =============================================================================

// DiskIterator represents the iteration implementation for walking through
// and reading blocks in the log. This implements the database.Iterator
// interface.
type DiskIterator struct {
	disk    *Disk
	current uint64
	started bool
	eoc     bool
}

// Next retrieves the next block from the log.
func (di *DiskIterator) Next() (database.BlockData, error) {
	if di.eoc {
		return database.BlockData{}, errors.New("end of chain")
	}

	if di.started {
		di.current++
	}
	di.started = true

	blockData, err := di.disk.GetBlock(di.current)
	if errors.Is(err, database.ErrNotFound) {
		di.eoc = true
	}

	return blockData, err
}

// Done returns the end of chain value.
func (di *DiskIterator) Done() bool {
	return di.eoc
}
