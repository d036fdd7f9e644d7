package kv

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"
	"os"
)

const fileVersion uint32 = 1

// Store is an append-only byte buffer D plus an in-memory offset index I
// mapping keys to record offsets within D. It is not internally
// synchronized; callers must serialize mutating calls and must not overlap
// reads with writes, per the single-writer log model.
type Store struct {
	index map[Key]int
	data  []byte
	path  string
}

// New returns an empty, unpathed store.
func New() *Store {
	return &Store{index: make(map[Key]int)}
}

// WithPath loads an existing snapshot at path if all three sibling files
// are present, otherwise it returns an empty store that remembers path for
// a later Save.
func WithPath(path string) (*Store, error) {
	if filesExist(path) {
		return Load(path)
	}
	return &Store{index: make(map[Key]int), path: path}, nil
}

// Put appends a freshly serialized record at the end of D and sets
// index[key] to its offset, overwriting any prior mapping.
func (s *Store) Put(key Key, value Value) {
	if s.index == nil {
		s.index = make(map[Key]int)
	}
	pos := len(s.data)
	s.data = append(s.data, SerializeValue(value)...)
	s.index[key] = pos
}

// Get returns an owned copy of the value stored under key.
//
// The record codec's BorrowedEntry concept (a read that aliases the store's
// internal buffer) has no safe Go equivalent without a borrow checker: Entry
// here holds a copy, valid independent of any later mutation, at the cost of
// one extra allocation per read.
func (s *Store) Get(key Key) (Entry, error) {
	pos, ok := s.index[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if pos >= len(s.data) {
		return Entry{}, fmt.Errorf("%w: record offset past end of buffer", ErrInvalidData)
	}
	entry, _, err := DeserializeValue(s.data[pos:])
	if err != nil {
		if _, ok := err.(*ChecksumMismatchError); ok {
			return Entry{}, fmt.Errorf("%w: %v", ErrDataCorruption, err)
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return entry, nil
}

// Delete removes key from the index. Its payload bytes become garbage in D
// until the next compaction; D itself is never shrunk by Delete.
func (s *Store) Delete(key Key) error {
	if _, ok := s.index[key]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	delete(s.index, key)
	return nil
}

// Compact rewrites D to contain only the records reachable from the index,
// in arbitrary order, and returns the number of bytes reclaimed.
func (s *Store) Compact() (int, error) {
	oldSize := len(s.data)
	newData := make([]byte, 0, oldSize)
	newIndex := make(map[Key]int, len(s.index))

	for key, oldOffset := range s.index {
		newOffset := len(newData)
		_, consumed, err := DeserializeValue(s.data[oldOffset:])
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		newData = append(newData, s.data[oldOffset:oldOffset+consumed]...)
		newIndex[key] = newOffset
	}

	reclaimed := oldSize - len(newData)
	s.data = newData
	s.index = newIndex
	return reclaimed, nil
}

// Clear empties both D and the index.
func (s *Store) Clear() {
	s.index = make(map[Key]int)
	s.data = nil
}

// Keys returns the set of live keys, in unspecified order.
func (s *Store) Keys() []Key {
	out := make([]Key, 0, len(s.index))
	for k := range s.index {
		out = append(out, k)
	}
	return out
}

// Values returns the live entries, in unspecified order. Entries that fail
// to decode are omitted.
func (s *Store) Values() []Entry {
	out := make([]Entry, 0, len(s.index))
	for k := range s.index {
		if e, err := s.Get(k); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// IterItem is one (key, entry) pair yielded by Iter.
type IterItem struct {
	Key   Key
	Entry Entry
	Err   error
}

// Iter walks the live entries in unspecified order.
func (s *Store) Iter() []IterItem {
	out := make([]IterItem, 0, len(s.index))
	for k := range s.index {
		e, err := s.Get(k)
		out = append(out, IterItem{Key: k, Entry: e, Err: err})
	}
	return out
}

// BufferItem is one physically present record yielded by BufferIter,
// independent of whether the index still references it.
type BufferItem struct {
	Offset int
	Entry  Entry
}

// BufferIter sequentially scans D by record length, independent of the
// index, yielding every physically present record including garbage. It
// stops at the end of D, or on the first decode error.
func (s *Store) BufferIter() ([]BufferItem, error) {
	var out []BufferItem
	pos := 0
	for pos < len(s.data) {
		entry, consumed, err := DeserializeValue(s.data[pos:])
		if err != nil {
			return out, err
		}
		out = append(out, BufferItem{Offset: pos, Entry: entry})
		pos += consumed
	}
	return out, nil
}

// FragmentationRatio returns 1 - live_bytes/len(D), or 0 when D is empty.
func (s *Store) FragmentationRatio() float64 {
	if len(s.data) == 0 {
		return 0
	}
	activeSize := 0
	for _, offset := range s.index {
		if _, consumed, err := DeserializeValue(s.data[offset:]); err == nil {
			activeSize += consumed
		}
	}
	total := len(s.data)
	wasted := total - activeSize
	if wasted < 0 {
		wasted = 0
	}
	return float64(wasted) / float64(total)
}

// Save compacts first if fragmentation exceeds 35%, then writes the meta,
// keys, and data snapshot files, in that order. A failure at any step
// leaves the snapshot torn; callers should retry.
func (s *Store) Save() error {
	if s.path == "" {
		return fmt.Errorf("kv: no path set for store")
	}
	if s.FragmentationRatio() > 0.35 {
		if _, err := s.Compact(); err != nil {
			return err
		}
	}

	var keysBuf []byte
	for key, offset := range s.index {
		keyBytes := SerializeKey(key)
		var lenField [4]byte
		binary.LittleEndian.PutUint32(lenField[:], uint32(len(keyBytes)))
		keysBuf = append(keysBuf, lenField[:]...)
		keysBuf = append(keysBuf, keyBytes...)
		var offField [8]byte
		binary.LittleEndian.PutUint64(offField[:], uint64(offset))
		keysBuf = append(keysBuf, offField[:]...)
	}

	keysChecksum := crc32.ChecksumIEEE(keysBuf)
	dataChecksum := crc32.ChecksumIEEE(s.data)

	metaBuf := make([]byte, 20)
	binary.LittleEndian.PutUint32(metaBuf[0:4], fileVersion)
	binary.LittleEndian.PutUint32(metaBuf[4:8], keysChecksum)
	binary.LittleEndian.PutUint32(metaBuf[8:12], dataChecksum)
	binary.LittleEndian.PutUint64(metaBuf[12:20], uint64(len(s.index)))

	if err := os.WriteFile(metaPath(s.path), metaBuf, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(keysPath(s.path), keysBuf, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(dataPath(s.path), s.data, 0o644); err != nil {
		return err
	}
	return nil
}

// Load reads a snapshot from the three sibling files rooted at path,
// validating version and whole-file CRC32s before trusting the contents.
func Load(path string) (*Store, error) {
	metaBuf, err := os.ReadFile(metaPath(path))
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if len(metaBuf) < 20 {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: meta file truncated", ErrInvalidData)}
	}

	version := binary.LittleEndian.Uint32(metaBuf[0:4])
	if version != fileVersion {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)}
	}
	storedKeysChecksum := binary.LittleEndian.Uint32(metaBuf[4:8])
	storedDataChecksum := binary.LittleEndian.Uint32(metaBuf[8:12])
	entryCount := binary.LittleEndian.Uint64(metaBuf[12:20])

	keysBuf, err := os.ReadFile(keysPath(path))
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	dataBuf, err := os.ReadFile(dataPath(path))
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	if crc32.ChecksumIEEE(keysBuf) != storedKeysChecksum {
		return nil, &LoadError{Path: path, Err: ErrFileCorrupted}
	}
	if crc32.ChecksumIEEE(dataBuf) != storedDataChecksum {
		return nil, &LoadError{Path: path, Err: ErrFileCorrupted}
	}

	index := make(map[Key]int)
	pos := 0
	for pos < len(keysBuf) {
		if pos+4 > len(keysBuf) {
			break
		}
		keyLen := int(binary.LittleEndian.Uint32(keysBuf[pos : pos+4]))
		pos += 4
		if pos+keyLen+8 > len(keysBuf) {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: truncated key entry", ErrInvalidData)}
		}
		key, _, err := DeserializeKey(keysBuf[pos : pos+keyLen])
		if err != nil {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: %v", ErrInvalidData, err)}
		}
		pos += keyLen
		offset := int(binary.LittleEndian.Uint64(keysBuf[pos : pos+8]))
		pos += 8
		index[key] = offset
	}

	if len(index) != int(entryCount) {
		return nil, &LoadError{Path: path, Err: ErrFileCorrupted}
	}

	return &Store{index: index, data: dataBuf, path: path}, nil
}

// Close attempts a final Save if the store was opened with a path. Failures
// are logged and swallowed, matching the scoped-acquisition contract: a
// caller dropping the store should not have shutdown fail because the last
// snapshot write failed.
func (s *Store) Close() error {
	if s.path == "" {
		return nil
	}
	if err := s.Save(); err != nil {
		log.Printf("kv: final save failed for %s: %v", s.path, err)
	}
	return nil
}

func filesExist(base string) bool {
	for _, p := range []string{metaPath(base), keysPath(base), dataPath(base)} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func metaPath(base string) string { return base + ".meta" }
func keysPath(base string) string { return base + ".keys" }
func dataPath(base string) string { return base + ".data" }
