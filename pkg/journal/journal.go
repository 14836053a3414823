// Package journal records the outcome of every module execution in a
// BadgerDB-backed log, indexed by module.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/q3vm/internal/types"
)

var (
	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")
)

// Key prefixes for BadgerDB storage.
var (
	// prefixEntry is the chronological log.
	// Key format: prefixEntry + seq (8 bytes, big-endian)
	prefixEntry = []byte{0x01}

	// prefixModule indexes entries by module.
	// Key format: prefixModule + module id (32 bytes) + seq (8 bytes)
	prefixModule = []byte{0x02}

	// keySequence backs the entry sequence.
	keySequence = []byte{0x03, 's', 'e', 'q'}
)

// sequenceBandwidth is the number of sequence numbers leased at a time.
const sequenceBandwidth = 128

// Config contains configuration for the journal database.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: false,
		Logger:     nil,
	}
}

// Entry is one recorded execution.
type Entry struct {
	Seq      uint64
	ModuleID types.ModuleID
	Time     time.Time
	Args     []int32

	Success bool
	Status  int32
	Steps   uint64

	// Fault details, empty on success.
	FaultKind string
	FaultPC   uint32
	Location  string
	Error     string
}

// Journal is a BadgerDB-backed execution log.
type Journal struct {
	db  *badger.DB
	seq *badger.Sequence

	mu     sync.Mutex
	closed atomic.Bool
}

// Open opens or creates a journal.
func Open(cfg Config) (*Journal, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	seq, err := db.GetSequence(keySequence, sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sequence: %w", err)
	}

	return &Journal{db: db, seq: seq}, nil
}

func seqKey(prefix []byte, id *types.ModuleID, seq uint64) []byte {
	key := make([]byte, 0, 1+types.ModuleIDSize+8)
	key = append(key, prefix...)
	if id != nil {
		key = append(key, id[:]...)
	}
	return binary.BigEndian.AppendUint64(key, seq)
}

func moduleKeyPrefix(id types.ModuleID) []byte {
	return append(append([]byte(nil), prefixModule...), id[:]...)
}

func encodeEntry(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(val []byte) (Entry, error) {
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&e); err != nil {
		return e, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}

// Append records e, assigning its sequence number, and returns it.
func (j *Journal) Append(e *Entry) (uint64, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}

	j.mu.Lock()
	n, err := j.seq.Next()
	j.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	e.Seq = n + 1
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	val, err := encodeEntry(e)
	if err != nil {
		return 0, err
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(seqKey(prefixEntry, nil, e.Seq), val); err != nil {
			return err
		}
		return txn.Set(seqKey(prefixModule, &e.ModuleID, e.Seq), val)
	})
	if err != nil {
		return 0, err
	}
	return e.Seq, nil
}

// Recent returns up to n entries for id, newest first.
func (j *Journal) Recent(id types.ModuleID, n int) ([]Entry, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}

	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		prefix := moduleKeyPrefix(id)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seqKey(prefixModule, &id, ^uint64(0))); it.Valid() && len(entries) < n; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				e, err := decodeEntry(val)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return entries, err
}

// Iterate calls fn for every entry in the order they were appended.
// Return an error from the callback to stop iteration.
func (j *Journal) Iterate(fn func(e Entry) error) error {
	if j.closed.Load() {
		return ErrClosed
	}

	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixEntry
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				e, err := decodeEntry(val)
				if err != nil {
					return err
				}
				return fn(e)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Sync ensures all writes are persisted to disk.
func (j *Journal) Sync() error {
	if j.closed.Load() {
		return ErrClosed
	}
	return j.db.Sync()
}

// Close releases the sequence and closes the database.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	if err := j.seq.Release(); err != nil {
		j.db.Close()
		return fmt.Errorf("release sequence: %w", err)
	}
	return j.db.Close()
}
