// Package modstore provides persistent, content-addressed storage for QVM
// modules and their symbol maps.
package modstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/tliron/commonlog"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/q3vm/internal/types"
	"github.com/fortiblox/q3vm/pkg/qvm/loader"
	"github.com/fortiblox/q3vm/pkg/qvm/symbols"
)

var (
	// ErrModuleNotFound is returned when a module doesn't exist.
	ErrModuleNotFound = errors.New("module not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("module store closed")

	// ErrReadOnly is returned for writes to a read-only store.
	ErrReadOnly = errors.New("module store is read-only")
)

var log = commonlog.GetLogger("q3vm.modstore")

// Bucket names for BoltDB.
var (
	// bucketModules stores zstd-compressed containers keyed by module id.
	bucketModules = []byte("modules")

	// bucketSymbols stores q3asm map text keyed by module id.
	bucketSymbols = []byte("symbols")

	// bucketInfo stores ModuleInfo keyed by module id.
	bucketInfo = []byte("info")
)

// Config holds module store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout bounds waiting for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default module store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// ModuleInfo describes a stored module.
type ModuleInfo struct {
	ID             types.ModuleID
	Name           string
	Version        int
	Instructions   uint32
	Size           int // Uncompressed container bytes
	CompressedSize int
	HasSymbols     bool
	StoredAt       time.Time
}

// Store is a BoltDB-backed module store.
type Store struct {
	db     *bolt.DB
	config Config

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a module store at the configured path.
func Open(config Config) (*Store, error) {
	// Ensure directory exists.
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(loader.MaxModuleSize))
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	s := &Store{
		db:      db,
		config:  config,
		encoder: encoder,
		decoder: decoder,
	}

	// Initialize buckets (skip in read-only mode).
	if !config.ReadOnly {
		if err := s.initBuckets(); err != nil {
			s.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	return s, nil
}

// initBuckets creates all required buckets.
func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketModules, bucketSymbols, bucketInfo} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put validates and stores a module with its optional map text, returning
// the module id. Storing the same container again replaces its name and
// symbols.
func (s *Store) Put(name string, module, mapText []byte) (types.ModuleID, error) {
	if err := s.checkOpen(); err != nil {
		return types.ModuleID{}, err
	}
	if s.config.ReadOnly {
		return types.ModuleID{}, ErrReadOnly
	}

	raw, err := loader.Decompress(module)
	if err != nil {
		return types.ModuleID{}, err
	}
	exe, err := loader.Load(raw)
	if err != nil {
		return types.ModuleID{}, fmt.Errorf("load module: %w", err)
	}
	if mapText != nil {
		if _, err := symbols.ParseMap(bytes.NewReader(mapText)); err != nil {
			return types.ModuleID{}, err
		}
	}

	packed := s.encoder.EncodeAll(raw, nil)
	info := ModuleInfo{
		ID:             exe.ID,
		Name:           name,
		Version:        exe.Version(),
		Instructions:   exe.Header.InstructionCount,
		Size:           len(raw),
		CompressedSize: len(packed),
		HasSymbols:     mapText != nil,
		StoredAt:       time.Now().UTC(),
	}
	var infoBuf bytes.Buffer
	if err := gob.NewEncoder(&infoBuf).Encode(&info); err != nil {
		return types.ModuleID{}, fmt.Errorf("encode module info: %w", err)
	}

	key := exe.ID.Bytes()
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketModules).Put(key, packed); err != nil {
			return err
		}
		if err := tx.Bucket(bucketInfo).Put(key, infoBuf.Bytes()); err != nil {
			return err
		}
		syms := tx.Bucket(bucketSymbols)
		if mapText == nil {
			return syms.Delete(key)
		}
		return syms.Put(key, mapText)
	})
	if err != nil {
		return types.ModuleID{}, err
	}
	log.Debugf("stored module %s (%s): %d bytes, %d compressed", exe.ID.Short(), name, len(raw), len(packed))
	return exe.ID, nil
}

// Get returns the uncompressed container for id.
func (s *Store) Get(id types.ModuleID) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var packed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModules)
		if b == nil {
			return ErrModuleNotFound
		}
		v := b.Get(id.Bytes())
		if v == nil {
			return ErrModuleNotFound
		}
		// Bolt values are only valid inside the transaction.
		packed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw, err := s.decoder.DecodeAll(packed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress module %s: %w", id, err)
	}
	return raw, nil
}

// MapText returns the stored map text for id, or nil if none was stored.
func (s *Store) MapText(id types.ModuleID) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var text []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSymbols)
		if b == nil {
			return nil
		}
		if v := b.Get(id.Bytes()); v != nil {
			text = append([]byte(nil), v...)
		}
		return nil
	})
	return text, err
}

// Symbols returns the code symbols stored for id. A module stored without
// a map yields an empty table.
func (s *Store) Symbols(id types.ModuleID) (*symbols.Map, error) {
	text, err := s.MapText(id)
	if err != nil {
		return nil, err
	}
	if text == nil {
		return symbols.New(), nil
	}
	entries, err := symbols.ParseMap(bytes.NewReader(text))
	if err != nil {
		return nil, err
	}
	return symbols.CodeSymbols(entries), nil
}

// Info returns the metadata for id.
func (s *Store) Info(id types.ModuleID) (*ModuleInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var info ModuleInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInfo)
		if b == nil {
			return ErrModuleNotFound
		}
		v := b.Get(id.Bytes())
		if v == nil {
			return ErrModuleNotFound
		}
		return gob.NewDecoder(bytes.NewReader(v)).Decode(&info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Has reports whether id is stored.
func (s *Store) Has(id types.ModuleID) bool {
	if s.checkOpen() != nil {
		return false
	}
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketModules); b != nil {
			found = b.Get(id.Bytes()) != nil
		}
		return nil
	})
	return found
}

// Delete removes a module and its symbols.
func (s *Store) Delete(id types.ModuleID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.config.ReadOnly {
		return ErrReadOnly
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		key := id.Bytes()
		if tx.Bucket(bucketModules).Get(key) == nil {
			return ErrModuleNotFound
		}
		for _, name := range [][]byte{bucketModules, bucketSymbols, bucketInfo} {
			if err := tx.Bucket(name).Delete(key); err != nil {
				return err
			}
		}
		log.Debugf("deleted module %s", id.Short())
		return nil
	})
}

// List returns metadata for every stored module, ordered by id.
func (s *Store) List() ([]ModuleInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var infos []ModuleInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInfo)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var info ModuleInfo
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&info); err != nil {
				return fmt.Errorf("decode module info: %w", err)
			}
			infos = append(infos, info)
			return nil
		})
	})
	return infos, err
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}
