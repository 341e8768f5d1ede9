// Package storage keeps committed state, receipts and block payloads in
// Pebble. Each block is applied in a single batch.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/blockstm/encoding"
	"github.com/maxpert/blockstm/mvmemory"
	"github.com/maxpert/blockstm/telemetry"
	"github.com/rs/zerolog/log"
)

// Key prefixes, sorted for efficient iteration
const (
	prefixState   = "/s/" // /s/{key}
	prefixReceipt = "/r/" // /r/{height:016x}/{index:08x}
	prefixBlock   = "/b/" // /b/{height:016x}
	keyHeight     = "/m/height"
)

// Stored value header
const (
	valueRaw  byte = 0
	valueZstd byte = 1
)

// ErrNotFound is returned for missing receipts and blocks.
var ErrNotFound = errors.New("not found")

// Options configures the store
type Options struct {
	CacheSize         int  // Entries in the state read cache
	CompressThreshold int  // Values at least this large are compressed, 0 disables
	Sync              bool // fsync every applied block
}

type cachedValue struct {
	value []byte
	found bool
}

// Store is safe for concurrent reads. ApplyBlock calls must not overlap.
type Store struct {
	db     *pebble.DB
	opts   Options
	cache  *lru.Cache[string, cachedValue]
	height atomic.Uint64

	// Held for read while a cache miss is filled and for write while a
	// block is committed, so a fill never caches a value older than the
	// last applied block.
	fillMu sync.RWMutex
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Open opens or creates the store at path
func Open(path string, opts Options) (*Store, error) {
	if opts.CacheSize < 1 {
		opts.CacheSize = 1024
	}

	db, err := pebble.Open(path, &pebble.Options{
		Logger: &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	cache, err := lru.New[string, cachedValue](opts.CacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state cache: %w", err)
	}

	s := &Store{db: db, opts: opts, cache: cache}

	val, closer, err := db.Get([]byte(keyHeight))
	switch {
	case err == nil:
		s.height.Store(binary.BigEndian.Uint64(val))
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("failed to read height: %w", err)
	}

	telemetry.StateHeight.Set(float64(s.height.Load()))
	log.Debug().Str("path", path).Uint64("height", s.height.Load()).Msg("Opened state store")
	return s, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// Height returns the last applied block height, 0 for an empty store
func (s *Store) Height() uint64 {
	return s.height.Load()
}

// Get returns the committed value of key
func (s *Store) Get(key string) ([]byte, bool, error) {
	if cv, ok := s.cache.Get(key); ok {
		telemetry.StateCacheLookups.With("hit").Inc()
		return cv.value, cv.found, nil
	}
	telemetry.StateCacheLookups.With("miss").Inc()

	s.fillMu.RLock()
	defer s.fillMu.RUnlock()

	raw, closer, err := s.db.Get(stateKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		s.cache.Add(key, cachedValue{})
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	value, err := decodeValue(raw)
	closer.Close()
	if err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}

	s.cache.Add(key, cachedValue{value: value, found: true})
	return value, true, nil
}

// ApplyBlock atomically stores the writes, receipts and payload of block
// height. Heights must be applied in order starting at 1.
func (s *Store) ApplyBlock(height uint64, payload []byte, writes []mvmemory.WriteDescriptor, receipts []Receipt) error {
	if want := s.height.Load() + 1; height != want {
		return fmt.Errorf("apply block %d: expected height %d", height, want)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, w := range writes {
		if err := batch.Set(stateKey(w.Key), s.encodeValue(w.Value), nil); err != nil {
			return fmt.Errorf("apply block %d: %w", height, err)
		}
	}

	for i := range receipts {
		receipts[i].Height = height
		data, err := encoding.Marshal(&receipts[i])
		if err != nil {
			return fmt.Errorf("encode receipt %d: %w", receipts[i].Index, err)
		}
		if err := batch.Set(receiptKey(height, receipts[i].Index), data, nil); err != nil {
			return fmt.Errorf("apply block %d: %w", height, err)
		}
	}

	if payload != nil {
		if err := batch.Set(blockKey(height), s.encodeValue(payload), nil); err != nil {
			return fmt.Errorf("apply block %d: %w", height, err)
		}
	}

	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], height)
	if err := batch.Set([]byte(keyHeight), hb[:], nil); err != nil {
		return fmt.Errorf("apply block %d: %w", height, err)
	}

	writeOpts := pebble.NoSync
	if s.opts.Sync {
		writeOpts = pebble.Sync
	}
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	if err := batch.Commit(writeOpts); err != nil {
		return fmt.Errorf("commit block %d: %w", height, err)
	}

	for _, w := range writes {
		s.cache.Add(w.Key, cachedValue{value: w.Value, found: true})
	}
	s.height.Store(height)
	telemetry.StateHeight.Set(float64(height))
	return nil
}

// Block returns the payload stored with block height
func (s *Store) Block(height uint64) ([]byte, error) {
	raw, closer, err := s.db.Get(blockKey(height))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeValue(raw)
}

func (s *Store) encodeValue(value []byte) []byte {
	if s.opts.CompressThreshold > 0 && len(value) >= s.opts.CompressThreshold {
		if c, err := encoding.Compress(value); err == nil && len(c) < len(value) {
			return append([]byte{valueZstd}, c...)
		}
	}
	return append([]byte{valueRaw}, value...)
}

// decodeValue copies: raw points into Pebble memory owned by the closer.
func decodeValue(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty stored value")
	}
	switch raw[0] {
	case valueRaw:
		return append([]byte(nil), raw[1:]...), nil
	case valueZstd:
		return encoding.Decompress(raw[1:])
	default:
		return nil, fmt.Errorf("unknown value encoding %d", raw[0])
	}
}

func stateKey(key string) []byte {
	return []byte(prefixState + key)
}

func blockKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixBlock, height))
}

func receiptKey(height uint64, index int) []byte {
	return []byte(fmt.Sprintf("%s%016x/%08x", prefixReceipt, height, index))
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
