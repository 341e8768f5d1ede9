package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/gobwas/glob"
	"github.com/maxpert/blockstm/encoding"
)

// Receipt is the durable outcome of one committed transaction
type Receipt struct {
	Height  uint64   `msgpack:"h"`
	Index   int      `msgpack:"i"`
	Status  string   `msgpack:"s"`
	Gas     uint64   `msgpack:"g"`
	Message string   `msgpack:"m,omitempty"`
	Keys    []string `msgpack:"k,omitempty"`
}

// Receipt returns the receipt of transaction index in block height
func (s *Store) Receipt(height uint64, index int) (*Receipt, error) {
	raw, closer, err := s.db.Get(receiptKey(height, index))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var r Receipt
	if err := encoding.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode receipt %d/%d: %w", height, index, err)
	}
	return &r, nil
}

// Receipts returns every receipt of block height in index order
func (s *Store) Receipts(height uint64) ([]Receipt, error) {
	prefix := []byte(fmt.Sprintf("%s%016x/", prefixReceipt, height))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Receipt
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var r Receipt
		if err := encoding.Unmarshal(val, &r); err != nil {
			return nil, fmt.Errorf("decode receipt %s: %w", iter.Key(), err)
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

// Scan calls fn for every committed key matching the glob pattern, in key
// order, until fn returns false. An empty pattern matches everything.
func (s *Store) Scan(pattern string, fn func(key string, value []byte) bool) error {
	var g glob.Glob
	if pattern != "" {
		var err error
		if g, err = glob.Compile(pattern); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}

	prefix := []byte(prefixState)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		key := string(iter.Key()[len(prefix):])
		if g != nil && !g.Match(key) {
			continue
		}
		raw, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		value, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		if !fn(key, value) {
			break
		}
	}
	return iter.Error()
}
