package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

const (
	pebbleValuePrefix = "v/"
	pebbleLogPrefix   = "w/"
)

type pebbleLogValue struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// PebbleStore implements Backend over an embedded pebble database. Entity values and log records
// live in separate key ranges of the same database.
type PebbleStore struct {
	db        *pebble.DB
	nextLogID atomic.Uint64
	closed    atomic.Bool
}

// OpenPebble opens or creates a pebble database at dir. Options may be nil.
func OpenPebble(dir string, options *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(dir, options)
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w", dir, err)
	}
	store := &PebbleStore{db: db}
	lastID, err := store.lastLogID()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.nextLogID.Store(lastID)
	return store, nil
}

func (s *PebbleStore) lastLogID() (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleLogPrefix),
		UpperBound: []byte(prefixUpperBound(pebbleLogPrefix)),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return decodeLogKey(iter.Key())
}

func valueKey(key string) []byte {
	return []byte(pebbleValuePrefix + key)
}

func logKey(id uint64) []byte {
	encoded := make([]byte, len(pebbleLogPrefix)+8)
	copy(encoded, pebbleLogPrefix)
	binary.BigEndian.PutUint64(encoded[len(pebbleLogPrefix):], id)
	return encoded
}

func decodeLogKey(raw []byte) (uint64, error) {
	if len(raw) != len(pebbleLogPrefix)+8 {
		return 0, fmt.Errorf("storage: malformed log key %q", raw)
	}
	return binary.BigEndian.Uint64(raw[len(pebbleLogPrefix):]), nil
}

func (s *PebbleStore) checkOpen(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *PebbleStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	value, closer, err := s.db.Get(valueKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, nil
}

func (s *PebbleStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	return s.db.Set(valueKey(key), value, pebble.Sync)
}

func (s *PebbleStore) Erase(ctx context.Context, key string) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	return s.db.Delete(valueKey(key), pebble.Sync)
}

func (s *PebbleStore) ScanPrefix(ctx context.Context, prefix string, visit func(key string, value []byte) error) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	lower := pebbleValuePrefix + prefix
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(lower),
		UpperBound: []byte(prefixUpperBound(lower)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		if err := visit(string(iter.Key()[len(pebbleValuePrefix):]), value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) ErasePrefix(ctx context.Context, prefix string) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	lower := pebbleValuePrefix + prefix
	return s.db.DeleteRange([]byte(lower), []byte(prefixUpperBound(lower)), pebble.Sync)
}

func (s *PebbleStore) AppendLog(ctx context.Context, key string, payload []byte) (uint64, error) {
	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	encoded, err := json.Marshal(pebbleLogValue{Key: key, Payload: payload})
	if err != nil {
		return 0, err
	}
	id := s.nextLogID.Add(1)
	if err := s.db.Set(logKey(id), encoded, pebble.Sync); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PebbleStore) RewriteLog(ctx context.Context, id uint64, payload []byte) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	raw, closer, err := s.db.Get(logKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var stored pebbleLogValue
	decodeErr := json.Unmarshal(raw, &stored)
	_ = closer.Close()
	if decodeErr != nil {
		return decodeErr
	}
	stored.Payload = payload
	encoded, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.db.Set(logKey(id), encoded, pebble.Sync)
}

func (s *PebbleStore) EraseLog(ctx context.Context, id uint64) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	return s.db.Delete(logKey(id), pebble.Sync)
}

func (s *PebbleStore) ReplayLog(ctx context.Context, visit func(record LogRecord) error) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleLogPrefix),
		UpperBound: []byte(prefixUpperBound(pebbleLogPrefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		id, err := decodeLogKey(iter.Key())
		if err != nil {
			return err
		}
		var stored pebbleLogValue
		if err := json.Unmarshal(iter.Value(), &stored); err != nil {
			return fmt.Errorf("storage: log record %d: %w", id, err)
		}
		if err := visit(LogRecord{ID: id, Key: stored.Key, Payload: []byte(stored.Payload)}); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
