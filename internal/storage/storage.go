package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates that no value is stored under a key.
	ErrNotFound = errors.New("storage: key not found")
	// ErrClosed indicates use of a closed backend.
	ErrClosed = errors.New("storage: backend closed")
)

// KeyValue is the eventually consistent store holding one value per entity key.
type KeyValue interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Erase(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string, visit func(key string, value []byte) error) error
	ErasePrefix(ctx context.Context, prefix string) error
}

// LogRecord is one write-ahead log entry protecting a pending entity save.
type LogRecord struct {
	ID      uint64
	Key     string
	Payload []byte
}

// WriteAheadLog is the append-only recovery log replayed at startup.
type WriteAheadLog interface {
	AppendLog(ctx context.Context, key string, payload []byte) (uint64, error)
	RewriteLog(ctx context.Context, id uint64, payload []byte) error
	EraseLog(ctx context.Context, id uint64) error
	ReplayLog(ctx context.Context, visit func(record LogRecord) error) error
}

// Backend bundles both stores over one physical database.
type Backend interface {
	KeyValue
	WriteAheadLog
	Close() error
}

// prefixUpperBound returns the smallest key greater than every key starting with prefix.
func prefixUpperBound(prefix string) string {
	upper := []byte(prefix)
	for index := len(upper) - 1; index >= 0; index-- {
		if upper[index] < 0xff {
			upper[index]++
			return string(upper[:index+1])
		}
	}
	return ""
}
