package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/storage"
	"go.uber.org/zap"
)

const (
	opAdapterNew = "persistence.adapter.new"
	opSave       = "persistence.save"
	opLoad       = "persistence.load"
	opReplay     = "persistence.replay"
	opErase      = "persistence.erase"
	opState      = "persistence.state"

	defaultRetryDelay = 5 * time.Second
)

var (
	errMissingValues = errors.New("key-value store is required")
	errMissingLog    = errors.New("write-ahead log is required")
	errMissingPost   = errors.New("worker post function is required")
	noOpLogger       = zap.NewNop()
)

// AdapterError carries a stable operation.reason code.
type AdapterError struct {
	code string
	err  error
}

func (e *AdapterError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *AdapterError) Unwrap() error {
	return e.err
}

func (e *AdapterError) Code() string {
	return e.code
}

func newAdapterError(operation, reason string, cause error) error {
	return &AdapterError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RetryScheduler re-arms a failed save.
type RetryScheduler interface {
	Set(key ids.Key, at time.Time)
}

// Loaded is a hydrated entity together with its format freshness.
type Loaded struct {
	Entity   entities.Entity
	Outdated bool
}

// LoadCallback receives the entity in use after a load, or found=false when it is absent.
type LoadCallback func(entity entities.Entity, found bool)

// AdapterConfig wires the adapter to storage and to the engine worker.
type AdapterConfig struct {
	Values     storage.KeyValue
	Log        storage.WriteAheadLog
	Post       func(func())
	Hydrate    func(Loaded) entities.Entity
	Retry      RetryScheduler
	RetryDelay time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

type saveState struct {
	again bool
}

// write mutates storage off the worker. The completion it returns, if any, runs on the worker.
type write func() (complete func())

// Adapter saves and loads entities. Save and Load must be called on the engine worker;
// storage I/O runs on background goroutines whose completions are posted back. Writes to one
// storage key run one at a time in the order they were requested.
type Adapter struct {
	ctx        context.Context
	values     storage.KeyValue
	log        storage.WriteAheadLog
	post       func(func())
	hydrate    func(Loaded) entities.Entity
	retry      RetryScheduler
	retryDelay time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	saves  map[ids.Key]*saveState
	loads  map[ids.Key][]LoadCallback
	writes map[string][]write
}

// NewAdapter validates the configuration. ctx bounds every storage call.
func NewAdapter(ctx context.Context, cfg AdapterConfig) (*Adapter, error) {
	if cfg.Values == nil {
		return nil, newAdapterError(opAdapterNew, "missing_values", errMissingValues)
	}
	if cfg.Log == nil {
		return nil, newAdapterError(opAdapterNew, "missing_log", errMissingLog)
	}
	if cfg.Post == nil {
		return nil, newAdapterError(opAdapterNew, "missing_post", errMissingPost)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	hydrate := cfg.Hydrate
	if hydrate == nil {
		hydrate = func(loaded Loaded) entities.Entity { return loaded.Entity }
	}
	return &Adapter{
		ctx:        ctx,
		values:     cfg.Values,
		log:        cfg.Log,
		post:       cfg.Post,
		hydrate:    hydrate,
		retry:      cfg.Retry,
		retryDelay: retryDelay,
		clock:      clock,
		logger:     logger,
		saves:      make(map[ids.Key]*saveState),
		loads:      make(map[ids.Key][]LoadCallback),
		writes:     make(map[string][]write),
	}, nil
}

// SetRetry installs the scheduler used for failed saves.
func (a *Adapter) SetRetry(retry RetryScheduler) {
	a.retry = retry
}

// IsLoading reports whether a load for key is running.
func (a *Adapter) IsLoading(key ids.Key) bool {
	_, running := a.loads[key]
	return running
}

// Save persists the current state of entity. The value is protected by a log record until the
// key-value write is confirmed. A save requested while one is running for the same key runs once
// more with the newest state after the running one finishes.
func (a *Adapter) Save(entity entities.Entity) {
	key := entity.Key()
	if state, running := a.saves[key]; running {
		state.again = true
		return
	}
	payload, err := Encode(entity)
	if err != nil {
		a.logError(opSave, "encode_failed", err, keyFields(key)...)
		return
	}
	record := entity.Bookkeeping()
	generation := record.Generation()
	logID := record.LogID()
	a.saves[key] = &saveState{}

	a.enqueue(key.StorageKey(), func() func() {
		committedLogID, commitErr := a.commit(key, logID, payload)
		return func() {
			a.finishSave(entity, generation, committedLogID, commitErr)
		}
	})
}

func (a *Adapter) commit(key ids.Key, logID uint64, payload []byte) (uint64, error) {
	var err error
	if logID == 0 {
		logID, err = a.log.AppendLog(a.ctx, key.StorageKey(), payload)
	} else {
		err = a.log.RewriteLog(a.ctx, logID, payload)
	}
	if err != nil {
		return logID, fmt.Errorf("write-ahead log: %w", err)
	}
	if err := a.values.Set(a.ctx, key.StorageKey(), payload); err != nil {
		return logID, fmt.Errorf("key-value store: %w", err)
	}
	if err := a.log.EraseLog(a.ctx, logID); err != nil {
		a.logger.Warn("write-ahead log record kept after commit",
			zap.String("operation", opSave),
			zap.Uint64("log_id", logID),
			zap.Error(err))
		return logID, nil
	}
	return 0, nil
}

func (a *Adapter) finishSave(entity entities.Entity, generation uint64, logID uint64, err error) {
	key := entity.Key()
	state := a.saves[key]
	delete(a.saves, key)
	record := entity.Bookkeeping()
	record.SetLogID(logID)

	if err != nil {
		a.logError(opSave, "commit_failed", err, keyFields(key)...)
		record.RequireSave()
		if a.retry != nil {
			a.retry.Set(key, a.clock().Add(a.retryDelay))
		}
		return
	}
	record.MarkSaved(generation)
	if state != nil && state.again && record.NeedsSave() {
		a.Save(entity)
	}
}

// Load reads the persisted entity once for all concurrent callers. The decoded value is handed to
// the hydrate hook before waiters run. Read failures and corrupt records resolve as absent.
func (a *Adapter) Load(key ids.Key, done LoadCallback) {
	if waiters, running := a.loads[key]; running {
		a.loads[key] = append(waiters, done)
		return
	}
	a.loads[key] = []LoadCallback{done}
	go func() {
		raw, err := a.values.Get(a.ctx, key.StorageKey())
		a.post(func() {
			a.finishLoad(key, raw, err)
		})
	}()
}

func (a *Adapter) finishLoad(key ids.Key, raw []byte, readErr error) {
	waiters := a.loads[key]
	delete(a.loads, key)

	var entity entities.Entity
	loaded, found := a.decode(key, raw, readErr, false)
	if found {
		entity = a.hydrate(loaded)
		found = entity != nil
	}
	for _, waiter := range waiters {
		if waiter != nil {
			waiter(entity, found)
		}
	}
}

// LoadNow synchronously reads and decodes the persisted entity without hydrating it.
func (a *Adapter) LoadNow(key ids.Key) (Loaded, bool) {
	raw, err := a.values.Get(a.ctx, key.StorageKey())
	return a.decode(key, raw, err, true)
}

func (a *Adapter) decode(key ids.Key, raw []byte, readErr error, synchronous bool) (Loaded, bool) {
	if errors.Is(readErr, storage.ErrNotFound) {
		return Loaded{}, false
	}
	if readErr != nil {
		a.logError(opLoad, "read_failed", readErr, keyFields(key)...)
		return Loaded{}, false
	}
	entity, outdated, err := Decode(key, raw)
	if err != nil {
		a.logger.Warn("corrupt persisted record erased",
			append(keyFields(key), zap.String("operation", opLoad), zap.Error(err))...)
		// A queued write replaces the corrupt value; erasing after it would drop newer data.
		if _, busy := a.writes[key.StorageKey()]; !busy {
			if synchronous {
				a.eraseNow(key)
			} else {
				a.Erase(key)
			}
		}
		return Loaded{}, false
	}
	return Loaded{Entity: entity, Outdated: outdated}, true
}

// Erase removes the persisted copy of an entity in the background, after any earlier write for it.
func (a *Adapter) Erase(key ids.Key) {
	a.enqueue(key.StorageKey(), func() func() {
		a.eraseNow(key)
		return nil
	})
}

func (a *Adapter) eraseNow(key ids.Key) {
	if err := a.values.Erase(a.ctx, key.StorageKey()); err != nil {
		a.logError(opErase, "erase_failed", err, keyFields(key)...)
	}
}

// EraseKind removes every persisted entity of a kind.
func (a *Adapter) EraseKind(ctx context.Context, kind ids.Kind) error {
	if err := a.values.ErasePrefix(ctx, kind.ScanPrefix()); err != nil {
		a.logError(opErase, "erase_prefix_failed", err, zap.Stringer("kind", kind))
		return newAdapterError(opErase, "erase_prefix_failed", err)
	}
	return nil
}

// CountKind returns the number of persisted entities of a kind.
func (a *Adapter) CountKind(ctx context.Context, kind ids.Kind) (int, error) {
	count := 0
	err := a.values.ScanPrefix(ctx, kind.ScanPrefix(), func(string, []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, newAdapterError(opLoad, "scan_failed", err)
	}
	return count, nil
}

// Recovered is an entity restored from the write-ahead log.
type Recovered struct {
	Loaded
	LogID uint64
}

// Replay reads every write-ahead log record left by a previous process. Records that cannot be
// decoded are erased; for a key logged more than once only the newest record is kept.
// Recovered entities carry their log id and must be saved again by the caller.
func (a *Adapter) Replay(ctx context.Context) ([]Recovered, error) {
	newest := make(map[ids.Key]Recovered)
	order := make([]ids.Key, 0)
	var stale []uint64
	err := a.log.ReplayLog(ctx, func(record storage.LogRecord) error {
		key, err := ids.ParseStorageKey(record.Key)
		if err != nil {
			a.logger.Warn("write-ahead log record with unknown key dropped",
				zap.String("operation", opReplay), zap.Uint64("log_id", record.ID), zap.Error(err))
			stale = append(stale, record.ID)
			return nil
		}
		entity, outdated, err := Decode(key, record.Payload)
		if err != nil {
			a.logger.Warn("corrupt write-ahead log record dropped",
				append(keyFields(key), zap.String("operation", opReplay), zap.Uint64("log_id", record.ID), zap.Error(err))...)
			stale = append(stale, record.ID)
			return nil
		}
		if previous, seen := newest[key]; seen {
			stale = append(stale, previous.LogID)
		} else {
			order = append(order, key)
		}
		entity.Bookkeeping().SetLogID(record.ID)
		entity.Bookkeeping().RequireSave()
		newest[key] = Recovered{Loaded: Loaded{Entity: entity, Outdated: outdated}, LogID: record.ID}
		return nil
	})
	if err != nil {
		a.logError(opReplay, "replay_failed", err)
		return nil, newAdapterError(opReplay, "replay_failed", err)
	}
	for _, id := range stale {
		if err := a.log.EraseLog(ctx, id); err != nil {
			a.logError(opReplay, "erase_failed", err, zap.Uint64("log_id", id))
		}
	}
	recovered := make([]Recovered, 0, len(order))
	for _, key := range order {
		recovered = append(recovered, newest[key])
	}
	if len(recovered) > 0 {
		a.logger.Info("entities recovered from write-ahead log",
			zap.String("operation", opReplay), zap.Int("count", len(recovered)))
	}
	return recovered, nil
}

// LoadState decodes the scalar state of a kind into target. found is false when nothing is stored.
func (a *Adapter) LoadState(ctx context.Context, kind ids.Kind, target any) (bool, error) {
	raw, err := a.values.Get(ctx, kind.StateKey())
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, newAdapterError(opState, "read_failed", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		a.logger.Warn("corrupt state record ignored",
			zap.String("operation", opState), zap.Stringer("kind", kind), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// SaveState persists the scalar state of a kind in the background. Successive states are
// written in call order.
func (a *Adapter) SaveState(kind ids.Kind, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		a.logError(opState, "encode_failed", err, zap.Stringer("kind", kind))
		return
	}
	a.enqueue(kind.StateKey(), func() func() {
		if err := a.values.Set(a.ctx, kind.StateKey(), raw); err != nil {
			a.logError(opState, "write_failed", err, zap.Stringer("kind", kind))
		}
		return nil
	})
}

// enqueue runs next once every earlier write for storageKey has completed.
func (a *Adapter) enqueue(storageKey string, next write) {
	queue, busy := a.writes[storageKey]
	a.writes[storageKey] = append(queue, next)
	if !busy {
		a.startWrite(storageKey)
	}
}

func (a *Adapter) startWrite(storageKey string) {
	next := a.writes[storageKey][0]
	go func() {
		complete := next()
		a.post(func() {
			if complete != nil {
				complete()
			}
			a.finishWrite(storageKey)
		})
	}()
}

func (a *Adapter) finishWrite(storageKey string) {
	queue := a.writes[storageKey][1:]
	if len(queue) == 0 {
		delete(a.writes, storageKey)
		return
	}
	a.writes[storageKey] = queue
	a.startWrite(storageKey)
}

func keyFields(key ids.Key) []zap.Field {
	return []zap.Field{zap.Stringer("kind", key.Kind), zap.Int64("entity_id", key.ID)}
}

func (a *Adapter) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("persistence error", attrs...)
}
