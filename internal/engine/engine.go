// Package engine keeps the cached users, groups, channels and secret chats consistent with the
// remote service, the durable store and local mutations. All state is owned by one worker goroutine
// started with Run; public methods post work to it and wait for the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/fetch"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/notify"
	"github.com/MarcoPoloResearchLab/entitysync/internal/participants"
	"github.com/MarcoPoloResearchLab/entitysync/internal/persistence"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/MarcoPoloResearchLab/entitysync/internal/storage"
	"github.com/MarcoPoloResearchLab/entitysync/internal/store"
	"github.com/MarcoPoloResearchLab/entitysync/internal/timers"
	"github.com/MarcoPoloResearchLab/entitysync/internal/versioning"
	"go.uber.org/zap"
)

const (
	opEngineNew = "engine.new"
	opRun       = "engine.run"
	opRecover   = "engine.recover"
	opHydrate   = "engine.hydrate"

	// DefaultFullTTL is how long a full profile is served without a refetch.
	DefaultFullTTL = 60 * time.Second
	// DefaultSaveRetryDelay is the pause before a failed save is attempted again.
	DefaultSaveRetryDelay = 5 * time.Second
)

var (
	errMissingRemote  = errors.New("remote client is required")
	errMissingValues  = errors.New("key-value store is required")
	errMissingLog     = errors.New("write-ahead log is required")
	errAlreadyRunning = errors.New("engine is already running")

	// ErrStopped is returned by calls made after Run returned.
	ErrStopped = errors.New("engine: stopped")
	// ErrNotCached is returned by cache-only reads of an entity that is neither in memory nor persisted.
	ErrNotCached = errors.New("engine: entity is not cached")
	// ErrInvalidArgument is wrapped by command failures caused by the request itself.
	ErrInvalidArgument = errors.New("engine: invalid argument")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config wires the engine to its collaborators. Zero durations and sizes take the defaults.
type Config struct {
	MyUserID         ids.UserID
	Remote           remote.Client
	Values           storage.KeyValue
	Log              storage.WriteAheadLog
	Sink             notify.Sink
	Peers            notify.PeerObserver
	UserFullTTL      time.Duration
	ChatFullTTL      time.Duration
	ChannelFullTTL   time.Duration
	ParticipantTTL   time.Duration
	SaveRetryDelay   time.Duration
	UserBatchSize    int
	ChatBatchSize    int
	FetchConcurrency int
	EventBuffer      int
	Clock            func() time.Time
	Logger           *zap.Logger
}

type fullTTLs struct {
	user    time.Duration
	chat    time.Duration
	channel time.Duration
}

type timerGroups struct {
	online        *timers.Group
	emojiStatus   *timers.Group
	channelStatus *timers.Group
	slowMode      *timers.Group
	sweep         *timers.Group
	saveRetry     *timers.Group
}

// Engine owns every cache of one session.
type Engine struct {
	myUserID ids.UserID
	remote   remote.Client
	clock    func() time.Time
	logger   *zap.Logger
	ttl      fullTTLs

	ctx    context.Context
	cancel context.CancelFunc

	store        *store.Store
	adapter      *persistence.Adapter
	notifier     *notify.Notifier
	bus          *notify.Bus
	tracker      *versioning.Tracker
	timers       *timers.Service
	groups       timerGroups
	participants *participants.Cache

	users        *fetch.Merger[ids.UserID]
	chats        *fetch.Merger[ids.ChatID]
	channels     *fetch.Merger[ids.ChannelID]
	userFulls    *fetch.Merger[ids.UserID]
	chatFulls    *fetch.Merger[ids.ChatID]
	channelFulls *fetch.Merger[ids.ChannelID]

	contacts ContactsState

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

// New builds an engine. Nothing runs until Run is called.
func New(cfg Config) (*Engine, error) {
	if cfg.Remote == nil {
		return nil, newServiceError(opEngineNew, "missing_remote", errMissingRemote)
	}
	if cfg.Values == nil {
		return nil, newServiceError(opEngineNew, "missing_values", errMissingValues)
	}
	if cfg.Log == nil {
		return nil, newServiceError(opEngineNew, "missing_log", errMissingLog)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		myUserID: cfg.MyUserID,
		remote:   cfg.Remote,
		clock:    clock,
		logger:   logger,
		ttl: fullTTLs{
			user:    durationOrDefault(cfg.UserFullTTL, DefaultFullTTL),
			chat:    durationOrDefault(cfg.ChatFullTTL, DefaultFullTTL),
			channel: durationOrDefault(cfg.ChannelFullTTL, DefaultFullTTL),
		},
		ctx:    ctx,
		cancel: cancel,
		store:  store.New(),
		bus:    notify.NewBus(cfg.EventBuffer),
		timers: timers.NewService(logger.Named("timers")),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	adapter, err := persistence.NewAdapter(ctx, persistence.AdapterConfig{
		Values:     cfg.Values,
		Log:        cfg.Log,
		Post:       func(task func()) { e.post(task) },
		Hydrate:    e.hydrate,
		RetryDelay: durationOrDefault(cfg.SaveRetryDelay, DefaultSaveRetryDelay),
		Clock:      clock,
		Logger:     logger.Named("persistence"),
	})
	if err != nil {
		cancel()
		return nil, newServiceError(opEngineNew, "adapter_failed", err)
	}
	e.adapter = adapter
	e.store.SetHydrator(syncHydrator{engine: e})

	var sink notify.Sink = e.bus
	if cfg.Sink != nil {
		sink = fanOut{e.bus, cfg.Sink}
	}
	e.notifier = notify.New(notify.Config{
		Sink:   sink,
		Saver:  adapter,
		Peers:  cfg.Peers,
		Lookup: e.store.Lookup,
		Clock:  clock,
		Logger: logger.Named("notify"),
	})
	e.tracker = versioning.NewTracker(versioning.RepairFunc(e.repair), logger.Named("versioning"))
	e.participants = participants.New(participants.Config{
		TTL:    cfg.ParticipantTTL,
		Clock:  clock,
		Logger: logger.Named("participants"),
	})

	e.groups = timerGroups{
		online:        e.timers.NewGroup("user_online", e.expireOnline),
		emojiStatus:   e.timers.NewGroup("user_emoji_status", e.expireEmojiStatus),
		channelStatus: e.timers.NewGroup("channel_status", e.expireChannelStatus),
		slowMode:      e.timers.NewGroup("channel_slow_mode", e.expireSlowMode),
		sweep:         e.timers.NewGroup("participant_sweep", func(key ids.Key) { e.participants.Sweep(ids.ChannelID(key.ID)) }),
		saveRetry:     e.timers.NewGroup("save_retry", e.retrySave),
	}
	e.participants.SetScheduler(e.groups.sweep)
	adapter.SetRetry(e.groups.saveRetry)

	e.newMergers(cfg)
	return e, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

type fanOut []notify.Sink

func (sinks fanOut) Publish(event notify.Event) {
	for _, sink := range sinks {
		sink.Publish(event)
	}
}

// Run drives the worker until ctx is cancelled. Entities left in the write-ahead log by a previous
// process are recovered first.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return newServiceError(opRun, "already_running", errAlreadyRunning)
	}
	defer e.shutdown()

	e.recover(ctx)
	e.loadContactsState(ctx)
	e.logger.Info("engine started", zap.Int64("my_user_id", e.myUserID.Int64()))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		e.drain()
		if e.timers.RunDue(e.clock()) > 0 {
			continue
		}
		var fire <-chan time.Time
		if deadline, ok := e.timers.NextDeadline(); ok {
			timer.Reset(deadline.Sub(e.clock()))
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return nil
		case <-e.wake:
		case <-fire:
		}
		timer.Stop()
	}
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	e.stopped = true
	e.queue = nil
	e.mu.Unlock()
	e.cancel()
	close(e.done)
}

// post queues task for the worker. It reports false once the engine stopped.
func (e *Engine) post(task func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, task)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

func (e *Engine) drain() {
	for {
		e.mu.Lock()
		tasks := e.queue
		e.queue = nil
		e.mu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			task()
		}
	}
}

// await runs work on the worker and blocks until it resolves, ctx ends or the engine stops.
// resolve may be called later from another worker task; only the first call counts.
func await[T any](ctx context.Context, e *Engine, work func(resolve func(T, error))) (T, error) {
	var zero T
	type outcome struct {
		value T
		err   error
	}
	results := make(chan outcome, 1)
	queued := e.post(func() {
		resolved := false
		work(func(value T, err error) {
			if resolved {
				return
			}
			resolved = true
			results <- outcome{value: value, err: err}
		})
	})
	if !queued {
		return zero, ErrStopped
	}
	select {
	case result := <-results:
		return result.value, result.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.done:
		return zero, ErrStopped
	}
}

// perform is await for work without a value.
func (e *Engine) perform(ctx context.Context, work func(finish func(error))) error {
	_, err := await(ctx, e, func(resolve func(struct{}, error)) {
		work(func(err error) { resolve(struct{}{}, err) })
	})
	return err
}

func (e *Engine) recover(ctx context.Context) {
	recovered, err := e.adapter.Replay(ctx)
	if err != nil {
		e.logError(opRecover, "replay_failed", err)
		return
	}
	for _, item := range recovered {
		entity := item.Entity
		if existing, ok := e.store.Lookup(entity.Key()); ok {
			entity = existing
			entity.Bookkeeping().RequireSave()
		} else if err := e.store.Install(entity); err != nil {
			e.logError(opRecover, "install_failed", err, keyFields(entity.Key())...)
			continue
		}
		e.armTimers(entity)
		e.notifier.Flush(entity)
	}
}

// syncHydrator serves Store.ForceLoad from the persistence adapter.
type syncHydrator struct {
	engine *Engine
}

func (h syncHydrator) LoadNow(key ids.Key) (entities.Entity, bool) {
	loaded, found := h.engine.adapter.LoadNow(key)
	if !found {
		return nil, false
	}
	h.engine.afterHydrate(loaded)
	return loaded.Entity, true
}

// hydrate installs an asynchronously loaded entity unless memory already holds a newer copy.
func (e *Engine) hydrate(loaded persistence.Loaded) entities.Entity {
	key := loaded.Entity.Key()
	if existing, ok := e.store.Lookup(key); ok {
		return existing
	}
	if err := e.store.Install(loaded.Entity); err != nil {
		e.logError(opHydrate, "install_failed", err, keyFields(key)...)
		return nil
	}
	e.afterHydrate(loaded)
	return loaded.Entity
}

// afterHydrate announces a restored entity, re-arms its timers and schedules one reload of records
// persisted in an older format.
func (e *Engine) afterHydrate(loaded persistence.Loaded) {
	entity := loaded.Entity
	e.armTimers(entity)
	e.notifier.Flush(entity, notify.FromDatabase())
	record := entity.Bookkeeping()
	if loaded.Outdated && !record.IsRepaired() {
		record.MarkRepaired()
		e.logger.Info("outdated cached record scheduled for reload", keyFields(entity.Key())...)
		e.refresh(entity.Key(), e.logCompletion(opHydrate, entity.Key()))
	}
}

func (e *Engine) retrySave(key ids.Key) {
	entity, ok := e.store.Lookup(key)
	if !ok || !entity.Bookkeeping().NeedsSave() {
		return
	}
	e.notifier.Flush(entity)
}

func keyFields(key ids.Key) []zap.Field {
	return []zap.Field{zap.Stringer("kind", key.Kind), zap.Int64("entity_id", key.ID)}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("engine error", attrs...)
}

// logCompletion returns a completion for background work whose failures are only logged.
func (e *Engine) logCompletion(operation string, key ids.Key) fetch.Completion {
	return func(err error) {
		if err == nil {
			return
		}
		e.logger.Warn("background refresh failed",
			append(keyFields(key),
				zap.String("operation", operation),
				zap.Stringer("class", remote.Classify(err)),
				zap.Error(err))...)
	}
}
