// Package notify runs the post-mutation pass that turns dirty entities into outward events and saves.
package notify

import (
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opFlush = "notify.flush"

	peerChanges = entities.ChangeName | entities.ChangeTitle | entities.ChangePhoto | entities.ChangeUsernames
)

// Event is one outward change notification. Snapshot is a deep copy of the entity.
type Event struct {
	ID       uuid.UUID        `json:"id"`
	Kind     ids.Kind         `json:"kind"`
	EntityID int64            `json:"entity_id"`
	Changes  entities.Changes `json:"changes"`
	Snapshot any              `json:"snapshot"`
	At       time.Time        `json:"at"`
}

// Sink receives emitted events on the engine worker.
type Sink interface {
	Publish(event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event Event)

func (f SinkFunc) Publish(event Event) {
	f(event)
}

// PeerObserver is told about name, title, photo and username changes so that dependent subsystems
// (dialog lists, mentions) can refresh. It receives snapshots only.
type PeerObserver interface {
	PeerChanged(key ids.Key, changes entities.Changes, snapshot any)
}

// Saver persists entities. The persistence adapter implements it.
type Saver interface {
	Save(entity entities.Entity)
	IsLoading(key ids.Key) bool
}

// LookupFunc resolves the in-memory entity of a key.
type LookupFunc func(key ids.Key) (entities.Entity, bool)

// Config wires the notifier.
type Config struct {
	Sink   Sink
	Saver  Saver
	Peers  PeerObserver
	Lookup LookupFunc
	Clock  func() time.Time
	Logger *zap.Logger
}

// Notifier decides, after every mutation, what to emit and what to persist. It runs on the engine
// worker only.
type Notifier struct {
	sink     Sink
	saver    Saver
	peers    PeerObserver
	lookup   LookupFunc
	clock    func() time.Time
	logger   *zap.Logger
	deferred map[ids.Key]entities.Entity
	emitted  uint64
}

// New creates a notifier. A nil sink drops events; a nil saver disables persistence.
func New(cfg Config) *Notifier {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		sink:     cfg.Sink,
		saver:    cfg.Saver,
		peers:    cfg.Peers,
		lookup:   cfg.Lookup,
		clock:    clock,
		logger:   logger,
		deferred: make(map[ids.Key]entities.Entity),
	}
}

type flushSettings struct {
	fromDatabase bool
}

// FlushOption adjusts one flush.
type FlushOption func(*flushSettings)

// FromDatabase marks an entity that was just hydrated from storage; it is announced but not saved.
func FromDatabase() FlushOption {
	return func(settings *flushSettings) {
		settings.fromDatabase = true
	}
}

// Flush runs the post-mutation pass for entity.
func (n *Notifier) Flush(entity entities.Entity, options ...FlushOption) {
	var settings flushSettings
	for _, option := range options {
		option(&settings)
	}
	key := entity.Key()
	record := entity.Bookkeeping()
	if err := record.BeginFlush(); err != nil {
		n.logger.Error("notifier error",
			zap.String("operation", opFlush),
			zap.String("reason", "reentrant_flush"),
			zap.Error(err),
			zap.Stringer("kind", key.Kind),
			zap.Int64("entity_id", key.ID))
		return
	}
	defer record.EndFlush()

	changes := record.Pending()
	if n.peers != nil && changes.Has(peerChanges) {
		n.peers.PeerChanged(key, changes, entity.EventSnapshot())
	}
	if record.IsChanged() && !settings.fromDatabase {
		record.RequireSave()
	}

	announced := false
	if record.NeedsSend() {
		if key.Kind.IsFull() && !n.lightweightSent(key) {
			n.deferred[key.Lightweight()] = entity
		} else {
			n.emit(key, entity)
			announced = true
		}
	}

	if record.NeedsSave() && !settings.fromDatabase && n.saver != nil && !n.saver.IsLoading(key) {
		n.saver.Save(entity)
	}

	if announced && !key.Kind.IsFull() {
		n.releaseDeferred(key)
	}
}

// Emitted returns the number of events published since creation.
func (n *Notifier) Emitted() uint64 {
	return n.emitted
}

// Deferred reports whether a full-kind event is waiting for its lightweight record.
func (n *Notifier) Deferred(key ids.Key) bool {
	_, waiting := n.deferred[key.Lightweight()]
	return waiting
}

func (n *Notifier) emit(key ids.Key, entity entities.Entity) {
	record := entity.Bookkeeping()
	snapshot := entity.EventSnapshot()
	event := Event{
		ID:       newEventID(),
		Kind:     key.Kind,
		EntityID: key.ID,
		Changes:  record.ClearPending(),
		Snapshot: snapshot,
		At:       n.clock().UTC(),
	}
	record.MarkSent()
	n.emitted++
	if n.sink != nil {
		n.sink.Publish(event)
	}
}

func (n *Notifier) lightweightSent(key ids.Key) bool {
	if n.lookup == nil {
		return true
	}
	lightweight, ok := n.lookup(key.Lightweight())
	return ok && lightweight.Bookkeeping().WasSent()
}

func (n *Notifier) releaseDeferred(key ids.Key) {
	full, waiting := n.deferred[key]
	if !waiting {
		return
	}
	delete(n.deferred, key)
	n.Flush(full)
}

func newEventID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
