package entities

import (
	"errors"
	"time"
)

// ErrReentrantFlush is returned when a flush starts while another flush of the same record is running.
var ErrReentrantFlush = errors.New("entities: re-entrant flush")

// Changes is the set of attributes modified since the last flush.
type Changes uint32

const (
	ChangeCreated Changes = 1 << iota
	ChangeName
	ChangeUsernames
	ChangePhoto
	ChangeTitle
	ChangeStatus
	ChangePermissions
	ChangeParticipants
	ChangeCounters
	ChangeFlags
	ChangeEmojiStatus
	ChangeStories
	ChangeDescription
	ChangeBot
	ChangeLink
	ChangeSlowMode
	ChangeState
)

// Has reports whether any of the provided flags is set.
func (c Changes) Has(flags Changes) bool {
	return c&flags != 0
}

// FlushState guards the notifier pass over a record.
type FlushState uint8

const (
	FlushIdle FlushState = iota
	FlushRunning
)

// Record carries the per-entity bookkeeping that drives notification and persistence.
// It is embedded in every entity and never serialized.
type Record struct {
	pending    Changes
	needSend   bool
	needSave   bool
	generation uint64
	state      FlushState
	sent       bool
	logID      uint64
	fromServer bool
	repaired   bool
	untrusted  bool
	expiresAt  time.Time
}

func newRecord() Record {
	return Record{pending: ChangeCreated, needSave: true, generation: 1}
}

// Bookkeeping exposes the record to the notifier and the persistence adapter.
func (r *Record) Bookkeeping() *Record {
	return r
}

// MarkChanged records a change that must be both sent and saved.
func (r *Record) MarkChanged(flags Changes) {
	r.pending |= flags
	r.generation++
}

// MarkSendOnly records a change that must only be sent to subscribers.
func (r *Record) MarkSendOnly() {
	r.needSend = true
}

// MarkSaveOnly records a change that must only be persisted.
func (r *Record) MarkSaveOnly() {
	r.needSave = true
	r.generation++
}

// Pending returns the attribute flags changed since the last flush.
func (r *Record) Pending() Changes {
	return r.pending
}

// IsChanged reports whether the record has changes for subscribers and storage.
func (r *Record) IsChanged() bool {
	return r.pending != 0
}

// NeedsSend reports whether subscribers must be notified.
func (r *Record) NeedsSend() bool {
	return r.pending != 0 || r.needSend
}

// NeedsSave reports whether the record must be persisted.
func (r *Record) NeedsSave() bool {
	return r.needSave
}

// RequireSave marks the record dirty for storage.
func (r *Record) RequireSave() {
	r.needSave = true
}

// ClearPending resets the per-field flags after an event was emitted and returns what was cleared.
func (r *Record) ClearPending() Changes {
	cleared := r.pending
	r.pending = 0
	r.needSend = false
	return cleared
}

// Generation increases on every change and lets the persistence adapter detect writes that raced a save.
func (r *Record) Generation() uint64 {
	return r.generation
}

// MarkSaved clears the storage flag when no change happened after the saved generation.
func (r *Record) MarkSaved(generation uint64) bool {
	if r.generation != generation {
		return false
	}
	r.needSave = false
	return true
}

// BeginFlush moves the record into the flushing state.
func (r *Record) BeginFlush() error {
	if r.state == FlushRunning {
		return ErrReentrantFlush
	}
	r.state = FlushRunning
	return nil
}

// EndFlush returns the record to the idle state.
func (r *Record) EndFlush() {
	r.state = FlushIdle
}

// FlushState returns the current flush state.
func (r *Record) FlushState() FlushState {
	return r.state
}

// WasSent reports whether the record was broadcast at least once.
func (r *Record) WasSent() bool {
	return r.sent
}

// MarkSent records that a snapshot of the record was broadcast.
func (r *Record) MarkSent() {
	r.sent = true
}

// LogID returns the write-ahead log record protecting the entity, or zero.
func (r *Record) LogID() uint64 {
	return r.logID
}

// SetLogID stores the write-ahead log record protecting the entity.
func (r *Record) SetLogID(id uint64) {
	r.logID = id
}

// IsReceivedFromServer reports whether the entity was populated by the remote service in this session.
func (r *Record) IsReceivedFromServer() bool {
	return r.fromServer
}

// MarkReceivedFromServer records that the remote service populated the entity.
func (r *Record) MarkReceivedFromServer() {
	r.fromServer = true
}

// IsRepaired reports whether an outdated cached copy was already scheduled for reload.
func (r *Record) IsRepaired() bool {
	return r.repaired
}

// MarkRepaired records that an outdated cached copy was scheduled for reload.
func (r *Record) MarkRepaired() {
	r.repaired = true
}

// CountersTrusted reports whether derived counters can be relied on.
func (r *Record) CountersTrusted() bool {
	return !r.untrusted
}

// DistrustCounters flags derived counters until a repair fetch completes.
func (r *Record) DistrustCounters() {
	r.untrusted = true
}

// TrustCounters clears the repair flag after server-confirmed values arrived.
func (r *Record) TrustCounters() {
	r.untrusted = false
}

// ExpiresAt returns the time after which a full profile must be refetched.
func (r *Record) ExpiresAt() time.Time {
	return r.expiresAt
}

// SetExpiresAt stores the full profile expiry time.
func (r *Record) SetExpiresAt(at time.Time) {
	r.expiresAt = at
}

// IsExpired reports whether the full profile is stale at the provided time.
func (r *Record) IsExpired(now time.Time) bool {
	return !r.expiresAt.After(now)
}
