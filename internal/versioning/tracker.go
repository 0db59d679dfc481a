package versioning

import (
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"go.uber.org/zap"
)

// RepairScheduler starts an unconditional full refetch of the entity.
type RepairScheduler interface {
	ScheduleRepair(key ids.Key, reason string)
}

// RepairFunc adapts a function to RepairScheduler.
type RepairFunc func(key ids.Key, reason string)

// ScheduleRepair calls f.
func (f RepairFunc) ScheduleRepair(key ids.Key, reason string) {
	f(key, reason)
}

// Tracker centralizes gap detection for every versioned slot.
type Tracker struct {
	repairs RepairScheduler
	logger  *zap.Logger
}

// NewTracker constructs a tracker that reports gaps to repairs.
func NewTracker(repairs RepairScheduler, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{repairs: repairs, logger: logger}
}

// Observe evaluates a delta version for the entity and schedules a repair on a gap.
func (t *Tracker) Observe(key ids.Key, slot *Slot, version int32, source string) Verdict {
	previous := slot.Current()
	verdict := slot.Accept(version)
	switch verdict {
	case Gap:
		t.logger.Info("version gap detected",
			zap.Stringer("kind", key.Kind),
			zap.Int64("entity_id", key.ID),
			zap.Int32("current_version", previous),
			zap.Int32("version", version),
			zap.String("source", source))
		if t.repairs != nil {
			t.repairs.ScheduleRepair(key, "version_gap")
		}
	case Stale:
		t.logger.Debug("stale version ignored",
			zap.Stringer("kind", key.Kind),
			zap.Int64("entity_id", key.ID),
			zap.Int32("current_version", previous),
			zap.Int32("version", version),
			zap.String("source", source))
	}
	return verdict
}

// Repair reports an inconsistency that is not a version gap and schedules a repair.
func (t *Tracker) Repair(key ids.Key, reason string) {
	t.logger.Warn("cached state inconsistent",
		zap.Stringer("kind", key.Kind),
		zap.Int64("entity_id", key.ID),
		zap.String("reason", reason))
	if t.repairs != nil {
		t.repairs.ScheduleRepair(key, reason)
	}
}

// Speculation pairs the speculative version of a record with the version a repair was last requested at.
type Speculation struct {
	Version              *uint32
	RepairRequestVersion *uint32
}

// Bump records a speculative change.
func (s Speculation) Bump() {
	*s.Version++
}

// ShouldRepair reports whether a repair would observe speculative state newer than the last requested repair.
func (s Speculation) ShouldRepair() bool {
	return *s.RepairRequestVersion < *s.Version
}

// MarkRepairRequested remembers the speculative version a repair was requested at.
func (s Speculation) MarkRepairRequested() {
	*s.RepairRequestVersion = *s.Version
}

// Settle clears the repair marker once authoritative values arrived.
func (s Speculation) Settle() {
	*s.RepairRequestVersion = 0
}
