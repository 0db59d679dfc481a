package engine

import (
	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"go.uber.org/zap"
)

const (
	opRepair       = "engine.repair"
	opAccessDenied = "engine.access_denied"
	opReconcile    = "engine.reconcile"
)

// repair refetches key unconditionally. Until the response arrives the derived counters of the
// record are flagged untrusted. A channel repair is skipped when one was already requested and no
// speculative change happened since.
func (e *Engine) repair(key ids.Key, reason string) {
	switch key.Kind {
	case ids.KindChannelFull:
		if full, ok := e.store.ChannelFulls.Get(ids.ChannelID(key.ID)); ok {
			speculation := full.Speculation()
			if !speculation.ShouldRepair() {
				e.logger.Debug("redundant repair skipped", append(keyFields(key), zap.String("reason", reason))...)
				return
			}
			speculation.MarkRepairRequested()
			full.DistrustCounters()
			full.SetExpiresAt(e.clock())
		}
	case ids.KindChatFull:
		if full, ok := e.store.ChatFulls.Get(ids.ChatID(key.ID)); ok {
			full.DistrustCounters()
			full.SetExpiresAt(e.clock())
		}
	case ids.KindUserFull:
		e.invalidateUserFull(ids.UserID(key.ID))
	case ids.KindSecretChat, ids.KindUnknown:
		return
	}
	e.logger.Info("repair fetch scheduled", append(keyFields(key), zap.String("reason", reason))...)
	e.refresh(key, e.logCompletion(opRepair, key))
}

// onChannelError reacts to a failed channel request. Losing access means the local user was
// removed: the status becomes banned and the full profile stale. An unknown channel is forgotten.
func (e *Engine) onChannelError(id ids.ChannelID, err error) {
	switch remote.Classify(err) {
	case remote.ClassAccessDenied:
		e.onChannelAccessLost(id, err)
	case remote.ClassNotFound:
		e.forget(id.Key())
	}
}

func (e *Engine) onChannelAccessLost(id ids.ChannelID, cause error) {
	e.logger.Info("channel access lost",
		zap.String("operation", opAccessDenied),
		zap.Int64("channel_id", id.Int64()),
		zap.Error(cause))
	e.participants.Drop(id)
	e.invalidateChannelFull(id, true)
	channel, ok := e.store.ForceLoadChannel(id)
	if !ok || channel.Status.IsBanned() {
		return
	}
	oldStatus := channel.Status
	channel.ApplyStatus(entities.Banned(0))
	e.onOwnChannelStatusChanged(channel, oldStatus)
	e.armChannelTimers(channel)
	e.notifier.Flush(channel)
}

// reconcileChannel undoes speculative state after a failed channel mutation by reloading what the
// server holds instead of computing a rollback.
func (e *Engine) reconcileChannel(id ids.ChannelID, userID ids.UserID, cause error) {
	e.logger.Info("channel reloaded after failed mutation",
		zap.String("operation", opReconcile),
		zap.Int64("channel_id", id.Int64()),
		zap.Int64("user_id", userID.Int64()),
		zap.Stringer("class", remote.Classify(cause)),
		zap.Error(cause))
	if remote.Classify(cause) == remote.ClassAccessDenied {
		e.onChannelAccessLost(id, cause)
	}
	if userID.IsValid() {
		e.participants.Forget(id, userID)
	}
	if userID == e.myUserID {
		e.refreshInBackground(id.Key())
	}
	e.invalidateChannelFull(id, false)
	e.repair(id.FullKey(), "failed_mutation")
}
