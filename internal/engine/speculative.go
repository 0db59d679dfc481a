package engine

import (
	"context"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"go.uber.org/zap"
)

const opSpeculativeApply = "engine.speculative_apply"

// Delta is a locally computed change of channel membership.
type Delta interface {
	isDelta()
}

// CountDelta changes the participant count by Delta.
type CountDelta struct {
	Delta int32
}

// StatusTransition moves one member from Old to New.
type StatusTransition struct {
	UserID ids.UserID
	Old    entities.MemberStatus
	New    entities.MemberStatus
}

// MembershipDelta adds members or removes one. A zero Removed removes nobody.
type MembershipDelta struct {
	Added         []ids.UserID
	Removed       ids.UserID
	InviterUserID ids.UserID
	Date          int32
}

func (CountDelta) isDelta()       {}
func (StatusTransition) isDelta() {}
func (MembershipDelta) isDelta()  {}

// SpeculativeApply applies delta to the cached channel before the remote service confirms it.
// byMe attributes the change to the local user.
func (e *Engine) SpeculativeApply(ctx context.Context, channelID ids.ChannelID, delta Delta, byMe bool) error {
	return e.perform(ctx, func(finish func(error)) {
		if !channelID.IsValid() {
			finish(newServiceError(opSpeculativeApply, "invalid_channel", ids.ErrInvalidID))
			return
		}
		e.speculativeApply(channelID, delta, byMe)
		finish(nil)
	})
}

// speculativeApply updates the lightweight and the full channel record at once. Count and membership
// changes made by the local user are not counted: the result may already include them, so the full
// record is invalidated and the next read brings the server value.
func (e *Engine) speculativeApply(channelID ids.ChannelID, delta Delta, byMe bool) {
	switch typed := delta.(type) {
	case CountDelta:
		if byMe {
			e.invalidateChannelFull(channelID, false)
			return
		}
		e.speculateCount(channelID, typed.Delta)
	case MembershipDelta:
		e.rememberMembership(channelID, typed)
		if byMe {
			e.invalidateChannelFull(channelID, false)
			return
		}
		change := int32(len(typed.Added))
		if typed.Removed.IsValid() {
			change--
		}
		e.speculateCount(channelID, change)
	case StatusTransition:
		e.speculateTransition(channelID, typed)
	default:
		e.logError(opSpeculativeApply, "unknown_delta", nil, zap.Int64("channel_id", channelID.Int64()))
	}
}

func (e *Engine) speculateCount(channelID ids.ChannelID, delta int32) {
	if delta == 0 {
		return
	}
	if full, ok := e.store.ForceLoadChannelFull(channelID); ok && full.SpeculativeAddParticipants(delta) {
		e.notifier.Flush(full)
	}
	if channel, ok := e.store.ForceLoadChannel(channelID); ok {
		count := channel.ParticipantCount
		if entities.SpeculativeAddCount(&count, delta, 0) && channel.ApplyParticipantCount(count) {
			e.notifier.Flush(channel)
		}
	}
}

func (e *Engine) speculateTransition(channelID ids.ChannelID, transition StatusTransition) {
	if transition.Old.Equal(transition.New) {
		return
	}
	full, hasFull := e.store.ForceLoadChannelFull(channelID)
	if hasFull {
		changed := full.SpeculativeTransition(transition.Old, transition.New)
		changed = e.updateBotList(full, transition) || changed
		if changed {
			e.notifier.Flush(full)
		}
	}
	if channel, ok := e.store.ForceLoadChannel(channelID); ok {
		memberDelta, _, _, _ := entities.MembershipDelta(transition.Old, transition.New)
		count := channel.ParticipantCount
		changed := entities.SpeculativeAddCount(&count, memberDelta, 0) && channel.ApplyParticipantCount(count)
		if transition.UserID == e.myUserID && channel.ApplyStatus(transition.New) {
			e.onOwnChannelStatusChanged(channel, transition.Old)
			e.armChannelTimers(channel)
			changed = true
		}
		if changed {
			e.notifier.Flush(channel)
		}
	}
	e.participants.Remember(channelID, entities.Participant{UserID: transition.UserID, Status: transition.New})
}

func (e *Engine) updateBotList(full *entities.ChannelFull, transition StatusTransition) bool {
	user, ok := e.store.Users.Get(transition.UserID)
	if !ok || !user.Bot.IsBot {
		return false
	}
	switch {
	case transition.New.IsMember() && !transition.Old.IsMember():
		return full.AddBot(transition.UserID)
	case !transition.New.IsMember() && transition.Old.IsMember():
		return full.RemoveBot(transition.UserID)
	default:
		return false
	}
}

func (e *Engine) rememberMembership(channelID ids.ChannelID, delta MembershipDelta) {
	full, hasFull := e.store.ChannelFulls.Get(channelID)
	botsChanged := false
	for _, userID := range delta.Added {
		e.participants.Remember(channelID, entities.Participant{
			UserID:        userID,
			InviterUserID: delta.InviterUserID,
			JoinedDate:    delta.Date,
			Status:        entities.Member(),
		})
		if hasFull {
			if user, ok := e.store.Users.Get(userID); ok && user.Bot.IsBot {
				botsChanged = full.AddBot(userID) || botsChanged
			}
		}
	}
	if delta.Removed.IsValid() {
		e.participants.Forget(channelID, delta.Removed)
		if hasFull {
			botsChanged = full.RemoveBot(delta.Removed) || botsChanged
		}
	}
	if botsChanged {
		e.notifier.Flush(full)
	}
}
