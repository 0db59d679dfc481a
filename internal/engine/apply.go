package engine

import (
	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/MarcoPoloResearchLab/entitysync/internal/versioning"
	"go.uber.org/zap"
)

// applyPayload merges every object returned alongside a response. Lightweight records are applied
// before anything that may refer to them.
func (e *Engine) applyPayload(payload remote.Payload) {
	for _, user := range payload.Users {
		e.applyUser(user)
	}
	for _, chat := range payload.Chats {
		e.applyChat(chat)
	}
	for _, channel := range payload.Channels {
		e.applyChannel(channel)
	}
	for _, minimal := range payload.MinChannels {
		e.store.ApplyMinChannel(minimal.ID, minimal.Minimal)
	}
}

func (e *Engine) applyUser(payload *entities.User) {
	if payload == nil || !payload.ID.IsValid() {
		return
	}
	var user *entities.User
	if payload.IsMinAccessHash {
		// a reduced payload must merge into the persisted copy so private fields survive
		if loaded, ok := e.store.Users.ForceLoad(payload.ID); ok {
			user = loaded
		}
	}
	if user == nil {
		user, _ = e.store.Users.GetOrCreate(payload.ID)
	}
	if !payload.IsMinAccessHash {
		user.MarkReceivedFromServer()
	}
	user.Apply(payload)
	e.armUserTimers(user)
	e.notifier.Flush(user)
}

func (e *Engine) applyChat(payload *entities.Chat) {
	if payload == nil || !payload.ID.IsValid() {
		return
	}
	chat, ok := e.store.Chats.ForceLoad(payload.ID)
	if !ok {
		chat, _ = e.store.Chats.GetOrCreate(payload.ID)
	}
	chat.MarkReceivedFromServer()
	wasMember := chat.Status.IsMember()
	wasAdministrator := chat.Status.IsAdministrator()
	chat.Apply(payload)
	if wasMember != chat.Status.IsMember() || wasAdministrator != chat.Status.IsAdministrator() {
		e.invalidateChatFull(chat.ID)
	}
	e.checkChatCounters(chat)
	e.notifier.Flush(chat)
}

// checkChatCounters compares the member list with the counter when both describe the same version.
func (e *Engine) checkChatCounters(chat *entities.Chat) {
	full, ok := e.store.ChatFulls.Get(chat.ID)
	if !ok || full.Version != chat.Version || full.Version == versioning.Unknown {
		return
	}
	if int32(len(full.Participants)) != chat.ParticipantCount {
		e.tracker.Repair(full.Key(), "participant_count_mismatch")
	}
}

func (e *Engine) applyChannel(payload *entities.Channel) {
	if payload == nil || !payload.ID.IsValid() {
		return
	}
	channel, _ := e.store.ChannelForUpdate(payload.ID)
	if !payload.IsMinAccessHash {
		channel.MarkReceivedFromServer()
	}
	oldStatus := channel.Status
	hadSlowMode := channel.Flags.HasSlowMode
	channel.Apply(payload)
	e.store.Channels.MarkPresent(channel.ID)
	if !oldStatus.Equal(channel.Status) {
		e.onOwnChannelStatusChanged(channel, oldStatus)
	}
	if hadSlowMode != channel.Flags.HasSlowMode {
		e.invalidateChannelFull(channel.ID, true)
	}
	e.armChannelTimers(channel)
	e.notifier.Flush(channel)
}

// onOwnChannelStatusChanged reacts to a change of the local user's membership in a channel. Rights
// shown in the full profile depend on it, so the profile is refetched on the next read.
func (e *Engine) onOwnChannelStatusChanged(channel *entities.Channel, oldStatus entities.MemberStatus) {
	e.logger.Debug("own channel status changed",
		zap.Int64("channel_id", channel.ID.Int64()),
		zap.Stringer("old_status", oldStatus.Type),
		zap.Stringer("new_status", channel.Status.Type))
	if oldStatus.IsMember() != channel.Status.IsMember() || oldStatus.IsAdministrator() != channel.Status.IsAdministrator() {
		e.invalidateChannelFull(channel.ID, false)
	}
	if !channel.Status.IsMember() {
		e.participants.Drop(channel.ID)
	}
	if e.myUserID.IsValid() {
		e.participants.UpdateStatus(channel.ID, e.myUserID, channel.Status)
	}
}

func (e *Engine) applySecretChat(payload *entities.SecretChat) {
	if payload == nil || !payload.ID.IsValid() {
		return
	}
	secretChat, ok := e.store.SecretChats.ForceLoad(payload.ID)
	if !ok {
		secretChat, _ = e.store.SecretChats.GetOrCreate(payload.ID)
	}
	secretChat.MarkReceivedFromServer()
	secretChat.Apply(payload)
	e.notifier.Flush(secretChat)
}

func (e *Engine) applyUserFull(id ids.UserID, result remote.UserFullResult) {
	e.applyPayload(result.Payload)
	if result.Full == nil {
		return
	}
	full, ok := e.store.UserFulls.Get(id)
	if !ok {
		full, _ = e.store.UserFulls.GetOrCreate(id)
	}
	full.MarkReceivedFromServer()
	full.Apply(result.Full)
	full.SetExpiresAt(e.clock().Add(e.ttl.user))
	e.notifier.Flush(full)
}

func (e *Engine) applyChatFull(id ids.ChatID, result remote.ChatFullResult) {
	e.applyPayload(result.Payload)
	if result.Full == nil {
		return
	}
	full, ok := e.store.ChatFulls.Get(id)
	if !ok {
		full, _ = e.store.ChatFulls.GetOrCreate(id)
	}
	if !full.CountersTrusted() {
		// a repair replaces the member list whatever version it carries
		full.Version = versioning.Unknown
	}
	full.MarkReceivedFromServer()
	full.Apply(result.Full)
	if !full.CountersTrusted() {
		full.TrustCounters()
		e.logger.Info("chat member list repaired",
			zap.Int64("chat_id", id.Int64()),
			zap.Int32("version", full.Version),
			zap.Int("participants", len(full.Participants)))
	}
	full.SetExpiresAt(e.clock().Add(e.ttl.chat))
	if chat, ok := e.store.Chats.Get(id); ok && full.Version != versioning.Unknown {
		if changed, _ := chat.ApplyParticipantCount(int32(len(full.Participants)), full.Version); changed {
			e.notifier.Flush(chat)
		}
	}
	e.notifier.Flush(full)
}

func (e *Engine) applyChannelFull(id ids.ChannelID, result remote.ChannelFullResult) {
	e.applyPayload(result.Payload)
	if result.Full == nil {
		return
	}
	full, ok := e.store.ChannelFulls.Get(id)
	if !ok {
		full, _ = e.store.ChannelFulls.GetOrCreate(id)
	}
	repaired := !full.CountersTrusted()
	speculativeCount := full.ParticipantCount
	full.MarkReceivedFromServer()
	full.Apply(result.Full)
	if repaired && speculativeCount != full.ParticipantCount {
		e.logger.Info("speculative channel counters corrected",
			zap.Int64("channel_id", id.Int64()),
			zap.Int32("speculative_count", speculativeCount),
			zap.Int32("server_count", full.ParticipantCount))
	}
	full.SetExpiresAt(e.clock().Add(e.ttl.channel))
	if channel, ok := e.store.Channel(id); ok {
		if channel.ApplyParticipantCount(full.ParticipantCount) {
			e.notifier.Flush(channel)
		}
	}
	e.armSlowModeTimer(full)
	e.notifier.Flush(full)
}
