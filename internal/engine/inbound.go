package engine

import (
	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/MarcoPoloResearchLab/entitysync/internal/versioning"
	"go.uber.org/zap"
)

const opDeliver = "engine.deliver"

func (e *Engine) apply(update Update) {
	switch typed := update.(type) {
	case UsersReceived:
		for _, user := range typed.Users {
			e.applyUser(user)
		}
	case ChatsReceived:
		e.applyPayload(remote.Payload{Chats: typed.Chats, Channels: typed.Channels, MinChannels: typed.MinChannels})
	case SecretChatReceived:
		e.applySecretChat(typed.SecretChat)
	case UserStatusChanged:
		e.onUserStatus(typed)
	case UserNameChanged:
		e.withUser(typed.UserID, func(user *entities.User) bool {
			changed := user.ApplyName(typed.FirstName, typed.LastName)
			return user.ApplyUsernames(typed.Usernames) || changed
		})
	case UserPhotoChanged:
		e.withUser(typed.UserID, func(user *entities.User) bool {
			return user.ApplyPhoto(typed.Photo)
		})
	case ChatParticipantAdded:
		e.onChatParticipantAdded(typed)
	case ChatParticipantDeleted:
		e.onChatParticipantDeleted(typed)
	case ChatParticipantAdmin:
		e.onChatParticipantAdmin(typed)
	case ChatDefaultPermissions:
		e.onChatDefaultPermissions(typed)
	case ChannelParticipantCount:
		e.onChannelParticipantCount(typed)
	case ChannelMembersAdded:
		if !typed.ChannelID.IsValid() {
			return
		}
		e.speculativeApply(typed.ChannelID, MembershipDelta{
			Added:         typed.UserIDs,
			InviterUserID: typed.InviterUserID,
			Date:          typed.Date,
		}, e.isMe(typed.InviterUserID))
	case ChannelMemberDeleted:
		if !typed.ChannelID.IsValid() {
			return
		}
		e.speculativeApply(typed.ChannelID, MembershipDelta{Removed: typed.UserID}, e.isMe(typed.ActorUserID))
	case ChannelParticipantChanged:
		e.onChannelParticipantChanged(typed)
	case ChannelSlowModeDelay:
		e.onChannelSlowMode(typed)
	case ChannelInvalidated:
		if !typed.ChannelID.IsValid() {
			return
		}
		e.invalidateChannelFull(typed.ChannelID, false)
		e.refreshInBackground(typed.ChannelID.Key())
	case RequestFailed:
		e.onRequestFailed(typed)
	default:
		e.logError(opDeliver, "unknown_update", nil, zap.String("update", "unrecognized"))
	}
}

func (e *Engine) isMe(userID ids.UserID) bool {
	return userID.IsValid() && userID == e.myUserID
}

// withUser applies mutate to a known user and flushes it. Updates about unknown users are dropped;
// the next payload carrying the user brings the current state.
func (e *Engine) withUser(id ids.UserID, mutate func(user *entities.User) bool) {
	user, ok := e.store.Users.ForceLoad(id)
	if !ok {
		e.logger.Debug("update for unknown user dropped", zap.Int64("user_id", id.Int64()))
		return
	}
	if mutate(user) {
		e.notifier.Flush(user)
	}
}

func (e *Engine) onUserStatus(update UserStatusChanged) {
	e.withUser(update.UserID, func(user *entities.User) bool {
		changed := user.ApplyStatus(update.WasOnline)
		e.armUserTimers(user)
		return changed
	})
}

// chatFullForUpdate returns the member list of a group the local user belongs to. Updates about a
// group that is unknown or left cannot be applied and trigger a repair instead.
func (e *Engine) chatFullForUpdate(chatID ids.ChatID, source string) (*entities.Chat, *entities.ChatFull, bool) {
	chat, ok := e.store.Chats.ForceLoad(chatID)
	if !ok || !chat.Status.IsMember() {
		e.tracker.Repair(chatID.Key(), source+"_unknown_chat")
		return nil, nil, false
	}
	full, ok := e.store.ForceLoadChatFull(chatID)
	if !ok {
		return chat, nil, false
	}
	return chat, full, true
}

// observeChatVersion admits a member list delta only for the next version. Redelivery of the current
// version is ignored and a gap schedules a repair.
func (e *Engine) observeChatVersion(full *entities.ChatFull, version int32, source string) bool {
	previous := full.Version
	slot := full.VersionSlot()
	if e.tracker.Observe(full.Key(), &slot, version, source) != versioning.Accept {
		return false
	}
	return slot.Advanced(previous)
}

func (e *Engine) onChatParticipantAdded(update ChatParticipantAdded) {
	chat, full, ok := e.chatFullForUpdate(update.ChatID, "chat_participant_add")
	if !ok {
		return
	}
	advanced := e.observeChatVersion(full, update.Version, "chat_participant_add")
	if !advanced {
		return
	}
	participant := entities.Participant{
		UserID:        update.UserID,
		InviterUserID: update.InviterUserID,
		JoinedDate:    update.Date,
		Status:        entities.Member(),
	}
	if !full.AddParticipant(participant, update.Version) {
		e.tracker.Repair(full.Key(), "participant_already_present")
		return
	}
	e.syncChatCount(chat, full)
	e.notifier.Flush(full)
}

func (e *Engine) onChatParticipantDeleted(update ChatParticipantDeleted) {
	chat, full, ok := e.chatFullForUpdate(update.ChatID, "chat_participant_delete")
	if !ok {
		return
	}
	advanced := e.observeChatVersion(full, update.Version, "chat_participant_delete")
	if !advanced {
		return
	}
	if !full.RemoveParticipant(update.UserID, update.Version) {
		e.tracker.Repair(full.Key(), "participant_missing")
		return
	}
	e.syncChatCount(chat, full)
	e.notifier.Flush(full)
}

func (e *Engine) onChatParticipantAdmin(update ChatParticipantAdmin) {
	_, full, ok := e.chatFullForUpdate(update.ChatID, "chat_participant_admin")
	if !ok {
		return
	}
	advanced := e.observeChatVersion(full, update.Version, "chat_participant_admin")
	if !advanced {
		return
	}
	if !full.SetParticipantAdmin(update.UserID, update.IsAdmin, update.Version) {
		e.tracker.Repair(full.Key(), "participant_missing")
		return
	}
	if e.isMe(update.UserID) {
		full.SetExpiresAt(e.clock())
	}
	e.notifier.Flush(full)
}

func (e *Engine) syncChatCount(chat *entities.Chat, full *entities.ChatFull) {
	if changed, _ := chat.ApplyParticipantCount(int32(len(full.Participants)), full.Version); changed {
		e.notifier.Flush(chat)
	}
}

func (e *Engine) onChatDefaultPermissions(update ChatDefaultPermissions) {
	chat, ok := e.store.Chats.ForceLoad(update.ChatID)
	if !ok {
		e.tracker.Repair(update.ChatID.Key(), "default_permissions_unknown_chat")
		return
	}
	changed, verdict := chat.ApplyDefaultPermissions(update.Permissions, update.Version)
	if verdict == versioning.Stale {
		e.logger.Debug("stale default permissions ignored",
			zap.Int64("chat_id", update.ChatID.Int64()),
			zap.Int32("version", update.Version),
			zap.Int32("current_version", chat.DefaultPermissionsVersion))
	}
	if changed {
		e.notifier.Flush(chat)
	}
}

func (e *Engine) onChannelParticipantCount(update ChannelParticipantCount) {
	if channel, ok := e.store.ForceLoadChannel(update.ChannelID); ok && channel.ApplyParticipantCount(update.Count) {
		e.notifier.Flush(channel)
	}
	full, ok := e.store.ChannelFulls.Get(update.ChannelID)
	if !ok {
		return
	}
	if full.ApplyCounts(update.Count, full.AdministratorCount, full.RestrictedCount, full.BannedCount) {
		e.notifier.Flush(full)
	}
}

func (e *Engine) onChannelParticipantChanged(update ChannelParticipantChanged) {
	if !update.ChannelID.IsValid() || !update.UserID.IsValid() {
		return
	}
	if e.isMe(update.UserID) {
		channel, ok := e.store.ForceLoadChannel(update.ChannelID)
		if !ok {
			e.refreshInBackground(update.ChannelID.Key())
			return
		}
		oldStatus := channel.Status
		if channel.ApplyStatus(update.New) {
			e.onOwnChannelStatusChanged(channel, oldStatus)
			e.armChannelTimers(channel)
			e.notifier.Flush(channel)
		}
		return
	}
	if e.isMe(update.ActorUserID) {
		// the command that caused it already speculated
		e.participants.Remember(update.ChannelID, entities.Participant{UserID: update.UserID, JoinedDate: update.Date, Status: update.New})
		return
	}
	e.speculateTransition(update.ChannelID, StatusTransition{UserID: update.UserID, Old: update.Old, New: update.New})
}

func (e *Engine) onChannelSlowMode(update ChannelSlowModeDelay) {
	if channel, ok := e.store.ForceLoadChannel(update.ChannelID); ok {
		flags := channel.Flags
		flags.HasSlowMode = update.Delay > 0
		if channel.ApplyFlags(flags) {
			e.notifier.Flush(channel)
		}
	}
	full, ok := e.store.ForceLoadChannelFull(update.ChannelID)
	if !ok {
		return
	}
	if full.ApplySlowMode(update.Delay, update.NextSendDate) {
		e.armSlowModeTimer(full)
		e.notifier.Flush(full)
	}
}

// onRequestFailed handles an error response another subsystem received about a cached entity.
func (e *Engine) onRequestFailed(update RequestFailed) {
	class := remote.Classify(update.Err)
	e.logger.Debug("request failure reported",
		append(keyFields(update.Key),
			zap.String("operation", update.Operation),
			zap.Stringer("class", class),
			zap.Error(update.Err))...)
	switch {
	case update.Key.Kind.Lightweight() == ids.KindChannel && class == remote.ClassAccessDenied:
		e.onChannelAccessLost(ids.ChannelID(update.Key.ID), update.Err)
	case class == remote.ClassNotFound:
		e.forget(update.Key.Lightweight())
	}
}
