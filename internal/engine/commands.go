package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/notify"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opGetUser          = "engine.get_user"
	opGetChat          = "engine.get_chat"
	opGetChannel       = "engine.get_channel"
	opGetSecretChat    = "engine.get_secret_chat"
	opGetUserFull      = "engine.get_user_full"
	opGetChatFull      = "engine.get_chat_full"
	opGetChannelFull   = "engine.get_channel_full"
	opIsFullExpired    = "engine.is_full_expired"
	opSetMemberStatus  = "engine.set_channel_member_status"
	opAddMembers       = "engine.add_channel_members"
	opJoinChannel      = "engine.join_channel"
	opLeaveChannel     = "engine.leave_channel"
	opEditChannelTitle = "engine.edit_channel_title"
	opEditChatTitle    = "engine.edit_chat_title"
	opInvalidate       = "engine.invalidate"
	opInvalidateKind   = "engine.invalidate_kind"
	opStats            = "engine.stats"
	opContactsState    = "engine.contacts_state"
)

var (
	errUnsupportedKind = fmt.Errorf("%w: kind cannot be invalidated", ErrInvalidArgument)
	errEmptyTitle      = fmt.Errorf("%w: title is empty", ErrInvalidArgument)
	errNoMembers       = fmt.Errorf("%w: no members to add", ErrInvalidArgument)
)

// Mode selects how a lightweight read treats the cache.
type Mode uint8

const (
	// ModeCacheOnly serves memory or storage and never contacts the remote service.
	ModeCacheOnly Mode = iota
	// ModeForceRefresh always refetches and returns the fetched value.
	ModeForceRefresh
	// ModeBackgroundRefresh returns the cached value at once and refetches it in the background when it
	// was never confirmed by the remote service. Without a cached value the fetch is awaited.
	ModeBackgroundRefresh
)

func (m Mode) String() string {
	switch m {
	case ModeForceRefresh:
		return "force_refresh"
	case ModeBackgroundRefresh:
		return "background_refresh"
	default:
		return "cache_only"
	}
}

// ParseMode resolves a mode from its name.
func ParseMode(name string) (Mode, bool) {
	for _, mode := range []Mode{ModeCacheOnly, ModeForceRefresh, ModeBackgroundRefresh} {
		if mode.String() == name {
			return mode, true
		}
	}
	return ModeCacheOnly, false
}

func failureReason(err error) string {
	if errors.Is(err, ErrNotCached) {
		return "not_cached"
	}
	return remote.Classify(err).String()
}

func (e *Engine) isKnownAbsent(key ids.Key) bool {
	switch key.Kind {
	case ids.KindUser:
		return e.store.Users.IsKnownAbsent(ids.UserID(key.ID))
	case ids.KindChat:
		return e.store.Chats.IsKnownAbsent(ids.ChatID(key.ID))
	case ids.KindChannel:
		return e.store.Channels.IsKnownAbsent(ids.ChannelID(key.ID))
	case ids.KindSecretChat:
		return e.store.SecretChats.IsKnownAbsent(ids.SecretChatID(key.ID))
	default:
		return false
	}
}

// loadCached reports whether key is in memory, reading storage off the worker when it is not.
func (e *Engine) loadCached(key ids.Key, done func(found bool)) {
	if _, ok := e.store.Lookup(key); ok {
		done(true)
		return
	}
	if e.isKnownAbsent(key) {
		done(false)
		return
	}
	e.adapter.Load(key, func(_ entities.Entity, found bool) {
		if !found {
			done(false)
			return
		}
		_, ok := e.store.Lookup(key)
		done(ok)
	})
}

// resolve brings the lightweight entity behind key into memory according to mode.
func (e *Engine) resolve(key ids.Key, mode Mode, finish func(error)) {
	if mode == ModeForceRefresh && key.Kind != ids.KindSecretChat {
		e.refresh(key, finish)
		return
	}
	e.loadCached(key, func(found bool) {
		switch {
		case found:
			if mode == ModeBackgroundRefresh && !e.confirmed(key) {
				e.refreshInBackground(key)
			}
			finish(nil)
		case mode == ModeCacheOnly || key.Kind == ids.KindSecretChat:
			finish(ErrNotCached)
		default:
			e.refresh(key, finish)
		}
	})
}

func (e *Engine) confirmed(key ids.Key) bool {
	entity, ok := e.store.Lookup(key)
	if !ok {
		return false
	}
	// secret chats are only ever pushed, never fetched
	return key.Kind == ids.KindSecretChat || entity.Bookkeeping().IsReceivedFromServer()
}

// getEntity resolves key on the worker and returns the snapshot taken by read.
func getEntity[S any](ctx context.Context, e *Engine, operation string, key ids.Key, mode Mode, read func() (S, bool)) (S, error) {
	var zero S
	if key.ID <= 0 {
		return zero, newServiceError(operation, "invalid_id", ids.ErrInvalidID)
	}
	return await(ctx, e, func(resolve func(S, error)) {
		e.resolve(key, mode, func(err error) {
			if err != nil {
				resolve(zero, newServiceError(operation, failureReason(err), err))
				return
			}
			snapshot, ok := read()
			if !ok {
				resolve(zero, newServiceError(operation, "not_found", remote.ErrNotFound))
				return
			}
			resolve(snapshot, nil)
		})
	})
}

// GetUser returns a snapshot of the user.
func (e *Engine) GetUser(ctx context.Context, id ids.UserID, mode Mode) (entities.User, error) {
	return getEntity(ctx, e, opGetUser, id.Key(), mode, func() (entities.User, bool) {
		user, ok := e.store.Users.Get(id)
		if !ok {
			return entities.User{}, false
		}
		return user.Snapshot(), true
	})
}

// GetChat returns a snapshot of the basic group.
func (e *Engine) GetChat(ctx context.Context, id ids.ChatID, mode Mode) (entities.Chat, error) {
	return getEntity(ctx, e, opGetChat, id.Key(), mode, func() (entities.Chat, bool) {
		chat, ok := e.store.Chats.Get(id)
		if !ok {
			return entities.Chat{}, false
		}
		return chat.Snapshot(), true
	})
}

// GetChannel returns a snapshot of the channel. A channel only known from a placeholder is fetched
// unless mode is ModeCacheOnly.
func (e *Engine) GetChannel(ctx context.Context, id ids.ChannelID, mode Mode) (entities.Channel, error) {
	return getEntity(ctx, e, opGetChannel, id.Key(), mode, func() (entities.Channel, bool) {
		channel, ok := e.store.Channel(id)
		if !ok {
			return entities.Channel{}, false
		}
		return channel.Snapshot(), true
	})
}

// GetSecretChat returns a snapshot of the secret chat. Secret chats cannot be fetched, so every mode
// reads the cache.
func (e *Engine) GetSecretChat(ctx context.Context, id ids.SecretChatID, mode Mode) (entities.SecretChat, error) {
	return getEntity(ctx, e, opGetSecretChat, id.Key(), mode, func() (entities.SecretChat, bool) {
		secretChat, ok := e.store.SecretChats.Get(id)
		if !ok {
			return entities.SecretChat{}, false
		}
		return secretChat.Snapshot(), true
	})
}

func getFullEntity[S any](ctx context.Context, e *Engine, operation string, key ids.Key, onlyLocal bool, cached func() bool, read func() (S, bool)) (S, error) {
	var zero S
	if key.ID <= 0 {
		return zero, newServiceError(operation, "invalid_id", ids.ErrInvalidID)
	}
	return await(ctx, e, func(resolve func(S, error)) {
		e.getFull(key, onlyLocal, cached, func(err error) {
			if err != nil {
				resolve(zero, newServiceError(operation, failureReason(err), err))
				return
			}
			snapshot, ok := read()
			if !ok {
				resolve(zero, newServiceError(operation, "not_found", remote.ErrNotFound))
				return
			}
			resolve(snapshot, nil)
		})
	})
}

// GetUserFull returns the extended profile of a user.
func (e *Engine) GetUserFull(ctx context.Context, id ids.UserID, onlyLocal bool) (entities.UserFull, error) {
	return getFullEntity(ctx, e, opGetUserFull, id.FullKey(), onlyLocal,
		func() bool {
			_, ok := e.store.ForceLoadUserFull(id)
			return ok
		},
		func() (entities.UserFull, bool) {
			full, ok := e.store.UserFulls.Get(id)
			if !ok {
				return entities.UserFull{}, false
			}
			return full.Snapshot(), true
		})
}

// GetChatFull returns the extended profile of a basic group.
func (e *Engine) GetChatFull(ctx context.Context, id ids.ChatID, onlyLocal bool) (entities.ChatFull, error) {
	return getFullEntity(ctx, e, opGetChatFull, id.FullKey(), onlyLocal,
		func() bool {
			_, ok := e.store.ForceLoadChatFull(id)
			return ok
		},
		func() (entities.ChatFull, bool) {
			full, ok := e.store.ChatFulls.Get(id)
			if !ok {
				return entities.ChatFull{}, false
			}
			return full.Snapshot(), true
		})
}

// GetChannelFull returns the extended profile of a channel.
func (e *Engine) GetChannelFull(ctx context.Context, id ids.ChannelID, onlyLocal bool) (entities.ChannelFull, error) {
	return getFullEntity(ctx, e, opGetChannelFull, id.FullKey(), onlyLocal,
		func() bool {
			_, ok := e.store.ForceLoadChannelFull(id)
			return ok
		},
		func() (entities.ChannelFull, bool) {
			full, ok := e.store.ChannelFulls.Get(id)
			if !ok {
				return entities.ChannelFull{}, false
			}
			return full.Snapshot(), true
		})
}

// IsFullExpired reports whether the full record behind key would be refetched on the next read.
func (e *Engine) IsFullExpired(ctx context.Context, key ids.Key) (bool, error) {
	if !key.Kind.IsFull() {
		return false, newServiceError(opIsFullExpired, "unsupported_kind", errUnsupportedKind)
	}
	return await(ctx, e, func(resolve func(bool, error)) {
		resolve(e.fullExpired(key), nil)
	})
}

// mutateChannel sends a channel mutation prepared on the worker. A not modified answer counts as
// success. On failure the speculative state is discarded by reloading the channel; forget names the
// members whose cached status is no longer trusted.
func (e *Engine) mutateChannel(operation string, channelID ids.ChannelID, forget []ids.UserID, send func(ctx context.Context) (remote.Payload, error), finish func(error)) {
	e.call(operation, uuid.New(), func(ctx context.Context) (func(), error) {
		payload, err := send(ctx)
		if remote.Classify(err) == remote.ClassNotModified {
			err = nil
		}
		return func() { e.applyPayload(payload) }, err
	}, func(err error) {
		if err == nil {
			finish(nil)
			return
		}
		var userID ids.UserID
		if len(forget) == 1 {
			userID = forget[0]
		} else {
			for _, member := range forget {
				e.participants.Forget(channelID, member)
			}
		}
		e.reconcileChannel(channelID, userID, err)
		finish(newServiceError(operation, failureReason(err), err))
	})
}

// channelForCommand returns the cached channel a command acts on.
func (e *Engine) channelForCommand(operation string, id ids.ChannelID) (*entities.Channel, error) {
	if !id.IsValid() {
		return nil, newServiceError(operation, "invalid_channel", ids.ErrInvalidID)
	}
	channel, ok := e.store.ForceLoadChannel(id)
	if !ok {
		return nil, newServiceError(operation, "not_cached", ErrNotCached)
	}
	return channel, nil
}

// currentMemberStatus returns the cached status of a member. The local user's status lives on the
// channel itself.
func (e *Engine) currentMemberStatus(channel *entities.Channel, userID ids.UserID) (entities.MemberStatus, bool) {
	if e.isMe(userID) {
		return channel.Status, true
	}
	participant, ok := e.participants.Lookup(channel.ID, userID)
	if !ok {
		return entities.MemberStatus{}, false
	}
	return participant.Status, true
}

// SetChannelMemberStatus promotes, restricts, bans or unbans a member. The change is visible in the
// cache before the remote service confirms it. When the current status of the member is unknown the
// counters are not touched and the full profile is refetched instead.
func (e *Engine) SetChannelMemberStatus(ctx context.Context, channelID ids.ChannelID, userID ids.UserID, status entities.MemberStatus) error {
	if !userID.IsValid() {
		return newServiceError(opSetMemberStatus, "invalid_user", ids.ErrInvalidID)
	}
	return e.perform(ctx, func(finish func(error)) {
		channel, err := e.channelForCommand(opSetMemberStatus, channelID)
		if err != nil {
			finish(err)
			return
		}
		if oldStatus, known := e.currentMemberStatus(channel, userID); known {
			e.speculateTransition(channelID, StatusTransition{UserID: userID, Old: oldStatus, New: status})
		} else {
			e.logger.Debug("member status unknown, speculation skipped",
				zap.Int64("channel_id", channelID.Int64()), zap.Int64("user_id", userID.Int64()))
			e.invalidateChannelFull(channelID, false)
		}
		channelRef, userRef := e.channelRef(channelID), e.userRef(userID)
		e.mutateChannel(opSetMemberStatus, channelID, []ids.UserID{userID}, func(ctx context.Context) (remote.Payload, error) {
			return e.remote.EditChannelMemberStatus(ctx, channelRef, userRef, status)
		}, finish)
	})
}

// AddChannelMembers invites users to a channel.
func (e *Engine) AddChannelMembers(ctx context.Context, channelID ids.ChannelID, userIDs []ids.UserID) error {
	members := make([]ids.UserID, 0, len(userIDs))
	for _, userID := range userIDs {
		if userID.IsValid() {
			members = append(members, userID)
		}
	}
	if len(members) == 0 {
		return newServiceError(opAddMembers, "no_members", errNoMembers)
	}
	return e.perform(ctx, func(finish func(error)) {
		if _, err := e.channelForCommand(opAddMembers, channelID); err != nil {
			finish(err)
			return
		}
		e.speculativeApply(channelID, MembershipDelta{
			Added:         members,
			InviterUserID: e.myUserID,
			Date:          e.now32(),
		}, true)
		channelRef := e.channelRef(channelID)
		userRefs := make([]remote.UserRef, 0, len(members))
		for _, member := range members {
			userRefs = append(userRefs, e.userRef(member))
		}
		e.mutateChannel(opAddMembers, channelID, members, func(ctx context.Context) (remote.Payload, error) {
			return e.remote.InviteToChannel(ctx, channelRef, userRefs)
		}, finish)
	})
}

// JoinChannel makes the local user a member of the channel.
func (e *Engine) JoinChannel(ctx context.Context, channelID ids.ChannelID) error {
	return e.changeOwnMembership(ctx, opJoinChannel, channelID, entities.Member(), e.remote.JoinChannel)
}

// LeaveChannel removes the local user from the channel.
func (e *Engine) LeaveChannel(ctx context.Context, channelID ids.ChannelID) error {
	return e.changeOwnMembership(ctx, opLeaveChannel, channelID, entities.Left(), e.remote.LeaveChannel)
}

func (e *Engine) changeOwnMembership(ctx context.Context, operation string, channelID ids.ChannelID, status entities.MemberStatus, send func(context.Context, remote.ChannelRef) (remote.Payload, error)) error {
	return e.perform(ctx, func(finish func(error)) {
		channel, err := e.channelForCommand(operation, channelID)
		if err != nil {
			finish(err)
			return
		}
		if e.myUserID.IsValid() {
			e.speculateTransition(channelID, StatusTransition{UserID: e.myUserID, Old: channel.Status, New: status})
		}
		channelRef := e.channelRef(channelID)
		e.mutateChannel(operation, channelID, []ids.UserID{e.myUserID}, func(ctx context.Context) (remote.Payload, error) {
			return send(ctx, channelRef)
		}, finish)
	})
}

// EditChannelTitle renames a channel. The cache changes once the remote service answers.
func (e *Engine) EditChannelTitle(ctx context.Context, channelID ids.ChannelID, title string) error {
	if title == "" {
		return newServiceError(opEditChannelTitle, "empty_title", errEmptyTitle)
	}
	return e.perform(ctx, func(finish func(error)) {
		if _, err := e.channelForCommand(opEditChannelTitle, channelID); err != nil {
			finish(err)
			return
		}
		channelRef := e.channelRef(channelID)
		e.call(opEditChannelTitle, uuid.New(), func(ctx context.Context) (func(), error) {
			payload, err := e.remote.EditChannelTitle(ctx, channelRef, title)
			if remote.Classify(err) == remote.ClassNotModified {
				err = nil
			}
			return func() { e.applyPayload(payload) }, err
		}, func(err error) {
			if err != nil {
				e.onChannelError(channelID, err)
				finish(newServiceError(opEditChannelTitle, failureReason(err), err))
				return
			}
			finish(nil)
		})
	})
}

// EditChatTitle renames a basic group.
func (e *Engine) EditChatTitle(ctx context.Context, chatID ids.ChatID, title string) error {
	if !chatID.IsValid() {
		return newServiceError(opEditChatTitle, "invalid_chat", ids.ErrInvalidID)
	}
	if title == "" {
		return newServiceError(opEditChatTitle, "empty_title", errEmptyTitle)
	}
	return e.perform(ctx, func(finish func(error)) {
		e.call(opEditChatTitle, uuid.New(), func(ctx context.Context) (func(), error) {
			payload, err := e.remote.EditChatTitle(ctx, chatID, title)
			if remote.Classify(err) == remote.ClassNotModified {
				err = nil
			}
			return func() { e.applyPayload(payload) }, err
		}, func(err error) {
			if err != nil {
				if remote.Classify(err) == remote.ClassNotFound {
					e.forget(chatID.Key())
				}
				finish(newServiceError(opEditChatTitle, failureReason(err), err))
				return
			}
			finish(nil)
		})
	})
}

// InvalidateChannelFull forces the next read of the channel profile to refetch it.
func (e *Engine) InvalidateChannelFull(ctx context.Context, id ids.ChannelID, dropDerived bool) error {
	if !id.IsValid() {
		return newServiceError(opInvalidate, "invalid_channel", ids.ErrInvalidID)
	}
	return e.perform(ctx, func(finish func(error)) {
		e.invalidateChannelFull(id, dropDerived)
		finish(nil)
	})
}

// InvalidateUserFull forces the next read of the user profile to refetch it.
func (e *Engine) InvalidateUserFull(ctx context.Context, id ids.UserID) error {
	if !id.IsValid() {
		return newServiceError(opInvalidate, "invalid_user", ids.ErrInvalidID)
	}
	return e.perform(ctx, func(finish func(error)) {
		e.invalidateUserFull(id)
		finish(nil)
	})
}

// InvalidateChatFull forces the next read of the group profile to refetch it.
func (e *Engine) InvalidateChatFull(ctx context.Context, id ids.ChatID) error {
	if !id.IsValid() {
		return newServiceError(opInvalidate, "invalid_chat", ids.ErrInvalidID)
	}
	return e.perform(ctx, func(finish func(error)) {
		e.invalidateChatFull(id)
		finish(nil)
	})
}

// InvalidateKind forgets every full profile of kind in memory and in storage and returns how many
// were held in memory. Lightweight kinds carry state that cannot be refetched on demand and are refused.
func (e *Engine) InvalidateKind(ctx context.Context, kind ids.Kind) (int, error) {
	if !kind.IsFull() {
		return 0, newServiceError(opInvalidateKind, "unsupported_kind", errUnsupportedKind)
	}
	dropped, err := await(ctx, e, func(resolve func(int, error)) {
		resolve(e.dropFullRecords(kind), nil)
	})
	if err != nil {
		return 0, err
	}
	if err := e.adapter.EraseKind(ctx, kind); err != nil {
		return dropped, newServiceError(opInvalidateKind, "erase_failed", err)
	}
	e.logger.Info("full profiles invalidated", zap.Stringer("kind", kind), zap.Int("in_memory", dropped))
	return dropped, nil
}

// KindStats counts the records of one kind.
type KindStats struct {
	InMemory  int `json:"in_memory"`
	Persisted int `json:"persisted"`
}

// Stats describes the state of the caches.
type Stats struct {
	Kinds         map[ids.Kind]KindStats `json:"kinds"`
	PendingTimers int                    `json:"pending_timers"`
	EventsEmitted uint64                 `json:"events_emitted"`
	Subscribers   int                    `json:"subscribers"`
}

// Stats counts cached records. Persisted counts are read from storage after the in-memory counts.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	stats, err := await(ctx, e, func(resolve func(Stats, error)) {
		resolve(Stats{
			Kinds: map[ids.Kind]KindStats{
				ids.KindUser:        {InMemory: e.store.Users.Len()},
				ids.KindUserFull:    {InMemory: e.store.UserFulls.Len()},
				ids.KindChat:        {InMemory: e.store.Chats.Len()},
				ids.KindChatFull:    {InMemory: e.store.ChatFulls.Len()},
				ids.KindChannel:     {InMemory: e.store.Channels.Len()},
				ids.KindChannelFull: {InMemory: e.store.ChannelFulls.Len()},
				ids.KindSecretChat:  {InMemory: e.store.SecretChats.Len()},
			},
			PendingTimers: e.timers.Len(),
			EventsEmitted: e.notifier.Emitted(),
		}, nil)
	})
	if err != nil {
		return Stats{}, err
	}
	for kind, counts := range stats.Kinds {
		persisted, err := e.adapter.CountKind(ctx, kind)
		if err != nil {
			return Stats{}, newServiceError(opStats, "count_failed", err)
		}
		counts.Persisted = persisted
		stats.Kinds[kind] = counts
	}
	stats.Subscribers = e.bus.SubscriberCount()
	return stats, nil
}

// ContactsState is the progress of the contact list synchronization.
type ContactsState struct {
	SyncDate   int32 `json:"sync_date"`
	SavedCount int32 `json:"saved_count"`
}

func (e *Engine) loadContactsState(ctx context.Context) {
	var state ContactsState
	found, err := e.adapter.LoadState(ctx, ids.KindUser, &state)
	if err != nil {
		e.logError(opContactsState, "load_failed", err)
		return
	}
	if found {
		e.contacts = state
	}
}

// ContactsState returns the stored contact synchronization progress.
func (e *Engine) ContactsState(ctx context.Context) (ContactsState, error) {
	return await(ctx, e, func(resolve func(ContactsState, error)) {
		resolve(e.contacts, nil)
	})
}

// SetContactsState records contact synchronization progress and persists it.
func (e *Engine) SetContactsState(ctx context.Context, state ContactsState) error {
	return e.perform(ctx, func(finish func(error)) {
		if e.contacts != state {
			e.contacts = state
			e.adapter.SaveState(ids.KindUser, state)
		}
		finish(nil)
	})
}

// Subscribe streams change events of kinds, or of every kind when none is given, until ctx ends or
// cancel is called. A subscriber that falls behind loses events.
func (e *Engine) Subscribe(ctx context.Context, kinds ...ids.Kind) (<-chan notify.Event, func()) {
	return e.bus.Subscribe(ctx, kinds...)
}
