package engine

import (
	"context"

	"github.com/MarcoPoloResearchLab/entitysync/internal/fetch"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opFetchUsers        = "engine.fetch_users"
	opFetchChats        = "engine.fetch_chats"
	opFetchChannels     = "engine.fetch_channels"
	opFetchUserFull     = "engine.fetch_user_full"
	opFetchChatFull     = "engine.fetch_chat_full"
	opFetchChannelFull  = "engine.fetch_channel_full"
	opBackgroundRefresh = "engine.background_refresh"
)

func (e *Engine) newMergers(cfg Config) {
	concurrency := cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = fetch.DefaultConcurrency
	}
	userBatch := cfg.UserBatchSize
	if userBatch <= 0 {
		userBatch = fetch.DefaultBatchSize
	}
	chatBatch := cfg.ChatBatchSize
	if chatBatch <= 0 {
		chatBatch = fetch.DefaultBatchSize
	}
	logger := e.logger.Named("fetch")
	e.users = fetch.NewMerger(fetch.Config[ids.UserID]{
		Name: "users", MaxBatch: userBatch, MaxConcurrent: concurrency, Send: e.sendUsers, Split: isNotFound, Logger: logger,
	})
	e.chats = fetch.NewMerger(fetch.Config[ids.ChatID]{
		Name: "chats", MaxBatch: chatBatch, MaxConcurrent: concurrency, Send: e.sendChats, Split: isNotFound, Logger: logger,
	})
	e.channels = fetch.NewMerger(fetch.Config[ids.ChannelID]{
		Name: "channels", MaxBatch: 1, MaxConcurrent: concurrency, Send: e.sendChannels, Logger: logger,
	})
	e.userFulls = fetch.NewMerger(fetch.Config[ids.UserID]{
		Name: "user_fulls", MaxBatch: 1, MaxConcurrent: concurrency, Send: e.sendUserFull, Logger: logger,
	})
	e.chatFulls = fetch.NewMerger(fetch.Config[ids.ChatID]{
		Name: "chat_fulls", MaxBatch: 1, MaxConcurrent: concurrency, Send: e.sendChatFull, Logger: logger,
	})
	e.channelFulls = fetch.NewMerger(fetch.Config[ids.ChannelID]{
		Name: "channel_fulls", MaxBatch: 1, MaxConcurrent: concurrency, Send: e.sendChannelFull, Logger: logger,
	})
}

// isNotFound reports whether err names an unknown object. For a batch the server does not say which.
func isNotFound(err error) bool {
	return remote.Classify(err) == remote.ClassNotFound
}

// call runs fn on a background goroutine. On success the returned apply runs on the worker before done.
func (e *Engine) call(operation string, callID uuid.UUID, fn func(ctx context.Context) (func(), error), done func(error)) {
	go func() {
		apply, err := fn(e.ctx)
		e.post(func() {
			if err != nil {
				e.logger.Debug("remote call failed",
					zap.String("operation", operation),
					zap.Stringer("call_id", callID),
					zap.Stringer("class", remote.Classify(err)),
					zap.Error(err))
			} else if apply != nil {
				apply()
			}
			done(err)
		})
	}()
}

func (e *Engine) userRef(id ids.UserID) remote.UserRef {
	if user, ok := e.store.Users.Get(id); ok {
		return remote.UserRef{ID: id, AccessHash: user.AccessHash}
	}
	return remote.UserRef{ID: id}
}

func (e *Engine) channelRef(id ids.ChannelID) remote.ChannelRef {
	if channel, ok := e.store.Channel(id); ok {
		return remote.ChannelRef{ID: id, AccessHash: channel.AccessHash}
	}
	return remote.ChannelRef{ID: id}
}

func (e *Engine) sendUsers(callID uuid.UUID, batch []ids.UserID, done func(error)) {
	refs := make([]remote.UserRef, 0, len(batch))
	for _, id := range batch {
		refs = append(refs, e.userRef(id))
	}
	e.call(opFetchUsers, callID, func(ctx context.Context) (func(), error) {
		payload, err := e.remote.GetUsers(ctx, refs)
		return func() { e.applyPayload(payload) }, err
	}, func(err error) {
		if len(batch) == 1 && isNotFound(err) {
			e.forget(batch[0].Key())
		}
		done(err)
	})
}

func (e *Engine) sendChats(callID uuid.UUID, batch []ids.ChatID, done func(error)) {
	requested := append([]ids.ChatID(nil), batch...)
	e.call(opFetchChats, callID, func(ctx context.Context) (func(), error) {
		payload, err := e.remote.GetChats(ctx, requested)
		return func() { e.applyPayload(payload) }, err
	}, func(err error) {
		if len(batch) == 1 && isNotFound(err) {
			e.forget(batch[0].Key())
		}
		done(err)
	})
}

func (e *Engine) sendChannels(callID uuid.UUID, batch []ids.ChannelID, done func(error)) {
	id := batch[0]
	ref := e.channelRef(id)
	e.call(opFetchChannels, callID, func(ctx context.Context) (func(), error) {
		payload, err := e.remote.GetChannels(ctx, []remote.ChannelRef{ref})
		return func() { e.applyPayload(payload) }, err
	}, func(err error) {
		e.onChannelError(id, err)
		done(err)
	})
}

func (e *Engine) sendUserFull(callID uuid.UUID, batch []ids.UserID, done func(error)) {
	id := batch[0]
	ref := e.userRef(id)
	e.call(opFetchUserFull, callID, func(ctx context.Context) (func(), error) {
		result, err := e.remote.GetUserFull(ctx, ref)
		return func() { e.applyUserFull(id, result) }, err
	}, func(err error) {
		if remote.Classify(err) == remote.ClassNotFound {
			e.forget(id.Key())
		}
		done(err)
	})
}

func (e *Engine) sendChatFull(callID uuid.UUID, batch []ids.ChatID, done func(error)) {
	id := batch[0]
	e.call(opFetchChatFull, callID, func(ctx context.Context) (func(), error) {
		result, err := e.remote.GetChatFull(ctx, id)
		return func() { e.applyChatFull(id, result) }, err
	}, func(err error) {
		if remote.Classify(err) == remote.ClassNotFound {
			e.forget(id.Key())
		}
		done(err)
	})
}

func (e *Engine) sendChannelFull(callID uuid.UUID, batch []ids.ChannelID, done func(error)) {
	id := batch[0]
	ref := e.channelRef(id)
	e.call(opFetchChannelFull, callID, func(ctx context.Context) (func(), error) {
		result, err := e.remote.GetChannelFull(ctx, ref)
		return func() { e.applyChannelFull(id, result) }, err
	}, func(err error) {
		e.onChannelError(id, err)
		done(err)
	})
}

// refresh fetches the entity behind key from the remote service. Secret chats cannot be fetched.
func (e *Engine) refresh(key ids.Key, done fetch.Completion) {
	switch key.Kind {
	case ids.KindUser:
		e.users.Request(ids.UserID(key.ID), done)
	case ids.KindUserFull:
		e.userFulls.Request(ids.UserID(key.ID), done)
	case ids.KindChat:
		e.chats.Request(ids.ChatID(key.ID), done)
	case ids.KindChatFull:
		e.chatFulls.Request(ids.ChatID(key.ID), done)
	case ids.KindChannel:
		e.channels.Request(ids.ChannelID(key.ID), done)
	case ids.KindChannelFull:
		e.channelFulls.Request(ids.ChannelID(key.ID), done)
	default:
		done(ErrNotCached)
	}
}

// refreshInBackground refetches key; the caller already holds a value, so failures are only logged.
func (e *Engine) refreshInBackground(key ids.Key) {
	e.refresh(key, e.logCompletion(opBackgroundRefresh, key))
}

// forget records that the remote service does not know the entity and erases its persisted copy.
// A record the service delivered in this session is kept.
func (e *Engine) forget(key ids.Key) {
	if entity, ok := e.store.Lookup(key); ok && entity.Bookkeeping().IsReceivedFromServer() {
		e.logger.Warn("not-found response for an entity received from the remote service ignored", keyFields(key)...)
		return
	}
	e.store.MarkAbsent(key)
	e.adapter.Erase(key)
	if key.Kind.Full() != ids.KindUnknown {
		e.adapter.Erase(key.Full())
	}
	e.logger.Info("entity unknown to the remote service", keyFields(key)...)
}
