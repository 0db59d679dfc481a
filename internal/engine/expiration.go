package engine

import (
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"go.uber.org/zap"
)

const opGetFull = "engine.get_full"

// fullExpired reports whether the in-memory full record of key must be refetched. Records restored
// from storage carry no expiry and are always expired.
func (e *Engine) fullExpired(key ids.Key) bool {
	entity, ok := e.store.Lookup(key)
	if !ok {
		return true
	}
	return entity.Bookkeeping().IsExpired(e.clock())
}

// getFull serves a full profile: a cached copy is returned at once and refetched in the background
// when expired; without a cached copy the fetch is awaited unless onlyLocal is set.
func (e *Engine) getFull(key ids.Key, onlyLocal bool, cached func() bool, finish func(error)) {
	if cached() {
		if !onlyLocal && e.fullExpired(key) {
			e.refresh(key, e.logCompletion(opGetFull, key))
		}
		finish(nil)
		return
	}
	if onlyLocal {
		finish(ErrNotCached)
		return
	}
	e.refresh(key, finish)
}

// invalidateChannelFull forces the next read of the channel profile to refetch it. dropDerived also
// clears the slow mode state derived from it. A profile that is not in memory is erased from storage.
func (e *Engine) invalidateChannelFull(id ids.ChannelID, dropDerived bool) {
	full, ok := e.store.ChannelFulls.Get(id)
	if !ok {
		e.eraseUnloadedFull(id.FullKey(), e.store.ChannelFulls.IsKnownAbsent(id))
		return
	}
	full.SetExpiresAt(time.Time{})
	if dropDerived && full.ApplySlowMode(0, 0) {
		e.groups.slowMode.Cancel(full.Key())
	}
	e.logger.Debug("channel full invalidated", zap.Int64("channel_id", id.Int64()), zap.Bool("drop_derived", dropDerived))
	e.notifier.Flush(full)
}

func (e *Engine) invalidateUserFull(id ids.UserID) {
	full, ok := e.store.UserFulls.Get(id)
	if !ok {
		e.eraseUnloadedFull(id.FullKey(), e.store.UserFulls.IsKnownAbsent(id))
		return
	}
	full.SetExpiresAt(time.Time{})
}

func (e *Engine) invalidateChatFull(id ids.ChatID) {
	full, ok := e.store.ChatFulls.Get(id)
	if !ok {
		e.eraseUnloadedFull(id.FullKey(), e.store.ChatFulls.IsKnownAbsent(id))
		return
	}
	full.SetExpiresAt(time.Time{})
}

func (e *Engine) eraseUnloadedFull(key ids.Key, knownAbsent bool) {
	if knownAbsent || e.adapter.IsLoading(key) {
		return
	}
	e.adapter.Erase(key)
}

// dropFullRecords forgets every in-memory full record of kind.
func (e *Engine) dropFullRecords(kind ids.Kind) int {
	var keys []ids.Key
	collect := func(entity entities.Entity) bool {
		keys = append(keys, entity.Key())
		return true
	}
	switch kind {
	case ids.KindUserFull:
		e.store.UserFulls.Range(func(_ ids.UserID, full *entities.UserFull) bool { return collect(full) })
	case ids.KindChatFull:
		e.store.ChatFulls.Range(func(_ ids.ChatID, full *entities.ChatFull) bool { return collect(full) })
	case ids.KindChannelFull:
		e.store.ChannelFulls.Range(func(_ ids.ChannelID, full *entities.ChannelFull) bool { return collect(full) })
	}
	for _, key := range keys {
		e.store.DropFull(key)
		if key.Kind == ids.KindChannelFull {
			e.groups.slowMode.Cancel(key)
		}
	}
	return len(keys)
}
