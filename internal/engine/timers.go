package engine

import (
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
)

func unixTime(seconds int32) time.Time {
	return time.Unix(int64(seconds), 0)
}

func (e *Engine) now32() int32 {
	return int32(e.clock().Unix())
}

// armTimers schedules every expiry the entity carries.
func (e *Engine) armTimers(entity entities.Entity) {
	switch typed := entity.(type) {
	case *entities.User:
		e.armUserTimers(typed)
	case *entities.Channel:
		e.armChannelTimers(typed)
	case *entities.ChannelFull:
		e.armSlowModeTimer(typed)
	}
}

func (e *Engine) armUserTimers(user *entities.User) {
	key := user.Key()
	now := e.now32()
	if user.IsOnline(now) {
		e.groups.online.Set(key, unixTime(user.WasOnline))
	} else {
		e.groups.online.Cancel(key)
	}
	if until := user.EmojiStatus.Until; !user.EmojiStatus.IsEmpty() && until > 0 {
		e.groups.emojiStatus.Set(key, unixTime(until))
	} else {
		e.groups.emojiStatus.Cancel(key)
	}
}

func (e *Engine) armChannelTimers(channel *entities.Channel) {
	key := channel.Key()
	if until := channel.Status.ExpiresAt(); until > 0 {
		e.groups.channelStatus.Set(key, unixTime(until))
	} else {
		e.groups.channelStatus.Cancel(key)
	}
}

func (e *Engine) armSlowModeTimer(full *entities.ChannelFull) {
	key := full.Key()
	if next := full.SlowModeNextSendDate; next > 0 {
		e.groups.slowMode.Set(key, unixTime(next))
	} else {
		e.groups.slowMode.Cancel(key)
	}
}

// expireOnline re-announces a user whose online period ended. The status itself is unchanged, so
// nothing is saved.
func (e *Engine) expireOnline(key ids.Key) {
	user, ok := e.store.Users.Get(ids.UserID(key.ID))
	if !ok {
		return
	}
	if user.IsOnline(e.now32()) {
		e.armUserTimers(user)
		return
	}
	user.MarkSendOnly()
	e.notifier.Flush(user)
}

func (e *Engine) expireEmojiStatus(key ids.Key) {
	user, ok := e.store.Users.Get(ids.UserID(key.ID))
	if !ok || user.EmojiStatus.IsEmpty() {
		return
	}
	if user.EmojiStatus.Until > e.now32() {
		e.armUserTimers(user)
		return
	}
	user.ApplyEmojiStatus(entities.EmojiStatus{})
	e.notifier.Flush(user)
}

func (e *Engine) expireChannelStatus(key ids.Key) {
	channel, ok := e.store.Channel(ids.ChannelID(key.ID))
	if !ok {
		return
	}
	status, expired := channel.Status.Expire(e.now32())
	if !expired {
		e.armChannelTimers(channel)
		return
	}
	oldStatus := channel.Status
	channel.ApplyStatus(status)
	e.onOwnChannelStatusChanged(channel, oldStatus)
	e.notifier.Flush(channel)
}

func (e *Engine) expireSlowMode(key ids.Key) {
	full, ok := e.store.ChannelFulls.Get(ids.ChannelID(key.ID))
	if !ok {
		return
	}
	if !full.ExpireSlowMode(e.now32()) {
		e.armSlowModeTimer(full)
		return
	}
	e.notifier.Flush(full)
}
