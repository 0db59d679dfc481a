// Package participants caches recently seen channel members for a limited time.
package participants

import (
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"go.uber.org/zap"
)

// DefaultTTL is how long an untouched participant stays cached.
const DefaultTTL = 1800 * time.Second

// Scheduler arms the per-channel sweep. A timers.Group satisfies it.
type Scheduler interface {
	Set(key ids.Key, at time.Time)
	Cancel(key ids.Key)
	Has(key ids.Key) bool
}

// Config configures the cache.
type Config struct {
	TTL       time.Duration
	Scheduler Scheduler
	Clock     func() time.Time
	Logger    *zap.Logger
}

type entry struct {
	participant entities.Participant
	lastAccess  time.Time
}

// Cache maps channels to recently accessed participants. Absence means unknown, not "not a member".
// It is driven by the engine worker only.
type Cache struct {
	ttl       time.Duration
	scheduler Scheduler
	clock     func() time.Time
	logger    *zap.Logger
	channels  map[ids.ChannelID]map[ids.UserID]*entry
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		ttl:       ttl,
		scheduler: cfg.Scheduler,
		clock:     clock,
		logger:    logger,
		channels:  make(map[ids.ChannelID]map[ids.UserID]*entry),
	}
}

// SetScheduler installs the sweep scheduler.
func (c *Cache) SetScheduler(scheduler Scheduler) {
	c.scheduler = scheduler
}

// Remember inserts or refreshes a participant.
func (c *Cache) Remember(channelID ids.ChannelID, participant entities.Participant) {
	now := c.clock()
	members, ok := c.channels[channelID]
	if !ok {
		members = make(map[ids.UserID]*entry)
		c.channels[channelID] = members
	}
	members[participant.UserID] = &entry{participant: participant, lastAccess: now}
	if c.scheduler != nil && !c.scheduler.Has(channelID.Key()) {
		c.scheduler.Set(channelID.Key(), now.Add(c.ttl))
	}
}

// Lookup returns a cached participant, refreshing its access time. Temporary bans and restrictions
// that ran out are expired on the way.
func (c *Cache) Lookup(channelID ids.ChannelID, userID ids.UserID) (entities.Participant, bool) {
	members := c.channels[channelID]
	found, ok := members[userID]
	if !ok {
		return entities.Participant{}, false
	}
	now := c.clock()
	found.lastAccess = now
	if status, expired := found.participant.Status.Expire(int32(now.Unix())); expired {
		found.participant.Status = status
	}
	return found.participant, true
}

// UpdateStatus changes the status of an already cached participant and reports whether one existed.
func (c *Cache) UpdateStatus(channelID ids.ChannelID, userID ids.UserID, status entities.MemberStatus) bool {
	found, ok := c.channels[channelID][userID]
	if !ok {
		return false
	}
	found.participant.Status = status
	found.lastAccess = c.clock()
	return true
}

// Forget removes one participant.
func (c *Cache) Forget(channelID ids.ChannelID, userID ids.UserID) {
	members, ok := c.channels[channelID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		c.Drop(channelID)
	}
}

// Drop removes everything cached for a channel.
func (c *Cache) Drop(channelID ids.ChannelID) {
	delete(c.channels, channelID)
	if c.scheduler != nil {
		c.scheduler.Cancel(channelID.Key())
	}
}

// Len returns the number of cached participants of a channel.
func (c *Cache) Len(channelID ids.ChannelID) int {
	return len(c.channels[channelID])
}

// Sweep evicts participants not accessed within the TTL. An emptied channel is removed; otherwise
// the sweep is re-armed for the oldest remaining entry.
func (c *Cache) Sweep(channelID ids.ChannelID) {
	members, ok := c.channels[channelID]
	if !ok {
		return
	}
	now := c.clock()
	var oldest time.Time
	evicted := 0
	for userID, cached := range members {
		if now.Sub(cached.lastAccess) >= c.ttl {
			delete(members, userID)
			evicted++
			continue
		}
		if oldest.IsZero() || cached.lastAccess.Before(oldest) {
			oldest = cached.lastAccess
		}
	}
	if evicted > 0 {
		c.logger.Debug("participants evicted",
			zap.Int64("channel_id", channelID.Int64()),
			zap.Int("evicted", evicted),
			zap.Int("remaining", len(members)))
	}
	if len(members) == 0 {
		c.Drop(channelID)
		return
	}
	if c.scheduler != nil {
		c.scheduler.Set(channelID.Key(), oldest.Add(c.ttl))
	}
}
