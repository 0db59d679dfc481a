package entities

import (
	"slices"

	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/versioning"
)

// ChannelFlags groups the boolean properties of a channel.
type ChannelFlags struct {
	IsMegagroup      bool `json:"is_megagroup,omitempty"`
	IsGigagroup      bool `json:"is_gigagroup,omitempty"`
	IsForum          bool `json:"is_forum,omitempty"`
	IsBroadcast      bool `json:"is_broadcast,omitempty"`
	HasSlowMode      bool `json:"has_slow_mode,omitempty"`
	HasLocation      bool `json:"has_location,omitempty"`
	HasLinkedChannel bool `json:"has_linked_channel,omitempty"`
	SignMessages     bool `json:"sign_messages,omitempty"`
	JoinToSend       bool `json:"join_to_send,omitempty"`
	JoinRequest      bool `json:"join_request,omitempty"`
	NoForwards       bool `json:"no_forwards,omitempty"`
	IsVerified       bool `json:"is_verified,omitempty"`
	IsScam           bool `json:"is_scam,omitempty"`
	IsFake           bool `json:"is_fake,omitempty"`
}

// Channel is a supergroup or a broadcast channel.
type Channel struct {
	ID                 ids.ChannelID       `json:"id"`
	AccessHash         int64               `json:"access_hash,omitempty"`
	IsMinAccessHash    bool                `json:"is_min_access_hash,omitempty"`
	Title              string              `json:"title,omitempty"`
	Photo              ProfilePhoto        `json:"photo"`
	Status             MemberStatus        `json:"status"`
	Usernames          Usernames           `json:"usernames"`
	Date               int32               `json:"date,omitempty"`
	ParticipantCount   int32               `json:"participant_count"`
	Flags              ChannelFlags        `json:"flags"`
	RestrictionReasons []RestrictionReason `json:"restriction_reasons,omitempty"`
	AccentColorID      int32               `json:"accent_color_id,omitempty"`
	Stories            StoryPointer        `json:"stories"`
	DefaultPermissions Permissions         `json:"default_permissions,omitempty"`

	Record `json:"-"`
}

// NewChannel creates an empty channel stub.
func NewChannel(id ids.ChannelID) *Channel {
	return &Channel{ID: id, Usernames: NoUsernames(), Record: newRecord()}
}

// Key returns the entity key.
func (c *Channel) Key() ids.Key {
	return c.ID.Key()
}

// Snapshot returns a deep copy without bookkeeping.
func (c *Channel) Snapshot() Channel {
	snapshot := *c
	snapshot.Record = Record{}
	snapshot.Usernames = c.Usernames.Clone()
	snapshot.RestrictionReasons = cloneSlice(c.RestrictionReasons)
	return snapshot
}

// EventSnapshot returns the snapshot published to subscribers.
func (c *Channel) EventSnapshot() any {
	return c.Snapshot()
}

// ApplyAccessHash stores the access token; a reduced-trust token never replaces a full one.
func (c *Channel) ApplyAccessHash(accessHash int64, isMin bool) bool {
	if accessHash == 0 {
		return false
	}
	if isMin && c.AccessHash != 0 && !c.IsMinAccessHash {
		return false
	}
	if c.AccessHash == accessHash && c.IsMinAccessHash == isMin {
		return false
	}
	c.AccessHash = accessHash
	c.IsMinAccessHash = isMin
	c.MarkSaveOnly()
	return true
}

// ApplyTitle updates the channel title.
func (c *Channel) ApplyTitle(title string) bool {
	if c.Title == title {
		return false
	}
	c.Title = title
	c.MarkChanged(ChangeTitle)
	return true
}

// ApplyPhoto updates the channel photo.
func (c *Channel) ApplyPhoto(photo ProfilePhoto) bool {
	if c.Photo == photo {
		return false
	}
	c.Photo = photo
	c.MarkChanged(ChangePhoto)
	return true
}

// ApplyStatus updates the membership of the local user.
func (c *Channel) ApplyStatus(status MemberStatus) bool {
	if c.Status.Equal(status) {
		return false
	}
	c.Status = status
	c.MarkChanged(ChangeStatus)
	return true
}

// ApplyUsernames replaces the username set.
func (c *Channel) ApplyUsernames(usernames Usernames) bool {
	if c.Usernames.Equal(usernames) {
		return false
	}
	c.Usernames = usernames.Clone()
	c.MarkChanged(ChangeUsernames)
	return true
}

// ApplyDate updates the creation date.
func (c *Channel) ApplyDate(date int32) bool {
	if c.Date == date {
		return false
	}
	c.Date = date
	c.MarkSaveOnly()
	return true
}

// ApplyParticipantCount updates the member counter; zero means unknown and is ignored.
func (c *Channel) ApplyParticipantCount(count int32) bool {
	if count == 0 || c.ParticipantCount == count {
		return false
	}
	c.ParticipantCount = count
	c.MarkChanged(ChangeCounters)
	return true
}

// ApplyFlags replaces the channel flags.
func (c *Channel) ApplyFlags(flags ChannelFlags) bool {
	if c.Flags == flags {
		return false
	}
	c.Flags = flags
	c.MarkChanged(ChangeFlags)
	return true
}

// ApplyRestrictionReasons replaces the restriction reasons.
func (c *Channel) ApplyRestrictionReasons(reasons []RestrictionReason) bool {
	if slices.Equal(c.RestrictionReasons, reasons) {
		return false
	}
	c.RestrictionReasons = cloneSlice(reasons)
	c.MarkChanged(ChangeFlags)
	return true
}

// ApplyAccentColor updates the accent colour.
func (c *Channel) ApplyAccentColor(accentColorID int32) bool {
	if c.AccentColorID == accentColorID {
		return false
	}
	c.AccentColorID = accentColorID
	c.MarkChanged(ChangeFlags)
	return true
}

// ApplyStories updates the active story pointer; the reload deadline alone is saved but not broadcast.
func (c *Channel) ApplyStories(stories StoryPointer) bool {
	if c.Stories == stories {
		return false
	}
	visibleChange := c.Stories.MaxActiveID != stories.MaxActiveID || c.Stories.MaxReadID != stories.MaxReadID
	c.Stories = stories
	if visibleChange {
		c.MarkChanged(ChangeStories)
	} else {
		c.MarkSaveOnly()
	}
	return true
}

// ApplyDefaultPermissions updates the default permission mask.
func (c *Channel) ApplyDefaultPermissions(permissions Permissions) bool {
	if c.DefaultPermissions == permissions {
		return false
	}
	c.DefaultPermissions = permissions
	c.MarkChanged(ChangePermissions)
	return true
}

// Apply merges an authoritative payload and reports whether anything changed.
// A payload received with a reduced-trust token keeps the local membership and counters.
func (c *Channel) Apply(payload *Channel) bool {
	changed := c.ApplyAccessHash(payload.AccessHash, payload.IsMinAccessHash)
	changed = c.ApplyTitle(payload.Title) || changed
	changed = c.ApplyPhoto(payload.Photo) || changed
	changed = c.ApplyUsernames(payload.Usernames) || changed
	changed = c.ApplyDate(payload.Date) || changed
	changed = c.ApplyFlags(payload.Flags) || changed
	changed = c.ApplyRestrictionReasons(payload.RestrictionReasons) || changed
	changed = c.ApplyAccentColor(payload.AccentColorID) || changed
	changed = c.ApplyDefaultPermissions(payload.DefaultPermissions) || changed
	if !payload.IsMinAccessHash {
		changed = c.ApplyStatus(payload.Status) || changed
		changed = c.ApplyParticipantCount(payload.ParticipantCount) || changed
		changed = c.ApplyStories(payload.Stories) || changed
	}
	return changed
}

// MinChannel is the reduced placeholder known before a channel was ever fetched.
type MinChannel struct {
	Title         string       `json:"title"`
	Photo         ProfilePhoto `json:"photo"`
	IsMegagroup   bool         `json:"is_megagroup,omitempty"`
	AccentColorID int32        `json:"accent_color_id,omitempty"`
}

// Upgrade builds a channel stub carrying every field known from the placeholder.
func (m MinChannel) Upgrade(id ids.ChannelID) *Channel {
	channel := NewChannel(id)
	channel.Title = m.Title
	channel.Photo = m.Photo
	channel.Flags.IsMegagroup = m.IsMegagroup
	channel.Flags.IsBroadcast = !m.IsMegagroup
	channel.AccentColorID = m.AccentColorID
	channel.MarkChanged(ChangeTitle | ChangePhoto | ChangeFlags)
	return channel
}

// SlotState tells which variant a ChannelSlot holds.
type SlotState uint8

const (
	SlotUnknown SlotState = iota
	SlotMinimal
	SlotFull
)

func (s SlotState) String() string {
	switch s {
	case SlotMinimal:
		return "minimal"
	case SlotFull:
		return "full"
	default:
		return "unknown"
	}
}

// ChannelSlot holds one of Unknown, Minimal or Full channel information.
type ChannelSlot struct {
	state   SlotState
	minimal MinChannel
	full    *Channel
}

// FullSlot wraps a channel into a Full slot.
func FullSlot(channel *Channel) ChannelSlot {
	if channel == nil {
		return ChannelSlot{}
	}
	return ChannelSlot{state: SlotFull, full: channel}
}

// State returns the held variant.
func (s ChannelSlot) State() SlotState {
	return s.state
}

// Minimal returns the placeholder when the slot holds one.
func (s ChannelSlot) Minimal() (MinChannel, bool) {
	return s.minimal, s.state == SlotMinimal
}

// Full returns the channel when the slot holds one.
func (s ChannelSlot) Full() (*Channel, bool) {
	return s.full, s.state == SlotFull
}

// SetMinimal stores a placeholder unless the full channel is already known.
func (s *ChannelSlot) SetMinimal(minimal MinChannel) bool {
	if s.state == SlotFull {
		return false
	}
	if s.state == SlotMinimal && s.minimal == minimal {
		return false
	}
	s.state = SlotMinimal
	s.minimal = minimal
	return true
}

// Upgrade turns the slot into a Full one and returns the channel. Unknown slots get an empty stub.
func (s *ChannelSlot) Upgrade(id ids.ChannelID) *Channel {
	switch s.state {
	case SlotFull:
		return s.full
	case SlotMinimal:
		s.full = s.minimal.Upgrade(id)
	default:
		s.full = NewChannel(id)
	}
	s.state = SlotFull
	s.minimal = MinChannel{}
	return s.full
}

// ChannelCapabilities lists what the local user may do in a channel.
type ChannelCapabilities struct {
	CanGetParticipants    bool `json:"can_get_participants,omitempty"`
	CanSetUsername        bool `json:"can_set_username,omitempty"`
	CanSetStickerSet      bool `json:"can_set_sticker_set,omitempty"`
	CanViewStatistics     bool `json:"can_view_statistics,omitempty"`
	IsAllHistoryAvailable bool `json:"is_all_history_available,omitempty"`
	HasHiddenParticipants bool `json:"has_hidden_participants,omitempty"`
}

// ChannelFull is the extended profile of a channel.
type ChannelFull struct {
	ChannelID            ids.ChannelID       `json:"channel_id"`
	ParticipantCount     int32               `json:"participant_count"`
	AdministratorCount   int32               `json:"administrator_count"`
	RestrictedCount      int32               `json:"restricted_count"`
	BannedCount          int32               `json:"banned_count"`
	Description          string              `json:"description,omitempty"`
	StickerSetID         int64               `json:"sticker_set_id,omitempty"`
	LinkedChannelID      ids.ChannelID       `json:"linked_channel_id,omitempty"`
	SlowModeDelay        int32               `json:"slow_mode_delay,omitempty"`
	SlowModeNextSendDate int32               `json:"slow_mode_next_send_date,omitempty"`
	Location             Location            `json:"location"`
	InviteLink           string              `json:"invite_link,omitempty"`
	BotUserIDs           []ids.UserID        `json:"bot_user_ids,omitempty"`
	StatsDCID            int32               `json:"stats_dc_id,omitempty"`
	Capabilities         ChannelCapabilities `json:"capabilities"`
	SpeculativeVersion   uint32              `json:"-"`
	RepairRequestVersion uint32              `json:"-"`

	Record `json:"-"`
}

// NewChannelFull creates an empty full profile stub.
func NewChannelFull(id ids.ChannelID) *ChannelFull {
	return &ChannelFull{ChannelID: id, SpeculativeVersion: 1, Record: newRecord()}
}

// Key returns the entity key.
func (f *ChannelFull) Key() ids.Key {
	return f.ChannelID.FullKey()
}

// Snapshot returns a deep copy without bookkeeping.
func (f *ChannelFull) Snapshot() ChannelFull {
	snapshot := *f
	snapshot.Record = Record{}
	snapshot.BotUserIDs = cloneSlice(f.BotUserIDs)
	return snapshot
}

// EventSnapshot returns the snapshot published to subscribers.
func (f *ChannelFull) EventSnapshot() any {
	return f.Snapshot()
}

// Speculation exposes the speculative and repair request versions.
func (f *ChannelFull) Speculation() versioning.Speculation {
	return versioning.Speculation{Version: &f.SpeculativeVersion, RepairRequestVersion: &f.RepairRequestVersion}
}

// ApplyCounts replaces the member counters with server values.
func (f *ChannelFull) ApplyCounts(participants, administrators, restricted, banned int32) bool {
	if f.ParticipantCount == participants && f.AdministratorCount == administrators &&
		f.RestrictedCount == restricted && f.BannedCount == banned {
		return false
	}
	f.ParticipantCount = participants
	f.AdministratorCount = administrators
	f.RestrictedCount = restricted
	f.BannedCount = banned
	f.MarkChanged(ChangeCounters)
	return true
}

// ApplyDescription updates the description.
func (f *ChannelFull) ApplyDescription(description string) bool {
	if f.Description == description {
		return false
	}
	f.Description = description
	f.MarkChanged(ChangeDescription)
	return true
}

// ApplyStickerSet updates the group sticker set.
func (f *ChannelFull) ApplyStickerSet(stickerSetID int64) bool {
	if f.StickerSetID == stickerSetID {
		return false
	}
	f.StickerSetID = stickerSetID
	f.MarkChanged(ChangeFlags)
	return true
}

// ApplyLinkedChannel updates the discussion group or the broadcast channel linked to the channel.
func (f *ChannelFull) ApplyLinkedChannel(linked ids.ChannelID) bool {
	if f.LinkedChannelID == linked {
		return false
	}
	f.LinkedChannelID = linked
	f.MarkChanged(ChangeLink)
	return true
}

// ApplySlowMode updates the slow mode delay and the next allowed send date.
func (f *ChannelFull) ApplySlowMode(delay, nextSendDate int32) bool {
	if f.SlowModeDelay == delay && f.SlowModeNextSendDate == nextSendDate {
		return false
	}
	f.SlowModeDelay = delay
	f.SlowModeNextSendDate = nextSendDate
	f.MarkChanged(ChangeSlowMode)
	return true
}

// ExpireSlowMode clears the next send date once it passed.
func (f *ChannelFull) ExpireSlowMode(now int32) bool {
	if f.SlowModeNextSendDate == 0 || f.SlowModeNextSendDate > now {
		return false
	}
	f.SlowModeNextSendDate = 0
	f.MarkChanged(ChangeSlowMode)
	return true
}

// ApplyLocation updates the location of a location-based group.
func (f *ChannelFull) ApplyLocation(location Location) bool {
	if f.Location == location {
		return false
	}
	f.Location = location
	f.MarkChanged(ChangeFlags)
	return true
}

// ApplyInviteLink updates the primary invite link.
func (f *ChannelFull) ApplyInviteLink(link string) bool {
	if f.InviteLink == link {
		return false
	}
	f.InviteLink = link
	f.MarkChanged(ChangeLink)
	return true
}

// ApplyBotUserIDs replaces the list of bots in the channel.
func (f *ChannelFull) ApplyBotUserIDs(bots []ids.UserID) bool {
	if slices.Equal(f.BotUserIDs, bots) {
		return false
	}
	f.BotUserIDs = cloneSlice(bots)
	f.MarkChanged(ChangeBot)
	return true
}

// AddBot appends a bot that joined the channel.
func (f *ChannelFull) AddBot(botUserID ids.UserID) bool {
	if slices.Contains(f.BotUserIDs, botUserID) {
		return false
	}
	f.BotUserIDs = append(f.BotUserIDs, botUserID)
	f.MarkChanged(ChangeBot)
	return true
}

// RemoveBot deletes a bot that left the channel.
func (f *ChannelFull) RemoveBot(botUserID ids.UserID) bool {
	index := slices.Index(f.BotUserIDs, botUserID)
	if index < 0 {
		return false
	}
	f.BotUserIDs = slices.Delete(f.BotUserIDs, index, index+1)
	f.MarkChanged(ChangeBot)
	return true
}

// ApplyStatsDC updates the data center serving statistics.
func (f *ChannelFull) ApplyStatsDC(dcID int32) bool {
	if f.StatsDCID == dcID {
		return false
	}
	f.StatsDCID = dcID
	f.MarkSaveOnly()
	return true
}

// ApplyCapabilities replaces the capability flags.
func (f *ChannelFull) ApplyCapabilities(capabilities ChannelCapabilities) bool {
	if f.Capabilities == capabilities {
		return false
	}
	f.Capabilities = capabilities
	f.MarkChanged(ChangeFlags)
	return true
}

// Apply merges an authoritative payload and reports whether anything changed.
// Server counters replace speculative ones and clear the repair marker.
func (f *ChannelFull) Apply(payload *ChannelFull) bool {
	changed := f.ApplyCounts(payload.ParticipantCount, payload.AdministratorCount, payload.RestrictedCount, payload.BannedCount)
	changed = f.ApplyDescription(payload.Description) || changed
	changed = f.ApplyStickerSet(payload.StickerSetID) || changed
	changed = f.ApplyLinkedChannel(payload.LinkedChannelID) || changed
	changed = f.ApplySlowMode(payload.SlowModeDelay, payload.SlowModeNextSendDate) || changed
	changed = f.ApplyLocation(payload.Location) || changed
	changed = f.ApplyInviteLink(payload.InviteLink) || changed
	changed = f.ApplyBotUserIDs(payload.BotUserIDs) || changed
	changed = f.ApplyStatsDC(payload.StatsDCID) || changed
	changed = f.ApplyCapabilities(payload.Capabilities) || changed
	f.Speculation().Settle()
	f.TrustCounters()
	return changed
}

// SpeculativeAddCount adds delta to count, never going below minimum, and reports whether count changed.
func SpeculativeAddCount(count *int32, delta, minimum int32) bool {
	updated := *count + delta
	if updated < minimum {
		updated = minimum
	}
	if updated == *count {
		return false
	}
	*count = updated
	return true
}

// SpeculativeAddParticipants adjusts the participant counter keeping it at or above the administrator count.
func (f *ChannelFull) SpeculativeAddParticipants(delta int32) bool {
	if !SpeculativeAddCount(&f.ParticipantCount, delta, f.AdministratorCount) {
		return false
	}
	f.MarkChanged(ChangeCounters)
	f.Speculation().Bump()
	return true
}

// SpeculativeTransition adjusts every counter for a member moving from oldStatus to newStatus.
func (f *ChannelFull) SpeculativeTransition(oldStatus, newStatus MemberStatus) bool {
	memberDelta, administratorDelta, restrictedDelta, bannedDelta := MembershipDelta(oldStatus, newStatus)
	changed := SpeculativeAddCount(&f.AdministratorCount, administratorDelta, 0)
	changed = SpeculativeAddCount(&f.ParticipantCount, memberDelta, f.AdministratorCount) || changed
	changed = SpeculativeAddCount(&f.RestrictedCount, restrictedDelta, 0) || changed
	changed = SpeculativeAddCount(&f.BannedCount, bannedDelta, 0) || changed
	if !changed {
		return false
	}
	f.MarkChanged(ChangeCounters)
	f.Speculation().Bump()
	return true
}
