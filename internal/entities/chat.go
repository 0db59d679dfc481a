package entities

import (
	"slices"

	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/versioning"
)

// Chat is a basic group.
type Chat struct {
	ID                        ids.ChatID    `json:"id"`
	Title                     string        `json:"title,omitempty"`
	Photo                     ProfilePhoto  `json:"photo"`
	ParticipantCount          int32         `json:"participant_count"`
	Date                      int32         `json:"date,omitempty"`
	Status                    MemberStatus  `json:"status"`
	DefaultPermissions        Permissions   `json:"default_permissions,omitempty"`
	Version                   int32         `json:"version"`
	DefaultPermissionsVersion int32         `json:"default_permissions_version"`
	PinnedMessageVersion      int32         `json:"pinned_message_version"`
	IsActive                  bool          `json:"is_active,omitempty"`
	NoForwards                bool          `json:"no_forwards,omitempty"`
	MigratedToChannelID       ids.ChannelID `json:"migrated_to_channel_id,omitempty"`

	Record `json:"-"`
}

// NewChat creates an empty basic group stub with unknown versions.
func NewChat(id ids.ChatID) *Chat {
	return &Chat{
		ID:                        id,
		Version:                   versioning.Unknown,
		DefaultPermissionsVersion: versioning.Unknown,
		PinnedMessageVersion:      versioning.Unknown,
		Record:                    newRecord(),
	}
}

// Key returns the entity key.
func (c *Chat) Key() ids.Key {
	return c.ID.Key()
}

// Snapshot returns a copy without bookkeeping.
func (c *Chat) Snapshot() Chat {
	snapshot := *c
	snapshot.Record = Record{}
	return snapshot
}

// EventSnapshot returns the snapshot published to subscribers.
func (c *Chat) EventSnapshot() any {
	return c.Snapshot()
}

// ApplyTitle updates the group title.
func (c *Chat) ApplyTitle(title string) bool {
	if c.Title == title {
		return false
	}
	c.Title = title
	c.MarkChanged(ChangeTitle)
	return true
}

// ApplyPhoto updates the group photo.
func (c *Chat) ApplyPhoto(photo ProfilePhoto) bool {
	if c.Photo == photo {
		return false
	}
	c.Photo = photo
	c.MarkChanged(ChangePhoto)
	return true
}

// ApplyDate updates the creation date.
func (c *Chat) ApplyDate(date int32) bool {
	if c.Date == date {
		return false
	}
	c.Date = date
	c.MarkSaveOnly()
	return true
}

// ApplyStatus updates the membership of the local user.
func (c *Chat) ApplyStatus(status MemberStatus) bool {
	if c.Status.Equal(status) {
		return false
	}
	c.Status = status
	c.MarkChanged(ChangeStatus)
	return true
}

// ApplyParticipantCount updates the member counter. Versions older than the cached one are ignored,
// newer versions are accepted even when intermediate ones were missed because the counter is absolute.
func (c *Chat) ApplyParticipantCount(count, version int32) (bool, versioning.Verdict) {
	slot := versioning.NewSlot(c.Version)
	verdict := slot.AcceptSnapshot(version)
	if verdict != versioning.Accept {
		return false, verdict
	}
	changed := false
	if c.ParticipantCount != count {
		c.ParticipantCount = count
		c.MarkChanged(ChangeCounters)
		changed = true
	}
	if c.Version != slot.Current() {
		c.Version = slot.Current()
		c.MarkSaveOnly()
		changed = true
	}
	return changed, verdict
}

// ApplyDefaultPermissions updates the default permission mask tagged with its own version.
func (c *Chat) ApplyDefaultPermissions(permissions Permissions, version int32) (bool, versioning.Verdict) {
	slot := versioning.NewSlot(c.DefaultPermissionsVersion)
	verdict := slot.AcceptSnapshot(version)
	if verdict != versioning.Accept {
		return false, verdict
	}
	changed := false
	if c.DefaultPermissions != permissions {
		c.DefaultPermissions = permissions
		c.MarkChanged(ChangePermissions)
		changed = true
	}
	if c.DefaultPermissionsVersion != slot.Current() {
		c.DefaultPermissionsVersion = slot.Current()
		c.MarkSaveOnly()
		changed = true
	}
	return changed, verdict
}

// ApplyPinnedMessageVersion records the version of the pinned message list.
func (c *Chat) ApplyPinnedMessageVersion(version int32) bool {
	slot := versioning.NewSlot(c.PinnedMessageVersion)
	if slot.AcceptSnapshot(version) != versioning.Accept || c.PinnedMessageVersion == slot.Current() {
		return false
	}
	c.PinnedMessageVersion = slot.Current()
	c.MarkSaveOnly()
	return true
}

// ApplyActivity updates the active and no-forwards flags.
func (c *Chat) ApplyActivity(isActive, noForwards bool) bool {
	if c.IsActive == isActive && c.NoForwards == noForwards {
		return false
	}
	c.IsActive = isActive
	c.NoForwards = noForwards
	c.MarkChanged(ChangeFlags)
	return true
}

// ApplyMigration records the supergroup a basic group was upgraded to.
func (c *Chat) ApplyMigration(channelID ids.ChannelID) bool {
	if c.MigratedToChannelID == channelID {
		return false
	}
	c.MigratedToChannelID = channelID
	c.MarkChanged(ChangeFlags)
	return true
}

// Apply merges an authoritative payload and reports whether anything changed.
func (c *Chat) Apply(payload *Chat) bool {
	changed := c.ApplyTitle(payload.Title)
	changed = c.ApplyPhoto(payload.Photo) || changed
	changed = c.ApplyDate(payload.Date) || changed
	changed = c.ApplyStatus(payload.Status) || changed
	changed = c.ApplyActivity(payload.IsActive, payload.NoForwards) || changed
	changed = c.ApplyMigration(payload.MigratedToChannelID) || changed
	if payload.Version >= 0 {
		countChanged, _ := c.ApplyParticipantCount(payload.ParticipantCount, payload.Version)
		changed = countChanged || changed
	}
	if payload.DefaultPermissionsVersion >= 0 {
		permissionsChanged, _ := c.ApplyDefaultPermissions(payload.DefaultPermissions, payload.DefaultPermissionsVersion)
		changed = permissionsChanged || changed
	}
	if payload.PinnedMessageVersion >= 0 {
		changed = c.ApplyPinnedMessageVersion(payload.PinnedMessageVersion) || changed
	}
	return changed
}

// ChatFull is the extended profile of a basic group.
type ChatFull struct {
	ChatID        ids.ChatID    `json:"chat_id"`
	Version       int32         `json:"version"`
	CreatorUserID ids.UserID    `json:"creator_user_id,omitempty"`
	Participants  []Participant `json:"participants,omitempty"`
	Description   string        `json:"description,omitempty"`
	InviteLink    string        `json:"invite_link,omitempty"`
	BotCommands   []BotCommands `json:"bot_commands,omitempty"`
	Photo         ProfilePhoto  `json:"photo"`

	Record `json:"-"`
}

// NewChatFull creates an empty full profile stub with an unknown participant list version.
func NewChatFull(id ids.ChatID) *ChatFull {
	return &ChatFull{ChatID: id, Version: versioning.Unknown, Record: newRecord()}
}

// Key returns the entity key.
func (f *ChatFull) Key() ids.Key {
	return f.ChatID.FullKey()
}

// Snapshot returns a deep copy without bookkeeping.
func (f *ChatFull) Snapshot() ChatFull {
	snapshot := *f
	snapshot.Record = Record{}
	snapshot.Participants = cloneSlice(f.Participants)
	snapshot.BotCommands = cloneBotCommands(f.BotCommands)
	return snapshot
}

// EventSnapshot returns the snapshot published to subscribers.
func (f *ChatFull) EventSnapshot() any {
	return f.Snapshot()
}

// VersionSlot returns the participant list version as a slot.
func (f *ChatFull) VersionSlot() versioning.Slot {
	return versioning.NewSlot(f.Version)
}

// Participant returns the member record of a user.
func (f *ChatFull) Participant(userID ids.UserID) (Participant, bool) {
	index := f.participantIndex(userID)
	if index < 0 {
		return Participant{}, false
	}
	return f.Participants[index], true
}

func (f *ChatFull) participantIndex(userID ids.UserID) int {
	return slices.IndexFunc(f.Participants, func(participant Participant) bool {
		return participant.UserID == userID
	})
}

// ApplyParticipants replaces the whole member list when version is not older than the cached one.
func (f *ChatFull) ApplyParticipants(participants []Participant, creator ids.UserID, version int32) (bool, versioning.Verdict) {
	slot := f.VersionSlot()
	verdict := slot.AcceptSnapshot(version)
	if verdict != versioning.Accept {
		return false, verdict
	}
	changed := false
	if !slices.Equal(f.Participants, participants) || f.CreatorUserID != creator {
		f.Participants = cloneSlice(participants)
		f.CreatorUserID = creator
		f.MarkChanged(ChangeParticipants)
		changed = true
	}
	if f.Version != slot.Current() {
		f.Version = slot.Current()
		f.MarkSaveOnly()
		changed = true
	}
	return changed, verdict
}

// AddParticipant appends a member at the provided list version. It reports false for a user already present.
func (f *ChatFull) AddParticipant(participant Participant, version int32) bool {
	if f.participantIndex(participant.UserID) >= 0 {
		return false
	}
	f.Participants = append(f.Participants, participant)
	f.Version = version
	f.MarkChanged(ChangeParticipants)
	return true
}

// RemoveParticipant deletes a member at the provided list version. It reports false for an unknown user.
func (f *ChatFull) RemoveParticipant(userID ids.UserID, version int32) bool {
	index := f.participantIndex(userID)
	if index < 0 {
		return false
	}
	f.Participants = slices.Delete(f.Participants, index, index+1)
	f.Version = version
	f.MarkChanged(ChangeParticipants)
	return true
}

// SetParticipantAdmin toggles administrator status of a member at the provided list version.
func (f *ChatFull) SetParticipantAdmin(userID ids.UserID, isAdmin bool, version int32) bool {
	index := f.participantIndex(userID)
	if index < 0 {
		return false
	}
	participant := &f.Participants[index]
	if participant.Status.Type == StatusCreator {
		return false
	}
	status := Member()
	if isAdmin {
		status = Administrator(RightChangeInfo|RightDeleteMessages|RightBanUsers|RightInviteUsers|RightPinMessages|RightManageCalls, "")
	}
	f.Version = version
	if participant.Status.Equal(status) {
		f.MarkSaveOnly()
		return true
	}
	participant.Status = status
	f.MarkChanged(ChangeParticipants)
	return true
}

// ApplyDescription updates the description.
func (f *ChatFull) ApplyDescription(description string) bool {
	if f.Description == description {
		return false
	}
	f.Description = description
	f.MarkChanged(ChangeDescription)
	return true
}

// ApplyInviteLink updates the primary invite link.
func (f *ChatFull) ApplyInviteLink(link string) bool {
	if f.InviteLink == link {
		return false
	}
	f.InviteLink = link
	f.MarkChanged(ChangeLink)
	return true
}

// ApplyBotCommands replaces the bot commands of the group.
func (f *ChatFull) ApplyBotCommands(commands []BotCommands) bool {
	if botCommandsEqual(f.BotCommands, commands) {
		return false
	}
	f.BotCommands = cloneBotCommands(commands)
	f.MarkChanged(ChangeBot)
	return true
}

// ApplyPhoto updates the full-size group photo.
func (f *ChatFull) ApplyPhoto(photo ProfilePhoto) bool {
	if f.Photo == photo {
		return false
	}
	f.Photo = photo
	f.MarkChanged(ChangePhoto)
	return true
}

// Apply merges an authoritative payload and reports whether anything changed.
func (f *ChatFull) Apply(payload *ChatFull) bool {
	changed := false
	if payload.Version >= 0 {
		changed, _ = f.ApplyParticipants(payload.Participants, payload.CreatorUserID, payload.Version)
	}
	changed = f.ApplyDescription(payload.Description) || changed
	changed = f.ApplyInviteLink(payload.InviteLink) || changed
	changed = f.ApplyBotCommands(payload.BotCommands) || changed
	changed = f.ApplyPhoto(payload.Photo) || changed
	return changed
}
