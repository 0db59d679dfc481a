package entities

import (
	"slices"

	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
)

// Entity is implemented by every cached record.
type Entity interface {
	Bookkeeping() *Record
	Key() ids.Key
	EventSnapshot() any
}

// Cache versions of the persisted forms; records stored with an older version get reloaded once.
const (
	UserCacheVersion        uint32 = 4
	UserFullCacheVersion    uint32 = 2
	ChatCacheVersion        uint32 = 4
	ChatFullCacheVersion    uint32 = 2
	ChannelCacheVersion     uint32 = 10
	ChannelFullCacheVersion uint32 = 3
	SecretChatCacheVersion  uint32 = 1
)

// Coarse presence values a user may publish instead of an exact WasOnline timestamp.
const (
	WasOnlineRecently  int32 = -1
	WasOnlineLastWeek  int32 = -2
	WasOnlineLastMonth int32 = -3
)

// User is the lightweight profile of a user.
type User struct {
	ID                 ids.UserID          `json:"id"`
	AccessHash         int64               `json:"access_hash,omitempty"`
	IsMinAccessHash    bool                `json:"is_min_access_hash,omitempty"`
	FirstName          string              `json:"first_name,omitempty"`
	LastName           string              `json:"last_name,omitempty"`
	PhoneNumber        string              `json:"phone_number,omitempty"`
	Usernames          Usernames           `json:"usernames"`
	Photo              ProfilePhoto        `json:"photo"`
	WasOnline          int32               `json:"was_online,omitempty"`
	IsContact          bool                `json:"is_contact,omitempty"`
	IsMutualContact    bool                `json:"is_mutual_contact,omitempty"`
	IsCloseFriend      bool                `json:"is_close_friend,omitempty"`
	Bot                BotFlags            `json:"bot"`
	RestrictionReasons []RestrictionReason `json:"restriction_reasons,omitempty"`
	AccentColorID      int32               `json:"accent_color_id,omitempty"`
	EmojiStatus        EmojiStatus         `json:"emoji_status"`
	Stories            StoryPointer        `json:"stories"`
	IsDeleted          bool                `json:"is_deleted,omitempty"`
	IsVerified         bool                `json:"is_verified,omitempty"`
	IsPremium          bool                `json:"is_premium,omitempty"`
	IsScam             bool                `json:"is_scam,omitempty"`
	IsFake             bool                `json:"is_fake,omitempty"`

	Record `json:"-"`
}

// BotFlags describes bot capabilities of a user.
type BotFlags struct {
	IsBot                   bool   `json:"is_bot,omitempty"`
	CanJoinGroups           bool   `json:"can_join_groups,omitempty"`
	CanReadAllGroupMessages bool   `json:"can_read_all_group_messages,omitempty"`
	IsInline                bool   `json:"is_inline,omitempty"`
	InlinePlaceholder       string `json:"inline_placeholder,omitempty"`
	NeedLocation            bool   `json:"need_location,omitempty"`
}

// NewUser creates an empty user stub.
func NewUser(id ids.UserID) *User {
	return &User{ID: id, Usernames: NoUsernames(), Record: newRecord()}
}

// Key returns the entity key.
func (u *User) Key() ids.Key {
	return u.ID.Key()
}

// Snapshot returns a deep copy without bookkeeping.
func (u *User) Snapshot() User {
	snapshot := *u
	snapshot.Record = Record{}
	snapshot.Usernames = u.Usernames.Clone()
	snapshot.RestrictionReasons = cloneSlice(u.RestrictionReasons)
	return snapshot
}

// EventSnapshot returns the snapshot published to subscribers.
func (u *User) EventSnapshot() any {
	return u.Snapshot()
}

// IsOnline reports whether the status timestamp lies in the future.
func (u *User) IsOnline(now int32) bool {
	return u.WasOnline > now
}

// ApplyAccessHash stores the access token; a reduced-trust token never replaces a full one.
func (u *User) ApplyAccessHash(accessHash int64, isMin bool) bool {
	if accessHash == 0 {
		return false
	}
	if isMin && u.AccessHash != 0 && !u.IsMinAccessHash {
		return false
	}
	if u.AccessHash == accessHash && u.IsMinAccessHash == isMin {
		return false
	}
	u.AccessHash = accessHash
	u.IsMinAccessHash = isMin
	u.MarkSaveOnly()
	return true
}

// ApplyName updates the first and last name.
func (u *User) ApplyName(firstName, lastName string) bool {
	if u.FirstName == firstName && u.LastName == lastName {
		return false
	}
	u.FirstName = firstName
	u.LastName = lastName
	u.MarkChanged(ChangeName)
	return true
}

// ApplyPhoneNumber updates the phone number.
func (u *User) ApplyPhoneNumber(phoneNumber string) bool {
	if u.PhoneNumber == phoneNumber {
		return false
	}
	u.PhoneNumber = phoneNumber
	u.MarkChanged(ChangeFlags)
	return true
}

// ApplyUsernames replaces the username set.
func (u *User) ApplyUsernames(usernames Usernames) bool {
	if u.Usernames.Equal(usernames) {
		return false
	}
	u.Usernames = usernames.Clone()
	u.MarkChanged(ChangeUsernames)
	return true
}

// ApplyPhoto updates the profile photo.
func (u *User) ApplyPhoto(photo ProfilePhoto) bool {
	if u.Photo == photo {
		return false
	}
	u.Photo = photo
	u.MarkChanged(ChangePhoto)
	return true
}

// ApplyStatus updates the online status timestamp.
func (u *User) ApplyStatus(wasOnline int32) bool {
	if u.WasOnline == wasOnline {
		return false
	}
	u.WasOnline = wasOnline
	u.MarkChanged(ChangeStatus)
	return true
}

// ApplyContact updates the contact relationship flags.
func (u *User) ApplyContact(isContact, isMutualContact, isCloseFriend bool) bool {
	if u.IsContact == isContact && u.IsMutualContact == isMutualContact && u.IsCloseFriend == isCloseFriend {
		return false
	}
	u.IsContact = isContact
	u.IsMutualContact = isMutualContact
	u.IsCloseFriend = isCloseFriend
	u.MarkChanged(ChangeFlags)
	return true
}

// ApplyBot updates the bot capability flags.
func (u *User) ApplyBot(flags BotFlags) bool {
	if u.Bot == flags {
		return false
	}
	u.Bot = flags
	u.MarkChanged(ChangeBot)
	return true
}

// ApplyRestrictionReasons replaces the restriction reasons.
func (u *User) ApplyRestrictionReasons(reasons []RestrictionReason) bool {
	if slices.Equal(u.RestrictionReasons, reasons) {
		return false
	}
	u.RestrictionReasons = cloneSlice(reasons)
	u.MarkChanged(ChangeFlags)
	return true
}

// ApplyAccentColor updates the accent colour.
func (u *User) ApplyAccentColor(accentColorID int32) bool {
	if u.AccentColorID == accentColorID {
		return false
	}
	u.AccentColorID = accentColorID
	u.MarkChanged(ChangeFlags)
	return true
}

// ApplyEmojiStatus updates the emoji status.
func (u *User) ApplyEmojiStatus(status EmojiStatus) bool {
	if u.EmojiStatus == status {
		return false
	}
	u.EmojiStatus = status
	u.MarkChanged(ChangeEmojiStatus)
	return true
}

// ApplyStories updates the active story pointer; the reload deadline alone is saved but not broadcast.
func (u *User) ApplyStories(stories StoryPointer) bool {
	if u.Stories == stories {
		return false
	}
	visibleChange := u.Stories.MaxActiveID != stories.MaxActiveID || u.Stories.MaxReadID != stories.MaxReadID
	u.Stories = stories
	if visibleChange {
		u.MarkChanged(ChangeStories)
	} else {
		u.MarkSaveOnly()
	}
	return true
}

// ApplyAccountFlags updates the deleted, verified, premium, scam and fake markers.
func (u *User) ApplyAccountFlags(isDeleted, isVerified, isPremium, isScam, isFake bool) bool {
	if u.IsDeleted == isDeleted && u.IsVerified == isVerified && u.IsPremium == isPremium && u.IsScam == isScam && u.IsFake == isFake {
		return false
	}
	u.IsDeleted = isDeleted
	u.IsVerified = isVerified
	u.IsPremium = isPremium
	u.IsScam = isScam
	u.IsFake = isFake
	u.MarkChanged(ChangeFlags)
	return true
}

// Apply merges an authoritative payload and reports whether anything changed.
// A payload received with a reduced-trust token keeps the phone number and contact flags already known.
func (u *User) Apply(payload *User) bool {
	changed := u.ApplyAccessHash(payload.AccessHash, payload.IsMinAccessHash)
	changed = u.ApplyName(payload.FirstName, payload.LastName) || changed
	changed = u.ApplyUsernames(payload.Usernames) || changed
	changed = u.ApplyPhoto(payload.Photo) || changed
	changed = u.ApplyBot(payload.Bot) || changed
	changed = u.ApplyRestrictionReasons(payload.RestrictionReasons) || changed
	changed = u.ApplyAccentColor(payload.AccentColorID) || changed
	changed = u.ApplyEmojiStatus(payload.EmojiStatus) || changed
	changed = u.ApplyAccountFlags(payload.IsDeleted, payload.IsVerified, payload.IsPremium, payload.IsScam, payload.IsFake) || changed
	if !payload.IsMinAccessHash {
		changed = u.ApplyPhoneNumber(payload.PhoneNumber) || changed
		changed = u.ApplyContact(payload.IsContact, payload.IsMutualContact, payload.IsCloseFriend) || changed
		changed = u.ApplyStatus(payload.WasOnline) || changed
		changed = u.ApplyStories(payload.Stories) || changed
	}
	return changed
}

// UserFull is the extended profile of a user.
type UserFull struct {
	UserID               ids.UserID   `json:"user_id"`
	About                string       `json:"about,omitempty"`
	IsBlocked            bool         `json:"is_blocked,omitempty"`
	IsBlockedForStories  bool         `json:"is_blocked_for_stories,omitempty"`
	CanBeCalled          bool         `json:"can_be_called,omitempty"`
	SupportsVideoCalls   bool         `json:"supports_video_calls,omitempty"`
	HasPrivateCalls      bool         `json:"has_private_calls,omitempty"`
	Bot                  BotInfo      `json:"bot"`
	GroupAdminRights     Rights       `json:"group_admin_rights,omitempty"`
	BroadcastAdminRights Rights       `json:"broadcast_admin_rights,omitempty"`
	GiftOptions          []GiftOption `json:"gift_options,omitempty"`
	PersonalPhoto        ProfilePhoto `json:"personal_photo"`
	FallbackPhoto        ProfilePhoto `json:"fallback_photo"`
	DescriptionPhoto     ProfilePhoto `json:"description_photo"`
	CommonChatCount      int32        `json:"common_chat_count,omitempty"`

	Record `json:"-"`
}

// NewUserFull creates an empty full profile stub.
func NewUserFull(id ids.UserID) *UserFull {
	return &UserFull{UserID: id, Record: newRecord()}
}

// Key returns the entity key.
func (f *UserFull) Key() ids.Key {
	return f.UserID.FullKey()
}

// Snapshot returns a deep copy without bookkeeping.
func (f *UserFull) Snapshot() UserFull {
	snapshot := *f
	snapshot.Record = Record{}
	snapshot.Bot = f.Bot.Clone()
	snapshot.GiftOptions = cloneSlice(f.GiftOptions)
	return snapshot
}

// EventSnapshot returns the snapshot published to subscribers.
func (f *UserFull) EventSnapshot() any {
	return f.Snapshot()
}

// ApplyAbout updates the biography.
func (f *UserFull) ApplyAbout(about string) bool {
	if f.About == about {
		return false
	}
	f.About = about
	f.MarkChanged(ChangeDescription)
	return true
}

// ApplyBlocked updates the block list flags.
func (f *UserFull) ApplyBlocked(isBlocked, isBlockedForStories bool) bool {
	if f.IsBlocked == isBlocked && f.IsBlockedForStories == isBlockedForStories {
		return false
	}
	f.IsBlocked = isBlocked
	f.IsBlockedForStories = isBlockedForStories
	f.MarkChanged(ChangeFlags)
	return true
}

// ApplyCalls updates the call capability flags.
func (f *UserFull) ApplyCalls(canBeCalled, supportsVideoCalls, hasPrivateCalls bool) bool {
	if f.CanBeCalled == canBeCalled && f.SupportsVideoCalls == supportsVideoCalls && f.HasPrivateCalls == hasPrivateCalls {
		return false
	}
	f.CanBeCalled = canBeCalled
	f.SupportsVideoCalls = supportsVideoCalls
	f.HasPrivateCalls = hasPrivateCalls
	f.MarkChanged(ChangeFlags)
	return true
}

// ApplyBotInfo updates the bot description and commands.
func (f *UserFull) ApplyBotInfo(info BotInfo) bool {
	if f.Bot.Equal(info) {
		return false
	}
	f.Bot = info.Clone()
	f.MarkChanged(ChangeBot)
	return true
}

// ApplyAdminRights updates the rights a bot asks for in groups and channels.
func (f *UserFull) ApplyAdminRights(group, broadcast Rights) bool {
	if f.GroupAdminRights == group && f.BroadcastAdminRights == broadcast {
		return false
	}
	f.GroupAdminRights = group
	f.BroadcastAdminRights = broadcast
	f.MarkChanged(ChangeBot)
	return true
}

// ApplyGiftOptions replaces the gift options.
func (f *UserFull) ApplyGiftOptions(options []GiftOption) bool {
	if slices.Equal(f.GiftOptions, options) {
		return false
	}
	f.GiftOptions = cloneSlice(options)
	f.MarkChanged(ChangeFlags)
	return true
}

// ApplyPhotos updates the personal, fallback and description photos.
func (f *UserFull) ApplyPhotos(personal, fallback, description ProfilePhoto) bool {
	if f.PersonalPhoto == personal && f.FallbackPhoto == fallback && f.DescriptionPhoto == description {
		return false
	}
	f.PersonalPhoto = personal
	f.FallbackPhoto = fallback
	f.DescriptionPhoto = description
	f.MarkChanged(ChangePhoto)
	return true
}

// ApplyCommonChatCount updates the number of shared groups.
func (f *UserFull) ApplyCommonChatCount(count int32) bool {
	if f.CommonChatCount == count {
		return false
	}
	f.CommonChatCount = count
	f.MarkChanged(ChangeCounters)
	return true
}

// Apply merges an authoritative payload and reports whether anything changed.
func (f *UserFull) Apply(payload *UserFull) bool {
	changed := f.ApplyAbout(payload.About)
	changed = f.ApplyBlocked(payload.IsBlocked, payload.IsBlockedForStories) || changed
	changed = f.ApplyCalls(payload.CanBeCalled, payload.SupportsVideoCalls, payload.HasPrivateCalls) || changed
	changed = f.ApplyBotInfo(payload.Bot) || changed
	changed = f.ApplyAdminRights(payload.GroupAdminRights, payload.BroadcastAdminRights) || changed
	changed = f.ApplyGiftOptions(payload.GiftOptions) || changed
	changed = f.ApplyPhotos(payload.PersonalPhoto, payload.FallbackPhoto, payload.DescriptionPhoto) || changed
	changed = f.ApplyCommonChatCount(payload.CommonChatCount) || changed
	return changed
}
