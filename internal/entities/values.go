package entities

import (
	"slices"

	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
)

// ProfilePhoto references a remote photo.
type ProfilePhoto struct {
	ID       int64 `json:"id,omitempty"`
	DCID     int32 `json:"dc_id,omitempty"`
	HasVideo bool  `json:"has_video,omitempty"`
}

// IsEmpty reports whether no photo is set.
func (p ProfilePhoto) IsEmpty() bool {
	return p.ID == 0
}

// Usernames keeps the ordered active usernames, the owner-editable one and the disabled ones.
type Usernames struct {
	Active      []string `json:"active,omitempty"`
	Disabled    []string `json:"disabled,omitempty"`
	EditablePos int      `json:"editable_pos"`
}

// NoUsernames returns an empty username set.
func NoUsernames() Usernames {
	return Usernames{EditablePos: -1}
}

// Editable returns the username controlled by the owner, or an empty string.
func (u Usernames) Editable() string {
	if u.EditablePos < 0 || u.EditablePos >= len(u.Active) {
		return ""
	}
	return u.Active[u.EditablePos]
}

// First returns the first active username, or an empty string.
func (u Usernames) First() string {
	if len(u.Active) == 0 {
		return ""
	}
	return u.Active[0]
}

// Equal compares two username sets including order.
func (u Usernames) Equal(other Usernames) bool {
	return u.EditablePos == other.EditablePos &&
		slices.Equal(u.Active, other.Active) &&
		slices.Equal(u.Disabled, other.Disabled)
}

// Clone returns a deep copy.
func (u Usernames) Clone() Usernames {
	return Usernames{
		Active:      cloneStrings(u.Active),
		Disabled:    cloneStrings(u.Disabled),
		EditablePos: u.EditablePos,
	}
}

// RestrictionReason explains why content is unavailable on a platform.
type RestrictionReason struct {
	Platform    string `json:"platform"`
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

// EmojiStatus is a custom emoji shown next to a name, optionally expiring.
type EmojiStatus struct {
	CustomEmojiID int64 `json:"custom_emoji_id,omitempty"`
	Until         int32 `json:"until,omitempty"`
}

// IsEmpty reports whether no emoji status is set.
func (s EmojiStatus) IsEmpty() bool {
	return s.CustomEmojiID == 0
}

// StoryPointer tracks the newest active story and when to check it again.
type StoryPointer struct {
	MaxActiveID  int32   `json:"max_active_id,omitempty"`
	MaxReadID    int32   `json:"max_read_id,omitempty"`
	NextReloadAt float64 `json:"next_reload_at,omitempty"`
}

// BotCommand is one command exposed by a bot.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// BotCommands groups the commands of one bot in a group.
type BotCommands struct {
	BotUserID ids.UserID   `json:"bot_user_id"`
	Commands  []BotCommand `json:"commands,omitempty"`
}

// BotInfo is the bot-specific part of a full user profile.
type BotInfo struct {
	Description   string       `json:"description,omitempty"`
	MenuButtonURL string       `json:"menu_button_url,omitempty"`
	Commands      []BotCommand `json:"commands,omitempty"`
}

// Equal compares two bot descriptions.
func (b BotInfo) Equal(other BotInfo) bool {
	return b.Description == other.Description &&
		b.MenuButtonURL == other.MenuButtonURL &&
		slices.Equal(b.Commands, other.Commands)
}

// Clone returns a deep copy.
func (b BotInfo) Clone() BotInfo {
	b.Commands = cloneSlice(b.Commands)
	return b
}

// GiftOption is a purchasable subscription gift.
type GiftOption struct {
	Months   int32  `json:"months"`
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

// Location is a geographic point with an address.
type Location struct {
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Participant is a member record of a group or channel.
type Participant struct {
	UserID        ids.UserID   `json:"user_id"`
	InviterUserID ids.UserID   `json:"inviter_user_id,omitempty"`
	JoinedDate    int32        `json:"joined_date,omitempty"`
	Status        MemberStatus `json:"status"`
}

func cloneStrings(values []string) []string {
	return cloneSlice(values)
}

func cloneSlice[T any](values []T) []T {
	if len(values) == 0 {
		return nil
	}
	return slices.Clone(values)
}

func botCommandsEqual(left, right []BotCommands) bool {
	return slices.EqualFunc(left, right, func(a, b BotCommands) bool {
		return a.BotUserID == b.BotUserID && slices.Equal(a.Commands, b.Commands)
	})
}

func cloneBotCommands(values []BotCommands) []BotCommands {
	if len(values) == 0 {
		return nil
	}
	cloned := make([]BotCommands, len(values))
	for index, value := range values {
		cloned[index] = BotCommands{BotUserID: value.BotUserID, Commands: cloneSlice(value.Commands)}
	}
	return cloned
}
