package engine

import (
	"context"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
)

// Update is one inbound change pushed by the network layer.
type Update interface {
	isUpdate()
}

// UsersReceived carries user objects attached to any response or push.
type UsersReceived struct {
	Users []*entities.User
}

// ChatsReceived carries group and channel objects attached to any response or push.
type ChatsReceived struct {
	Chats       []*entities.Chat
	Channels    []*entities.Channel
	MinChannels []remote.MinChannel
}

// SecretChatReceived carries the new state of a secret chat.
type SecretChatReceived struct {
	SecretChat *entities.SecretChat
}

// UserStatusChanged reports a new online status; WasOnline in the future means online until then.
type UserStatusChanged struct {
	UserID    ids.UserID
	WasOnline int32
}

// UserNameChanged reports a new name and username list.
type UserNameChanged struct {
	UserID    ids.UserID
	FirstName string
	LastName  string
	Usernames entities.Usernames
}

// UserPhotoChanged reports a new profile photo.
type UserPhotoChanged struct {
	UserID ids.UserID
	Photo  entities.ProfilePhoto
}

// ChatParticipantAdded reports a member added to a basic group at Version.
type ChatParticipantAdded struct {
	ChatID        ids.ChatID
	UserID        ids.UserID
	InviterUserID ids.UserID
	Date          int32
	Version       int32
}

// ChatParticipantDeleted reports a member removed from a basic group at Version.
type ChatParticipantDeleted struct {
	ChatID  ids.ChatID
	UserID  ids.UserID
	Version int32
}

// ChatParticipantAdmin reports a member promoted or demoted at Version.
type ChatParticipantAdmin struct {
	ChatID  ids.ChatID
	UserID  ids.UserID
	IsAdmin bool
	Version int32
}

// ChatDefaultPermissions reports new default permissions of a basic group.
type ChatDefaultPermissions struct {
	ChatID      ids.ChatID
	Permissions entities.Permissions
	Version     int32
}

// ChannelParticipantCount reports the server participant count of a channel.
type ChannelParticipantCount struct {
	ChannelID ids.ChannelID
	Count     int32
}

// ChannelMembersAdded reports users invited to or joining a channel.
type ChannelMembersAdded struct {
	ChannelID     ids.ChannelID
	UserIDs       []ids.UserID
	InviterUserID ids.UserID
	Date          int32
}

// ChannelMemberDeleted reports a member that left or was removed from a channel.
type ChannelMemberDeleted struct {
	ChannelID   ids.ChannelID
	UserID      ids.UserID
	ActorUserID ids.UserID
}

// ChannelParticipantChanged reports a member status change.
type ChannelParticipantChanged struct {
	ChannelID   ids.ChannelID
	UserID      ids.UserID
	ActorUserID ids.UserID
	Old         entities.MemberStatus
	New         entities.MemberStatus
	Date        int32
}

// ChannelSlowModeDelay reports the slow mode settings of a channel.
type ChannelSlowModeDelay struct {
	ChannelID    ids.ChannelID
	Delay        int32
	NextSendDate int32
}

// ChannelInvalidated tells that the channel changed in a way only a refetch reveals.
type ChannelInvalidated struct {
	ChannelID ids.ChannelID
}

// RequestFailed reports an error response to a request sent by another subsystem about Key.
type RequestFailed struct {
	Key       ids.Key
	Operation string
	Err       error
}

func (UsersReceived) isUpdate()             {}
func (ChatsReceived) isUpdate()             {}
func (SecretChatReceived) isUpdate()        {}
func (UserStatusChanged) isUpdate()         {}
func (UserNameChanged) isUpdate()           {}
func (UserPhotoChanged) isUpdate()          {}
func (ChatParticipantAdded) isUpdate()      {}
func (ChatParticipantDeleted) isUpdate()    {}
func (ChatParticipantAdmin) isUpdate()      {}
func (ChatDefaultPermissions) isUpdate()    {}
func (ChannelParticipantCount) isUpdate()   {}
func (ChannelMembersAdded) isUpdate()       {}
func (ChannelMemberDeleted) isUpdate()      {}
func (ChannelParticipantChanged) isUpdate() {}
func (ChannelSlowModeDelay) isUpdate()      {}
func (ChannelInvalidated) isUpdate()        {}
func (RequestFailed) isUpdate()             {}

// Deliver applies updates in order on the worker and returns once they were applied. Fetches they
// trigger continue in the background.
func (e *Engine) Deliver(ctx context.Context, updates ...Update) error {
	if len(updates) == 0 {
		return nil
	}
	return e.perform(ctx, func(finish func(error)) {
		for _, update := range updates {
			e.apply(update)
		}
		finish(nil)
	})
}
