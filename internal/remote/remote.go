// Package remote defines what the engine needs from the remote service and how its failures are classified.
package remote

import (
	"context"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
)

// UserRef addresses a user together with the access token required by the remote service.
type UserRef struct {
	ID         ids.UserID
	AccessHash int64
}

// ChannelRef addresses a channel together with its access token.
type ChannelRef struct {
	ID         ids.ChannelID
	AccessHash int64
}

// MinChannel is a reduced channel object seen in a context where the full object is not available.
type MinChannel struct {
	ID      ids.ChannelID
	Minimal entities.MinChannel
}

// Payload carries the objects returned alongside any response.
type Payload struct {
	Users       []*entities.User
	Chats       []*entities.Chat
	Channels    []*entities.Channel
	MinChannels []MinChannel
}

// IsEmpty reports whether the payload carries no objects.
func (p Payload) IsEmpty() bool {
	return len(p.Users) == 0 && len(p.Chats) == 0 && len(p.Channels) == 0 && len(p.MinChannels) == 0
}

// UserFullResult is the response to a full user request.
type UserFullResult struct {
	Payload
	Full *entities.UserFull
}

// ChatFullResult is the response to a full basic group request.
type ChatFullResult struct {
	Payload
	Full *entities.ChatFull
}

// ChannelFullResult is the response to a full channel request.
type ChannelFullResult struct {
	Payload
	Full *entities.ChannelFull
}

// Client is the remote service. Implementations are called from background goroutines and must
// be safe for concurrent use. Returned entities are owned by the caller.
type Client interface {
	GetUsers(ctx context.Context, users []UserRef) (Payload, error)
	GetChats(ctx context.Context, chats []ids.ChatID) (Payload, error)
	GetChannels(ctx context.Context, channels []ChannelRef) (Payload, error)
	GetUserFull(ctx context.Context, user UserRef) (UserFullResult, error)
	GetChatFull(ctx context.Context, chat ids.ChatID) (ChatFullResult, error)
	GetChannelFull(ctx context.Context, channel ChannelRef) (ChannelFullResult, error)

	EditChannelMemberStatus(ctx context.Context, channel ChannelRef, user UserRef, status entities.MemberStatus) (Payload, error)
	InviteToChannel(ctx context.Context, channel ChannelRef, users []UserRef) (Payload, error)
	JoinChannel(ctx context.Context, channel ChannelRef) (Payload, error)
	LeaveChannel(ctx context.Context, channel ChannelRef) (Payload, error)
	EditChannelTitle(ctx context.Context, channel ChannelRef, title string) (Payload, error)
	EditChatTitle(ctx context.Context, chat ids.ChatID, title string) (Payload, error)
}

// Offline is a Client for running without a remote connection; every call fails with ErrUnavailable.
type Offline struct{}

func (Offline) GetUsers(context.Context, []UserRef) (Payload, error) {
	return Payload{}, ErrUnavailable
}

func (Offline) GetChats(context.Context, []ids.ChatID) (Payload, error) {
	return Payload{}, ErrUnavailable
}

func (Offline) GetChannels(context.Context, []ChannelRef) (Payload, error) {
	return Payload{}, ErrUnavailable
}

func (Offline) GetUserFull(context.Context, UserRef) (UserFullResult, error) {
	return UserFullResult{}, ErrUnavailable
}

func (Offline) GetChatFull(context.Context, ids.ChatID) (ChatFullResult, error) {
	return ChatFullResult{}, ErrUnavailable
}

func (Offline) GetChannelFull(context.Context, ChannelRef) (ChannelFullResult, error) {
	return ChannelFullResult{}, ErrUnavailable
}

func (Offline) EditChannelMemberStatus(context.Context, ChannelRef, UserRef, entities.MemberStatus) (Payload, error) {
	return Payload{}, ErrUnavailable
}

func (Offline) InviteToChannel(context.Context, ChannelRef, []UserRef) (Payload, error) {
	return Payload{}, ErrUnavailable
}

func (Offline) JoinChannel(context.Context, ChannelRef) (Payload, error) {
	return Payload{}, ErrUnavailable
}

func (Offline) LeaveChannel(context.Context, ChannelRef) (Payload, error) {
	return Payload{}, ErrUnavailable
}

func (Offline) EditChannelTitle(context.Context, ChannelRef, string) (Payload, error) {
	return Payload{}, ErrUnavailable
}

func (Offline) EditChatTitle(context.Context, ids.ChatID, string) (Payload, error) {
	return Payload{}, ErrUnavailable
}
