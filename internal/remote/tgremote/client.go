// Package tgremote implements the remote service on top of the MTProto client.
package tgremote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultRequestsPerSecond = 5
	defaultFloodMaxWait      = time.Minute
)

var (
	// ErrNotAuthorized means the session file holds no signed-in account.
	ErrNotAuthorized = errors.New("tgremote: session is not authorized")
	errMissingAPI    = errors.New("tgremote: missing api client")
)

// API lists the RPC methods the client uses; *tg.Client satisfies it.
type API interface {
	UsersGetUsers(ctx context.Context, id []tg.InputUserClass) ([]tg.UserClass, error)
	MessagesGetChats(ctx context.Context, id []int64) (tg.MessagesChatsClass, error)
	ChannelsGetChannels(ctx context.Context, id []tg.InputChannelClass) (tg.MessagesChatsClass, error)
	UsersGetFullUser(ctx context.Context, id tg.InputUserClass) (*tg.UsersUserFull, error)
	MessagesGetFullChat(ctx context.Context, chatID int64) (*tg.MessagesChatFull, error)
	ChannelsGetFullChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.MessagesChatFull, error)
	ChannelsEditBanned(ctx context.Context, request *tg.ChannelsEditBannedRequest) (tg.UpdatesClass, error)
	ChannelsEditAdmin(ctx context.Context, request *tg.ChannelsEditAdminRequest) (tg.UpdatesClass, error)
	ChannelsInviteToChannel(ctx context.Context, request *tg.ChannelsInviteToChannelRequest) (*tg.MessagesInvitedUsers, error)
	ChannelsJoinChannel(ctx context.Context, channel tg.InputChannelClass) (tg.UpdatesClass, error)
	ChannelsLeaveChannel(ctx context.Context, channel tg.InputChannelClass) (tg.UpdatesClass, error)
	ChannelsEditTitle(ctx context.Context, request *tg.ChannelsEditTitleRequest) (tg.UpdatesClass, error)
	MessagesEditChatTitle(ctx context.Context, request *tg.MessagesEditChatTitleRequest) (tg.UpdatesClass, error)
}

// Client implements remote.Client. Every RPC waits for a token of the rate limiter first.
type Client struct {
	api     API
	limiter ratelimit.Limiter
	logger  *zap.Logger
}

var _ remote.Client = (*Client)(nil)

// NewClient wraps api; a nil limiter allows defaultRequestsPerSecond.
func NewClient(api API, limiter ratelimit.Limiter, logger *zap.Logger) (*Client, error) {
	if api == nil {
		return nil, errMissingAPI
	}
	if limiter == nil {
		limiter = ratelimit.New(defaultRequestsPerSecond)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, limiter: limiter, logger: logger}, nil
}

func (c *Client) take(method string) {
	started := time.Now()
	c.limiter.Take()
	if waited := time.Since(started); waited > time.Second {
		c.logger.Debug("rate limited", zap.String("method", method), zap.Duration("waited", waited))
	}
}

func inputUser(ref remote.UserRef) *tg.InputUser {
	return &tg.InputUser{UserID: ref.ID.Int64(), AccessHash: ref.AccessHash}
}

func inputChannel(ref remote.ChannelRef) *tg.InputChannel {
	return &tg.InputChannel{ChannelID: ref.ID.Int64(), AccessHash: ref.AccessHash}
}

func chatsOf(chats tg.MessagesChatsClass) []tg.ChatClass {
	switch typed := chats.(type) {
	case *tg.MessagesChats:
		return typed.Chats
	case *tg.MessagesChatsSlice:
		return typed.Chats
	default:
		return nil
	}
}

// updatesPayload extracts the objects attached to the result of a mutation.
func updatesPayload(updates tg.UpdatesClass) remote.Payload {
	switch typed := updates.(type) {
	case *tg.Updates:
		return mapPayload(typed.Users, typed.Chats)
	case *tg.UpdatesCombined:
		return mapPayload(typed.Users, typed.Chats)
	default:
		return remote.Payload{}
	}
}

func (c *Client) GetUsers(ctx context.Context, users []remote.UserRef) (remote.Payload, error) {
	const method = "users.getUsers"
	inputs := make([]tg.InputUserClass, 0, len(users))
	for _, ref := range users {
		inputs = append(inputs, inputUser(ref))
	}
	c.take(method)
	result, err := c.api.UsersGetUsers(ctx, inputs)
	if err != nil {
		return remote.Payload{}, classify(method, err)
	}
	return mapPayload(result, nil), nil
}

func (c *Client) GetChats(ctx context.Context, chats []ids.ChatID) (remote.Payload, error) {
	const method = "messages.getChats"
	chatIDs := make([]int64, 0, len(chats))
	for _, id := range chats {
		chatIDs = append(chatIDs, id.Int64())
	}
	c.take(method)
	result, err := c.api.MessagesGetChats(ctx, chatIDs)
	if err != nil {
		return remote.Payload{}, classify(method, err)
	}
	return mapPayload(nil, chatsOf(result)), nil
}

func (c *Client) GetChannels(ctx context.Context, channels []remote.ChannelRef) (remote.Payload, error) {
	const method = "channels.getChannels"
	inputs := make([]tg.InputChannelClass, 0, len(channels))
	for _, ref := range channels {
		inputs = append(inputs, inputChannel(ref))
	}
	c.take(method)
	result, err := c.api.ChannelsGetChannels(ctx, inputs)
	if err != nil {
		return remote.Payload{}, classify(method, err)
	}
	return mapPayload(nil, chatsOf(result)), nil
}

func (c *Client) GetUserFull(ctx context.Context, user remote.UserRef) (remote.UserFullResult, error) {
	const method = "users.getFullUser"
	c.take(method)
	result, err := c.api.UsersGetFullUser(ctx, inputUser(user))
	if err != nil {
		return remote.UserFullResult{}, classify(method, err)
	}
	return remote.UserFullResult{
		Payload: mapPayload(result.Users, result.Chats),
		Full:    mapUserFull(&result.FullUser),
	}, nil
}

func (c *Client) GetChatFull(ctx context.Context, chat ids.ChatID) (remote.ChatFullResult, error) {
	const method = "messages.getFullChat"
	c.take(method)
	result, err := c.api.MessagesGetFullChat(ctx, chat.Int64())
	if err != nil {
		return remote.ChatFullResult{}, classify(method, err)
	}
	full, ok := result.FullChat.(*tg.ChatFull)
	if !ok {
		return remote.ChatFullResult{}, remote.NewCallError(method, "UNEXPECTED_FULL_CHAT", remote.ErrNotFound, fmt.Errorf("got %T", result.FullChat))
	}
	return remote.ChatFullResult{
		Payload: mapPayload(result.Users, result.Chats),
		Full:    mapChatFull(full),
	}, nil
}

func (c *Client) GetChannelFull(ctx context.Context, channel remote.ChannelRef) (remote.ChannelFullResult, error) {
	const method = "channels.getFullChannel"
	c.take(method)
	result, err := c.api.ChannelsGetFullChannel(ctx, inputChannel(channel))
	if err != nil {
		return remote.ChannelFullResult{}, classify(method, err)
	}
	full, ok := result.FullChat.(*tg.ChannelFull)
	if !ok {
		return remote.ChannelFullResult{}, remote.NewCallError(method, "UNEXPECTED_FULL_CHAT", remote.ErrNotFound, fmt.Errorf("got %T", result.FullChat))
	}
	return remote.ChannelFullResult{
		Payload: mapPayload(result.Users, result.Chats),
		Full:    mapChannelFull(full),
	}, nil
}

// EditChannelMemberStatus promotes, restricts or bans a member. Leaving is requested as a ban that is
// lifted right away.
func (c *Client) EditChannelMemberStatus(ctx context.Context, channel remote.ChannelRef, user remote.UserRef, status entities.MemberStatus) (remote.Payload, error) {
	admin, banned, promote := memberStatusRights(status)
	if promote {
		const method = "channels.editAdmin"
		c.take(method)
		updates, err := c.api.ChannelsEditAdmin(ctx, &tg.ChannelsEditAdminRequest{
			Channel:     inputChannel(channel),
			UserID:      inputUser(user),
			AdminRights: admin,
			Rank:        status.Rank,
		})
		if err != nil {
			return remote.Payload{}, classify(method, err)
		}
		return updatesPayload(updates), nil
	}
	if status.Type == entities.StatusLeft {
		if _, err := c.editBanned(ctx, channel, user, tg.ChatBannedRights{ViewMessages: true}); err != nil {
			return remote.Payload{}, err
		}
	}
	return c.editBanned(ctx, channel, user, banned)
}

func (c *Client) editBanned(ctx context.Context, channel remote.ChannelRef, user remote.UserRef, rights tg.ChatBannedRights) (remote.Payload, error) {
	const method = "channels.editBanned"
	c.take(method)
	updates, err := c.api.ChannelsEditBanned(ctx, &tg.ChannelsEditBannedRequest{
		Channel:      inputChannel(channel),
		Participant:  &tg.InputPeerUser{UserID: user.ID.Int64(), AccessHash: user.AccessHash},
		BannedRights: rights,
	})
	if err != nil {
		return remote.Payload{}, classify(method, err)
	}
	return updatesPayload(updates), nil
}

func (c *Client) InviteToChannel(ctx context.Context, channel remote.ChannelRef, users []remote.UserRef) (remote.Payload, error) {
	const method = "channels.inviteToChannel"
	inputs := make([]tg.InputUserClass, 0, len(users))
	for _, ref := range users {
		inputs = append(inputs, inputUser(ref))
	}
	c.take(method)
	result, err := c.api.ChannelsInviteToChannel(ctx, &tg.ChannelsInviteToChannelRequest{
		Channel: inputChannel(channel),
		Users:   inputs,
	})
	if err != nil {
		return remote.Payload{}, classify(method, err)
	}
	if len(result.MissingInvitees) > 0 {
		c.logger.Info("invitees could not be added",
			zap.Int64("channel_id", channel.ID.Int64()),
			zap.Int("missing", len(result.MissingInvitees)))
	}
	return updatesPayload(result.Updates), nil
}

func (c *Client) JoinChannel(ctx context.Context, channel remote.ChannelRef) (remote.Payload, error) {
	const method = "channels.joinChannel"
	c.take(method)
	updates, err := c.api.ChannelsJoinChannel(ctx, inputChannel(channel))
	if err != nil {
		return remote.Payload{}, classify(method, err)
	}
	return updatesPayload(updates), nil
}

func (c *Client) LeaveChannel(ctx context.Context, channel remote.ChannelRef) (remote.Payload, error) {
	const method = "channels.leaveChannel"
	c.take(method)
	updates, err := c.api.ChannelsLeaveChannel(ctx, inputChannel(channel))
	if err != nil {
		return remote.Payload{}, classify(method, err)
	}
	return updatesPayload(updates), nil
}

func (c *Client) EditChannelTitle(ctx context.Context, channel remote.ChannelRef, title string) (remote.Payload, error) {
	const method = "channels.editTitle"
	c.take(method)
	updates, err := c.api.ChannelsEditTitle(ctx, &tg.ChannelsEditTitleRequest{Channel: inputChannel(channel), Title: title})
	if err != nil {
		return remote.Payload{}, classify(method, err)
	}
	return updatesPayload(updates), nil
}

func (c *Client) EditChatTitle(ctx context.Context, chat ids.ChatID, title string) (remote.Payload, error) {
	const method = "messages.editChatTitle"
	c.take(method)
	updates, err := c.api.MessagesEditChatTitle(ctx, &tg.MessagesEditChatTitleRequest{ChatID: chat.Int64(), Title: title})
	if err != nil {
		return remote.Payload{}, classify(method, err)
	}
	return updatesPayload(updates), nil
}

// Config describes the MTProto connection.
type Config struct {
	APIID             int
	APIHash           string
	SessionPath       string
	RequestsPerSecond int
	FloodMaxWait      time.Duration
}

// Run connects with the stored session and calls ready with a Client once the account is
// authorized. The connection lives until ready returns or ctx is cancelled. Pushed updates go to
// handler.
func Run(ctx context.Context, config Config, handler telegram.UpdateHandler, logger *zap.Logger, ready func(ctx context.Context, client *Client) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	floodMaxWait := config.FloodMaxWait
	if floodMaxWait <= 0 {
		floodMaxWait = defaultFloodMaxWait
	}
	requestsPerSecond := config.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSecond
	}
	waiter := floodwait.NewWaiter().WithMaxWait(floodMaxWait)
	telegramClient := telegram.NewClient(config.APIID, config.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: config.SessionPath},
		Middlewares:    []telegram.Middleware{waiter},
		UpdateHandler:  handler,
		Logger:         logger.Named("mtproto"),
	})
	return waiter.Run(ctx, func(ctx context.Context) error {
		return telegramClient.Run(ctx, func(ctx context.Context) error {
			status, err := telegramClient.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("checking auth status: %w", err)
			}
			if !status.Authorized {
				return ErrNotAuthorized
			}
			client, err := NewClient(telegramClient.API(), ratelimit.New(requestsPerSecond), logger)
			if err != nil {
				return err
			}
			return ready(ctx, client)
		})
	})
}
