package ids

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrInvalidID indicates that an entity identifier is zero or negative.
	ErrInvalidID = errors.New("ids: invalid entity id")
	// ErrUnknownKind indicates that a key prefix does not name a known entity kind.
	ErrUnknownKind = errors.New("ids: unknown entity kind")
)

// UserID identifies a user profile.
type UserID int64

// NewUserID validates raw input and returns a UserID.
func NewUserID(value int64) (UserID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: user %d", ErrInvalidID, value)
	}
	return UserID(value), nil
}

// Int64 exposes the raw identifier.
func (id UserID) Int64() int64 {
	return int64(id)
}

// IsValid reports whether the identifier can reference a user.
func (id UserID) IsValid() bool {
	return id > 0
}

func (id UserID) String() string {
	return "user " + strconv.FormatInt(int64(id), 10)
}

// Key returns the lightweight entity key for the user.
func (id UserID) Key() Key {
	return Key{Kind: KindUser, ID: int64(id)}
}

// FullKey returns the full profile key for the user.
func (id UserID) FullKey() Key {
	return Key{Kind: KindUserFull, ID: int64(id)}
}

// ChatID identifies a basic group.
type ChatID int64

// NewChatID validates raw input and returns a ChatID.
func NewChatID(value int64) (ChatID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: chat %d", ErrInvalidID, value)
	}
	return ChatID(value), nil
}

// Int64 exposes the raw identifier.
func (id ChatID) Int64() int64 {
	return int64(id)
}

// IsValid reports whether the identifier can reference a basic group.
func (id ChatID) IsValid() bool {
	return id > 0
}

func (id ChatID) String() string {
	return "chat " + strconv.FormatInt(int64(id), 10)
}

// Key returns the lightweight entity key for the chat.
func (id ChatID) Key() Key {
	return Key{Kind: KindChat, ID: int64(id)}
}

// FullKey returns the full profile key for the chat.
func (id ChatID) FullKey() Key {
	return Key{Kind: KindChatFull, ID: int64(id)}
}

// ChannelID identifies a supergroup or broadcast channel.
type ChannelID int64

// NewChannelID validates raw input and returns a ChannelID.
func NewChannelID(value int64) (ChannelID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: channel %d", ErrInvalidID, value)
	}
	return ChannelID(value), nil
}

// Int64 exposes the raw identifier.
func (id ChannelID) Int64() int64 {
	return int64(id)
}

// IsValid reports whether the identifier can reference a channel.
func (id ChannelID) IsValid() bool {
	return id > 0
}

func (id ChannelID) String() string {
	return "channel " + strconv.FormatInt(int64(id), 10)
}

// Key returns the lightweight entity key for the channel.
func (id ChannelID) Key() Key {
	return Key{Kind: KindChannel, ID: int64(id)}
}

// FullKey returns the full profile key for the channel.
func (id ChannelID) FullKey() Key {
	return Key{Kind: KindChannelFull, ID: int64(id)}
}

// SecretChatID identifies an end-to-end encrypted chat.
type SecretChatID int32

// NewSecretChatID validates raw input and returns a SecretChatID.
func NewSecretChatID(value int32) (SecretChatID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: secret chat %d", ErrInvalidID, value)
	}
	return SecretChatID(value), nil
}

// Int64 exposes the raw identifier widened for key construction.
func (id SecretChatID) Int64() int64 {
	return int64(id)
}

// IsValid reports whether the identifier can reference a secret chat.
func (id SecretChatID) IsValid() bool {
	return id > 0
}

func (id SecretChatID) String() string {
	return "secret chat " + strconv.FormatInt(int64(id), 10)
}

// Key returns the entity key for the secret chat.
func (id SecretChatID) Key() Key {
	return Key{Kind: KindSecretChat, ID: int64(id)}
}
