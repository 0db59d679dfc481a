package ids

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the cached entity families.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindUser
	KindUserFull
	KindChat
	KindChatFull
	KindChannel
	KindChannelFull
	KindSecretChat
)

const (
	keySeparator   = ":"
	stateSeparator = "#"
	stateSuffix    = "state"
)

var kindNames = map[Kind]string{
	KindUser:        "user",
	KindUserFull:    "user_full",
	KindChat:        "chat",
	KindChatFull:    "chat_full",
	KindChannel:     "channel",
	KindChannelFull: "channel_full",
	KindSecretChat:  "secret_chat",
}

var kindPrefixes = map[Kind]string{
	KindUser:        "us",
	KindUserFull:    "usf",
	KindChat:        "gr",
	KindChatFull:    "grf",
	KindChannel:     "ch",
	KindChannelFull: "chf",
	KindSecretChat:  "sc",
}

// AllKinds lists every persisted kind in hydration order: lightweight records precede their full records.
func AllKinds() []Kind {
	return []Kind{KindUser, KindChat, KindChannel, KindSecretChat, KindUserFull, KindChatFull, KindChannelFull}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind resolves a kind from its name.
func ParseKind(name string) (Kind, error) {
	for kind, candidate := range kindNames {
		if candidate == name {
			return kind, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// KeyPrefix returns the short storage prefix of the kind.
func (k Kind) KeyPrefix() string {
	return kindPrefixes[k]
}

// IsFull reports whether the kind is an extended full profile.
func (k Kind) IsFull() bool {
	return k == KindUserFull || k == KindChatFull || k == KindChannelFull
}

// Lightweight maps a full kind to its lightweight counterpart.
func (k Kind) Lightweight() Kind {
	switch k {
	case KindUserFull:
		return KindUser
	case KindChatFull:
		return KindChat
	case KindChannelFull:
		return KindChannel
	default:
		return k
	}
}

// Full maps a lightweight kind to its full counterpart, or KindUnknown when there is none.
func (k Kind) Full() Kind {
	switch k {
	case KindUser:
		return KindUserFull
	case KindChat:
		return KindChatFull
	case KindChannel:
		return KindChannelFull
	default:
		return KindUnknown
	}
}

// ScanPrefix returns the storage prefix matching every entity of the kind.
func (k Kind) ScanPrefix() string {
	return k.KeyPrefix() + keySeparator
}

// StateKey returns the storage key for the kind's scalar state.
func (k Kind) StateKey() string {
	return k.KeyPrefix() + stateSeparator + stateSuffix
}

// Key identifies one entity instance of one kind.
type Key struct {
	Kind Kind
	ID   int64
}

// Lightweight returns the key of the lightweight record for a full key.
func (key Key) Lightweight() Key {
	return Key{Kind: key.Kind.Lightweight(), ID: key.ID}
}

// Full returns the key of the full record for a lightweight key.
func (key Key) Full() Key {
	return Key{Kind: key.Kind.Full(), ID: key.ID}
}

// StorageKey renders the persistence key of the entity.
func (key Key) StorageKey() string {
	return key.Kind.ScanPrefix() + strconv.FormatInt(key.ID, 10)
}

func (key Key) String() string {
	return key.Kind.String() + " " + strconv.FormatInt(key.ID, 10)
}

// ParseStorageKey reverses StorageKey.
func ParseStorageKey(raw string) (Key, error) {
	prefix, rawID, found := strings.Cut(raw, keySeparator)
	if !found {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
	kind := KindUnknown
	for candidate, candidatePrefix := range kindPrefixes {
		if candidatePrefix == prefix {
			kind = candidate
			break
		}
	}
	if kind == KindUnknown {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	if id <= 0 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return Key{Kind: kind, ID: id}, nil
}
