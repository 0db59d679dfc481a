package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
)

var (
	// ErrCorruptRecord indicates a persisted value that cannot be turned back into an entity.
	ErrCorruptRecord = errors.New("persistence: corrupt record")
	// ErrUnsupportedKind indicates a key whose kind has no persisted form.
	ErrUnsupportedKind = errors.New("persistence: unsupported kind")
)

type envelope struct {
	Version uint32          `json:"v"`
	Data    json.RawMessage `json:"data"`
}

// CacheVersion returns the current persisted format version of a kind.
func CacheVersion(kind ids.Kind) uint32 {
	switch kind {
	case ids.KindUser:
		return entities.UserCacheVersion
	case ids.KindUserFull:
		return entities.UserFullCacheVersion
	case ids.KindChat:
		return entities.ChatCacheVersion
	case ids.KindChatFull:
		return entities.ChatFullCacheVersion
	case ids.KindChannel:
		return entities.ChannelCacheVersion
	case ids.KindChannelFull:
		return entities.ChannelFullCacheVersion
	case ids.KindSecretChat:
		return entities.SecretChatCacheVersion
	default:
		return 0
	}
}

// Encode serializes the public fields of an entity inside a versioned envelope.
func Encode(entity entities.Entity) ([]byte, error) {
	key := entity.Key()
	version := CacheVersion(key.Kind)
	if version == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, key.Kind)
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: version, Data: data})
}

func newEntity(key ids.Key) (entities.Entity, error) {
	switch key.Kind {
	case ids.KindUser:
		return entities.NewUser(ids.UserID(key.ID)), nil
	case ids.KindUserFull:
		return entities.NewUserFull(ids.UserID(key.ID)), nil
	case ids.KindChat:
		return entities.NewChat(ids.ChatID(key.ID)), nil
	case ids.KindChatFull:
		return entities.NewChatFull(ids.ChatID(key.ID)), nil
	case ids.KindChannel:
		return entities.NewChannel(ids.ChannelID(key.ID)), nil
	case ids.KindChannelFull:
		return entities.NewChannelFull(ids.ChannelID(key.ID)), nil
	case ids.KindSecretChat:
		return entities.NewSecretChat(ids.SecretChatID(key.ID)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, key.Kind)
	}
}

// Decode restores the entity stored under key. The result is clean for storage but still has to be
// announced once. Outdated reports a record written with another format version; such records are
// usable but must be refetched once.
func Decode(key ids.Key, raw []byte) (entity entities.Entity, outdated bool, err error) {
	var wrapped envelope
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, key, err)
	}
	if len(wrapped.Data) == 0 || wrapped.Version == 0 {
		return nil, false, fmt.Errorf("%w: %s: empty envelope", ErrCorruptRecord, key)
	}
	entity, err = newEntity(key)
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(wrapped.Data, entity); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, key, err)
	}
	if entity.Key() != key {
		return nil, false, fmt.Errorf("%w: %s: stored id %d", ErrCorruptRecord, key, entity.Key().ID)
	}
	record := entity.Bookkeeping()
	record.ClearPending()
	record.MarkSendOnly()
	record.MarkSaved(record.Generation())
	return entity, wrapped.Version != CacheVersion(key.Kind), nil
}
