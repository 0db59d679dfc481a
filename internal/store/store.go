package store

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
)

// KeyHydrator synchronously reads a persisted entity by key.
type KeyHydrator interface {
	LoadNow(key ids.Key) (entities.Entity, bool)
}

// Store owns the in-memory records of every entity kind. It is not safe for concurrent use;
// the engine worker is its only caller.
type Store struct {
	Users        *Table[ids.UserID, *entities.User]
	UserFulls    *Table[ids.UserID, *entities.UserFull]
	Chats        *Table[ids.ChatID, *entities.Chat]
	ChatFulls    *Table[ids.ChatID, *entities.ChatFull]
	Channels     *Table[ids.ChannelID, *entities.ChannelSlot]
	ChannelFulls *Table[ids.ChannelID, *entities.ChannelFull]
	SecretChats  *Table[ids.SecretChatID, *entities.SecretChat]

	hydrator KeyHydrator
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		Users:        NewTable(entities.NewUser),
		UserFulls:    NewTable(entities.NewUserFull),
		Chats:        NewTable(entities.NewChat),
		ChatFulls:    NewTable(entities.NewChatFull),
		Channels:     NewTable(func(ids.ChannelID) *entities.ChannelSlot { return &entities.ChannelSlot{} }),
		ChannelFulls: NewTable(entities.NewChannelFull),
		SecretChats:  NewTable(entities.NewSecretChat),
	}
}

// SetHydrator wires every table to the persisted copy of its kind.
func (s *Store) SetHydrator(hydrator KeyHydrator) {
	s.hydrator = hydrator
	s.Users.SetHydrator(typedHydrator(hydrator, func(id ids.UserID) ids.Key { return id.Key() }, func(e entities.Entity) (*entities.User, bool) {
		user, ok := e.(*entities.User)
		return user, ok
	}))
	s.UserFulls.SetHydrator(typedHydrator(hydrator, func(id ids.UserID) ids.Key { return id.FullKey() }, func(e entities.Entity) (*entities.UserFull, bool) {
		full, ok := e.(*entities.UserFull)
		return full, ok
	}))
	s.Chats.SetHydrator(typedHydrator(hydrator, func(id ids.ChatID) ids.Key { return id.Key() }, func(e entities.Entity) (*entities.Chat, bool) {
		chat, ok := e.(*entities.Chat)
		return chat, ok
	}))
	s.ChatFulls.SetHydrator(typedHydrator(hydrator, func(id ids.ChatID) ids.Key { return id.FullKey() }, func(e entities.Entity) (*entities.ChatFull, bool) {
		full, ok := e.(*entities.ChatFull)
		return full, ok
	}))
	s.ChannelFulls.SetHydrator(typedHydrator(hydrator, func(id ids.ChannelID) ids.Key { return id.FullKey() }, func(e entities.Entity) (*entities.ChannelFull, bool) {
		full, ok := e.(*entities.ChannelFull)
		return full, ok
	}))
	s.SecretChats.SetHydrator(typedHydrator(hydrator, func(id ids.SecretChatID) ids.Key { return id.Key() }, func(e entities.Entity) (*entities.SecretChat, bool) {
		secretChat, ok := e.(*entities.SecretChat)
		return secretChat, ok
	}))
}

func typedHydrator[ID comparable, E any](hydrator KeyHydrator, key func(ID) ids.Key, cast func(entities.Entity) (E, bool)) Hydrator[ID, E] {
	return HydratorFunc[ID, E](func(id ID) (E, bool) {
		var zero E
		if hydrator == nil {
			return zero, false
		}
		entity, ok := hydrator.LoadNow(key(id))
		if !ok {
			return zero, false
		}
		return cast(entity)
	})
}

// Channel returns the full channel record held in memory.
func (s *Store) Channel(id ids.ChannelID) (*entities.Channel, bool) {
	slot, ok := s.Channels.Get(id)
	if !ok {
		return nil, false
	}
	return slot.Full()
}

// MinChannel returns the placeholder of a channel that was never fetched.
func (s *Store) MinChannel(id ids.ChannelID) (entities.MinChannel, bool) {
	slot, ok := s.Channels.Get(id)
	if !ok {
		return entities.MinChannel{}, false
	}
	return slot.Minimal()
}

// ForceLoadChannel returns the full channel, hydrating it from storage when memory only holds a placeholder.
func (s *Store) ForceLoadChannel(id ids.ChannelID) (*entities.Channel, bool) {
	slot, ok := s.Channels.Get(id)
	if ok {
		if channel, full := slot.Full(); full {
			return channel, true
		}
	}
	if s.Channels.IsKnownAbsent(id) || s.hydrator == nil {
		return nil, false
	}
	entity, found := s.hydrator.LoadNow(id.Key())
	channel, isChannel := entity.(*entities.Channel)
	if !found || !isChannel {
		if !ok {
			s.Channels.MarkAbsent(id)
		}
		return nil, false
	}
	s.InstallChannel(channel)
	return channel, true
}

// InstallChannel stores a fully populated channel, replacing a placeholder.
func (s *Store) InstallChannel(channel *entities.Channel) {
	slot := entities.FullSlot(channel)
	s.Channels.Put(channel.ID, &slot)
}

// ChannelForUpdate returns the full channel record, upgrading an unknown or placeholder slot.
func (s *Store) ChannelForUpdate(id ids.ChannelID) (*entities.Channel, bool) {
	if channel, ok := s.ForceLoadChannel(id); ok {
		return channel, false
	}
	slot, _ := s.Channels.GetOrCreate(id)
	return slot.Upgrade(id), true
}

// ApplyMinChannel records placeholder information unless the full channel is known.
func (s *Store) ApplyMinChannel(id ids.ChannelID, minimal entities.MinChannel) bool {
	if _, ok := s.ForceLoadChannel(id); ok {
		return false
	}
	slot, _ := s.Channels.GetOrCreate(id)
	return slot.SetMinimal(minimal)
}

// ForceLoadUserFull hydrates a full user profile unless the user is known to be absent.
func (s *Store) ForceLoadUserFull(id ids.UserID) (*entities.UserFull, bool) {
	if s.Users.IsKnownAbsent(id) {
		return nil, false
	}
	return s.UserFulls.ForceLoad(id)
}

// ForceLoadChatFull hydrates a full group profile unless the group is known to be absent.
func (s *Store) ForceLoadChatFull(id ids.ChatID) (*entities.ChatFull, bool) {
	if s.Chats.IsKnownAbsent(id) {
		return nil, false
	}
	return s.ChatFulls.ForceLoad(id)
}

// ForceLoadChannelFull hydrates a full channel profile unless the channel is known to be absent.
func (s *Store) ForceLoadChannelFull(id ids.ChannelID) (*entities.ChannelFull, bool) {
	if s.Channels.IsKnownAbsent(id) {
		return nil, false
	}
	return s.ChannelFulls.ForceLoad(id)
}

// MarkAbsent records that an entity does not exist. A lightweight entity takes its full record with it.
func (s *Store) MarkAbsent(key ids.Key) {
	switch key.Kind {
	case ids.KindUser:
		s.Users.MarkAbsent(ids.UserID(key.ID))
		s.UserFulls.MarkAbsent(ids.UserID(key.ID))
	case ids.KindUserFull:
		s.UserFulls.MarkAbsent(ids.UserID(key.ID))
	case ids.KindChat:
		s.Chats.MarkAbsent(ids.ChatID(key.ID))
		s.ChatFulls.MarkAbsent(ids.ChatID(key.ID))
	case ids.KindChatFull:
		s.ChatFulls.MarkAbsent(ids.ChatID(key.ID))
	case ids.KindChannel:
		if _, minimal := s.MinChannel(ids.ChannelID(key.ID)); minimal {
			s.ChannelFulls.MarkAbsent(ids.ChannelID(key.ID))
			return
		}
		s.Channels.MarkAbsent(ids.ChannelID(key.ID))
		s.ChannelFulls.MarkAbsent(ids.ChannelID(key.ID))
	case ids.KindChannelFull:
		s.ChannelFulls.MarkAbsent(ids.ChannelID(key.ID))
	case ids.KindSecretChat:
		s.SecretChats.MarkAbsent(ids.SecretChatID(key.ID))
	}
}

// DropFull forgets an in-memory full record without marking it absent. key may name either record.
func (s *Store) DropFull(key ids.Key) {
	kind := key.Kind
	if !kind.IsFull() {
		kind = kind.Full()
	}
	switch kind {
	case ids.KindUserFull:
		s.UserFulls.Delete(ids.UserID(key.ID))
	case ids.KindChatFull:
		s.ChatFulls.Delete(ids.ChatID(key.ID))
	case ids.KindChannelFull:
		s.ChannelFulls.Delete(ids.ChannelID(key.ID))
	}
}

// Lookup returns the in-memory record for any key.
func (s *Store) Lookup(key ids.Key) (entities.Entity, bool) {
	switch key.Kind {
	case ids.KindUser:
		user, ok := s.Users.Get(ids.UserID(key.ID))
		return asEntity(user, ok)
	case ids.KindUserFull:
		full, ok := s.UserFulls.Get(ids.UserID(key.ID))
		return asEntity(full, ok)
	case ids.KindChat:
		chat, ok := s.Chats.Get(ids.ChatID(key.ID))
		return asEntity(chat, ok)
	case ids.KindChatFull:
		full, ok := s.ChatFulls.Get(ids.ChatID(key.ID))
		return asEntity(full, ok)
	case ids.KindChannel:
		channel, ok := s.Channel(ids.ChannelID(key.ID))
		return asEntity(channel, ok)
	case ids.KindChannelFull:
		full, ok := s.ChannelFulls.Get(ids.ChannelID(key.ID))
		return asEntity(full, ok)
	case ids.KindSecretChat:
		secretChat, ok := s.SecretChats.Get(ids.SecretChatID(key.ID))
		return asEntity(secretChat, ok)
	default:
		return nil, false
	}
}

func asEntity[E entities.Entity](item E, ok bool) (entities.Entity, bool) {
	if !ok {
		return nil, false
	}
	return item, true
}

// Install puts a hydrated record into its table, replacing whatever memory held.
func (s *Store) Install(entity entities.Entity) error {
	switch typed := entity.(type) {
	case *entities.User:
		s.Users.Put(typed.ID, typed)
	case *entities.UserFull:
		s.UserFulls.Put(typed.UserID, typed)
	case *entities.Chat:
		s.Chats.Put(typed.ID, typed)
	case *entities.ChatFull:
		s.ChatFulls.Put(typed.ChatID, typed)
	case *entities.Channel:
		s.InstallChannel(typed)
	case *entities.ChannelFull:
		s.ChannelFulls.Put(typed.ChannelID, typed)
	case *entities.SecretChat:
		s.SecretChats.Put(typed.ID, typed)
	default:
		return fmt.Errorf("store: unsupported entity %T", entity)
	}
	return nil
}
