package tgremote

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/entitysync/internal/engine"
	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// Sink receives translated updates in the order they were pushed.
type Sink interface {
	Deliver(ctx context.Context, updates ...engine.Update) error
}

// Handler translates pushed MTProto updates into engine updates.
type Handler struct {
	mu       sync.RWMutex
	sink     Sink
	myUserID ids.UserID
	logger   *zap.Logger
}

var (
	_ telegram.UpdateHandler = (*Handler)(nil)
	_ Sink                   = (*engine.Engine)(nil)
)

// NewHandler builds a handler delivering to sink. sink may be nil until Attach is called. myUserID
// tells secret chats started locally apart.
func NewHandler(sink Sink, myUserID ids.UserID, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sink: sink, myUserID: myUserID, logger: logger}
}

// Attach sets the sink. Updates pushed while no sink is attached are dropped.
func (h *Handler) Attach(sink Sink) {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
}

// Handle implements telegram.UpdateHandler. Attached users and chats are delivered before the
// updates that reference them.
func (h *Handler) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	translated := h.Translate(updates)
	if len(translated) == 0 {
		return nil
	}
	h.mu.RLock()
	sink := h.sink
	h.mu.RUnlock()
	if sink == nil {
		h.logger.Debug("updates dropped before the engine started", zap.Int("count", len(translated)))
		return nil
	}
	if err := sink.Deliver(ctx, translated...); err != nil {
		h.logger.Warn("updates not delivered", zap.Int("count", len(translated)), zap.Error(err))
		return err
	}
	return nil
}

// Translate converts one pushed container.
func (h *Handler) Translate(updates tg.UpdatesClass) []engine.Update {
	var (
		users   []tg.UserClass
		chats   []tg.ChatClass
		pending []tg.UpdateClass
	)
	switch typed := updates.(type) {
	case *tg.Updates:
		users, chats, pending = typed.Users, typed.Chats, typed.Updates
	case *tg.UpdatesCombined:
		users, chats, pending = typed.Users, typed.Chats, typed.Updates
	case *tg.UpdateShort:
		pending = []tg.UpdateClass{typed.Update}
	default:
		return nil
	}
	var translated []engine.Update
	payload := mapPayload(users, chats)
	if len(payload.Users) > 0 {
		translated = append(translated, engine.UsersReceived{Users: payload.Users})
	}
	if len(payload.Chats) > 0 || len(payload.Channels) > 0 || len(payload.MinChannels) > 0 {
		translated = append(translated, engine.ChatsReceived{
			Chats:       payload.Chats,
			Channels:    payload.Channels,
			MinChannels: payload.MinChannels,
		})
	}
	for _, update := range pending {
		if converted, ok := h.translateOne(update); ok {
			translated = append(translated, converted)
		}
	}
	return translated
}

func (h *Handler) translateOne(update tg.UpdateClass) (engine.Update, bool) {
	switch typed := update.(type) {
	case *tg.UpdateUserStatus:
		return engine.UserStatusChanged{UserID: ids.UserID(typed.UserID), WasOnline: mapUserStatus(typed.Status)}, true
	case *tg.UpdateUserName:
		return engine.UserNameChanged{
			UserID:    ids.UserID(typed.UserID),
			FirstName: typed.FirstName,
			LastName:  typed.LastName,
			Usernames: mapUsernames("", typed.Usernames),
		}, true
	case *tg.UpdateChatParticipantAdd:
		return engine.ChatParticipantAdded{
			ChatID:        ids.ChatID(typed.ChatID),
			UserID:        ids.UserID(typed.UserID),
			InviterUserID: ids.UserID(typed.InviterID),
			Date:          int32(typed.Date),
			Version:       int32(typed.Version),
		}, true
	case *tg.UpdateChatParticipantDelete:
		return engine.ChatParticipantDeleted{
			ChatID:  ids.ChatID(typed.ChatID),
			UserID:  ids.UserID(typed.UserID),
			Version: int32(typed.Version),
		}, true
	case *tg.UpdateChatParticipantAdmin:
		return engine.ChatParticipantAdmin{
			ChatID:  ids.ChatID(typed.ChatID),
			UserID:  ids.UserID(typed.UserID),
			IsAdmin: typed.IsAdmin,
			Version: int32(typed.Version),
		}, true
	case *tg.UpdateChatDefaultBannedRights:
		switch peer := typed.Peer.(type) {
		case *tg.PeerChat:
			return engine.ChatDefaultPermissions{
				ChatID:      ids.ChatID(peer.ChatID),
				Permissions: mapPermissions(typed.DefaultBannedRights),
				Version:     int32(typed.Version),
			}, true
		case *tg.PeerChannel:
			return engine.ChannelInvalidated{ChannelID: ids.ChannelID(peer.ChannelID)}, true
		}
	case *tg.UpdateChannelParticipant:
		return h.translateChannelParticipant(typed)
	case *tg.UpdateChannel:
		return engine.ChannelInvalidated{ChannelID: ids.ChannelID(typed.ChannelID)}, true
	case *tg.UpdateEncryption:
		if secretChat := mapSecretChat(typed.Chat, h.myUserID); secretChat != nil {
			return engine.SecretChatReceived{SecretChat: secretChat}, true
		}
	}
	return nil, false
}

// translateChannelParticipant reports a status change; a missing side means the user was not a member.
func (h *Handler) translateChannelParticipant(update *tg.UpdateChannelParticipant) (engine.Update, bool) {
	changed := engine.ChannelParticipantChanged{
		ChannelID:   ids.ChannelID(update.ChannelID),
		UserID:      ids.UserID(update.UserID),
		ActorUserID: ids.UserID(update.ActorID),
		Old:         entities.Left(),
		New:         entities.Left(),
		Date:        int32(update.Date),
	}
	if previous, ok := update.GetPrevParticipant(); ok {
		if _, status, known := participantStatus(previous); known {
			changed.Old = status
		}
	}
	if current, ok := update.GetNewParticipant(); ok {
		if _, status, known := participantStatus(current); known {
			changed.New = status
		}
	}
	return changed, true
}

// mapSecretChat converts an encrypted chat object; the peer is whichever side is not the local user.
func mapSecretChat(chat tg.EncryptedChatClass, myUserID ids.UserID) *entities.SecretChat {
	var (
		rawID         int
		accessHash    int64
		adminID       int64
		participantID int64
		state         entities.SecretChatState
		date          int
	)
	switch typed := chat.(type) {
	case *tg.EncryptedChatWaiting:
		rawID, accessHash, adminID, participantID, date = typed.ID, typed.AccessHash, typed.AdminID, typed.ParticipantID, typed.Date
		state = entities.SecretChatPending
	case *tg.EncryptedChatRequested:
		rawID, accessHash, adminID, participantID, date = typed.ID, typed.AccessHash, typed.AdminID, typed.ParticipantID, typed.Date
		state = entities.SecretChatPending
	case *tg.EncryptedChat:
		rawID, accessHash, adminID, participantID, date = typed.ID, typed.AccessHash, typed.AdminID, typed.ParticipantID, typed.Date
		state = entities.SecretChatActive
	case *tg.EncryptedChatDiscarded:
		rawID = typed.ID
		state = entities.SecretChatClosed
	default:
		return nil
	}
	id, err := ids.NewSecretChatID(int32(rawID))
	if err != nil {
		return nil
	}
	secretChat := entities.NewSecretChat(id)
	secretChat.State = state
	secretChat.Date = int32(date)
	if adminID == 0 && participantID == 0 {
		return secretChat
	}
	secretChat.AccessHash = accessHash
	secretChat.IsOutbound = ids.UserID(adminID) == myUserID
	if secretChat.IsOutbound {
		secretChat.UserID = ids.UserID(participantID)
	} else {
		secretChat.UserID = ids.UserID(adminID)
	}
	return secretChat
}
