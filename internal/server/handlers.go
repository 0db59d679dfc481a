package server

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/entitysync/internal/engine"
	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/gin-gonic/gin"
)

const (
	opGetUser          = "server.get_user"
	opGetUserFull      = "server.get_user_full"
	opGetChat          = "server.get_chat"
	opGetChatFull      = "server.get_chat_full"
	opGetChannel       = "server.get_channel"
	opGetChannelFull   = "server.get_channel_full"
	opGetSecretChat    = "server.get_secret_chat"
	opStats            = "server.stats"
	opContactsState    = "server.contacts_state"
	opSetMemberStatus  = "server.set_member_status"
	opAddMembers       = "server.add_members"
	opJoinChannel      = "server.join_channel"
	opLeaveChannel     = "server.leave_channel"
	opEditChannelTitle = "server.edit_channel_title"
	opEditChatTitle    = "server.edit_chat_title"
	opInvalidateFull   = "server.invalidate_full"
	opInvalidateKind   = "server.invalidate_kind"
	opSetContactsState = "server.set_contacts_state"
)

const defaultReadModeName = "background_refresh"

func pathID(c *gin.Context, name string) (int64, error) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ids.ErrInvalidID, c.Param(name))
	}
	return value, nil
}

func readMode(c *gin.Context) (engine.Mode, error) {
	name := c.DefaultQuery("mode", defaultReadModeName)
	mode, ok := engine.ParseMode(name)
	if !ok {
		return 0, fmt.Errorf("%w: unknown mode %q", engine.ErrInvalidArgument, name)
	}
	return mode, nil
}

func onlyLocal(c *gin.Context) bool {
	value, err := strconv.ParseBool(c.DefaultQuery("only_local", "false"))
	return err == nil && value
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	raw, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opGetUser, err)
		return
	}
	mode, err := readMode(c)
	if err != nil {
		h.respondError(c, opGetUser, err)
		return
	}
	user, err := h.engine.GetUser(c.Request.Context(), ids.UserID(raw), mode)
	if err != nil {
		h.respondError(c, opGetUser, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *httpHandler) handleGetUserFull(c *gin.Context) {
	raw, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opGetUserFull, err)
		return
	}
	full, err := h.engine.GetUserFull(c.Request.Context(), ids.UserID(raw), onlyLocal(c))
	if err != nil {
		h.respondError(c, opGetUserFull, err)
		return
	}
	c.JSON(http.StatusOK, full)
}

func (h *httpHandler) handleGetChat(c *gin.Context) {
	raw, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opGetChat, err)
		return
	}
	mode, err := readMode(c)
	if err != nil {
		h.respondError(c, opGetChat, err)
		return
	}
	chat, err := h.engine.GetChat(c.Request.Context(), ids.ChatID(raw), mode)
	if err != nil {
		h.respondError(c, opGetChat, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (h *httpHandler) handleGetChatFull(c *gin.Context) {
	raw, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opGetChatFull, err)
		return
	}
	full, err := h.engine.GetChatFull(c.Request.Context(), ids.ChatID(raw), onlyLocal(c))
	if err != nil {
		h.respondError(c, opGetChatFull, err)
		return
	}
	c.JSON(http.StatusOK, full)
}

func (h *httpHandler) handleGetChannel(c *gin.Context) {
	raw, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opGetChannel, err)
		return
	}
	mode, err := readMode(c)
	if err != nil {
		h.respondError(c, opGetChannel, err)
		return
	}
	channel, err := h.engine.GetChannel(c.Request.Context(), ids.ChannelID(raw), mode)
	if err != nil {
		h.respondError(c, opGetChannel, err)
		return
	}
	c.JSON(http.StatusOK, channel)
}

func (h *httpHandler) handleGetChannelFull(c *gin.Context) {
	raw, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opGetChannelFull, err)
		return
	}
	full, err := h.engine.GetChannelFull(c.Request.Context(), ids.ChannelID(raw), onlyLocal(c))
	if err != nil {
		h.respondError(c, opGetChannelFull, err)
		return
	}
	c.JSON(http.StatusOK, full)
}

func (h *httpHandler) handleGetSecretChat(c *gin.Context) {
	raw, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opGetSecretChat, err)
		return
	}
	mode, err := readMode(c)
	if err != nil {
		h.respondError(c, opGetSecretChat, err)
		return
	}
	if raw > math.MaxInt32 {
		h.respondError(c, opGetSecretChat, fmt.Errorf("%w: secret chat %d out of range", ids.ErrInvalidID, raw))
		return
	}
	secretChat, err := h.engine.GetSecretChat(c.Request.Context(), ids.SecretChatID(raw), mode)
	if err != nil {
		h.respondError(c, opGetSecretChat, err)
		return
	}
	c.JSON(http.StatusOK, secretChat)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, opStats, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleGetContactsState(c *gin.Context) {
	state, err := h.engine.ContactsState(c.Request.Context())
	if err != nil {
		h.respondError(c, opContactsState, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type memberStatusPayload struct {
	Type      string          `json:"type" binding:"required"`
	Rights    entities.Rights `json:"rights"`
	UntilDate int32           `json:"until_date"`
	Member    bool            `json:"member"`
	Rank      string          `json:"rank"`
}

func (p memberStatusPayload) status() (entities.MemberStatus, error) {
	statusType, ok := entities.ParseStatusType(p.Type)
	if !ok {
		return entities.MemberStatus{}, fmt.Errorf("%w: unknown status %q", engine.ErrInvalidArgument, p.Type)
	}
	switch statusType {
	case entities.StatusCreator:
		return entities.Creator(p.Rank), nil
	case entities.StatusAdministrator:
		return entities.Administrator(p.Rights, p.Rank), nil
	case entities.StatusMember:
		return entities.Member(), nil
	case entities.StatusRestricted:
		return entities.Restricted(p.Member, p.Rights, p.UntilDate), nil
	case entities.StatusBanned:
		return entities.Banned(p.UntilDate), nil
	default:
		return entities.Left(), nil
	}
}

func (h *httpHandler) handleSetMemberStatus(c *gin.Context) {
	channelID, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opSetMemberStatus, err)
		return
	}
	userID, err := pathID(c, "user_id")
	if err != nil {
		h.respondError(c, opSetMemberStatus, err)
		return
	}
	var request memberStatusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}
	status, err := request.status()
	if err != nil {
		h.respondError(c, opSetMemberStatus, err)
		return
	}
	if err := h.engine.SetChannelMemberStatus(c.Request.Context(), ids.ChannelID(channelID), ids.UserID(userID), status); err != nil {
		h.respondError(c, opSetMemberStatus, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type addMembersPayload struct {
	UserIDs []int64 `json:"user_ids" binding:"required"`
}

func (h *httpHandler) handleAddMembers(c *gin.Context) {
	channelID, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opAddMembers, err)
		return
	}
	var request addMembersPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}
	userIDs := make([]ids.UserID, 0, len(request.UserIDs))
	for _, raw := range request.UserIDs {
		userIDs = append(userIDs, ids.UserID(raw))
	}
	if err := h.engine.AddChannelMembers(c.Request.Context(), ids.ChannelID(channelID), userIDs); err != nil {
		h.respondError(c, opAddMembers, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleJoinChannel(c *gin.Context) {
	channelID, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opJoinChannel, err)
		return
	}
	if err := h.engine.JoinChannel(c.Request.Context(), ids.ChannelID(channelID)); err != nil {
		h.respondError(c, opJoinChannel, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLeaveChannel(c *gin.Context) {
	channelID, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opLeaveChannel, err)
		return
	}
	if err := h.engine.LeaveChannel(c.Request.Context(), ids.ChannelID(channelID)); err != nil {
		h.respondError(c, opLeaveChannel, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type titlePayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleEditChannelTitle(c *gin.Context) {
	channelID, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opEditChannelTitle, err)
		return
	}
	var request titlePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}
	if err := h.engine.EditChannelTitle(c.Request.Context(), ids.ChannelID(channelID), request.Title); err != nil {
		h.respondError(c, opEditChannelTitle, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleEditChatTitle(c *gin.Context) {
	chatID, err := pathID(c, "id")
	if err != nil {
		h.respondError(c, opEditChatTitle, err)
		return
	}
	var request titlePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}
	if err := h.engine.EditChatTitle(c.Request.Context(), ids.ChatID(chatID), request.Title); err != nil {
		h.respondError(c, opEditChatTitle, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleInvalidateUserFull(c *gin.Context) {
	raw, err := pathID(c, "id")
	if err == nil {
		err = h.engine.InvalidateUserFull(c.Request.Context(), ids.UserID(raw))
	}
	if err != nil {
		h.respondError(c, opInvalidateFull, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleInvalidateChatFull(c *gin.Context) {
	raw, err := pathID(c, "id")
	if err == nil {
		err = h.engine.InvalidateChatFull(c.Request.Context(), ids.ChatID(raw))
	}
	if err != nil {
		h.respondError(c, opInvalidateFull, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleInvalidateChannelFull also drops the derived participant data when drop_derived is set.
func (h *httpHandler) handleInvalidateChannelFull(c *gin.Context) {
	raw, err := pathID(c, "id")
	if err == nil {
		dropDerived, _ := strconv.ParseBool(c.DefaultQuery("drop_derived", "false"))
		err = h.engine.InvalidateChannelFull(c.Request.Context(), ids.ChannelID(raw), dropDerived)
	}
	if err != nil {
		h.respondError(c, opInvalidateFull, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleInvalidateKind(c *gin.Context) {
	kind, err := ids.ParseKind(c.Param("kind"))
	if err != nil {
		h.respondError(c, opInvalidateKind, err)
		return
	}
	dropped, err := h.engine.InvalidateKind(c.Request.Context(), kind)
	if err != nil {
		h.respondError(c, opInvalidateKind, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "dropped": dropped})
}

func (h *httpHandler) handleSetContactsState(c *gin.Context) {
	var request engine.ContactsState
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}
	if err := h.engine.SetContactsState(c.Request.Context(), request); err != nil {
		h.respondError(c, opSetContactsState, err)
		return
	}
	c.Status(http.StatusNoContent)
}
