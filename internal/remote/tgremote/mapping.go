package tgremote

import (
	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/MarcoPoloResearchLab/entitysync/internal/versioning"
	"github.com/gotd/td/tg"
)

// mapPayload converts the users and chats attached to a response. Objects with an invalid id are
// skipped; reduced channel objects without a usable access hash become min channels.
func mapPayload(users []tg.UserClass, chats []tg.ChatClass) remote.Payload {
	var payload remote.Payload
	for _, userClass := range users {
		user, ok := userClass.(*tg.User)
		if !ok {
			continue
		}
		if mapped := mapUser(user); mapped != nil {
			payload.Users = append(payload.Users, mapped)
		}
	}
	for _, chatClass := range chats {
		switch typed := chatClass.(type) {
		case *tg.Chat:
			if mapped := mapChat(typed); mapped != nil {
				payload.Chats = append(payload.Chats, mapped)
			}
		case *tg.ChatForbidden:
			if mapped := mapChatForbidden(typed); mapped != nil {
				payload.Chats = append(payload.Chats, mapped)
			}
		case *tg.Channel:
			if typed.Min && typed.AccessHash == 0 {
				if minimal, ok := mapMinChannel(typed); ok {
					payload.MinChannels = append(payload.MinChannels, minimal)
				}
				continue
			}
			if mapped := mapChannel(typed); mapped != nil {
				payload.Channels = append(payload.Channels, mapped)
			}
		case *tg.ChannelForbidden:
			if mapped := mapChannelForbidden(typed); mapped != nil {
				payload.Channels = append(payload.Channels, mapped)
			}
		}
	}
	return payload
}

func mapUser(user *tg.User) *entities.User {
	id, err := ids.NewUserID(user.ID)
	if err != nil {
		return nil
	}
	mapped := entities.NewUser(id)
	mapped.AccessHash = user.AccessHash
	mapped.IsMinAccessHash = user.Min
	mapped.FirstName = user.FirstName
	mapped.LastName = user.LastName
	mapped.PhoneNumber = user.Phone
	mapped.Usernames = mapUsernames(user.Username, user.Usernames)
	mapped.Photo = mapUserPhoto(user.Photo)
	mapped.WasOnline = mapUserStatus(user.Status)
	mapped.IsContact = user.Contact
	mapped.IsMutualContact = user.MutualContact
	mapped.IsCloseFriend = user.CloseFriend
	mapped.Bot = entities.BotFlags{
		IsBot:                   user.Bot,
		CanJoinGroups:           user.Bot && !user.BotNochats,
		CanReadAllGroupMessages: user.BotChatHistory,
		IsInline:                user.BotInlinePlaceholder != "",
		InlinePlaceholder:       user.BotInlinePlaceholder,
		NeedLocation:            user.BotInlineGeo,
	}
	mapped.RestrictionReasons = mapRestrictionReasons(user.RestrictionReason)
	if status, ok := user.EmojiStatus.(*tg.EmojiStatus); ok {
		mapped.EmojiStatus = entities.EmojiStatus{CustomEmojiID: status.DocumentID, Until: int32(status.Until)}
	}
	mapped.IsDeleted = user.Deleted
	mapped.IsVerified = user.Verified
	mapped.IsPremium = user.Premium
	mapped.IsScam = user.Scam
	mapped.IsFake = user.Fake
	return mapped
}

// mapUserStatus turns a presence object into the WasOnline timestamp; an online user carries the
// moment the status expires.
func mapUserStatus(status tg.UserStatusClass) int32 {
	switch typed := status.(type) {
	case *tg.UserStatusOnline:
		return int32(typed.Expires)
	case *tg.UserStatusOffline:
		return int32(typed.WasOnline)
	case *tg.UserStatusRecently:
		return entities.WasOnlineRecently
	case *tg.UserStatusLastWeek:
		return entities.WasOnlineLastWeek
	case *tg.UserStatusLastMonth:
		return entities.WasOnlineLastMonth
	default:
		return 0
	}
}

func mapUsernames(primary string, usernames []tg.Username) entities.Usernames {
	mapped := entities.NoUsernames()
	if len(usernames) == 0 {
		if primary != "" {
			mapped.Active = []string{primary}
			mapped.EditablePos = 0
		}
		return mapped
	}
	for _, username := range usernames {
		if !username.Active {
			mapped.Disabled = append(mapped.Disabled, username.Username)
			continue
		}
		if username.Editable {
			mapped.EditablePos = len(mapped.Active)
		}
		mapped.Active = append(mapped.Active, username.Username)
	}
	return mapped
}

func mapUserPhoto(photo tg.UserProfilePhotoClass) entities.ProfilePhoto {
	typed, ok := photo.(*tg.UserProfilePhoto)
	if !ok {
		return entities.ProfilePhoto{}
	}
	return entities.ProfilePhoto{ID: typed.PhotoID, DCID: int32(typed.DCID), HasVideo: typed.HasVideo}
}

func mapChatPhoto(photo tg.ChatPhotoClass) entities.ProfilePhoto {
	typed, ok := photo.(*tg.ChatPhoto)
	if !ok {
		return entities.ProfilePhoto{}
	}
	return entities.ProfilePhoto{ID: typed.PhotoID, DCID: int32(typed.DCID), HasVideo: typed.HasVideo}
}

func mapPhoto(photo tg.PhotoClass) entities.ProfilePhoto {
	typed, ok := photo.(*tg.Photo)
	if !ok {
		return entities.ProfilePhoto{}
	}
	return entities.ProfilePhoto{ID: typed.ID, DCID: int32(typed.DCID), HasVideo: len(typed.VideoSizes) > 0}
}

func mapRestrictionReasons(reasons []tg.RestrictionReason) []entities.RestrictionReason {
	if len(reasons) == 0 {
		return nil
	}
	mapped := make([]entities.RestrictionReason, 0, len(reasons))
	for _, reason := range reasons {
		mapped = append(mapped, entities.RestrictionReason{Platform: reason.Platform, Reason: reason.Reason, Description: reason.Text})
	}
	return mapped
}

func mapAdminRights(rights tg.ChatAdminRights) entities.Rights {
	var mapped entities.Rights
	set := func(flag bool, right entities.Rights) {
		if flag {
			mapped |= right
		}
	}
	set(rights.ChangeInfo, entities.RightChangeInfo)
	set(rights.PostMessages, entities.RightPostMessages)
	set(rights.EditMessages, entities.RightEditMessages)
	set(rights.DeleteMessages, entities.RightDeleteMessages)
	set(rights.BanUsers, entities.RightBanUsers)
	set(rights.InviteUsers, entities.RightInviteUsers)
	set(rights.PinMessages, entities.RightPinMessages)
	set(rights.ManageCall, entities.RightManageCalls)
	set(rights.AddAdmins, entities.RightPromoteMembers)
	set(rights.Anonymous, entities.RightAnonymous)
	return mapped
}

// mapRestrictions keeps the denied actions that have an administrator right counterpart.
func mapRestrictions(rights tg.ChatBannedRights) entities.Rights {
	var mapped entities.Rights
	if rights.ChangeInfo {
		mapped |= entities.RightChangeInfo
	}
	if rights.SendMessages {
		mapped |= entities.RightPostMessages
	}
	if rights.InviteUsers {
		mapped |= entities.RightInviteUsers
	}
	if rights.PinMessages {
		mapped |= entities.RightPinMessages
	}
	return mapped
}

// mapPermissions turns a default restriction set into what ordinary members may do.
func mapPermissions(rights tg.ChatBannedRights) entities.Permissions {
	var mapped entities.Permissions
	allow := func(denied bool, permission entities.Permissions) {
		if !denied {
			mapped |= permission
		}
	}
	allow(rights.SendMessages, entities.PermissionSendMessages)
	allow(rights.SendMedia, entities.PermissionSendMedia)
	allow(rights.SendPolls, entities.PermissionSendPolls)
	allow(rights.EmbedLinks, entities.PermissionAddLinkPreviews)
	allow(rights.ChangeInfo, entities.PermissionChangeInfo)
	allow(rights.InviteUsers, entities.PermissionInviteUsers)
	allow(rights.PinMessages, entities.PermissionPinMessages)
	allow(rights.ManageTopics, entities.PermissionManageTopics)
	return mapped
}

func mapChat(chat *tg.Chat) *entities.Chat {
	id, err := ids.NewChatID(chat.ID)
	if err != nil {
		return nil
	}
	mapped := entities.NewChat(id)
	mapped.Title = chat.Title
	mapped.Photo = mapChatPhoto(chat.Photo)
	mapped.ParticipantCount = int32(chat.ParticipantsCount)
	mapped.Date = int32(chat.Date)
	mapped.Version = int32(chat.Version)
	mapped.IsActive = !chat.Deactivated
	mapped.NoForwards = chat.Noforwards
	switch {
	case chat.Creator:
		mapped.Status = entities.Creator("")
		mapped.Status.Member = !chat.Left
	case chat.Left || chat.Deactivated:
		mapped.Status = entities.Left()
	default:
		if rights, ok := chat.GetAdminRights(); ok {
			mapped.Status = entities.Administrator(mapAdminRights(rights), "")
		} else {
			mapped.Status = entities.Member()
		}
	}
	if migrated, ok := chat.MigratedTo.(*tg.InputChannel); ok {
		mapped.MigratedToChannelID = ids.ChannelID(migrated.ChannelID)
	}
	return mapped
}

func mapChatForbidden(chat *tg.ChatForbidden) *entities.Chat {
	id, err := ids.NewChatID(chat.ID)
	if err != nil {
		return nil
	}
	mapped := entities.NewChat(id)
	mapped.Title = chat.Title
	mapped.Status = entities.Banned(0)
	return mapped
}

func mapChannelFlags(channel *tg.Channel) entities.ChannelFlags {
	return entities.ChannelFlags{
		IsMegagroup:      channel.Megagroup,
		IsGigagroup:      channel.Gigagroup,
		IsForum:          channel.Forum,
		IsBroadcast:      channel.Broadcast,
		HasSlowMode:      channel.SlowmodeEnabled,
		HasLocation:      channel.HasGeo,
		HasLinkedChannel: channel.HasLink,
		SignMessages:     channel.Signatures,
		JoinToSend:       channel.JoinToSend,
		JoinRequest:      channel.JoinRequest,
		NoForwards:       channel.Noforwards,
		IsVerified:       channel.Verified,
		IsScam:           channel.Scam,
		IsFake:           channel.Fake,
	}
}

// channelStatus derives the local user's membership from the rights attached to a channel object.
func channelStatus(channel *tg.Channel) entities.MemberStatus {
	if channel.Creator {
		status := entities.Creator("")
		status.Member = !channel.Left
		return status
	}
	if rights, ok := channel.GetAdminRights(); ok {
		return entities.Administrator(mapAdminRights(rights), "")
	}
	if banned, ok := channel.GetBannedRights(); ok {
		if banned.ViewMessages {
			return entities.Banned(int32(banned.UntilDate))
		}
		return entities.Restricted(!channel.Left, mapRestrictions(banned), int32(banned.UntilDate))
	}
	if channel.Left {
		return entities.Left()
	}
	return entities.Member()
}

func mapChannel(channel *tg.Channel) *entities.Channel {
	id, err := ids.NewChannelID(channel.ID)
	if err != nil {
		return nil
	}
	mapped := entities.NewChannel(id)
	mapped.AccessHash = channel.AccessHash
	mapped.IsMinAccessHash = channel.Min
	mapped.Title = channel.Title
	mapped.Photo = mapChatPhoto(channel.Photo)
	mapped.Status = channelStatus(channel)
	mapped.Usernames = mapUsernames(channel.Username, channel.Usernames)
	mapped.Date = int32(channel.Date)
	mapped.ParticipantCount = int32(channel.ParticipantsCount)
	mapped.Flags = mapChannelFlags(channel)
	mapped.RestrictionReasons = mapRestrictionReasons(channel.RestrictionReason)
	if rights, ok := channel.GetDefaultBannedRights(); ok {
		mapped.DefaultPermissions = mapPermissions(rights)
	}
	return mapped
}

func mapMinChannel(channel *tg.Channel) (remote.MinChannel, bool) {
	id, err := ids.NewChannelID(channel.ID)
	if err != nil {
		return remote.MinChannel{}, false
	}
	return remote.MinChannel{
		ID: id,
		Minimal: entities.MinChannel{
			Title:       channel.Title,
			Photo:       mapChatPhoto(channel.Photo),
			IsMegagroup: channel.Megagroup,
		},
	}, true
}

func mapChannelForbidden(channel *tg.ChannelForbidden) *entities.Channel {
	id, err := ids.NewChannelID(channel.ID)
	if err != nil {
		return nil
	}
	mapped := entities.NewChannel(id)
	mapped.AccessHash = channel.AccessHash
	mapped.Title = channel.Title
	mapped.Status = entities.Banned(int32(channel.UntilDate))
	mapped.Flags = entities.ChannelFlags{IsMegagroup: channel.Megagroup, IsBroadcast: channel.Broadcast}
	return mapped
}

func mapBotCommands(commands []tg.BotCommand) []entities.BotCommand {
	if len(commands) == 0 {
		return nil
	}
	mapped := make([]entities.BotCommand, 0, len(commands))
	for _, command := range commands {
		mapped = append(mapped, entities.BotCommand{Command: command.Command, Description: command.Description})
	}
	return mapped
}

func mapUserFull(full *tg.UserFull) *entities.UserFull {
	id, err := ids.NewUserID(full.ID)
	if err != nil {
		return nil
	}
	mapped := entities.NewUserFull(id)
	mapped.About = full.About
	mapped.IsBlocked = full.Blocked
	mapped.IsBlockedForStories = full.BlockedMyStoriesFrom
	mapped.CanBeCalled = full.PhoneCallsAvailable
	mapped.SupportsVideoCalls = full.VideoCallsAvailable
	mapped.HasPrivateCalls = full.PhoneCallsPrivate
	mapped.CommonChatCount = int32(full.CommonChatsCount)
	if info, ok := full.GetBotInfo(); ok {
		mapped.Bot = entities.BotInfo{
			Description: info.Description,
			Commands:    mapBotCommands(info.Commands),
		}
		if button, ok := info.MenuButton.(*tg.BotMenuButton); ok {
			mapped.Bot.MenuButtonURL = button.URL
		}
	}
	if rights, ok := full.GetBotGroupAdminRights(); ok {
		mapped.GroupAdminRights = mapAdminRights(rights)
	}
	if rights, ok := full.GetBotBroadcastAdminRights(); ok {
		mapped.BroadcastAdminRights = mapAdminRights(rights)
	}
	mapped.PersonalPhoto = mapPhoto(full.PersonalPhoto)
	mapped.FallbackPhoto = mapPhoto(full.FallbackPhoto)
	mapped.DescriptionPhoto = mapPhoto(full.ProfilePhoto)
	return mapped
}

func inviteLink(invite tg.ExportedChatInviteClass) string {
	if exported, ok := invite.(*tg.ChatInviteExported); ok {
		return exported.Link
	}
	return ""
}

// mapChatParticipants converts a member list. A list hidden from the local user yields an unknown
// version so that it never replaces a known list.
func mapChatParticipants(participants tg.ChatParticipantsClass) ([]entities.Participant, ids.UserID, int32) {
	list, ok := participants.(*tg.ChatParticipants)
	if !ok {
		return nil, 0, versioning.Unknown
	}
	var creator ids.UserID
	mapped := make([]entities.Participant, 0, len(list.Participants))
	for _, participantClass := range list.Participants {
		switch typed := participantClass.(type) {
		case *tg.ChatParticipantCreator:
			creator = ids.UserID(typed.UserID)
			mapped = append(mapped, entities.Participant{UserID: creator, Status: entities.Creator("")})
		case *tg.ChatParticipantAdmin:
			mapped = append(mapped, entities.Participant{
				UserID:        ids.UserID(typed.UserID),
				InviterUserID: ids.UserID(typed.InviterID),
				JoinedDate:    int32(typed.Date),
				Status:        entities.Administrator(chatAdminRights, ""),
			})
		case *tg.ChatParticipant:
			mapped = append(mapped, entities.Participant{
				UserID:        ids.UserID(typed.UserID),
				InviterUserID: ids.UserID(typed.InviterID),
				JoinedDate:    int32(typed.Date),
				Status:        entities.Member(),
			})
		}
	}
	return mapped, creator, int32(list.Version)
}

// chatAdminRights are the rights every administrator of a basic group holds.
const chatAdminRights = entities.RightChangeInfo | entities.RightDeleteMessages | entities.RightBanUsers |
	entities.RightInviteUsers | entities.RightPinMessages | entities.RightManageCalls

func mapChatFull(full *tg.ChatFull) *entities.ChatFull {
	id, err := ids.NewChatID(full.ID)
	if err != nil {
		return nil
	}
	mapped := entities.NewChatFull(id)
	mapped.Participants, mapped.CreatorUserID, mapped.Version = mapChatParticipants(full.Participants)
	mapped.Description = full.About
	mapped.InviteLink = inviteLink(full.ExportedInvite)
	mapped.Photo = mapPhoto(full.ChatPhoto)
	for _, info := range full.BotInfo {
		mapped.BotCommands = append(mapped.BotCommands, entities.BotCommands{
			BotUserID: ids.UserID(info.UserID),
			Commands:  mapBotCommands(info.Commands),
		})
	}
	return mapped
}

func mapChannelFull(full *tg.ChannelFull) *entities.ChannelFull {
	id, err := ids.NewChannelID(full.ID)
	if err != nil {
		return nil
	}
	mapped := entities.NewChannelFull(id)
	mapped.ParticipantCount = int32(full.ParticipantsCount)
	mapped.AdministratorCount = int32(full.AdminsCount)
	mapped.RestrictedCount = int32(full.BannedCount)
	mapped.BannedCount = int32(full.KickedCount)
	mapped.Description = full.About
	mapped.StickerSetID = full.Stickerset.ID
	mapped.LinkedChannelID = ids.ChannelID(full.LinkedChatID)
	mapped.SlowModeDelay = int32(full.SlowmodeSeconds)
	mapped.SlowModeNextSendDate = int32(full.SlowmodeNextSendDate)
	if location, ok := full.Location.(*tg.ChannelLocation); ok {
		mapped.Location.Address = location.Address
		if point, ok := location.GeoPoint.(*tg.GeoPoint); ok {
			mapped.Location.Latitude = point.Lat
			mapped.Location.Longitude = point.Long
		}
	}
	mapped.InviteLink = inviteLink(full.ExportedInvite)
	for _, info := range full.BotInfo {
		if info.UserID != 0 {
			mapped.BotUserIDs = append(mapped.BotUserIDs, ids.UserID(info.UserID))
		}
	}
	mapped.StatsDCID = int32(full.StatsDC)
	mapped.Capabilities = entities.ChannelCapabilities{
		CanGetParticipants:    full.CanViewParticipants,
		CanSetUsername:        full.CanSetUsername,
		CanSetStickerSet:      full.CanSetStickers,
		CanViewStatistics:     full.CanViewStats,
		IsAllHistoryAvailable: !full.HiddenPrehistory,
		HasHiddenParticipants: full.ParticipantsHidden,
	}
	return mapped
}

// participantStatus converts the membership object of a channel member.
func participantStatus(participant tg.ChannelParticipantClass) (ids.UserID, entities.MemberStatus, bool) {
	switch typed := participant.(type) {
	case *tg.ChannelParticipant:
		return ids.UserID(typed.UserID), entities.Member(), true
	case *tg.ChannelParticipantSelf:
		return ids.UserID(typed.UserID), entities.Member(), true
	case *tg.ChannelParticipantCreator:
		return ids.UserID(typed.UserID), entities.Creator(typed.Rank), true
	case *tg.ChannelParticipantAdmin:
		return ids.UserID(typed.UserID), entities.Administrator(mapAdminRights(typed.AdminRights), typed.Rank), true
	case *tg.ChannelParticipantBanned:
		userID, ok := peerUser(typed.Peer)
		if !ok {
			return 0, entities.MemberStatus{}, false
		}
		if typed.BannedRights.ViewMessages {
			return userID, entities.Banned(int32(typed.BannedRights.UntilDate)), true
		}
		return userID, entities.Restricted(!typed.Left, mapRestrictions(typed.BannedRights), int32(typed.BannedRights.UntilDate)), true
	case *tg.ChannelParticipantLeft:
		userID, ok := peerUser(typed.Peer)
		return userID, entities.Left(), ok
	default:
		return 0, entities.MemberStatus{}, false
	}
}

func peerUser(peer tg.PeerClass) (ids.UserID, bool) {
	user, ok := peer.(*tg.PeerUser)
	if !ok {
		return 0, false
	}
	return ids.UserID(user.UserID), true
}

// memberStatusRights builds the rights objects that request status on the remote service.
func memberStatusRights(status entities.MemberStatus) (tg.ChatAdminRights, tg.ChatBannedRights, bool) {
	switch status.Type {
	case entities.StatusCreator, entities.StatusAdministrator:
		return adminRights(status.Rights), tg.ChatBannedRights{}, true
	case entities.StatusBanned:
		return tg.ChatAdminRights{}, tg.ChatBannedRights{ViewMessages: true, UntilDate: int(status.UntilDate)}, false
	case entities.StatusRestricted:
		return tg.ChatAdminRights{}, tg.ChatBannedRights{
			ChangeInfo:   status.Rights&entities.RightChangeInfo != 0,
			SendMessages: status.Rights&entities.RightPostMessages != 0,
			InviteUsers:  status.Rights&entities.RightInviteUsers != 0,
			PinMessages:  status.Rights&entities.RightPinMessages != 0,
			UntilDate:    int(status.UntilDate),
		}, false
	default:
		return tg.ChatAdminRights{}, tg.ChatBannedRights{}, false
	}
}

func adminRights(rights entities.Rights) tg.ChatAdminRights {
	return tg.ChatAdminRights{
		ChangeInfo:     rights&entities.RightChangeInfo != 0,
		PostMessages:   rights&entities.RightPostMessages != 0,
		EditMessages:   rights&entities.RightEditMessages != 0,
		DeleteMessages: rights&entities.RightDeleteMessages != 0,
		BanUsers:       rights&entities.RightBanUsers != 0,
		InviteUsers:    rights&entities.RightInviteUsers != 0,
		PinMessages:    rights&entities.RightPinMessages != 0,
		ManageCall:     rights&entities.RightManageCalls != 0,
		AddAdmins:      rights&entities.RightPromoteMembers != 0,
		Anonymous:      rights&entities.RightAnonymous != 0,
	}
}
