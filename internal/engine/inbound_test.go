package engine

import (
	"testing"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/stretchr/testify/require"
)

func TestUserNameAndPhotoUpdatesApplyToKnownUser(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	require.NoError(testContext, fixture.engine.Deliver(ctx, UsersReceived{Users: []*entities.User{
		{ID: 7, AccessHash: 70, FirstName: "Ada"},
	}}))

	require.NoError(testContext, fixture.engine.Deliver(ctx,
		UserNameChanged{UserID: 7, FirstName: "Grace", LastName: "Hopper", Usernames: entities.Usernames{Active: []string{"grace"}}},
		UserPhotoChanged{UserID: 7, Photo: entities.ProfilePhoto{ID: 5, DCID: 2}},
		UserNameChanged{UserID: 8, FirstName: "Nobody"},
	))

	user, err := fixture.engine.GetUser(ctx, 7, ModeCacheOnly)
	require.NoError(testContext, err)
	require.Equal(testContext, "Grace", user.FirstName)
	require.Equal(testContext, "Hopper", user.LastName)
	require.Equal(testContext, []string{"grace"}, user.Usernames.Active)
	require.Equal(testContext, int64(5), user.Photo.ID)

	_, err = fixture.engine.GetUser(ctx, 8, ModeCacheOnly)
	require.ErrorIs(testContext, err, ErrNotCached)
}

func TestSecretChatsAreServedFromPushedState(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)

	require.NoError(testContext, fixture.engine.Deliver(ctx, SecretChatReceived{SecretChat: &entities.SecretChat{
		ID:         3,
		AccessHash: 30,
		UserID:     7,
		State:      entities.SecretChatActive,
		IsOutbound: true,
	}}))

	secretChat, err := fixture.engine.GetSecretChat(ctx, 3, ModeCacheOnly)
	require.NoError(testContext, err)
	require.Equal(testContext, entities.SecretChatActive, secretChat.State)
	require.Equal(testContext, ids.UserID(7), secretChat.UserID)

	_, err = fixture.engine.GetSecretChat(ctx, 4, ModeForceRefresh)
	require.ErrorIs(testContext, err, ErrNotCached)
}

func TestChatsReceivedInstallsChatsAndMinimalChannels(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)

	require.NoError(testContext, fixture.engine.Deliver(ctx, ChatsReceived{
		Chats:       []*entities.Chat{{ID: 10, Title: "Basic", Status: entities.Member()}},
		MinChannels: []remote.MinChannel{{ID: 20, Minimal: entities.MinChannel{Title: "Seen in passing", IsMegagroup: true}}},
	}))

	chat, err := fixture.engine.GetChat(ctx, 10, ModeCacheOnly)
	require.NoError(testContext, err)
	require.Equal(testContext, "Basic", chat.Title)

	minimal := inspect(testContext, fixture.engine, func() entities.MinChannel {
		value, _ := fixture.engine.store.MinChannel(20)
		return value
	})
	require.Equal(testContext, "Seen in passing", minimal.Title)
	require.True(testContext, minimal.IsMegagroup)
}

func TestSlowModeUpdateReachesChannelAndFull(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	fixture.remote.setChannel(megagroup(100, entities.Member(), 10))
	fixture.remote.setChannelFull(entities.ChannelFull{ChannelID: 100, ParticipantCount: 10})
	_, err := fixture.engine.GetChannel(ctx, 100, ModeForceRefresh)
	require.NoError(testContext, err)
	_, err = fixture.engine.GetChannelFull(ctx, 100, false)
	require.NoError(testContext, err)

	nextSend := int32(fixture.clock.Now().Unix()) + 30
	require.NoError(testContext, fixture.engine.Deliver(ctx, ChannelSlowModeDelay{ChannelID: 100, Delay: 30, NextSendDate: nextSend}))

	channel, err := fixture.engine.GetChannel(ctx, 100, ModeCacheOnly)
	require.NoError(testContext, err)
	require.True(testContext, channel.Flags.HasSlowMode)
	full, err := fixture.engine.GetChannelFull(ctx, 100, true)
	require.NoError(testContext, err)
	require.Equal(testContext, int32(30), full.SlowModeDelay)
	require.Equal(testContext, nextSend, full.SlowModeNextSendDate)
}

func TestParticipantChangeByOthersAdjustsCounters(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	fixture.remote.setChannel(megagroup(100, entities.Administrator(entities.RightBanUsers, ""), 10))
	fixture.remote.setChannelFull(entities.ChannelFull{ChannelID: 100, ParticipantCount: 10, AdministratorCount: 1})
	_, err := fixture.engine.GetChannel(ctx, 100, ModeForceRefresh)
	require.NoError(testContext, err)
	_, err = fixture.engine.GetChannelFull(ctx, 100, false)
	require.NoError(testContext, err)

	require.NoError(testContext, fixture.engine.Deliver(ctx, ChannelParticipantChanged{
		ChannelID:   100,
		UserID:      50,
		ActorUserID: 60,
		Old:         entities.Member(),
		New:         entities.Banned(0),
	}))

	channel, err := fixture.engine.GetChannel(ctx, 100, ModeCacheOnly)
	require.NoError(testContext, err)
	require.Equal(testContext, int32(9), channel.ParticipantCount)
	full, err := fixture.engine.GetChannelFull(ctx, 100, true)
	require.NoError(testContext, err)
	require.Equal(testContext, int32(9), full.ParticipantCount)
	require.Equal(testContext, int32(1), full.BannedCount)
}

func TestOwnParticipantChangeUpdatesStatusAndInvalidatesFull(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	fixture.remote.setChannel(megagroup(100, entities.Member(), 10))
	fixture.remote.setChannelFull(entities.ChannelFull{ChannelID: 100, ParticipantCount: 10})
	_, err := fixture.engine.GetChannel(ctx, 100, ModeForceRefresh)
	require.NoError(testContext, err)
	_, err = fixture.engine.GetChannelFull(ctx, 100, false)
	require.NoError(testContext, err)

	require.NoError(testContext, fixture.engine.Deliver(ctx, ChannelParticipantChanged{
		ChannelID:   100,
		UserID:      testMyUserID,
		ActorUserID: 60,
		Old:         entities.Member(),
		New:         entities.Banned(0),
	}))

	channel, err := fixture.engine.GetChannel(ctx, 100, ModeCacheOnly)
	require.NoError(testContext, err)
	require.Equal(testContext, entities.StatusBanned, channel.Status.Type)
	expired, err := fixture.engine.IsFullExpired(ctx, ids.ChannelID(100).FullKey())
	require.NoError(testContext, err)
	require.True(testContext, expired)
}
