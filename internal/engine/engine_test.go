package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/MarcoPoloResearchLab/entitysync/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsMissingCollaborators(testContext *testing.T) {
	backend := openTestBackend(testContext)
	testCases := []struct {
		name   string
		config Config
		code   string
	}{
		{name: "remote", config: Config{Values: backend, Log: backend}, code: "engine.new.missing_remote"},
		{name: "values", config: Config{Remote: remote.Offline{}, Log: backend}, code: "engine.new.missing_values"},
		{name: "log", config: Config{Remote: remote.Offline{}, Values: backend}, code: "engine.new.missing_log"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			_, err := New(testCase.config)
			var serviceError *ServiceError
			require.ErrorAs(t, err, &serviceError)
			require.Equal(t, testCase.code, serviceError.Code())
		})
	}
}

func TestConcurrentReadsShareOneFetch(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	fixture.remote.setUser(entities.User{ID: 7, AccessHash: 70, FirstName: "Ada"})
	gate := fixture.remote.hold("GetUsers")

	type outcome struct {
		user entities.User
		err  error
	}
	outcomes := make(chan outcome, 4)
	var callers sync.WaitGroup
	for caller := 0; caller < 4; caller++ {
		callers.Add(1)
		go func() {
			defer callers.Done()
			user, err := fixture.engine.GetUser(testContextWithTimeout(testContext), 7, ModeBackgroundRefresh)
			outcomes <- outcome{user: user, err: err}
		}()
	}
	require.Eventually(testContext, func() bool {
		return fixture.remote.callCount("GetUsers") == 1
	}, eventuallyFor, eventuallyTick)
	close(gate)
	callers.Wait()
	close(outcomes)

	completed := 0
	for result := range outcomes {
		require.NoError(testContext, result.err)
		require.Equal(testContext, "Ada", result.user.FirstName)
		completed++
	}
	require.Equal(testContext, 4, completed)
	require.Equal(testContext, 1, fixture.remote.callCount("GetUsers"))
}

func TestCacheOnlyReadOfUnknownUser(testContext *testing.T) {
	fixture := newFixture(testContext, nil)

	_, err := fixture.engine.GetUser(testContextWithTimeout(testContext), 8, ModeCacheOnly)
	require.ErrorIs(testContext, err, ErrNotCached)
	require.Zero(testContext, fixture.remote.callCount("GetUsers"))

	_, err = fixture.engine.GetUser(testContextWithTimeout(testContext), 0, ModeCacheOnly)
	require.ErrorIs(testContext, err, ids.ErrInvalidID)
}

func TestForceRefreshOfMissingUserReportsNotFound(testContext *testing.T) {
	fixture := newFixture(testContext, nil)

	_, err := fixture.engine.GetUser(testContextWithTimeout(testContext), 9, ModeForceRefresh)
	var serviceError *ServiceError
	require.ErrorAs(testContext, err, &serviceError)
	require.Equal(testContext, "engine.get_user.not_found", serviceError.Code())
}

func TestRejectedBatchKeepsKnownUsers(testContext *testing.T) {
	fixture := newConfiguredFixture(testContext, nil, func(config *Config) {
		config.FetchConcurrency = 1
	})
	ctx := testContextWithTimeout(testContext)
	storageKey := ids.UserID(7).Key().StorageKey()
	require.NoError(testContext, fixture.engine.Deliver(ctx, UsersReceived{Users: []*entities.User{
		{ID: 7, AccessHash: 70, FirstName: "Ada"},
	}}))
	require.Eventually(testContext, func() bool {
		_, err := fixture.backend.Get(ctx, storageKey)
		return err == nil
	}, eventuallyFor, eventuallyTick)

	fixture.remote.setUser(entities.User{ID: 5, AccessHash: 50, FirstName: "Held"})
	gate := fixture.remote.hold("GetUsers")
	results := make(chan error, 3)
	for _, id := range []ids.UserID{5, 7, 8} {
		go func() {
			_, err := fixture.engine.GetUser(ctx, id, ModeForceRefresh)
			results <- err
		}()
		if id == 5 {
			require.Eventually(testContext, func() bool {
				return fixture.remote.callCount("GetUsers") == 1
			}, eventuallyFor, eventuallyTick)
		}
	}
	require.Eventually(testContext, func() bool {
		return inspect(testContext, fixture.engine, func() int { return fixture.engine.users.Queued() }) == 2
	}, eventuallyFor, eventuallyTick)

	fixture.remote.fail("GetUsers", remote.NewCallError("users.getUsers", "USER_ID_INVALID", remote.ErrNotFound, nil))
	close(gate)
	failed := 0
	for range 3 {
		if err := <-results; err != nil {
			failed++
		}
	}
	require.Equal(testContext, 2, failed)
	require.Equal(testContext, 4, fixture.remote.callCount("GetUsers"))

	user, err := fixture.engine.GetUser(ctx, 7, ModeCacheOnly)
	require.NoError(testContext, err)
	require.Equal(testContext, "Ada", user.FirstName)
	_, err = fixture.engine.GetUser(ctx, 8, ModeCacheOnly)
	require.ErrorIs(testContext, err, ErrNotCached)
	require.Never(testContext, func() bool {
		_, err := fixture.backend.Get(ctx, storageKey)
		return err != nil
	}, 200*time.Millisecond, eventuallyTick)
}

func TestCorruptRecordIsTreatedAsAbsentAndRefetched(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	key := ids.UserID(7).Key().StorageKey()
	require.NoError(testContext, fixture.backend.Set(ctx, key, []byte("{not json")))
	fixture.remote.setUser(entities.User{ID: 7, AccessHash: 70, FirstName: "Ada"})

	_, err := fixture.engine.GetUser(ctx, 7, ModeCacheOnly)
	require.ErrorIs(testContext, err, ErrNotCached)

	user, err := fixture.engine.GetUser(ctx, 7, ModeBackgroundRefresh)
	require.NoError(testContext, err)
	require.Equal(testContext, "Ada", user.FirstName)
	require.Equal(testContext, 1, fixture.remote.callCount("GetUsers"))
}

func TestFetchedUserSurvivesRestart(testContext *testing.T) {
	first := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	first.remote.setUser(entities.User{ID: 7, AccessHash: 70, FirstName: "Ada", LastName: "Lovelace"})
	_, err := first.engine.GetUser(ctx, 7, ModeForceRefresh)
	require.NoError(testContext, err)
	require.Eventually(testContext, func() bool {
		_, err := first.backend.Get(ctx, ids.UserID(7).Key().StorageKey())
		return err == nil
	}, eventuallyFor, eventuallyTick)

	second := newFixture(testContext, first.backend)
	user, err := second.engine.GetUser(ctx, 7, ModeCacheOnly)
	require.NoError(testContext, err)
	require.Equal(testContext, "Lovelace", user.LastName)
	require.Equal(testContext, int64(70), user.AccessHash)
	require.Zero(testContext, second.remote.callCount("GetUsers"))
}

func TestBackgroundRefreshConfirmsRestoredUser(testContext *testing.T) {
	first := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	first.remote.setUser(entities.User{ID: 7, AccessHash: 70, FirstName: "Ada"})
	_, err := first.engine.GetUser(ctx, 7, ModeForceRefresh)
	require.NoError(testContext, err)
	require.Eventually(testContext, func() bool {
		_, err := first.backend.Get(ctx, ids.UserID(7).Key().StorageKey())
		return err == nil
	}, eventuallyFor, eventuallyTick)

	second := newFixture(testContext, first.backend)
	second.remote.setUser(entities.User{ID: 7, AccessHash: 70, FirstName: "Augusta"})
	user, err := second.engine.GetUser(ctx, 7, ModeBackgroundRefresh)
	require.NoError(testContext, err)
	require.Equal(testContext, "Ada", user.FirstName)
	require.Eventually(testContext, func() bool {
		refreshed, err := second.engine.GetUser(ctx, 7, ModeCacheOnly)
		return err == nil && refreshed.FirstName == "Augusta"
	}, eventuallyFor, eventuallyTick)
	require.Equal(testContext, 1, second.remote.callCount("GetUsers"))
}

func TestExpiredFullProfileWithOnlyLocal(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	fixture.remote.setUser(entities.User{ID: 7, AccessHash: 70, FirstName: "Ada"})
	fixture.remote.setUserFull(entities.UserFull{UserID: 7, About: "first"})

	_, err := fixture.engine.GetUserFull(ctx, 11, true)
	require.ErrorIs(testContext, err, ErrNotCached)

	full, err := fixture.engine.GetUserFull(ctx, 7, false)
	require.NoError(testContext, err)
	require.Equal(testContext, "first", full.About)
	expired, err := fixture.engine.IsFullExpired(ctx, ids.UserID(7).FullKey())
	require.NoError(testContext, err)
	require.False(testContext, expired)

	fixture.remote.setUserFull(entities.UserFull{UserID: 7, About: "second"})
	fixture.clock.Advance(DefaultFullTTL + time.Second)
	expired, err = fixture.engine.IsFullExpired(ctx, ids.UserID(7).FullKey())
	require.NoError(testContext, err)
	require.True(testContext, expired)

	full, err = fixture.engine.GetUserFull(ctx, 7, true)
	require.NoError(testContext, err)
	require.Equal(testContext, "first", full.About)
	require.Equal(testContext, 1, fixture.remote.callCount("GetUserFull"))

	full, err = fixture.engine.GetUserFull(ctx, 7, false)
	require.NoError(testContext, err)
	require.Equal(testContext, "first", full.About)
	require.Eventually(testContext, func() bool {
		refreshed, err := fixture.engine.GetUserFull(ctx, 7, true)
		return err == nil && refreshed.About == "second"
	}, eventuallyFor, eventuallyTick)
	require.Equal(testContext, 2, fixture.remote.callCount("GetUserFull"))
}

func TestInvalidatedFullProfileIsRefetched(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	fixture.remote.setChannel(megagroup(100, entities.Member(), 10))
	fixture.remote.setChannelFull(entities.ChannelFull{ChannelID: 100, ParticipantCount: 10, SlowModeDelay: 30, SlowModeNextSendDate: 1700000100})

	_, err := fixture.engine.GetChannelFull(ctx, 100, false)
	require.NoError(testContext, err)
	require.NoError(testContext, fixture.engine.InvalidateChannelFull(ctx, 100, true))

	full, err := fixture.engine.GetChannelFull(ctx, 100, true)
	require.NoError(testContext, err)
	require.Zero(testContext, full.SlowModeDelay)
	require.Zero(testContext, full.SlowModeNextSendDate)
	expired, err := fixture.engine.IsFullExpired(ctx, ids.ChannelID(100).FullKey())
	require.NoError(testContext, err)
	require.True(testContext, expired)
}

func TestOnlineStatusExpiryReannouncesUser(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	events, cancel := fixture.engine.Subscribe(ctx, ids.KindUser)
	defer cancel()

	onlineUntil := int32(fixture.clock.Now().Unix()) + 60
	require.NoError(testContext, fixture.engine.Deliver(ctx, UsersReceived{Users: []*entities.User{
		{ID: 7, AccessHash: 70, FirstName: "Ada", WasOnline: onlineUntil},
	}}))
	announced := mustReceiveEvent(testContext, events)
	require.Equal(testContext, int64(7), announced.EntityID)

	fixture.clock.Advance(61 * time.Second)
	_, err := fixture.engine.Stats(ctx)
	require.NoError(testContext, err)
	expired := mustReceiveEvent(testContext, events)
	require.Equal(testContext, int64(7), expired.EntityID)
	snapshot, ok := expired.Snapshot.(entities.User)
	require.True(testContext, ok)
	require.False(testContext, snapshot.IsOnline(int32(fixture.clock.Now().Unix())))
}

func TestUserStatusUpdateForUnknownUserIsDropped(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)

	require.NoError(testContext, fixture.engine.Deliver(ctx, UserStatusChanged{UserID: 12, WasOnline: 1700000500}))
	_, err := fixture.engine.GetUser(ctx, 12, ModeCacheOnly)
	require.ErrorIs(testContext, err, ErrNotCached)
}

func TestContactsStateSurvivesRestart(testContext *testing.T) {
	first := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	state := ContactsState{SyncDate: 1700000000, SavedCount: 3}
	require.NoError(testContext, first.engine.SetContactsState(ctx, state))
	current, err := first.engine.ContactsState(ctx)
	require.NoError(testContext, err)
	require.Equal(testContext, state, current)
	require.Eventually(testContext, func() bool {
		_, err := first.backend.Get(ctx, ids.KindUser.StateKey())
		return err == nil
	}, eventuallyFor, eventuallyTick)

	second := newFixture(testContext, first.backend)
	restored, err := second.engine.ContactsState(ctx)
	require.NoError(testContext, err)
	require.Equal(testContext, state, restored)
}

// delayedFirstSet holds the first write of key.
type delayedFirstSet struct {
	storage.KeyValue
	key     string
	delayed atomic.Bool
}

func (d *delayedFirstSet) Set(ctx context.Context, key string, value []byte) error {
	if key == d.key && d.delayed.CompareAndSwap(false, true) {
		time.Sleep(200 * time.Millisecond)
	}
	return d.KeyValue.Set(ctx, key, value)
}

func TestContactsStateWritesKeepCallOrder(testContext *testing.T) {
	backend := openTestBackend(testContext)
	fixture := newConfiguredFixture(testContext, backend, func(config *Config) {
		config.Values = &delayedFirstSet{KeyValue: backend, key: ids.KindUser.StateKey()}
	})
	ctx := testContextWithTimeout(testContext)
	require.NoError(testContext, fixture.engine.SetContactsState(ctx, ContactsState{SyncDate: 1, SavedCount: 1}))
	require.NoError(testContext, fixture.engine.SetContactsState(ctx, ContactsState{SyncDate: 2, SavedCount: 2}))

	newest := ContactsState{SyncDate: 2, SavedCount: 2}
	persisted := func() ContactsState {
		var state ContactsState
		raw, err := backend.Get(ctx, ids.KindUser.StateKey())
		if err == nil {
			_ = json.Unmarshal(raw, &state)
		}
		return state
	}
	require.Eventually(testContext, func() bool {
		return persisted() == newest
	}, eventuallyFor, eventuallyTick)
	require.Never(testContext, func() bool {
		return persisted() != newest
	}, 400*time.Millisecond, eventuallyTick)
}

func TestStatsAndInvalidateKind(testContext *testing.T) {
	fixture := newFixture(testContext, nil)
	ctx := testContextWithTimeout(testContext)
	fixture.remote.setUser(entities.User{ID: 7, AccessHash: 70, FirstName: "Ada"})
	fixture.remote.setUserFull(entities.UserFull{UserID: 7, About: "about"})
	_, err := fixture.engine.GetUserFull(ctx, 7, false)
	require.NoError(testContext, err)

	stats, err := fixture.engine.Stats(ctx)
	require.NoError(testContext, err)
	require.Equal(testContext, 1, stats.Kinds[ids.KindUser].InMemory)
	require.Equal(testContext, 1, stats.Kinds[ids.KindUserFull].InMemory)

	_, err = fixture.engine.InvalidateKind(ctx, ids.KindUser)
	require.Error(testContext, err)

	dropped, err := fixture.engine.InvalidateKind(ctx, ids.KindUserFull)
	require.NoError(testContext, err)
	require.Equal(testContext, 1, dropped)
	stats, err = fixture.engine.Stats(ctx)
	require.NoError(testContext, err)
	require.Zero(testContext, stats.Kinds[ids.KindUserFull].InMemory)
	require.Equal(testContext, 1, stats.Kinds[ids.KindUser].InMemory)
}

func TestCallsAfterStopReturnErrStopped(testContext *testing.T) {
	backend := openTestBackend(testContext)
	engine, err := New(Config{Remote: remote.Offline{}, Values: backend, Log: backend})
	require.NoError(testContext, err)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- engine.Run(ctx) }()
	cancel()
	require.NoError(testContext, <-stopped)

	_, err = engine.GetUser(context.Background(), 7, ModeCacheOnly)
	require.True(testContext, errors.Is(err, ErrStopped))
	require.Error(testContext, engine.Run(context.Background()))
}
