package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/notify"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/MarcoPoloResearchLab/entitysync/internal/storage"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

const testMyUserID ids.UserID = 1

const (
	eventuallyFor  = 5 * time.Second
	eventuallyTick = 10 * time.Millisecond
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(duration)
}

// fakeRemote serves canned entities and counts calls per method. A gate holds a method until it is
// closed; a failure makes the method return it.
type fakeRemote struct {
	mu           sync.Mutex
	users        map[ids.UserID]entities.User
	userFulls    map[ids.UserID]entities.UserFull
	chats        map[ids.ChatID]entities.Chat
	chatFulls    map[ids.ChatID]entities.ChatFull
	channels     map[ids.ChannelID]entities.Channel
	channelFulls map[ids.ChannelID]entities.ChannelFull
	failures     map[string]error
	gates        map[string]chan struct{}
	calls        map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		users:        make(map[ids.UserID]entities.User),
		userFulls:    make(map[ids.UserID]entities.UserFull),
		chats:        make(map[ids.ChatID]entities.Chat),
		chatFulls:    make(map[ids.ChatID]entities.ChatFull),
		channels:     make(map[ids.ChannelID]entities.Channel),
		channelFulls: make(map[ids.ChannelID]entities.ChannelFull),
		failures:     make(map[string]error),
		gates:        make(map[string]chan struct{}),
		calls:        make(map[string]int),
	}
}

func (f *fakeRemote) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	gate := f.gates[method]
	err := f.failures[method]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeRemote) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRemote) hold(method string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[method] = gate
	return gate
}

func (f *fakeRemote) fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
}

func (f *fakeRemote) setUser(user entities.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
}

func (f *fakeRemote) setUserFull(full entities.UserFull) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userFulls[full.UserID] = full
}

func (f *fakeRemote) setChat(chat entities.Chat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[chat.ID] = chat
}

func (f *fakeRemote) setChatFull(full entities.ChatFull) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatFulls[full.ChatID] = full
}

func (f *fakeRemote) setChannel(channel entities.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channel.ID] = channel
}

func (f *fakeRemote) setChannelFull(full entities.ChannelFull) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelFulls[full.ChannelID] = full
}

func (f *fakeRemote) GetUsers(ctx context.Context, refs []remote.UserRef) (remote.Payload, error) {
	if err := f.enter(ctx, "GetUsers"); err != nil {
		return remote.Payload{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var payload remote.Payload
	for _, ref := range refs {
		if user, ok := f.users[ref.ID]; ok {
			payload.Users = append(payload.Users, &user)
		}
	}
	return payload, nil
}

func (f *fakeRemote) GetChats(ctx context.Context, chatIDs []ids.ChatID) (remote.Payload, error) {
	if err := f.enter(ctx, "GetChats"); err != nil {
		return remote.Payload{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var payload remote.Payload
	for _, id := range chatIDs {
		if chat, ok := f.chats[id]; ok {
			payload.Chats = append(payload.Chats, &chat)
		}
	}
	return payload, nil
}

func (f *fakeRemote) GetChannels(ctx context.Context, refs []remote.ChannelRef) (remote.Payload, error) {
	if err := f.enter(ctx, "GetChannels"); err != nil {
		return remote.Payload{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var payload remote.Payload
	for _, ref := range refs {
		if channel, ok := f.channels[ref.ID]; ok {
			payload.Channels = append(payload.Channels, &channel)
		}
	}
	return payload, nil
}

func (f *fakeRemote) GetUserFull(ctx context.Context, ref remote.UserRef) (remote.UserFullResult, error) {
	if err := f.enter(ctx, "GetUserFull"); err != nil {
		return remote.UserFullResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	full, ok := f.userFulls[ref.ID]
	if !ok {
		return remote.UserFullResult{}, remote.ErrNotFound
	}
	result := remote.UserFullResult{Full: &full}
	if user, ok := f.users[ref.ID]; ok {
		result.Users = []*entities.User{&user}
	}
	return result, nil
}

func (f *fakeRemote) GetChatFull(ctx context.Context, id ids.ChatID) (remote.ChatFullResult, error) {
	if err := f.enter(ctx, "GetChatFull"); err != nil {
		return remote.ChatFullResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	full, ok := f.chatFulls[id]
	if !ok {
		return remote.ChatFullResult{}, remote.ErrNotFound
	}
	full.Participants = append([]entities.Participant(nil), full.Participants...)
	result := remote.ChatFullResult{Full: &full}
	if chat, ok := f.chats[id]; ok {
		result.Chats = []*entities.Chat{&chat}
	}
	return result, nil
}

func (f *fakeRemote) GetChannelFull(ctx context.Context, ref remote.ChannelRef) (remote.ChannelFullResult, error) {
	if err := f.enter(ctx, "GetChannelFull"); err != nil {
		return remote.ChannelFullResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	full, ok := f.channelFulls[ref.ID]
	if !ok {
		return remote.ChannelFullResult{}, remote.ErrNotFound
	}
	return remote.ChannelFullResult{Full: &full}, nil
}

func (f *fakeRemote) EditChannelMemberStatus(ctx context.Context, _ remote.ChannelRef, _ remote.UserRef, _ entities.MemberStatus) (remote.Payload, error) {
	return remote.Payload{}, f.enter(ctx, "EditChannelMemberStatus")
}

func (f *fakeRemote) InviteToChannel(ctx context.Context, _ remote.ChannelRef, _ []remote.UserRef) (remote.Payload, error) {
	return remote.Payload{}, f.enter(ctx, "InviteToChannel")
}

func (f *fakeRemote) JoinChannel(ctx context.Context, _ remote.ChannelRef) (remote.Payload, error) {
	return remote.Payload{}, f.enter(ctx, "JoinChannel")
}

func (f *fakeRemote) LeaveChannel(ctx context.Context, _ remote.ChannelRef) (remote.Payload, error) {
	return remote.Payload{}, f.enter(ctx, "LeaveChannel")
}

func (f *fakeRemote) EditChannelTitle(ctx context.Context, ref remote.ChannelRef, title string) (remote.Payload, error) {
	if err := f.enter(ctx, "EditChannelTitle"); err != nil {
		return remote.Payload{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.channels[ref.ID]
	if !ok {
		return remote.Payload{}, remote.ErrNotFound
	}
	channel.Title = title
	f.channels[ref.ID] = channel
	return remote.Payload{Channels: []*entities.Channel{&channel}}, nil
}

func (f *fakeRemote) EditChatTitle(ctx context.Context, id ids.ChatID, title string) (remote.Payload, error) {
	if err := f.enter(ctx, "EditChatTitle"); err != nil {
		return remote.Payload{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[id]
	if !ok {
		return remote.Payload{}, remote.ErrNotFound
	}
	chat.Title = title
	f.chats[id] = chat
	return remote.Payload{Chats: []*entities.Chat{&chat}}, nil
}

type engineFixture struct {
	engine  *Engine
	remote  *fakeRemote
	clock   *testClock
	backend *storage.PebbleStore
}

func openTestBackend(testContext *testing.T) *storage.PebbleStore {
	testContext.Helper()
	backend, err := storage.OpenPebble("cache", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(testContext, err)
	testContext.Cleanup(func() { _ = backend.Close() })
	return backend
}

// newFixture starts an engine over backend, or over a fresh in-memory backend when backend is nil.
func newFixture(testContext *testing.T, backend *storage.PebbleStore) *engineFixture {
	testContext.Helper()
	return newConfiguredFixture(testContext, backend, nil)
}

// newConfiguredFixture is newFixture with configure applied to the engine configuration.
func newConfiguredFixture(testContext *testing.T, backend *storage.PebbleStore, configure func(*Config)) *engineFixture {
	testContext.Helper()
	if backend == nil {
		backend = openTestBackend(testContext)
	}
	fixture := &engineFixture{
		remote:  newFakeRemote(),
		clock:   newTestClock(),
		backend: backend,
	}
	config := Config{
		MyUserID:       testMyUserID,
		Remote:         fixture.remote,
		Values:         backend,
		Log:            backend,
		SaveRetryDelay: time.Second,
		Clock:          fixture.clock.Now,
	}
	if configure != nil {
		configure(&config)
	}
	engine, err := New(config)
	require.NoError(testContext, err)
	fixture.engine = engine

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() {
		stopped <- engine.Run(ctx)
	}()
	testContext.Cleanup(func() {
		cancel()
		<-stopped
	})
	return fixture
}

func testContextWithTimeout(testContext *testing.T) context.Context {
	testContext.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventuallyFor)
	testContext.Cleanup(cancel)
	return ctx
}

// inspect runs read on the worker and returns its result.
func inspect[T any](testContext *testing.T, e *Engine, read func() T) T {
	testContext.Helper()
	value, err := await(testContextWithTimeout(testContext), e, func(resolve func(T, error)) {
		resolve(read(), nil)
	})
	require.NoError(testContext, err)
	return value
}

func mustReceiveEvent(testContext *testing.T, events <-chan notify.Event) notify.Event {
	testContext.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(eventuallyFor):
		testContext.Fatalf("timed out waiting for an event")
		return notify.Event{}
	}
}

func megagroup(id ids.ChannelID, status entities.MemberStatus, participants int32) entities.Channel {
	return entities.Channel{
		ID:               id,
		AccessHash:       int64(id) * 7,
		Title:            "Gophers",
		Status:           status,
		ParticipantCount: participants,
		Flags:            entities.ChannelFlags{IsMegagroup: true},
	}
}
