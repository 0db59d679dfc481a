package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/auth"
	"github.com/MarcoPoloResearchLab/entitysync/internal/engine"
	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/notify"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "entitysync"
	testAudience      = "entitysync-api"
	testCookieName    = "entitysync_session"
)

// stubEngine answers from its fields and records the commands it received.
type stubEngine struct {
	user     entities.User
	channel  entities.Channel
	full     entities.ChannelFull
	stats    engine.Stats
	contacts engine.ContactsState
	err      error
	events   chan notify.Event

	modes       []engine.Mode
	onlyLocal   []bool
	statuses    []entities.MemberStatus
	added       []ids.UserID
	titles      []string
	invalidated []ids.Kind
	dropDerived []bool
	subscribed  [][]ids.Kind
}

func newStubEngine() *stubEngine {
	return &stubEngine{events: make(chan notify.Event, 8)}
}

func (s *stubEngine) GetUser(_ context.Context, _ ids.UserID, mode engine.Mode) (entities.User, error) {
	s.modes = append(s.modes, mode)
	return s.user, s.err
}

func (s *stubEngine) GetChat(_ context.Context, id ids.ChatID, mode engine.Mode) (entities.Chat, error) {
	s.modes = append(s.modes, mode)
	return entities.Chat{ID: id}, s.err
}

func (s *stubEngine) GetChannel(_ context.Context, _ ids.ChannelID, mode engine.Mode) (entities.Channel, error) {
	s.modes = append(s.modes, mode)
	return s.channel, s.err
}

func (s *stubEngine) GetSecretChat(_ context.Context, id ids.SecretChatID, mode engine.Mode) (entities.SecretChat, error) {
	s.modes = append(s.modes, mode)
	return entities.SecretChat{ID: id}, s.err
}

func (s *stubEngine) GetUserFull(_ context.Context, id ids.UserID, onlyLocal bool) (entities.UserFull, error) {
	s.onlyLocal = append(s.onlyLocal, onlyLocal)
	return entities.UserFull{UserID: id}, s.err
}

func (s *stubEngine) GetChatFull(_ context.Context, id ids.ChatID, onlyLocal bool) (entities.ChatFull, error) {
	s.onlyLocal = append(s.onlyLocal, onlyLocal)
	return entities.ChatFull{ChatID: id}, s.err
}

func (s *stubEngine) GetChannelFull(_ context.Context, _ ids.ChannelID, onlyLocal bool) (entities.ChannelFull, error) {
	s.onlyLocal = append(s.onlyLocal, onlyLocal)
	return s.full, s.err
}

func (s *stubEngine) SetChannelMemberStatus(_ context.Context, _ ids.ChannelID, _ ids.UserID, status entities.MemberStatus) error {
	s.statuses = append(s.statuses, status)
	return s.err
}

func (s *stubEngine) AddChannelMembers(_ context.Context, _ ids.ChannelID, userIDs []ids.UserID) error {
	s.added = append(s.added, userIDs...)
	return s.err
}

func (s *stubEngine) JoinChannel(context.Context, ids.ChannelID) error {
	return s.err
}

func (s *stubEngine) LeaveChannel(context.Context, ids.ChannelID) error {
	return s.err
}

func (s *stubEngine) EditChannelTitle(_ context.Context, _ ids.ChannelID, title string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *stubEngine) EditChatTitle(_ context.Context, _ ids.ChatID, title string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *stubEngine) InvalidateUserFull(context.Context, ids.UserID) error {
	s.invalidated = append(s.invalidated, ids.KindUserFull)
	return s.err
}

func (s *stubEngine) InvalidateChatFull(context.Context, ids.ChatID) error {
	s.invalidated = append(s.invalidated, ids.KindChatFull)
	return s.err
}

func (s *stubEngine) InvalidateChannelFull(_ context.Context, _ ids.ChannelID, dropDerived bool) error {
	s.invalidated = append(s.invalidated, ids.KindChannelFull)
	s.dropDerived = append(s.dropDerived, dropDerived)
	return s.err
}

func (s *stubEngine) InvalidateKind(_ context.Context, kind ids.Kind) (int, error) {
	s.invalidated = append(s.invalidated, kind)
	return 3, s.err
}

func (s *stubEngine) Stats(context.Context) (engine.Stats, error) {
	return s.stats, s.err
}

func (s *stubEngine) ContactsState(context.Context) (engine.ContactsState, error) {
	return s.contacts, s.err
}

func (s *stubEngine) SetContactsState(_ context.Context, state engine.ContactsState) error {
	s.contacts = state
	return s.err
}

func (s *stubEngine) Subscribe(_ context.Context, kinds ...ids.Kind) (<-chan notify.Event, func()) {
	s.subscribed = append(s.subscribed, kinds)
	return s.events, func() {}
}

type testServer struct {
	engine  *stubEngine
	handler http.Handler
	issuer  *auth.TokenIssuer
}

func newTestServer(testContext *testing.T) *testServer {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Minute,
	})
	require.NoError(testContext, err)
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		CookieName:    testCookieName,
	})
	require.NoError(testContext, err)

	stub := newStubEngine()
	handler, err := NewHTTPHandler(Dependencies{
		Engine:            stub,
		Validator:         validator,
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            zap.NewNop(),
	})
	require.NoError(testContext, err)
	return &testServer{engine: stub, handler: handler, issuer: issuer}
}

func (s *testServer) mustToken(testContext *testing.T, scopes ...string) string {
	testContext.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), "operator-1", scopes)
	require.NoError(testContext, err)
	return token
}

func (s *testServer) do(method, target, token, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}
