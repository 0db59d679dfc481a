package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/auth"
	"github.com/MarcoPoloResearchLab/entitysync/internal/database"
	"github.com/MarcoPoloResearchLab/entitysync/internal/engine"
	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/MarcoPoloResearchLab/entitysync/internal/server"
	"github.com/MarcoPoloResearchLab/entitysync/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	signingSecret   = "integration-secret"
	tokenIssuer     = "entitysync"
	tokenAudience   = "entitysync-api"
	tokenSubject    = "operator"
	jsonContentType = "application/json"
	testMyUserID    = ids.UserID(1)
)

type integrationServer struct {
	url     string
	engine  *engine.Engine
	backend storage.Backend
	issuer  *auth.TokenIssuer
}

func startServer(testContext *testing.T, backend storage.Backend) integrationServer {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	syncEngine, err := engine.New(engine.Config{
		MyUserID: testMyUserID,
		Remote:   remote.Offline{},
		Values:   backend,
		Log:      backend,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = syncEngine.Run(engineCtx)
	}()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
	})
	if err != nil {
		testContext.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:    syncEngine,
		Validator: validator,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(func() {
		testServer.Close()
		cancelEngine()
		<-engineDone
	})
	return integrationServer{url: testServer.URL, engine: syncEngine, backend: backend, issuer: issuer}
}

func (s integrationServer) token(testContext *testing.T, scopes ...string) string {
	testContext.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), tokenSubject, scopes)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s integrationServer) do(testContext *testing.T, method, path, token string, body any) *http.Response {
	testContext.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request %s %s failed: %v", method, path, err)
	}
	testContext.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func openSQLBackend(testContext *testing.T) storage.Backend {
	testContext.Helper()
	db, err := database.Open(database.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	backend := storage.NewSQLStore(db)
	testContext.Cleanup(func() { _ = backend.Close() })
	return backend
}

func expectStatus(testContext *testing.T, response *http.Response, expected int) {
	testContext.Helper()
	if response.StatusCode != expected {
		testContext.Fatalf("unexpected status for %s %s: got %d, want %d", response.Request.Method, response.Request.URL.Path, response.StatusCode, expected)
	}
}

func TestDeliveredEntitiesAreServedOverHTTP(testContext *testing.T) {
	backend := openSQLBackend(testContext)
	app := startServer(testContext, backend)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.engine.Deliver(ctx, engine.UsersReceived{Users: []*entities.User{
		{ID: 7, AccessHash: 70, FirstName: "Ada"},
	}}); err != nil {
		testContext.Fatalf("failed to deliver users: %v", err)
	}

	readToken := app.token(testContext, auth.ScopeRead)
	response := app.do(testContext, http.MethodGet, "/api/users/7?mode=cache_only", readToken, nil)
	expectStatus(testContext, response, http.StatusOK)
	var user struct {
		ID        int64  `json:"id"`
		FirstName string `json:"first_name"`
	}
	if err := json.NewDecoder(response.Body).Decode(&user); err != nil {
		testContext.Fatalf("failed to decode user: %v", err)
	}
	if user.ID != 7 || user.FirstName != "Ada" {
		testContext.Fatalf("unexpected user payload: %#v", user)
	}

	expectStatus(testContext, app.do(testContext, http.MethodGet, "/api/users/8?mode=cache_only", readToken, nil), http.StatusNotFound)
	expectStatus(testContext, app.do(testContext, http.MethodGet, "/api/users/7", "", nil), http.StatusUnauthorized)
}

func TestWritesRequireWriteScopeAndPersist(testContext *testing.T) {
	backend := openSQLBackend(testContext)
	app := startServer(testContext, backend)

	state := map[string]int32{"sync_date": 1700000000, "saved_count": 4}
	readToken := app.token(testContext, auth.ScopeRead)
	expectStatus(testContext, app.do(testContext, http.MethodPut, "/api/contacts/state", readToken, state), http.StatusForbidden)

	writeToken := app.token(testContext, auth.ScopeWrite)
	expectStatus(testContext, app.do(testContext, http.MethodPut, "/api/contacts/state", writeToken, state), http.StatusNoContent)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := backend.Get(context.Background(), ids.KindUser.StateKey()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("contacts state was not persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	restarted := startServer(testContext, backend)
	response := restarted.do(testContext, http.MethodGet, "/api/contacts/state", restarted.token(testContext, auth.ScopeRead), nil)
	expectStatus(testContext, response, http.StatusOK)
	var restored map[string]int32
	if err := json.NewDecoder(response.Body).Decode(&restored); err != nil {
		testContext.Fatalf("failed to decode contacts state: %v", err)
	}
	if restored["sync_date"] != 1700000000 || restored["saved_count"] != 4 {
		testContext.Fatalf("unexpected contacts state after restart: %#v", restored)
	}
}
