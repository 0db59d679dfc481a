package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "entitysync_session"
	testSessionSubject       = "operator-7"
)

func mustNewSessionValidator(t *testing.T, clock func() time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		CookieName:    testSessionCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func mustIssue(t *testing.T, clock func() time.Time, scopes ...string) string {
	t.Helper()
	token, _, err := mustNewTokenIssuer(t, testSessionSigningSecret, clock).IssueToken(context.Background(), testSessionSubject, scopes)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	validator := mustNewSessionValidator(t, clock)

	claims, err := validator.ValidateToken(mustIssue(t, clock, ScopeWrite))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != testSessionSubject {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if !claims.HasScope(ScopeWrite) {
		t.Fatalf("expected write scope, got %#v", claims.Scopes)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	issuedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	token := mustIssue(t, func() time.Time { return issuedAt }, ScopeRead)
	validator := mustNewSessionValidator(t, func() time.Time { return issuedAt.Add(time.Hour) })

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignAudience(t *testing.T) {
	foreign, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testIssuer,
		Audience:      "another-api",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	token, _, err := foreign.IssueToken(context.Background(), testSessionSubject, []string{ScopeRead})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := mustNewSessionValidator(t, nil).ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequest(t *testing.T) {
	validator := mustNewSessionValidator(t, nil)
	token := mustIssue(t, nil, ScopeRead)

	testCases := []struct {
		name    string
		prepare func(request *http.Request)
		wantErr error
	}{
		{
			name: "bearer header",
			prepare: func(request *http.Request) {
				request.Header.Set("Authorization", "Bearer "+token)
			},
		},
		{
			name: "cookie",
			prepare: func(request *http.Request) {
				request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: token})
			},
		},
		{
			name: "malformed header",
			prepare: func(request *http.Request) {
				request.Header.Set("Authorization", "Token "+token)
			},
			wantErr: ErrInvalidSessionToken,
		},
		{
			name:    "missing",
			prepare: func(*http.Request) {},
			wantErr: ErrMissingSessionToken,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/api/users/1", http.NoBody)
			testCase.prepare(request)
			claims, err := validator.ValidateRequest(request)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("validation failed: %v", err)
			}
			if claims.Subject != testSessionSubject {
				t.Fatalf("unexpected subject: %s", claims.Subject)
			}
		})
	}
}

func TestNewSessionValidatorRequiresAudience(t *testing.T) {
	_, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testIssuer,
	})
	if !errors.Is(err, ErrMissingSessionAudience) {
		t.Fatalf("expected missing audience error, got %v", err)
	}
}
