package security

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetAuth(t *testing.T) {
	t.Helper()
	ConfigureJWT("", filepath.Join(t.TempDir(), "jwt.secret"))
}

func TestEnsureAuthCookiesIssuesSessionAndCSRF(t *testing.T) {
	resetAuth(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	EnsureAuthCookies(rec, req)

	res := rec.Result()
	var sawSession, sawCSRF bool
	for _, c := range res.Cookies() {
		if c.Name == sessionCookieName {
			sawSession = true
		}
		if c.Name == csrfCookieName {
			sawCSRF = true
		}
	}
	assert.True(t, sawSession)
	assert.True(t, sawCSRF)
}

func TestValidateSessionFromRequestRejectsMissingCookie(t *testing.T) {
	resetAuth(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, ValidateSessionFromRequest(req))
}

func TestMiddlewareRejectsMutatingRequestWithoutCSRF(t *testing.T) {
	resetAuth(t)
	mw := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodDelete, "/api/flights/flight_001", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSignAndParseTokenRoundTrip(t *testing.T) {
	resetAuth(t)
	InitAuth()
	tok, err := signToken("subscriber-1", sessionTTL)
	require.NoError(t, err)
	c, err := parseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "subscriber-1", c.Subject)
}
