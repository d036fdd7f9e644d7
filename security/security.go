// Package security issues and validates session and CSRF cookies guarding
// the mutating API routes, using golang-jwt for the session token and
// gorilla/securecookie for random secret and cookie material.
package security

import (
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const (
	sessionCookieName = "telemkv_session"
	csrfCookieName    = "telemkv_csrf"
	sessionTTL        = 30 * 24 * time.Hour
	refreshWindow     = 72 * time.Hour
)

var (
	jwtSecretFromCLI  string
	jwtSecretFilePath string

	jwtSecret    []byte
	sessionStore *sessions.CookieStore
)

// claims is the JWT payload identifying a subscriber session.
type claims struct {
	jwt.RegisteredClaims
}

// ConfigureJWT records the CLI-provided secret (or file path to one),
// deferring actual resolution to InitAuth.
func ConfigureJWT(secret, file string) {
	jwtSecretFromCLI = strings.TrimSpace(secret)
	jwtSecretFilePath = strings.TrimSpace(file)
	jwtSecret = nil
	sessionStore = nil
}

// InitAuth resolves the JWT signing secret, preferring a CLI-supplied value,
// then a persisted secret file, then generating and persisting a new one so
// sessions survive process restarts. The same secret also seeds a
// gorilla/sessions cookie store; the CSRF cookie itself is issued directly
// by EnsureAuthCookies.
func InitAuth() {
	if len(jwtSecret) != 0 {
		return
	}
	if sec := strings.TrimSpace(jwtSecretFromCLI); sec != "" {
		jwtSecret = []byte(sec)
		sessionStore = newSessionStore(jwtSecret)
		return
	}

	path := strings.TrimSpace(jwtSecretFilePath)
	if path == "" {
		path = filepath.Join(".", "data", "jwt.secret")
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if b, err := os.ReadFile(path); err == nil {
		if trimmed := strings.TrimSpace(string(b)); trimmed != "" {
			jwtSecret = []byte(trimmed)
			sessionStore = newSessionStore(jwtSecret)
			return
		}
	}

	buf := securecookie.GenerateRandomKey(32)
	if buf == nil {
		jwtSecret = []byte("telemkv-dev-secret-do-not-use-in-production")
		sessionStore = newSessionStore(jwtSecret)
		return
	}
	secHex := []byte(hex.EncodeToString(buf))
	if err := os.WriteFile(path, secHex, 0o600); err != nil {
		log.Printf("security: could not persist jwt secret to %s: %v", path, err)
	}
	jwtSecret = secHex
	sessionStore = newSessionStore(jwtSecret)
}

func newSessionStore(secret []byte) *sessions.CookieStore {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionTTL / time.Second),
		HttpOnly: false,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

func signToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "telemkv",
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(jwtSecret)
}

func parseToken(raw string) (*claims, error) {
	c := &claims{}
	tok, err := jwt.ParseWithClaims(raw, c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return jwtSecret, nil
	})
	if err != nil || !tok.Valid {
		return nil, err
	}
	return c, nil
}

func randomHex(n int) string {
	b := securecookie.GenerateRandomKey(n)
	if b == nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// EnsureAuthCookies issues a session JWT cookie and a CSRF token cookie when
// missing, refreshing the JWT once it is within refreshWindow of expiry.
func EnsureAuthCookies(w http.ResponseWriter, r *http.Request) {
	if len(jwtSecret) == 0 {
		InitAuth()
	}

	needNew := true
	if ck, err := r.Cookie(sessionCookieName); err == nil && ck.Value != "" {
		if c, err := parseToken(ck.Value); err == nil {
			if c.ExpiresAt != nil && time.Until(c.ExpiresAt.Time) >= refreshWindow {
				needNew = false
			}
		}
	}
	if needNew {
		subject := randomHex(16)
		if tok, err := signToken(subject, sessionTTL); err == nil {
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookieName,
				Value:    tok,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
				Secure:   isSecureRequest(r),
				MaxAge:   int(sessionTTL / time.Second),
			})
		}
	}

	if _, err := r.Cookie(csrfCookieName); err != nil {
		http.SetCookie(w, &http.Cookie{
			Name:     csrfCookieName,
			Value:    randomHex(16),
			Path:     "/",
			HttpOnly: false,
			SameSite: http.SameSiteLaxMode,
			Secure:   isSecureRequest(r),
			MaxAge:   int(sessionTTL / time.Second),
		})
	}
}

// ValidateSessionFromRequest reports whether the session cookie carries a
// valid, unexpired JWT.
func ValidateSessionFromRequest(r *http.Request) bool {
	if len(jwtSecret) == 0 {
		InitAuth()
	}
	ck, err := r.Cookie(sessionCookieName)
	if err != nil || ck.Value == "" {
		return false
	}
	_, err = parseToken(ck.Value)
	return err == nil
}

// CSRFFromRequest returns the CSRF cookie value, or "" if absent.
func CSRFFromRequest(r *http.Request) string {
	ck, err := r.Cookie(csrfCookieName)
	if err != nil {
		return ""
	}
	return ck.Value
}

// Middleware applies CORS headers, issues auth cookies, and enforces
// double-submit CSRF plus session validation on mutating /api/ requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		EnsureAuthCookies(w, r)

		if strings.HasPrefix(r.URL.Path, "/api/") {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				header := r.Header.Get("X-CSRF-Token")
				cookie := CSRFFromRequest(r)
				if header == "" || cookie == "" || header != cookie {
					log.Printf("csrf_denied path=%s method=%s", r.URL.Path, r.Method)
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				if !ValidateSessionFromRequest(r) {
					log.Printf("session_denied path=%s", r.URL.Path)
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}
		}

		next.ServeHTTP(w, r)
	})
}

// isSecureRequest reports whether the request arrived over HTTPS, including
// behind a reverse proxy that sets standard forwarding headers.
func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if fwd := r.Header.Get("Forwarded"); fwd != "" && strings.Contains(strings.ToLower(fwd), "proto=https") {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Ssl"), "on")
}
