package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	CookieName   = "pt_session"
	CookieMaxAge = 30 * 24 * time.Hour
)

type contextKey string

const sessionIDKey contextKey = "sessionID"

// Manager issues and verifies the signed session cookie.
type Manager struct {
	secret        []byte
	secureCookies bool
}

func NewManager(secret string, secureCookies bool) *Manager {
	return &Manager{secret: []byte(secret), secureCookies: secureCookies}
}

func (m *Manager) sign(sid string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(sid))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Manager) encode(sid string) string {
	return sid + "." + m.sign(sid)
}

func (m *Manager) decode(value string) (string, bool) {
	sid, sig, found := strings.Cut(value, ".")
	if !found || sid == "" {
		return "", false
	}
	if !hmac.Equal([]byte(sig), []byte(m.sign(sid))) {
		return "", false
	}
	return sid, true
}

// Middleware attaches the session id, issuing a new cookie when the request
// has none or a tampered one.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sid string
		if c, err := r.Cookie(CookieName); err == nil {
			sid, _ = m.decode(c.Value)
		}

		if sid == "" {
			sid = NewID()
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    m.encode(sid),
				Path:     "/",
				MaxAge:   int(CookieMaxAge.Seconds()),
				HttpOnly: true,
				Secure:   m.secureCookies,
				SameSite: http.SameSiteLaxMode,
			})
		}

		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), sid)))
	})
}

// NewID returns a random 128-bit hex token.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func WithID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sid)
}

func IDFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(sessionIDKey).(string)
	return sid
}

// IDFromRequest is a ratelimit key function.
func IDFromRequest(r *http.Request) string {
	return IDFromContext(r.Context())
}
