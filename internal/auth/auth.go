package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/pseudotube/pseudotube/internal/httputil"
)

type contextKey string

const userIDKey contextKey = "userID"

// Authenticator resolves the uploader identity from a bearer token. Login
// itself happens elsewhere; tokens are verified with the shared secret.
type Authenticator struct {
	jwtSecret string
}

func NewAuthenticator(jwtSecret string) *Authenticator {
	return &Authenticator{jwtSecret: jwtSecret}
}

// Middleware rejects requests without a valid access token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "authorization header required")
			return
		}

		userID, msg := a.resolve(authHeader)
		if userID == "" {
			httputil.WriteError(w, http.StatusUnauthorized, msg)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
	})
}

// Optional attaches the user when a valid token is present and lets
// anonymous requests through otherwise.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if userID, _ := a.resolve(authHeader); userID != "" {
				r = r.WithContext(ContextWithUserID(r.Context(), userID))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) resolve(authHeader string) (string, string) {
	tokenStr, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return "", "invalid authorization header format"
	}

	claims, err := ValidateToken(a.jwtSecret, tokenStr)
	if err != nil {
		return "", "invalid token"
	}
	if claims.TokenType != tokenTypeAccess {
		return "", "invalid token type"
	}
	return claims.UserID, ""
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}
