package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/pliu/chatty/internal/apperr"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// Verifier resolves an access token to a user id.
type Verifier interface {
	VerifyAccess(token string) (int, error)
}

// ErrorWriter renders an error response; handlers.WriteError satisfies it.
type ErrorWriter func(w http.ResponseWriter, err error)

func AuthMiddleware(verifier Verifier, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				writeErr(w, apperr.Unauthorized("missing bearer token"))
				return
			}

			userID, err := verifier.VerifyAccess(token)
			if err != nil {
				writeErr(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func UserIDFromContext(ctx context.Context) (int, bool) {
	userID, ok := ctx.Value(UserIDKey).(int)
	return userID, ok
}

// WithUserID is used by tests that bypass the middleware.
func WithUserID(ctx context.Context, userID int) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
