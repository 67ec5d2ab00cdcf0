package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/lengjing/docker-workspace-manager/internal/model"
	"github.com/lengjing/docker-workspace-manager/internal/service"
)

type contextKey string

const (
	UserKey contextKey = "user"
)

// UserResolver turns a bearer token into the user it identifies.
type UserResolver interface {
	ResolveUser(ctx context.Context, token string) (*model.User, error)
}

// Identity attaches the caller to the request context. A request without a
// token passes through with no user attached. A token that does not verify
// is rejected with 401, and a disabled account with 403.
func Identity(resolver UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := credential(r)
			if tok == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, err := resolver.ResolveUser(r.Context(), tok)
			if err != nil {
				switch {
				case errors.Is(err, service.ErrAccountDisabled):
					writeError(w, http.StatusForbidden, "AccountDisabled")
				case errors.Is(err, service.ErrUnauthorized):
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				default:
					writeError(w, http.StatusInternalServerError, "Internal server error")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireUser rejects requests that reached it without an attached user.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUser(r.Context()) == nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// credential reads the token from the Authorization header, falling back to
// the token query parameter for clients that cannot set headers (WebSockets).
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return r.URL.Query().Get("token")
}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// GetUser extracts user from context
func GetUser(ctx context.Context) *model.User {
	if user, ok := ctx.Value(UserKey).(*model.User); ok {
		return user
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + reason + `"}`))
}
