package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/audit"
	apperrors "github.com/openclaw/consult-server-go/internal/errors"
	"github.com/openclaw/consult-server-go/internal/httputil"
	"github.com/openclaw/consult-server-go/internal/model"
	"github.com/openclaw/consult-server-go/internal/util"
)

type contextKey string

const ActorContextKey contextKey = "actor"

// AdminActorID is recorded as the actor of operations authorized with the
// shared admin token.
const AdminActorID = "admin"

// CurrentActor returns the authenticated caller.
func CurrentActor(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(ActorContextKey).(model.Actor)
	return actor, ok
}

func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, ActorContextKey, actor)
}

// ActorAuthMiddleware accepts bearer tokens of the form
// "<actorId>.<role>.<hmac>".
type ActorAuthMiddleware struct {
	secret string
}

func NewActorAuthMiddleware(secret string) *ActorAuthMiddleware {
	return &ActorAuthMiddleware{secret: secret}
}

func (m *ActorAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		actorID, role, ok := util.ParseActorToken(m.secret, token)
		if !ok || !util.IsValidActorID(actorID) || !model.Role(role).Valid() {
			log.Warn().Str("path", r.URL.Path).Msg("auth middleware: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			writeError(w, apperrors.InvalidToken("Invalid token"))
			return
		}

		actor := model.Actor{ID: actorID, Role: model.Role(role)}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// AdminAuthMiddleware checks the bearer token against a bcrypt hash.
type AdminAuthMiddleware struct {
	tokenHash string
}

func NewAdminAuthMiddleware(tokenHash string) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{tokenHash: tokenHash}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.tokenHash == "" {
			writeError(w, apperrors.Unavailable("Admin not configured"))
			return
		}

		token := extractToken(r)
		if token == "" || !util.CheckPasswordHash(token, m.tokenHash) {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure, Details: map[string]interface{}{"scope": "admin"}})
			writeError(w, apperrors.Unauthorized("Unauthorized"))
			return
		}

		actor := model.Actor{ID: AdminActorID, Role: model.RoleAdmin}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireRole rejects actors whose role is not one of roles.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := CurrentActor(r.Context())
			if !ok {
				writeError(w, apperrors.Unauthorized("Unauthorized"))
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, apperrors.Forbidden("Not allowed for this role"))
		})
	}
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	// EventSource cannot set headers.
	if r.URL.Path == "/v1/events" {
		return r.URL.Query().Get("token")
	}

	return ""
}

func writeError(w http.ResponseWriter, err *apperrors.AppError) {
	httputil.WriteError(w, err)
}
