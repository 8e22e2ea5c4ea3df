package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/wagechannel/channel-server-go/internal/audit"
	apperrors "github.com/wagechannel/channel-server-go/internal/errors"
	"github.com/wagechannel/channel-server-go/internal/httputil"
	"github.com/wagechannel/channel-server-go/internal/model"
)

type contextKey string

const ActorContextKey contextKey = "actor"

// ActorClaims are the claims the authentication service puts in actor tokens.
type ActorClaims struct {
	Role model.Role `json:"role"`
	jwt.RegisteredClaims
}

// CurrentActor returns the authenticated caller stored by ActorAuth.
func CurrentActor(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(ActorContextKey).(model.Actor)
	return actor, ok
}

func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, ActorContextKey, actor)
}

// ActorAuth verifies HS256 bearer tokens issued by the external authentication
// service and stores the caller in the request context.
type ActorAuth struct {
	secret []byte
	parser *jwt.Parser
}

func NewActorAuth(secret, issuer string) *ActorAuth {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &ActorAuth{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

// Authenticate parses a raw token into an Actor.
func (m *ActorAuth) Authenticate(raw string) (model.Actor, error) {
	claims := &ActorClaims{}
	_, err := m.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return model.Actor{}, apperrors.InvalidToken("Invalid or expired token").WithCause(err)
	}
	if claims.Subject == "" {
		return model.Actor{}, apperrors.InvalidToken("Token has no subject")
	}
	if !claims.Role.Valid() {
		return model.Actor{}, apperrors.InvalidToken("Token has no valid role")
	}
	return model.Actor{ID: claims.Subject, Role: claims.Role}, nil
}

func (m *ActorAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		actor, err := m.Authenticate(token)
		if err != nil {
			log.Warn().Err(err).Msg("auth middleware: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": string(apperrors.GetCode(err))},
			})
			httputil.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// extractToken reads the bearer header, falling back to the query string for
// EventSource clients that cannot set headers.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return r.URL.Query().Get("token")
}
