package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opensource-finance/claimflow/internal/domain"
)

const (
	// ActorIDHeader names the acting user when authentication is disabled.
	ActorIDHeader = "X-Actor-ID"

	// ActorRoleHeader names the acting user's role when authentication is disabled.
	ActorRoleHeader = "X-Actor-Role"
)

type actorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator resolves the acting user of a request.
// With auth enabled it requires an HS256 bearer token whose subject is the
// actor id; otherwise it trusts the actor headers.
type Authenticator struct {
	enabled bool
	secret  []byte
	issuer  string
}

// NewAuthenticator creates an authenticator from configuration.
func NewAuthenticator(cfg domain.AuthConfig) (*Authenticator, error) {
	if cfg.Enabled && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: jwt secret is required when auth is enabled", domain.ErrInvalidInput)
	}
	return &Authenticator{
		enabled: cfg.Enabled,
		secret:  []byte(cfg.JWTSecret),
		issuer:  cfg.Issuer,
	}, nil
}

// Issue signs a token for the actor.
func (a *Authenticator) Issue(actor domain.Actor, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", domain.ErrInvalidInput)
	}
	if err := checkRole(actor.Role); err != nil {
		return "", err
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, actorClaims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.secret)
}

// Parse validates a token and returns its actor.
func (a *Authenticator) Parse(raw string) (domain.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(raw, &actorClaims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*actorClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return domain.Actor{}, fmt.Errorf("%w: invalid token claims", domain.ErrUnauthorized)
	}

	actor := domain.Actor{ID: claims.Subject, Role: domain.Role(claims.Role)}
	if err := checkRole(actor.Role); err != nil {
		return domain.Actor{}, err
	}
	return actor, nil
}

// Middleware stores the request's actor in the context. Requests without
// one are refused.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.resolve(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": err.Error(),
				"code":  "unauthenticated",
			})
			return
		}
		recordActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(domain.WithActor(r.Context(), actor)))
	})
}

func (a *Authenticator) resolve(r *http.Request) (domain.Actor, error) {
	if a.enabled {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			return domain.Actor{}, fmt.Errorf("%w: bearer token is required", domain.ErrUnauthorized)
		}
		return a.Parse(strings.TrimSpace(raw))
	}

	actor := domain.Actor{
		ID:   r.Header.Get(ActorIDHeader),
		Role: domain.Role(strings.ToLower(r.Header.Get(ActorRoleHeader))),
	}
	if actor.ID == "" || actor.Role == "" {
		return domain.Actor{}, fmt.Errorf("%w: %s and %s headers are required", domain.ErrUnauthorized, ActorIDHeader, ActorRoleHeader)
	}
	if err := checkRole(actor.Role); err != nil {
		return domain.Actor{}, err
	}
	return actor, nil
}

// checkRole refuses unknown roles and the system role, which only the
// automation engine acts as.
func checkRole(role domain.Role) error {
	switch role {
	case domain.RoleClaimant, domain.RoleAdjuster, domain.RoleSupervisor,
		domain.RoleManager, domain.RoleDirector, domain.RoleAdmin:
		return nil
	case domain.RoleSystem:
		return fmt.Errorf("%w: the system role cannot be used over the API", domain.ErrUnauthorized)
	}
	return fmt.Errorf("%w: unknown role %q", domain.ErrUnauthorized, role)
}

var errNoActor = errors.New("no actor in request context")

func actorFrom(r *http.Request) (domain.Actor, error) {
	actor, ok := domain.ActorFrom(r.Context())
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, errNoActor)
	}
	return actor, nil
}
