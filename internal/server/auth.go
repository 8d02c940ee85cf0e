package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"cutline/internal/engine"
	"cutline/internal/engine/auth"
	"cutline/internal/logging"
)

type AuthConfig struct {
	JWTSecret string
	// AllowLegacyActorHeader accepts X-Actor-Id / X-Actor-Role without credentials. Local development only.
	AllowLegacyActorHeader bool
	Logger                 logrus.FieldLogger
}

type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

func (p Principal) actor() auth.Actor {
	return auth.Actor{ID: p.ActorID, Roles: p.Roles}
}

type principalKey struct{}

func (c AuthConfig) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Discard()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

var (
	errNoCredentials      = errors.New("no credentials")
	errInvalidCredentials = errors.New("invalid credentials")
)

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("bearer auth disabled: no jwt secret")
	}
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

// SignToken mints an HS256 token for actorID with the given roles. A zero ttl never expires.
func SignToken(secret, actorID string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actorID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, e engine.Engine, key string) (Principal, error) {
	k, err := e.LookupAPIKey(ctx, key)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: k.ActorID, Roles: []string{k.Role}, Source: "api_key"}, nil
}

// bearerToken extracts the token of an "Authorization: Bearer <token>" header.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !ok || token == "" || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	return token, true
}

func splitRoles(v string) []string {
	var out []string
	for _, r := range strings.Split(v, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

type authenticator struct {
	cfg    AuthConfig
	engine engine.Engine
	perms  auth.Service
}

// authenticate tries, in order, a bearer JWT, an X-Api-Key and, when enabled, the legacy
// actor headers. The first credential present decides; a bad one is not retried with the next.
func (a authenticator) authenticate(req *http.Request) (Principal, error) {
	var (
		p   Principal
		err error
	)
	switch {
	case req.Header.Get("Authorization") != "":
		token, ok := bearerToken(req.Header.Get("Authorization"))
		if !ok {
			return Principal{}, errInvalidCredentials
		}
		if p, err = authenticateJWT(token, a.cfg.JWTSecret); err != nil {
			a.cfg.logger().WithError(err).Debug("bearer token rejected")
			return Principal{}, errInvalidCredentials
		}
	case strings.TrimSpace(req.Header.Get("X-Api-Key")) != "":
		if p, err = authenticateAPIKey(req.Context(), a.engine, strings.TrimSpace(req.Header.Get("X-Api-Key"))); err != nil {
			a.cfg.logger().WithError(err).Debug("api key rejected")
			return Principal{}, errInvalidCredentials
		}
	case a.cfg.AllowLegacyActorHeader && strings.TrimSpace(req.Header.Get("X-Actor-Id")) != "":
		p = Principal{
			ActorID: strings.TrimSpace(req.Header.Get("X-Actor-Id")),
			Roles:   splitRoles(req.Header.Get("X-Actor-Role")),
			Source:  "legacy_header",
		}
		a.cfg.logger().WithFields(logrus.Fields{"actor_id": p.ActorID, "roles": p.Roles}).
			Warn("legacy actor headers used without credentials")
	default:
		return Principal{}, errNoCredentials
	}
	p.Permissions = a.perms.ActorPermissions(p.actor())
	return p, nil
}

// newAuthMiddleware attaches the Principal to requests under basePath. The health probe, the
// dev login (when enabled) and anything outside basePath pass through untouched.
func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	a := authenticator{cfg: cfg, engine: e, perms: auth.Service{Config: e.Config}}
	open := map[string]bool{path.Join(basePath, "health"): true}
	if cfg.AllowLegacyActorHeader {
		open[path.Join(basePath, "auth/dev/login")] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			p, err := a.authenticate(req)
			switch {
			case errors.Is(err, errNoCredentials):
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			case err != nil:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil))
			default:
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
			}
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
