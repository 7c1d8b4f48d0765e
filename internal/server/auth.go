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
	"go.uber.org/zap"

	"stateline/internal/engine/auth"
	"stateline/internal/repo"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *zap.Logger
}

const (
	sourceJWT    = "jwt"
	sourceAPIKey = "api_key"
	sourceLegacy = "legacy_header"
	// wildcardWorkspace grants a token role in every workspace.
	wildcardWorkspace = "*"
)

type Principal struct {
	ActorID string
	// Roles maps workspace slug to role; API keys carry exactly one entry.
	Roles  map[string]auth.Role
	Source string
}

// roleIn reports the role the credential itself carries for workspace.
func (p Principal) roleIn(workspace string) (auth.Role, bool) {
	if r, ok := p.Roles[workspace]; ok {
		return r, true
	}
	if r, ok := p.Roles[wildcardWorkspace]; ok && p.Source == sourceJWT {
		return r, true
	}
	return 0, false
}

type principalKey struct{}

func (c AuthConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// requireRole resolves the caller's role in workspace and checks it against
// the policy entry for op. Tokens and legacy actors without a role for the
// workspace fall back to the workspace membership table; API keys never do.
func requireRole(ctx context.Context, d deps, workspace, op string) (Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	role, ok := p.roleIn(workspace)
	if !ok && p.Source != sourceAPIKey {
		var err error
		if role, err = d.engine.RoleFor(ctx, workspace, p.ActorID); err != nil {
			return Principal{}, err
		}
	}
	if err := d.policy.Authorize(op, role); err != nil {
		d.log.Debug("forbidden",
			zap.String("actor_id", p.ActorID),
			zap.String("workspace", workspace),
			zap.String("operation", op),
			zap.Stringer("role", role))
		return Principal{}, err
	}
	return p, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	// Roles maps workspace slug (or "*") to a role name.
	Roles map[string]string `json:"roles,omitempty"`
}

// SignToken issues an HS256 token for actorID carrying per-workspace roles.
func SignToken(secret, actorID string, roles map[string]auth.Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(actorID) == "" {
		return "", errors.New("actor id required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actorID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: map[string]string{},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	for ws, r := range roles {
		claims.Roles[ws] = r.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	roles := make(map[string]auth.Role, len(claims.Roles))
	for ws, name := range claims.Roles {
		r, err := auth.ParseRole(name)
		if err != nil {
			return Principal{}, err
		}
		roles[ws] = r
	}
	return Principal{ActorID: claims.Subject, Roles: roles, Source: sourceJWT}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{
		ActorID: apiKey.ActorID,
		Roles:   map[string]auth.Role{apiKey.Workspace: auth.Role(apiKey.Role)},
		Source:  sourceAPIKey,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "metrics"):      true,
		path.Join(basePath, "openapi.json"): true,
		path.Join(basePath, "docs"):         true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			legacyActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug("jwt rejected", zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if legacyActor != "" && cfg.AllowLegacyActorHeader {
				cfg.logger().Warn("legacy X-Actor-Id header used without credentials", zap.String("actor_id", legacyActor))
				ctx := withPrincipal(req.Context(), Principal{ActorID: legacyActor, Source: sourceLegacy})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
