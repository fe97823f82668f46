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

	"ttm/internal/engine"
	"ttm/internal/rbac"
)

type AuthConfig struct {
	JWTSecret string
	// DevLogin enables POST {base}/auth/dev/login.
	DevLogin bool
}

type principalKey struct{}

func withPrincipal(ctx context.Context, u rbac.User) context.Context {
	return context.WithValue(ctx, principalKey{}, u)
}

func principalFromContext(ctx context.Context) (rbac.User, bool) {
	u, ok := ctx.Value(principalKey{}).(rbac.User)
	return u, ok && u.ID != ""
}

func principalFromRequest(ctx context.Context) (rbac.User, huma.StatusError) {
	if u, ok := principalFromContext(ctx); ok {
		return u, nil
	}
	return rbac.User{}, newAPIError(http.StatusUnauthorized, KindUnauthorized, "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Kind        string             `json:"kind,omitempty"`
	IsSuper     bool               `json:"is_super,omitempty"`
	Permissions rbac.PermissionSet `json:"permissions,omitempty"`
}

func parseToken(token, secret string) (*jwtClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return claims, nil
}

// SignToken mints an HS256 token for the given principal.
func SignToken(secret string, u rbac.User, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind:        u.Kind,
		IsSuper:     u.IsSuper,
		Permissions: u.Permissions,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// TokenAuth resolves a bearer token to the effective principal. It backs both
// the REST middleware and the socket handshake.
func TokenAuth(secret string, e engine.Engine) func(ctx context.Context, token string) (rbac.User, error) {
	return func(ctx context.Context, token string) (rbac.User, error) {
		claims, err := parseToken(token, secret)
		if err != nil {
			return rbac.User{}, err
		}
		return e.ResolveUser(ctx, claims.Subject, claims.Kind, claims.IsSuper, claims.Permissions)
	}
}

func authenticateAPIKey(ctx context.Context, e engine.Engine, key string) (rbac.User, error) {
	if strings.TrimSpace(key) == "" {
		return rbac.User{}, errors.New("api key required")
	}
	actor, err := e.Repo.ActorForKey(ctx, key)
	if err != nil {
		return rbac.User{}, err
	}
	return e.ResolveUser(ctx, actor.ID, actor.Kind, actor.IsSuper, nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	exempt := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "docs"):         true,
		path.Join(basePath, "openapi.json"): true,
	}
	if cfg.DevLogin {
		exempt[path.Join(basePath, "auth/dev/login")] = true
	}
	tokenAuth := TokenAuth(cfg.JWTSecret, e)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || exempt[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			var (
				user rbac.User
				err  error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, KindUnauthorized, "invalid credentials", nil))
					return
				}
				user, err = tokenAuth(req.Context(), token)
			case apiKey != "":
				user, err = authenticateAPIKey(req.Context(), e, apiKey)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, KindUnauthorized, "authentication required", nil))
				return
			}
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, KindUnauthorized, "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), user)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
