package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"ai_routing/internal/config"
)

var (
	// ErrInvalidToken covers malformed, expired and badly signed tokens
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingTenant is returned for a token without a tenant
	ErrMissingTenant = errors.New("token carries no tenant")
)

// Claims identify the caller: a user in one tenant with access to a set of
// workspaces
type Claims struct {
	TenantID   string   `json:"tenant_id"`
	UserID     string   `json:"user_id"`
	Workspaces []string `json:"workspaces"`
	Roles      []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasWorkspace reports whether the caller may act in workspace ws
func (c *Claims) HasWorkspace(ws string) bool {
	return ws != "" && slices.Contains(c.Workspaces, ws)
}

// HasRole reports whether any of the caller's roles satisfies required
func (c *Claims) HasRole(required Role) bool {
	for _, r := range c.Roles {
		if Role(r).HasPermission(required) {
			return true
		}
	}
	return false
}

// GenerateJWT signs claims for ttl. Used by the CLI and tests; tokens are
// normally minted by the tenant's identity service.
func GenerateJWT(claims Claims, ttl time.Duration, cfg config.AuthConfig) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	if claims.Subject == "" {
		claims.Subject = claims.UserID
	}
	if cfg.Issuer != "" {
		claims.Issuer = cfg.Issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString(cfg.JWTSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ValidateJWT verifies an HS256 token and returns its claims
func ValidateJWT(tokenString string, cfg config.AuthConfig) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return cfg.JWTSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if cfg.Issuer != "" && !claims.VerifyIssuer(cfg.Issuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}
	if claims.TenantID == "" {
		return nil, ErrMissingTenant
	}
	return claims, nil
}
