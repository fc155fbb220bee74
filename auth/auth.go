// Package auth handles JWT issuance/validation and password hashing for
// the runtime's operator accounts: the human operators who connect to
// telemetry.Server and the admin HTTP surface.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Role names an operator account's privilege level. Every operator row
// in store/postgres carries one of these, and middleware.RequireAdmin
// enforces RoleAdmin on the admin HTTP surface's mutating routes.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// ValidRole reports whether r is a role the runtime recognizes. Callers
// creating operator accounts (see adminapi's createOperator) reject
// anything else rather than silently accepting an unknown privilege
// level.
func ValidRole(r string) bool {
	switch Role(r) {
	case RoleAdmin, RoleOperator:
		return true
	default:
		return false
	}
}

// defaultAccessTokenTTL is used until SetAccessTokenTTL is called, and
// whenever a configured value fails to parse.
const defaultAccessTokenTTL = time.Hour

var accessTokenTTL atomic.Int64 // nanoseconds, time.Duration

func init() {
	accessTokenTTL.Store(int64(defaultAccessTokenTTL))
}

// SetAccessTokenTTL updates the lifetime applied to every access token
// issued after this call. The runtime calls it once at startup from the
// live config document's telemetry.session_ttl field (config.Global),
// and again whenever that document changes — unlike the teacher's
// env-var-read-once-at-init approach, session lifetime here is a
// hot-reloadable operational knob like a cycler period, not a
// deploy-time constant. d <= 0 is ignored.
func SetAccessTokenTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	accessTokenTTL.Store(int64(d))
}

// AccessTokenTTL returns the lifetime currently applied to newly issued
// access tokens.
func AccessTokenTTL() time.Duration {
	return time.Duration(accessTokenTTL.Load())
}

// Claims is the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	SessionID uuid.UUID `json:"sid"`
	Role      string    `json:"role"`
}

// IssueAccessToken creates a signed HS256 JWT scoped to a telemetry
// Connect/admin-HTTP session for the given operator. The session's
// remaining lifetime is read from AccessTokenTTL at issue time, so a
// config change takes effect for every token issued afterward without
// invalidating tokens already outstanding.
func IssueAccessToken(secret []byte, operatorID int64, sessionID uuid.UUID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", operatorID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenTTL())),
		},
		SessionID: sessionID,
		Role:      role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseAccessToken validates the token signature and expiry, returning the claims.
func ParseAccessToken(secret []byte, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired")
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if !ValidRole(claims.Role) {
		return nil, fmt.Errorf("invalid token claims: unrecognized role %q", claims.Role)
	}
	return claims, nil
}

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateRefreshToken returns a cryptographically random 32-byte base64 string.
func GenerateRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
