package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParseAccessTokenRoundTrips(t *testing.T) {
	secret := []byte("test-secret")
	sessionID := uuid.New()

	token, err := IssueAccessToken(secret, 7, sessionID, string(RoleAdmin))
	require.NoError(t, err)

	claims, err := ParseAccessToken(secret, token)
	require.NoError(t, err)
	require.Equal(t, "7", claims.Subject)
	require.Equal(t, sessionID, claims.SessionID)
	require.Equal(t, string(RoleAdmin), claims.Role)
}

func TestParseAccessTokenRejectsUnrecognizedRole(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueAccessToken(secret, 1, uuid.New(), "superuser")
	require.NoError(t, err)

	_, err = ParseAccessToken(secret, token)
	require.Error(t, err)
}

func TestParseAccessTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueAccessToken([]byte("secret-a"), 1, uuid.New(), string(RoleOperator))
	require.NoError(t, err)

	_, err = ParseAccessToken([]byte("secret-b"), token)
	require.Error(t, err)
}

func TestSetAccessTokenTTLAppliesToSubsequentIssues(t *testing.T) {
	original := AccessTokenTTL()
	defer SetAccessTokenTTL(original)

	SetAccessTokenTTL(2 * time.Hour)
	require.Equal(t, 2*time.Hour, AccessTokenTTL())

	// A non-positive duration is ignored rather than disabling expiry.
	SetAccessTokenTTL(0)
	require.Equal(t, 2*time.Hour, AccessTokenTTL())
}

func TestValidRole(t *testing.T) {
	require.True(t, ValidRole("admin"))
	require.True(t, ValidRole("operator"))
	require.False(t, ValidRole("superuser"))
	require.False(t, ValidRole(""))
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	require.True(t, CheckPassword(hash, "hunter2"))
	require.False(t, CheckPassword(hash, "wrong"))
}

func TestGenerateRefreshTokenIsUnique(t *testing.T) {
	a, err := GenerateRefreshToken()
	require.NoError(t, err)
	b, err := GenerateRefreshToken()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
