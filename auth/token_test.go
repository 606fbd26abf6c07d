package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTokenService() *SessionTokenService {
	return NewSessionTokenService(SessionTokenConfig{
		Keys: map[string]string{
			"key-1": "first-secret-first-secret-123456",
			"key-2": "other-secret-other-secret-123456",
		},
	})
}

func TestTokenIssueAndValidate(t *testing.T) {
	svc := testTokenService()

	token, err := svc.Issue(&SessionClaims{
		UUID:         "u-1",
		RoleArn:      "arn:aws:iam::a-1:role/ops",
		SessionName:  "deploy",
		TokenVersion: 1,
	}, "key-1", time.Hour)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UUID)
	assert.Equal(t, "arn:aws:iam::a-1:role/ops", claims.RoleArn)
	assert.Equal(t, "deploy", claims.SessionName)
	assert.Equal(t, "key-1", claims.KeyID)
	assert.Equal(t, 1, claims.TokenVersion)
}

func TestTokenExpired(t *testing.T) {
	svc := testTokenService()

	token, err := svc.Issue(&SessionClaims{UUID: "u-1"}, "key-1", -time.Minute)
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenUnknownKeyID(t *testing.T) {
	issuer := NewSessionTokenService(SessionTokenConfig{
		Keys: map[string]string{"rogue": "rogue-secret-rogue-secret-123456"},
	})
	token, err := issuer.Issue(&SessionClaims{UUID: "u-1"}, "rogue", time.Hour)
	require.NoError(t, err)

	_, err = testTokenService().Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenWrongSecret(t *testing.T) {
	// Signed under key-2's secret but claiming keyId key-1: the signature
	// check under the claimed key must fail.
	forger := NewSessionTokenService(SessionTokenConfig{
		Keys: map[string]string{"key-1": "other-secret-other-secret-123456"},
	})
	token, err := forger.Issue(&SessionClaims{UUID: "u-1"}, "key-1", time.Hour)
	require.NoError(t, err)

	_, err = testTokenService().Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenMissingUUIDClaim(t *testing.T) {
	svc := testTokenService()
	token, err := svc.Issue(&SessionClaims{}, "key-1", time.Hour)
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenSizeCap(t *testing.T) {
	svc := NewSessionTokenService(SessionTokenConfig{
		Keys:     map[string]string{"key-1": "first-secret-first-secret-123456"},
		MaxBytes: 64,
	})
	_, err := svc.Validate(strings.Repeat("x", 65))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenGarbageRejected(t *testing.T) {
	_, err := testTokenService().Validate("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
