package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const defaultMaxTokenBytes = 64 * 1024

// SessionClaims is the extracted content of a validated session token. The
// token itself stays opaque to the rest of the verifier; only the principal
// uuid and the optional assumed-role context are consumed.
type SessionClaims struct {
	UUID         string
	RoleArn      string
	SessionName  string
	KeyID        string
	TokenVersion int
}

// SessionTokenConfig configures token verification.
type SessionTokenConfig struct {
	// Keys maps a token keyId claim to its HMAC secret. Tokens referencing
	// an unknown keyId are rejected.
	Keys map[string]string

	// MaxBytes caps the accepted token size (default 64 KiB).
	MaxBytes int

	// Issuer and Audience, when set, must match the token's claims.
	Issuer   string
	Audience string
}

// SessionTokenService validates (and, for the token-issuing collaborator,
// signs) the opaque session tokens that bind temporary access keys to their
// issued sessions.
type SessionTokenService struct {
	keys     map[string][]byte
	maxBytes int
	issuer   string
	audience string
}

// NewSessionTokenService builds a token service from the configured secrets.
func NewSessionTokenService(cfg SessionTokenConfig) *SessionTokenService {
	keys := make(map[string][]byte, len(cfg.Keys))
	for id, secret := range cfg.Keys {
		keys[id] = []byte(secret)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = defaultMaxTokenBytes
	}
	return &SessionTokenService{
		keys:     keys,
		maxBytes: maxBytes,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
}

// Validate verifies the token signature and time claims (exp in the future,
// nbf in the past) and extracts the session claims. The keyId claim selects
// the verification secret, so it is read from an unverified parse first and
// the full verification runs under the selected key.
func (s *SessionTokenService) Validate(token string) (*SessionClaims, error) {
	if len(token) > s.maxBytes {
		return nil, fmt.Errorf("%w: token exceeds %d bytes", ErrInvalidToken, s.maxBytes)
	}

	insecure, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	keyID, _ := stringClaim(insecure, "keyId")
	secret, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown keyId", ErrInvalidToken)
	}

	options := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, secret),
		jwt.WithValidate(true),
	}
	if s.issuer != "" {
		options = append(options, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		options = append(options, jwt.WithAudience(s.audience))
	}

	verified, err := jwt.Parse([]byte(token), options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &SessionClaims{KeyID: keyID}
	claims.UUID, _ = stringClaim(verified, "uuid")
	if claims.UUID == "" {
		return nil, fmt.Errorf("%w: missing uuid claim", ErrInvalidToken)
	}
	claims.RoleArn, _ = stringClaim(verified, "roleArn")
	claims.SessionName, _ = stringClaim(verified, "sessionName")
	if v, ok := verified.Get("tokenVersion"); ok {
		if f, isFloat := v.(float64); isFloat {
			claims.TokenVersion = int(f)
		}
	}
	return claims, nil
}

// Issue signs a session token under keyID. Used by the token-issuing
// collaborator and by tests; the verifier itself never issues.
func (s *SessionTokenService) Issue(claims *SessionClaims, keyID string, lifetime time.Duration) (string, error) {
	secret, ok := s.keys[keyID]
	if !ok {
		return "", fmt.Errorf("unknown keyId %q", keyID)
	}

	now := time.Now()
	builder := jwt.NewBuilder().
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(lifetime)).
		Claim("uuid", claims.UUID).
		Claim("keyId", keyID).
		Claim("tokenVersion", claims.TokenVersion)
	if s.issuer != "" {
		builder = builder.Issuer(s.issuer)
	}
	if s.audience != "" {
		builder = builder.Audience([]string{s.audience})
	}
	if claims.RoleArn != "" {
		builder = builder.Claim("roleArn", claims.RoleArn)
	}
	if claims.SessionName != "" {
		builder = builder.Claim("sessionName", claims.SessionName)
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

func stringClaim(token jwt.Token, name string) (string, bool) {
	v, ok := token.Get(name)
	if !ok {
		return "", false
	}
	s, isString := v.(string)
	return s, isString
}
