package auth

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ecliptic-io/authcache/store"
)

// Temporary access key id prefixes: get-session-token and assume-role.
const (
	tempPrefixSessionToken = "MSTS"
	tempPrefixAssumeRole   = "MSAR"
)

// IsTemporaryKeyID reports whether the access key id names a temporary
// credential. Temporary ids must never be accepted without a session token.
func IsTemporaryKeyID(id string) bool {
	return strings.HasPrefix(id, tempPrefixSessionToken) ||
		strings.HasPrefix(id, tempPrefixAssumeRole)
}

// ResolvedCredential is the outcome of a successful credential lookup: the
// signing secret plus the principal context behind the key.
type ResolvedCredential struct {
	AccessKeyID   string
	Secret        string
	PrincipalUUID string

	// Exactly one of User and Account is set for permanent credentials,
	// matching the record type behind the key. Temporary credentials set
	// whichever record the session principal resolves to, when present.
	User    *store.User
	Account *store.Account

	Temporary   bool
	AssumedRole *store.AssumedRole
	SessionName string
	Expiration  time.Time
}

// Resolver looks up the secret and principal context for a presented access
// key id. It reads the cache only; nothing on the verification path writes.
type Resolver struct {
	store  *store.Store
	tokens *SessionTokenService
	now    func() time.Time
}

// NewResolver builds a resolver over the cache.
func NewResolver(s *store.Store, tokens *SessionTokenService) *Resolver {
	return &Resolver{store: s, tokens: tokens, now: time.Now}
}

// Resolve fetches the credential for accessKeyID. sessionToken is required
// for (and only consulted by) temporary MSTS/MSAR ids.
func (r *Resolver) Resolve(ctx context.Context, accessKeyID, sessionToken string) (*ResolvedCredential, error) {
	if IsTemporaryKeyID(accessKeyID) {
		return r.resolveTemporary(ctx, accessKeyID, sessionToken)
	}
	return r.resolvePermanent(ctx, accessKeyID)
}

func (r *Resolver) resolvePermanent(ctx context.Context, accessKeyID string) (*ResolvedCredential, error) {
	ownerUUID, ok, err := r.store.Get(ctx, store.AccessKeyKey(accessKeyID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidAccessKey
	}

	raw, ok, err := r.store.Get(ctx, store.UUIDKey(ownerUUID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUserNotFound
	}
	record, err := store.DecodeRecord(raw)
	if err != nil {
		return nil, err
	}

	resolved := &ResolvedCredential{
		AccessKeyID:   accessKeyID,
		PrincipalUUID: ownerUUID,
	}
	switch rec := record.(type) {
	case *store.Account:
		resolved.Account = rec
		resolved.Secret = rec.AccessKeys[accessKeyID]
	case *store.User:
		resolved.User = rec
		resolved.Secret = rec.AccessKeys[accessKeyID]
	default:
		return nil, ErrUserNotFound
	}
	if resolved.Secret == "" {
		// The mapping exists but the owner record no longer carries the
		// key; treat it as revoked.
		return nil, ErrInvalidAccessKey
	}
	return resolved, nil
}

func (r *Resolver) resolveTemporary(ctx context.Context, accessKeyID, sessionToken string) (*ResolvedCredential, error) {
	if sessionToken == "" {
		return nil, ErrSessionTokenRequired
	}
	if _, err := r.tokens.Validate(sessionToken); err != nil {
		return nil, err
	}

	raw, ok, err := r.store.Get(ctx, store.AccessKeyKey(accessKeyID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidAccessKey
	}

	var cred store.TempCredential
	if err := decodeTempCredential(raw, &cred); err != nil {
		return nil, err
	}

	expiration, err := parseExpiration(cred.Expiration)
	if err != nil {
		return nil, fmt.Errorf("temporary credential carries invalid expiration: %w", err)
	}
	if expiration.Before(r.now()) {
		return nil, ErrCredentialExpired
	}
	if !hmac.Equal([]byte(cred.SessionToken), []byte(sessionToken)) {
		return nil, ErrSessionTokenMismatch
	}

	resolved := &ResolvedCredential{
		AccessKeyID:   accessKeyID,
		Secret:        cred.SecretAccessKey,
		PrincipalUUID: cred.UserUUID,
		Temporary:     true,
		AssumedRole:   cred.AssumedRole,
		SessionName:   cred.SessionName,
		Expiration:    expiration,
	}

	// The principal record is attached when present, but a missing record
	// does not invalidate an otherwise valid temporary credential.
	if principalRaw, ok, err := r.store.Get(ctx, store.UUIDKey(cred.UserUUID)); err != nil {
		return nil, err
	} else if ok {
		if record, err := store.DecodeRecord(principalRaw); err == nil {
			switch rec := record.(type) {
			case *store.Account:
				resolved.Account = rec
			case *store.User:
				resolved.User = rec
			}
		}
	}
	return resolved, nil
}

func decodeTempCredential(raw string, cred *store.TempCredential) error {
	if err := json.Unmarshal([]byte(raw), cred); err != nil {
		return fmt.Errorf("failed to decode temporary credential: %w", err)
	}
	if cred.AccessKeyID == "" || cred.SecretAccessKey == "" {
		return ErrInvalidAccessKey
	}
	return nil
}

// parseExpiration accepts extended ISO 8601 with or without fractional
// seconds.
func parseExpiration(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}
