package auth

import (
	"context"
	"crypto/hmac"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/sigv4"
	"github.com/ecliptic-io/authcache/store"
)

const (
	defaultMaxSkew = 15 * time.Minute

	// Session tokens shorter than this are treated as absent. Proxies in
	// front of the verifier occasionally forward junk parameter values.
	minSessionTokenLen = 10
)

// Request is a signed request handed to the verifier. Headers must be keyed
// by lowercase name.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   Query
}

// Query carries the out-of-band overrides a fronting proxy may attach: the
// method and url the client originally signed, plus the session token it
// appended after signing.
type Query struct {
	Method       string `json:"method,omitempty"`
	URL          string `json:"url,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
}

// Principal is the authenticated outcome of a successful verification.
type Principal struct {
	User    *store.User
	Account *store.Account

	AccessKeyID           string
	PrincipalUUID         string
	IsTemporaryCredential bool
	AssumedRole           *store.AssumedRole
	SessionName           string
}

// Verifier orchestrates SigV4 verification: header parsing, credential
// resolution, skew check, canonicalization and the signature compare. It
// only reads the cache, so any number of Verify calls may run concurrently.
type Verifier struct {
	resolver *Resolver
	log      *logrus.Entry
	now      func() time.Time
	maxSkew  time.Duration
}

// NewVerifier builds a verifier over the resolver.
func NewVerifier(resolver *Resolver, log *logrus.Entry) *Verifier {
	return &Verifier{
		resolver: resolver,
		log:      log,
		now:      time.Now,
		maxSkew:  defaultMaxSkew,
	}
}

// SetMaxSkew overrides the accepted request timestamp skew. Non-positive
// values keep the 15 minute default.
func (v *Verifier) SetMaxSkew(d time.Duration) {
	if d > 0 {
		v.maxSkew = d
	}
}

// Verify authenticates req. On success it returns the principal behind the
// presented access key. Every malformed or failed attempt maps to
// InvalidSignature except cache failures, which surface as RedisError; the
// expected signature never leaves the debug log.
func (v *Verifier) Verify(ctx context.Context, req *Request) (*Principal, error) {
	parsed, err := ParseAuthorization(req.Headers["authorization"])
	if err != nil {
		v.log.WithError(err).Debug("rejected malformed authorization header")
		return nil, InvalidSignature("The authorization header is malformed")
	}

	sessionToken := v.sessionToken(req)
	temporary := len(sessionToken) >= minSessionTokenLen
	if !temporary {
		sessionToken = ""
	}
	if IsTemporaryKeyID(parsed.AccessKeyID) && sessionToken == "" {
		return nil, InvalidSignature("Temporary credentials require session token")
	}

	if err := v.checkSkew(req.Headers); err != nil {
		v.log.WithError(err).Debug("rejected request timestamp")
		return nil, InvalidSignature("Request timestamp is missing, malformed or expired")
	}

	resolved, err := v.resolver.Resolve(ctx, parsed.AccessKeyID, sessionToken)
	if err != nil {
		var storeErr *store.StoreError
		if errors.As(err, &storeErr) {
			return nil, RedisError(err)
		}
		v.log.WithError(err).WithField("accessKeyId", parsed.AccessKeyID).
			Debug("credential resolution failed")
		return nil, InvalidSignature("The access key or session token is not valid")
	}

	method, path, rawQuery := v.reconstruct(req, resolved.Temporary)
	payloadHash := req.Headers["x-amz-content-sha256"]
	if payloadHash == "" {
		payloadHash = sigv4.UnsignedPayload
	}

	canonical := sigv4.CanonicalRequest(method, path, rawQuery, req.Headers, parsed.SignedHeaders, payloadHash)
	stringToSign := sigv4.StringToSign(v.timestamp(req.Headers), parsed.Scope(), canonical)
	signingKey := sigv4.SigningKey(resolved.Secret, parsed.DateStamp, parsed.Region, parsed.Service)
	expected := sigv4.Sign(signingKey, stringToSign)

	if !hmac.Equal([]byte(expected), []byte(parsed.Signature)) {
		v.log.WithFields(logrus.Fields{
			"accessKeyId":      parsed.AccessKeyID,
			"canonicalRequest": canonical,
		}).Debug("signature mismatch")
		return nil, InvalidSignature("The request signature we calculated does not match the signature you provided")
	}

	principal := &Principal{
		User:                  resolved.User,
		Account:               resolved.Account,
		AccessKeyID:           resolved.AccessKeyID,
		PrincipalUUID:         resolved.PrincipalUUID,
		IsTemporaryCredential: resolved.Temporary,
		AssumedRole:           resolved.AssumedRole,
		SessionName:           resolved.SessionName,
	}
	return principal, nil
}

// sessionToken pulls the presented session token from the security-token
// header, the query override or a sessionToken parameter embedded in the
// proxied url, in that order.
func (v *Verifier) sessionToken(req *Request) string {
	if token := req.Headers["x-amz-security-token"]; token != "" {
		return token
	}
	if req.Query.SessionToken != "" {
		return req.Query.SessionToken
	}
	if _, rawQuery, found := strings.Cut(req.Query.URL, "?"); found {
		for _, pair := range strings.Split(rawQuery, "&") {
			if value, ok := strings.CutPrefix(pair, "sessionToken="); ok {
				if decoded, err := url.QueryUnescape(value); err == nil {
					return decoded
				}
				return value
			}
		}
	}
	return ""
}

// timestamp reads the signed request time from x-amz-date, falling back to
// the date header.
func (v *Verifier) timestamp(headers map[string]string) string {
	if ts := headers["x-amz-date"]; ts != "" {
		return ts
	}
	return headers["date"]
}

func (v *Verifier) checkSkew(headers map[string]string) error {
	raw := v.timestamp(headers)
	if raw == "" {
		return errors.New("request carries no timestamp")
	}
	t, err := parseRequestTime(raw)
	if err != nil {
		return err
	}
	skew := v.now().Sub(t)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return errors.New("request timestamp exceeds the allowed clock skew")
	}
	return nil
}

func parseRequestTime(raw string) (time.Time, error) {
	for _, layout := range []string{sigv4.TimeFormat, time.RFC3339, time.RFC1123} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unparsable request timestamp")
}

// reconstruct rebuilds the method, path and query string the client signed.
// Query overrides win over the transported request line; on the temporary
// path the sessionToken parameter is stripped from the query string because
// the proxy appended it after the client signed.
func (v *Verifier) reconstruct(req *Request, temporary bool) (method, path, rawQuery string) {
	method = req.Method
	if req.Query.Method != "" {
		method = req.Query.Method
	}

	signedURL := req.URL
	if req.Query.URL != "" {
		if decoded, err := url.QueryUnescape(req.Query.URL); err == nil {
			signedURL = decoded
		} else {
			signedURL = req.Query.URL
		}
	}

	path, rawQuery, _ = strings.Cut(signedURL, "?")
	if temporary && rawQuery != "" {
		kept := make([]string, 0, 4)
		for _, pair := range strings.Split(rawQuery, "&") {
			if strings.HasPrefix(pair, "sessionToken=") {
				continue
			}
			kept = append(kept, pair)
		}
		rawQuery = strings.Join(kept, "&")
	}
	return method, path, rawQuery
}
