// Package sigv4 implements the request-canonicalization and signing-key
// derivation half of AWS Signature Version 4. Everything here is pure: for
// fixed inputs the canonical request, string-to-sign and signature are
// byte-identical on every run.
//
// https://docs.aws.amazon.com/AmazonS3/latest/API/sigv4-auth-using-authorization-header.html
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	// AuthorizationPrefix marks a request signed by AWS Signature Version 4.
	AuthorizationPrefix = "AWS4-HMAC-SHA256"

	// TimeFormat is the basic ISO-8601 layout used in X-Amz-Date.
	TimeFormat = "20060102T150405Z"

	// DateFormat is the date-stamp layout used in the credential scope.
	DateFormat = "20060102"

	// UnsignedPayload is the literal payload hash of an unsigned body.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// RequestType is the fixed terminator of the credential scope.
	RequestType = "aws4_request"
)

// Override headers consulted when canonicalizing content-length and
// content-md5. Intermediaries between the signing client and this verifier
// may rewrite the originals; the gateway stashes the signed values here.
const (
	contentLengthOverride = "manta-s3-content-length"
	contentMD5Override    = "manta-s3-content-md5"
)

// UriEncode percent-encodes s per RFC 3986 with the AWS unreserved set
// (A-Z a-z 0-9 - . _ ~). Every other byte, including !'()*, becomes
// uppercase %XX. encodeSlash controls whether / is encoded; path segments
// pass false only because they are split before encoding.
func UriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
		}
	}
	return b.String()
}

// CanonicalURI encodes the request path segment by segment. An empty path
// canonicalizes to /.
func CanonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = UriEncode(seg, true)
	}
	return strings.Join(segments, "/")
}

// CanonicalQuery normalizes the raw query string: each pair is split on the
// first =, key and value are percent-encoded, pairs are sorted
// lexicographically as encoded key=value strings and rejoined with &. A
// missing query string canonicalizes to the empty string.
func CanonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	pairs := strings.Split(rawQuery, "&")
	encoded := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		encoded = append(encoded, UriEncode(key, true)+"="+UriEncode(value, true))
	}
	sort.Strings(encoded)
	return strings.Join(encoded, "&")
}

// CanonicalHeaders builds the canonical headers block for the signed header
// names. headers must be keyed by lowercase name. Values have runs of
// whitespace collapsed to a single space and are trimmed. The returned
// block ends with a newline after the last header, per the SigV4 layout.
func CanonicalHeaders(headers map[string]string, signedHeaders []string) string {
	names := SignedHeaderNames(signedHeaders)
	var b strings.Builder
	for _, name := range names {
		value := headers[name]
		switch name {
		case "content-length":
			if v, ok := headers[contentLengthOverride]; ok && v != "" {
				value = v
			}
		case "content-md5":
			if v, ok := headers[contentMD5Override]; ok && v != "" {
				value = v
			}
		}
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(strings.Fields(value), " "))
		b.WriteString("\n")
	}
	return b.String()
}

// SignedHeaderNames lowercases and sorts the signed header list.
func SignedHeaderNames(signedHeaders []string) []string {
	names := make([]string, len(signedHeaders))
	for i, name := range signedHeaders {
		names[i] = strings.ToLower(name)
	}
	sort.Strings(names)
	return names
}

// CanonicalRequest assembles the full canonical request:
//
//	method \n canonical-uri \n canonical-query \n canonical-headers \n
//	signed-header-names \n payload-hash
func CanonicalRequest(method, path, rawQuery string, headers map[string]string, signedHeaders []string, payloadHash string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteString("\n")
	b.WriteString(CanonicalURI(path))
	b.WriteString("\n")
	b.WriteString(CanonicalQuery(rawQuery))
	b.WriteString("\n")
	b.WriteString(CanonicalHeaders(headers, signedHeaders))
	b.WriteString("\n")
	b.WriteString(strings.Join(SignedHeaderNames(signedHeaders), ";"))
	b.WriteString("\n")
	b.WriteString(payloadHash)
	return b.String()
}

// StringToSign derives the signing input from the request timestamp (basic
// ISO-8601), the credential scope and the canonical request.
func StringToSign(timestamp, scope, canonicalRequest string) string {
	digest := sha256.Sum256([]byte(canonicalRequest))
	return AuthorizationPrefix + "\n" +
		timestamp + "\n" +
		scope + "\n" +
		hex.EncodeToString(digest[:])
}

// SigningKey derives the per-day signing key:
// HMAC chains over "AWS4"+secret → date → region → service → aws4_request.
func SigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, RequestType)
}

// Sign computes the hex signature of stringToSign under the signing key.
func Sign(signingKey []byte, stringToSign string) string {
	return hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
