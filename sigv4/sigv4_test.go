package sigv4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference vector derived from the AWS SigV4 documentation examples, using
// the documented example secret key.
const (
	testSecret      = "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY"
	emptyBodySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

func TestUriEncode(t *testing.T) {
	assert.Equal(t, "abc-123_~.", UriEncode("abc-123_~.", true))
	assert.Equal(t, "a%20b", UriEncode("a b", true))
	assert.Equal(t, "a%2Fb", UriEncode("a/b", true))
	assert.Equal(t, "a/b", UriEncode("a/b", false))

	// The AWS unreserved set excludes the sub-delims; !'()* must be encoded
	// with uppercase hex digits.
	assert.Equal(t, "%21%27%28%29%2A", UriEncode("!'()*", true))
	assert.Equal(t, "%E2%82%AC", UriEncode("€", true))
}

func TestCanonicalURI(t *testing.T) {
	assert.Equal(t, "/", CanonicalURI(""))
	assert.Equal(t, "/bucket/object", CanonicalURI("/bucket/object"))
	assert.Equal(t, "/bucket/my%20file.txt", CanonicalURI("/bucket/my file.txt"))
	// Slashes separate segments; everything else inside a segment is encoded.
	assert.Equal(t, "/a%2Bb/c", CanonicalURI("/a+b/c"))
}

func TestCanonicalQuery(t *testing.T) {
	assert.Equal(t, "", CanonicalQuery(""))
	assert.Equal(t, "a=1&b=2", CanonicalQuery("b=2&a=1"))
	assert.Equal(t, "flag=", CanonicalQuery("flag"))
	assert.Equal(t, "key=a%20b", CanonicalQuery("key=a b"))
	// Only the first = splits key from value.
	assert.Equal(t, "k=a%3Db", CanonicalQuery("k=a=b"))
}

func TestCanonicalHeaders(t *testing.T) {
	headers := map[string]string{
		"host":       "bucket.s3.amazonaws.com",
		"x-amz-date": "20130524T000000Z",
	}
	got := CanonicalHeaders(headers, []string{"X-Amz-Date", "Host"})
	assert.Equal(t, "host:bucket.s3.amazonaws.com\nx-amz-date:20130524T000000Z\n", got)
}

func TestCanonicalHeadersCollapsesWhitespace(t *testing.T) {
	headers := map[string]string{"x-custom": "  a   b \t c  "}
	got := CanonicalHeaders(headers, []string{"x-custom"})
	assert.Equal(t, "x-custom:a b c\n", got)
}

func TestCanonicalHeadersOverrides(t *testing.T) {
	// A gateway between the signer and this verifier rewrites content-length
	// and content-md5; the signed originals ride in the override headers and
	// must win during canonicalization.
	headers := map[string]string{
		"content-length":          "0",
		"content-md5":             "",
		"manta-s3-content-length": "1024",
		"manta-s3-content-md5":    "XrY7u+Ae7tCTyyK7j1rNww==",
	}
	got := CanonicalHeaders(headers, []string{"content-length", "content-md5"})
	assert.Equal(t, "content-length:1024\ncontent-md5:XrY7u+Ae7tCTyyK7j1rNww==\n", got)
}

func TestCanonicalRequestReferenceVector(t *testing.T) {
	headers := map[string]string{
		"host":       "bucket.s3.amazonaws.com",
		"x-amz-date": "20130524T000000Z",
	}
	signed := []string{"host", "x-amz-date"}

	got := CanonicalRequest("GET", "/bucket/object", "", headers, signed, emptyBodySHA256)
	want := "GET\n" +
		"/bucket/object\n" +
		"\n" +
		"host:bucket.s3.amazonaws.com\n" +
		"x-amz-date:20130524T000000Z\n" +
		"\n" +
		"host;x-amz-date\n" +
		emptyBodySHA256
	assert.Equal(t, want, got)
}

func TestSignReferenceVector(t *testing.T) {
	headers := map[string]string{
		"host":       "bucket.s3.amazonaws.com",
		"x-amz-date": "20130524T000000Z",
	}
	signed := []string{"host", "x-amz-date"}

	canonical := CanonicalRequest("GET", "/bucket/object", "", headers, signed, emptyBodySHA256)
	stringToSign := StringToSign("20130524T000000Z", "20130524/us-east-1/s3/aws4_request", canonical)
	require.Contains(t, stringToSign, "AWS4-HMAC-SHA256\n20130524T000000Z\n")

	key := SigningKey(testSecret, "20130524", "us-east-1", "s3")
	assert.Equal(t,
		"9700d576195ea4ebbfda66adcc30d2141b8af2e9b209c3dc95e521f0a271df32",
		Sign(key, stringToSign))
}

func TestSignIsDeterministic(t *testing.T) {
	key := SigningKey(testSecret, "20130524", "us-east-1", "s3")
	first := Sign(key, "payload")
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, Sign(key, "payload"))
	}
}
