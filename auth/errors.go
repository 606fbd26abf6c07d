package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Resolution and verification failure kinds. These stay internal to the
// daemon; the verifier folds every security-relevant failure into a single
// client-visible InvalidSignature so that responses never reveal which stage
// rejected the request.
var (
	ErrInvalidAccessKey     = errors.New("access key not found")
	ErrUserNotFound         = errors.New("principal record not found")
	ErrCredentialExpired    = errors.New("temporary credential has expired")
	ErrSessionTokenMismatch = errors.New("session token does not match issued credential")
	ErrSessionTokenRequired = errors.New("temporary credentials require session token")
	ErrInvalidToken         = errors.New("invalid session token")
	ErrExpiredToken         = errors.New("session token has expired")
)

// Error is the client-visible error shape carried through to the HTTP
// boundary as {restCode, statusCode, message}.
type Error struct {
	RestCode   string `json:"restCode"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.RestCode, e.Message)
}

// AccountDoesNotExist reports a missing account.
func AccountDoesNotExist(msg string) *Error {
	return &Error{RestCode: "AccountDoesNotExist", StatusCode: http.StatusForbidden, Message: msg}
}

// UserDoesNotExist reports a missing sub-user.
func UserDoesNotExist(msg string) *Error {
	return &Error{RestCode: "UserDoesNotExist", StatusCode: http.StatusForbidden, Message: msg}
}

// RoleDoesNotExist reports a missing role.
func RoleDoesNotExist(msg string) *Error {
	return &Error{RestCode: "RoleDoesNotExist", StatusCode: http.StatusForbidden, Message: msg}
}

// GroupDoesNotExist reports a missing group.
func GroupDoesNotExist(msg string) *Error {
	return &Error{RestCode: "GroupDoesNotExist", StatusCode: http.StatusForbidden, Message: msg}
}

// ObjectDoesNotExist reports a missing record of any type.
func ObjectDoesNotExist(msg string) *Error {
	return &Error{RestCode: "ObjectDoesNotExist", StatusCode: http.StatusNotFound, Message: msg}
}

// NotApprovedForProvisioning reports an account that exists but may not use
// the platform yet.
func NotApprovedForProvisioning(msg string) *Error {
	return &Error{RestCode: "NotApprovedForProvisioning", StatusCode: http.StatusForbidden, Message: msg}
}

// InvalidSignature covers every malformed or failed verification attempt.
// The expected signature is never included in the message.
func InvalidSignature(msg string) *Error {
	return &Error{RestCode: "InvalidSignature", StatusCode: http.StatusUnauthorized, Message: msg}
}

// RedisError reports a transient cache failure.
func RedisError(err error) *Error {
	return &Error{RestCode: "RedisError", StatusCode: http.StatusServiceUnavailable, Message: err.Error()}
}
