package store

import "fmt"

// StoreError wraps any transport-level redis failure. Callers treat it as
// transient: the replication driver retries after backoff and the HTTP layer
// maps it to a 503 RedisError response. A missing key is not a StoreError.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("redis %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// wrapErr converts a redis client error into a *StoreError, passing nil
// through untouched.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
