package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/auth"
	"github.com/ecliptic-io/authcache/store"
)

// writeError renders err in the {restCode, statusCode, message} shape. Cache
// failures map to RedisError so clients can distinguish transient outages
// from authoritative misses; anything unrecognized becomes a 500.
func writeError(c echo.Context, log *logrus.Entry, err error) error {
	var apiErr *auth.Error
	if errors.As(err, &apiErr) {
		return c.JSON(apiErr.StatusCode, apiErr)
	}

	var storeErr *store.StoreError
	if errors.As(err, &storeErr) {
		log.WithError(err).Error("cache unavailable")
		return c.JSON(http.StatusServiceUnavailable, auth.RedisError(err))
	}

	log.WithError(err).Error("request failed")
	return c.JSON(http.StatusInternalServerError, &auth.Error{
		RestCode:   "InternalError",
		StatusCode: http.StatusInternalServerError,
		Message:    "an unexpected error occurred",
	})
}
