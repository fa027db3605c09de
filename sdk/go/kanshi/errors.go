// Package kanshi provides a Go client for the Kanshi permission guard API.
package kanshi

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the Kanshi API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kanshi: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, http.StatusForbidden) }

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsCatalogUnavailable returns true when the server could not load its
// endpoint catalog or permission table.
func IsCatalogUnavailable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "CONFIGURATION_ERROR"
}
