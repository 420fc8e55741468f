// Package errs holds the error kinds shared by every busping component.
//
// Components wrap a kind with context (fmt.Errorf("%w: ...", errs.ErrAuth)) and
// the HTTP layer maps the kind to a status code with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation: malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrAuth: bad PIN, bad or expired token, identity mismatch.
	ErrAuth = errors.New("unauthorized")
	// ErrConfig: a required secret or key is not configured.
	ErrConfig = errors.New("server misconfigured")
	// ErrDelivery: the push relay rejected the message or could not be reached.
	ErrDelivery = errors.New("delivery failed")
	// ErrStorage: the blob store failed.
	ErrStorage = errors.New("storage unavailable")
	// ErrNotFound: a lookup found nothing.
	ErrNotFound = errors.New("not found")
)

// HTTPStatus maps an error kind to a response code. Unknown errors are 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDelivery):
		return http.StatusBadGateway
	case errors.Is(err, ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the response text for err. Only the kind is exposed, never
// the wrapped detail (storage or signing errors stay in the logs).
func PublicMessage(err error) string {
	for _, k := range []error{ErrValidation, ErrAuth, ErrConfig, ErrDelivery, ErrStorage, ErrNotFound} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal error"
}
