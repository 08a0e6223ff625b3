package httpapi

import (
	"errors"
	"net/http"

	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/store"
)

// statusFor maps a DomainError to the HTTP status §4's tables specify. 404
// takes precedence whenever the not-found sentinels are involved; malformed
// JSON maps to 400 rather than 422 even though both are Validation-kind.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, macroerr.ErrInstanceNotFound) || errors.Is(err, macroerr.ErrProcessNotFound) || errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, macroerr.ErrMalformedPayload) {
		return http.StatusBadRequest
	}
	switch macroerr.KindOf(err) {
	case macroerr.Validation:
		return http.StatusUnprocessableEntity
	case macroerr.State:
		return http.StatusConflict
	case macroerr.Integrity:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
