package api

import (
	"net/http"

	"github.com/leafsii/leafsii-intents/internal/intent"
)

type errorMapping struct {
	status int
	code   string
}

var kindMappings = map[intent.Kind]errorMapping{
	intent.KindValidation:    {http.StatusBadRequest, "VALIDATION_ERROR"},
	intent.KindAuthorization: {http.StatusForbidden, "UNAUTHORIZED"},
	intent.KindNotFound:      {http.StatusNotFound, "NOT_FOUND"},
	intent.KindState:         {http.StatusConflict, "INVALID_STATE"},
	intent.KindEscrow:        {http.StatusConflict, "ESCROW_ERROR"},
	intent.KindPending:       {http.StatusAccepted, "VERIFICATION_PENDING"},
	intent.KindVerification:  {http.StatusUnprocessableEntity, "VERIFICATION_FAILED"},
	intent.KindExternal:      {http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
	intent.KindCryptographic: {http.StatusInternalServerError, "SIGNER_ERROR"},
	intent.KindFatal:         {http.StatusInternalServerError, "INTENT_HALTED"},
	intent.KindInternal:      {http.StatusInternalServerError, "INTERNAL_ERROR"},
}

// Messages for kinds whose underlying error must not reach the client.
const (
	msgUnauthorized = "caller is not authorized for this operation"
	msgInternal     = "internal error"
)

// mapError returns the status, code and client-safe message for err.
func mapError(err error) (int, string, string) {
	kind := intent.KindOf(err)
	m, ok := kindMappings[kind]
	if !ok {
		m = kindMappings[intent.KindInternal]
	}
	switch kind {
	case intent.KindAuthorization:
		return m.status, m.code, msgUnauthorized
	case intent.KindInternal, intent.KindCryptographic:
		return m.status, m.code, msgInternal
	default:
		return m.status, m.code, err.Error()
	}
}
