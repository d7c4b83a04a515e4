package rest

import (
	"encoding/json"
	"net/http"

	"github.com/circuitbreaker/cb/cberr"
)

// errorEnvelope is the uniform error body: a stable errorCode for client
// dispatch plus a human-readable message.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch cberr.KindOf(err) {
	case cberr.KindValidation:
		return http.StatusBadRequest
	case cberr.KindAuthentication:
		return http.StatusUnauthorized
	case cberr.KindAuthorization:
		return http.StatusForbidden
	case cberr.KindNotFound:
		return http.StatusNotFound
	case cberr.KindConflict, cberr.KindInvalidTransition:
		return http.StatusConflict
	case cberr.KindBudget:
		return http.StatusPaymentRequired
	case cberr.KindRateLimit:
		return http.StatusTooManyRequests
	case cberr.KindProvider:
		return http.StatusBadGateway
	case cberr.KindTimeout:
		return http.StatusGatewayTimeout
	case cberr.KindCancelled:
		return 499 // client closed request
	case cberr.KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: "InternalError", Message: err.Error()}
	if e, ok := cberr.As(err); ok {
		body = errorBody{Code: e.Code(), Message: e.Message(), Type: string(e.Kind())}
	}
	writeJSON(w, statusFor(err), errorEnvelope{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
