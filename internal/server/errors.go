package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/dittolabs/ditto/internal"
)

// envelope is the OpenAI-shaped error body.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Type    string  `json:"type"`
	Code    *string `json:"code"`
	Message string  `json:"message"`
}

// jsonCT is a pre-allocated header value slice; direct map assignment avoids
// the []string{v} alloc Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, typ, code, msg string) {
	var codePtr *string
	if code != "" {
		codePtr = &code
	}
	writeJSON(w, status, envelope{Error: envelopeBody{Type: typ, Code: codePtr, Message: msg}})
}

// mapError translates the domain error taxonomy to an HTTP status and
// envelope fields. Every stage failure funnels through here.
func mapError(err error) (status int, typ, code string) {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error", "invalid_request"
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "invalid_api_key"
	case errors.Is(err, gateway.ErrBudgetExceeded):
		return http.StatusPaymentRequired, "budget_error", "budget_exceeded"
	case errors.Is(err, gateway.ErrCostBudgetExceeded):
		return http.StatusPaymentRequired, "budget_error", "cost_budget_exceeded"
	case errors.Is(err, gateway.ErrGuardrailRejected):
		return http.StatusForbidden, "guardrail_error", "guardrail_rejected"
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden, "forbidden", "forbidden"
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, gateway.ErrBackendNotFound):
		return http.StatusNotFound, "not_found_error", "not_found"
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limit_error", "rate_limited"
	case errors.Is(err, gateway.ErrBackend):
		return http.StatusBadGateway, "backend_error", "backend_error"
	case errors.Is(err, gateway.ErrStorage):
		return http.StatusInternalServerError, "internal_error", "storage_error"
	default:
		return http.StatusInternalServerError, "internal_error", ""
	}
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, typ, code := mapError(err)
	writeError(w, status, typ, code, err.Error())
}
