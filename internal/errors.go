package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway domain. Stage failures wrap these with %w
// so the HTTP edge can map any error to a status + envelope with errors.Is.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrGuardrailRejected  = errors.New("guardrail rejected")
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrCostBudgetExceeded = errors.New("cost budget exceeded")
	ErrBackendNotFound    = errors.New("backend not found")
	ErrBackend            = errors.New("backend error")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrStorage            = errors.New("storage error")
)

// RateLimitError reports which scope and limit denied the request.
type RateLimitError struct {
	Scope string
	Limit string // "rpm>60" or "tpm>100000"
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: scope %s exceeded %s", e.Scope, e.Limit)
}

// Unwrap makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// BudgetError reports a denied ledger reservation.
type BudgetError struct {
	Scope     string
	Kind      ReservationKind
	Limit     uint64
	Attempted uint64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s budget exceeded: scope %s limit %d attempted %d",
		e.Kind, e.Scope, e.Limit, e.Attempted)
}

func (e *BudgetError) Unwrap() error {
	if e.Kind == ReserveUSDMicros {
		return ErrCostBudgetExceeded
	}
	return ErrBudgetExceeded
}

// GuardrailError carries the rejection reason, e.g. "banned_phrase:bomb".
type GuardrailError struct {
	Reason string
}

func (e *GuardrailError) Error() string { return "guardrail rejected: " + e.Reason }

func (e *GuardrailError) Unwrap() error { return ErrGuardrailRejected }

// BackendNotFoundError names the missing backend.
type BackendNotFoundError struct {
	Name string
}

func (e *BackendNotFoundError) Error() string { return "backend not found: " + e.Name }

func (e *BackendNotFoundError) Unwrap() error { return ErrBackendNotFound }
