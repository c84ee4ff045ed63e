// Package errs holds the error taxonomy shared by the adapters, the ledger
// and the processors. Callers match with errors.As.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// VerificationError means a provider payload failed signature or
// authenticity checks. Nothing in it may be trusted.
type VerificationError struct {
	Provider string
	Reason   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: verification failed: %s", e.Provider, e.Reason)
}

func Verification(provider, format string, args ...any) error {
	return &VerificationError{Provider: provider, Reason: fmt.Sprintf(format, args...)}
}

type AmountMismatchError struct {
	Expected         decimal.Decimal
	ExpectedCurrency string
	Got              decimal.Decimal
	GotCurrency      string
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch: expected %s %s, captured %s %s",
		e.Expected.StringFixed(2), e.ExpectedCurrency, e.Got.StringFixed(2), e.GotCurrency)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// AlreadyProcessedError is an idempotency short-circuit. It is a success.
type AlreadyProcessedError struct {
	Entity string
	ID     string
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("%s %s already processed", e.Entity, e.ID)
}

func AlreadyProcessed(entity, id string) error {
	return &AlreadyProcessedError{Entity: entity, ID: id}
}

type StateConflictError struct {
	Entity string
	ID     string
	Status string
	Want   string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %s is %s, want %s", e.Entity, e.ID, e.Status, e.Want)
}

func StateConflict(entity, id, status, want string) error {
	return &StateConflictError{Entity: entity, ID: id, Status: status, Want: want}
}

// UnitFailure names one sub-unit of a fan-out that did not complete.
type UnitFailure struct {
	Unit     string          `json:"unit"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Reason   string          `json:"reason"`
}

type PartialFailureError struct {
	Op       string
	Failures []UnitFailure
}

func (e *PartialFailureError) Error() string {
	units := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		units = append(units, f.Unit)
	}
	return fmt.Sprintf("%s: %d unit(s) failed: %s", e.Op, len(e.Failures), strings.Join(units, ", "))
}

// NotEligibleError is a user-facing "not yet" answer, not a fault.
type NotEligibleError struct {
	Entity string
	ID     string
	Reason string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("%s %s not eligible: %s", e.Entity, e.ID, e.Reason)
}

func IsAlreadyProcessed(err error) bool {
	var target *AlreadyProcessedError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsVerification(err error) bool {
	var target *VerificationError
	return errors.As(err, &target)
}

func IsAmountMismatch(err error) bool {
	var target *AmountMismatchError
	return errors.As(err, &target)
}

// HTTPStatus maps an error onto the status code returned to callers.
// AlreadyProcessed is a success and never a 5xx.
func HTTPStatus(err error) int {
	var (
		verification *VerificationError
		mismatch     *AmountMismatchError
		notFound     *NotFoundError
		processed    *AlreadyProcessedError
		conflict     *StateConflictError
		partial      *PartialFailureError
		notEligible  *NotEligibleError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &processed):
		return http.StatusOK
	case errors.As(err, &verification):
		return http.StatusBadRequest
	case errors.As(err, &mismatch):
		return http.StatusUnprocessableEntity
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &notEligible):
		return http.StatusConflict
	case errors.As(err, &partial):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Code is a short machine-readable name for the error kind.
func Code(err error) string {
	var (
		verification *VerificationError
		mismatch     *AmountMismatchError
		notFound     *NotFoundError
		processed    *AlreadyProcessedError
		conflict     *StateConflictError
		partial      *PartialFailureError
		notEligible  *NotEligibleError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &processed):
		return "already_processed"
	case errors.As(err, &verification):
		return "verification_failed"
	case errors.As(err, &mismatch):
		return "amount_mismatch"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &conflict):
		return "state_conflict"
	case errors.As(err, &notEligible):
		return "not_eligible"
	case errors.As(err, &partial):
		return "partial_failure"
	}
	return "internal"
}
