package services

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// Admission errors — recoverable, reported to the caller, no state mutated.
var (
	ErrGameNotActive             = errors.New("game not active")
	ErrAlreadyEntered            = errors.New("player already entered this game")
	ErrPaymentVerificationFailed = errors.New("payment verification failed")
)

// Settlement errors — precondition violations. The scheduler treats them as
// benign no-ops, direct admin calls surface them as hard errors.
var (
	ErrGameAlreadyActive    = errors.New("previous game is still active")
	ErrGameNotEnded         = errors.New("game has not ended yet")
	ErrGameAlreadyFinalized = errors.New("game already finalized")
	ErrNoEntries            = errors.New("game has no entries")
	ErrInvalidWinner        = errors.New("winner entry does not belong to this game")
	ErrNoGame               = errors.New("no game exists")
	ErrWithdrawBlocked      = errors.New("emergency withdraw blocked while an unfinalized game with entries exists")
)

// External-dependency errors — transient; callers retry with backoff and
// never substitute a default outcome.
var (
	ErrProofNotFound        = errors.New("payment proof not found")
	ErrTransferNotConfirmed = errors.New("transfer not confirmed yet")
	ErrWrongRecipient       = errors.New("transfer recipient is not the escrow account")
	ErrInsufficientAmount   = errors.New("transferred amount is below the entry fee")
	ErrProofAlreadyConsumed = errors.New("payment proof already consumed")
	ErrJudgingUnavailable   = errors.New("judging backend unavailable")
)

// ErrServiceUnavailable is returned by components that were disabled at
// startup because their backend credentials are missing.
var ErrServiceUnavailable = errors.New("service unavailable: backend not configured")

// StatusForError maps the error taxonomy to HTTP status codes for handlers.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrAlreadyEntered), errors.Is(err, ErrProofAlreadyConsumed),
		errors.Is(err, ErrGameAlreadyFinalized), errors.Is(err, ErrGameAlreadyActive):
		return fiber.StatusConflict
	case errors.Is(err, ErrGameNotActive), errors.Is(err, ErrGameNotEnded),
		errors.Is(err, ErrNoEntries), errors.Is(err, ErrInvalidWinner),
		errors.Is(err, ErrWrongRecipient), errors.Is(err, ErrInsufficientAmount),
		errors.Is(err, ErrTransferNotConfirmed), errors.Is(err, ErrPaymentVerificationFailed),
		errors.Is(err, ErrWithdrawBlocked):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrProofNotFound), errors.Is(err, ErrNoGame):
		return fiber.StatusNotFound
	case errors.Is(err, ErrJudgingUnavailable), errors.Is(err, ErrServiceUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
