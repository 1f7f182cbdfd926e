package service

import (
	"errors"
	"fmt"

	"evcharge/backend/services/sessions-service/internal/repository"
)

var (
	// ErrNotFound indicates a missing session, spot, station, reservation or payment.
	ErrNotFound = errors.New("not found")
	// ErrSpotUnavailable indicates the spot cannot host a new session right now.
	ErrSpotUnavailable = errors.New("spot unavailable")
	// ErrInvalidQRCode indicates a missing, expired or stale scan token.
	ErrInvalidQRCode = errors.New("invalid qr code")
	// ErrInvalidTransition indicates the entity is not in a status allowing the operation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation error")
	// ErrForbidden indicates the caller may not act on the entity.
	ErrForbidden = errors.New("forbidden")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// notFound translates repository.ErrNotFound, leaving other errors untouched.
func notFound(err error, what string, id int64) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
	}
	return err
}
