package app

import (
	"errors"
	"fmt"
)

// Sentinel error classes. Transports map them to status codes with errors.Is.
var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")
	// ErrConflict covers state clashes such as a second run on one conversation.
	ErrConflict = errors.New("conflict")
)

func classify(class error, msg string) error {
	return fmt.Errorf("%s: %w", msg, class)
}

func NotFoundError(msg string) error    { return classify(ErrNotFound, msg) }
func ValidationError(msg string) error  { return classify(ErrValidation, msg) }
func UnavailableError(msg string) error { return classify(ErrUnavailable, msg) }
func ConflictError(msg string) error    { return classify(ErrConflict, msg) }
