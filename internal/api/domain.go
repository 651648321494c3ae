package api

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound           = errors.New("requested item not found")
	ErrConflict           = errors.New("item already exists or conflict")
	ErrUnauthenticated    = errors.New("authentication required")
	ErrForbidden          = errors.New("action forbidden")
	ErrInvalidCredentials = errors.New("Invalid login credentials")
	ErrEmailNotConfirmed  = errors.New("Email not confirmed")
	ErrInvalidToken       = errors.New("token is invalid or has expired")
	ErrWeakPassword       = errors.New("Password must be at least 6 characters")
	ErrUnknownProvider    = errors.New("unsupported OAuth provider")
)

// StatusForError maps domain errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrInvalidToken), errors.Is(err, ErrEmailNotConfirmed):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrWeakPassword), errors.Is(err, ErrUnknownProvider):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Response is the generic success/error envelope.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}
