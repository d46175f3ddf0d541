package service

import "errors"

// Handshake error kinds. Lookups on unknown or expired identifiers surface
// as typed statuses at the HTTP boundary; anything else is infrastructure.
var (
	ErrSessionNotFound   = errors.New("auth session not found")
	ErrSessionExpired    = errors.New("auth session expired")
	ErrSessionNotPending = errors.New("auth session is not pending")
	ErrBindingMismatch   = errors.New("auth session bound to another telegram user")
	ErrAlreadyAuthorized = errors.New("auth session already authorized")
	ErrContactRequired   = errors.New("contact not shared yet")
	ErrForeignContact    = errors.New("contact belongs to another user")
	ErrUserBlocked       = errors.New("user blocked")
	ErrUnauthorized      = errors.New("unauthorized")
)
