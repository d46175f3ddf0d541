package repository

import "errors"

var (
	ErrTokenNotFound      = errors.New("auth token not found")
	ErrTokenAlreadyIssued = errors.New("auth token already issued for session")
	ErrStateConflict      = errors.New("session state changed concurrently")
)
