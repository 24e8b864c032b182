package service

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("invalid input")

	// Token resolution failures. Callers outside the pipeline only ever
	// see "invalid token"; the distinct values exist for event logging.
	ErrTokenInvalid  = errors.New("token invalid")
	ErrTokenInactive = errors.New("token inactive")
	ErrTokenExpired  = errors.New("token expired")
)
