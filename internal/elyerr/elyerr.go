// Package elyerr defines the sentinel error taxonomy shared by every
// subsystem, so callers can classify failures with errors.Is instead of
// string matching.
package elyerr

import "errors"

var (
	ErrFrameTooLarge      = errors.New("frame too large")
	ErrAuthFailure        = errors.New("authentication failure")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrVersionUnsupported = errors.New("version unsupported")
	ErrCapacity           = errors.New("capacity exceeded")
	ErrNotFound           = errors.New("not found")
	ErrExpired            = errors.New("expired")
	ErrCorruptLocal       = errors.New("corrupt local content")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTimeout            = errors.New("timeout")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrInvalidAddress     = errors.New("invalid address")
)
