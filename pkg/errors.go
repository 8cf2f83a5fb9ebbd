// Package pkg holds utilities shared across the coordinator.
// This file defines the domain-level errors.
//
// Services wrap these with fmt.Errorf("%w: ...") and handlers compare with
// errors.Is, so a wrapped error still maps to the right HTTP status:
//
//	if errors.Is(err, pkg.ErrNotFound) { ... }
package pkg

import "errors"

// Domain-level errors. The handler layer maps them to HTTP status codes.
var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrAlreadyExists = errors.New("already exists")
	ErrBadRequest    = errors.New("bad request")
	ErrInternal      = errors.New("internal error")
	ErrRateLimited   = errors.New("rate limited")
)
