package registry

import "errors"

var (
	// ErrAlreadyExists is returned by Create when the key is already claimed.
	ErrAlreadyExists = errors.New("registry: claim already exists")
	// ErrNotFound is returned when the key is not claimed.
	ErrNotFound = errors.New("registry: no such claim")
	// ErrNotOwner is returned when the caller does not own an existing claim.
	ErrNotOwner = errors.New("registry: caller is not the claim owner")
)
