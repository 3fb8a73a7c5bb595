package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrTerminal             = errors.New("position is terminal")
	ErrLockHeld             = errors.New("lock already held")
	ErrInvalidPosition      = errors.New("invalid position parameters")
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")
)
