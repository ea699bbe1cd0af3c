package project

import "errors"

var (
	ErrNotFound          = errors.New("project: not found")
	ErrConflict          = errors.New("project: conflict")
	ErrInvalidInput      = errors.New("project: invalid input")
	ErrInvalidTransition = errors.New("project: invalid status transition")
	ErrQuotaExceeded     = errors.New("project: storage allowance exceeded")
	ErrBusy              = errors.New("project: another operation holds this project")
)
