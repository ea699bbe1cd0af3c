package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: user not found")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrInvalidToken = errors.New("auth: invalid token")
)
