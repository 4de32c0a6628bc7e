package service

import "errors"

var (
	ErrNotFound            = errors.New("city not found")
	ErrAlreadyExists       = errors.New("city already exists")
	ErrUpstreamUnavailable = errors.New("upstream weather provider unavailable")
	ErrInternal            = errors.New("internal error")
	ErrInvalidInput        = errors.New("invalid input")
)
