package broker

import "errors"

var (
	ErrNotStarted     = errors.New("relay not started")
	ErrAlreadyStarted = errors.New("relay already started")
	ErrEmptyURL       = errors.New("broker URL cannot be empty")
)
