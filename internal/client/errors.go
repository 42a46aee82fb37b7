package client

import "errors"

var (
	ErrAlreadyRunning = errors.New("client manager is already running")
	ErrNotRunning     = errors.New("client manager is not running")
	ErrEmptyURL       = errors.New("server URL cannot be empty")
	ErrNotConnected   = errors.New("not connected")
)
