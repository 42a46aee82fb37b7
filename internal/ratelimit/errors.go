package ratelimit

import "errors"

var ErrAlreadyRunning = errors.New("rate limiter sweep is already running")
