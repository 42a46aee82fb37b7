package metrics

import "errors"

var ErrAlreadyRunning = errors.New("metrics collector is already running")
