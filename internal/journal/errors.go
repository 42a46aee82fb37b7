package journal

import "errors"

var (
	ErrClosed    = errors.New("journal is closed")
	ErrEmptyPath = errors.New("journal path cannot be empty")
)
