package topic

import "errors"

var (
	ErrNilSubscriber       = errors.New("subscriber cannot be nil")
	ErrEmptyConnectionID   = errors.New("connection ID cannot be empty")
	ErrDuplicateConnection = errors.New("connection is already registered")
	ErrUnknownConnection   = errors.New("connection is not registered")
	ErrEmptyTopic          = errors.New("topic cannot be empty")
)
