package types

import "errors"

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidTopic       = errors.New("topic must be 1-128 characters: letters, digits, '-', '_', '.', ':'")
	ErrMissingTopic       = errors.New("topic is required")
	ErrEmptyTopicList     = errors.New("topic list cannot be empty")
	ErrInvalidPayload     = errors.New("invalid JSON payload")
	ErrPayloadTooLarge    = errors.New("message payload exceeds 64KB limit")
	ErrMalformedMessage   = errors.New("malformed control message")
)
