package hub

import "errors"

// Hub errors
var (
	ErrHubAlreadyRunning   = errors.New("hub is already running")
	ErrHubNotRunning       = errors.New("hub is not running")
	ErrPublishForbidden    = errors.New("client publish not allowed on topic")
	ErrPublishRateExceeded = errors.New("client publish rate exceeded")
	ErrUnsupportedRequest  = errors.New("unsupported request")
)
