package broker

import "tickstream/pkg/interfaces"

// Noop is the relay of a single-process deployment
type Noop struct{}

var _ interfaces.Relay = Noop{}

func (Noop) Publish(interfaces.RelayMessage) error     { return nil }
func (Noop) Start(func(interfaces.RelayMessage)) error { return nil }
func (Noop) Close() error                              { return nil }
