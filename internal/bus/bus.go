package bus

import "context"

// MessageBus carries decoded inbound deliveries from channels to the gateway.
type MessageBus struct {
	Inbound chan InboundMessage
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound: make(chan InboundMessage, bufSize),
	}
}

// Publish hands msg to the gateway, blocking until it is accepted or ctx ends.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
