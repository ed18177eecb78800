package channel

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/logging"
)

// Channel is one chat transport. It publishes decoded deliveries to the bus
// and renders outbound messages in whatever form the platform supports.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	Download(ctx context.Context, ref string) (bus.Media, error)
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
	log       zerolog.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string, log zerolog.Logger) BaseChannel {
	allow := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allow[id] = true
	}
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: allow,
		log:       logging.Component(log, name),
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether senderID may talk to the bot. An empty allow list
// admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}

func (c *BaseChannel) publish(ctx context.Context, msg bus.InboundMessage) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, msg); err != nil {
		c.log.Warn().Err(err).Str("event_id", msg.ID).Msg("inbound message dropped")
	}
}
