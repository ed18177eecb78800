package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/platebot/internal/bus"
)

// Handler processes one inbound event.
type Handler interface {
	Handle(ctx context.Context, ev bus.InboundMessage)
}

// Dispatcher runs events of one conversation in arrival order while different
// conversations proceed in parallel, up to maxActive at a time.
type Dispatcher struct {
	handler Handler
	sem     chan struct{}
	log     zerolog.Logger

	mu     sync.Mutex
	queues map[bus.ConversationID][]bus.InboundMessage
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(h Handler, maxActive int, log zerolog.Logger) *Dispatcher {
	if maxActive <= 0 {
		maxActive = 64
	}
	return &Dispatcher{
		handler: h,
		sem:     make(chan struct{}, maxActive),
		log:     log,
		queues:  make(map[bus.ConversationID][]bus.InboundMessage),
	}
}

// Dispatch queues ev behind earlier events of the same conversation. It never
// blocks on the handler. Events dispatched after Close are dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, ev bus.InboundMessage) {
	conv := ev.SessionKey()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn().Str("conversation", conv.String()).Str("event_id", ev.ID).Msg("dispatcher closed, event dropped")
		return
	}
	q, running := d.queues[conv]
	d.queues[conv] = append(q, ev)
	if !running {
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if !running {
		go d.drain(ctx, conv)
	}
}

func (d *Dispatcher) drain(ctx context.Context, conv bus.ConversationID) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[conv]
		if len(q) == 0 {
			delete(d.queues, conv)
			d.mu.Unlock()
			return
		}
		ev := q[0]
		d.queues[conv] = q[1:]
		d.mu.Unlock()

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			d.mu.Lock()
			dropped := len(d.queues[conv]) + 1
			delete(d.queues, conv)
			d.mu.Unlock()
			d.log.Warn().Str("conversation", conv.String()).Int("dropped", dropped).Msg("shutdown with queued events")
			return
		}
		d.handle(ctx, ev)
		<-d.sem
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("conversation", ev.SessionKey().String()).
				Str("event_id", ev.ID).Msg("handler panicked")
		}
	}()
	d.handler.Handle(ctx, ev)
}

// Run feeds events from in until ctx ends or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan bus.InboundMessage) {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			d.Dispatch(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until every queued event has been handled or dropped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting events and waits for the queued ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// Pending returns the number of conversations with queued or running events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}
