package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/config"
	"github.com/stellarlinkco/platebot/internal/logging"
)

// ChannelManager owns the enabled channels and routes outbound messages and
// media downloads to the channel a conversation belongs to.
type ChannelManager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
	rowLimit int
	log      zerolog.Logger
}

func NewChannelManager(cfg config.Config, b *bus.MessageBus, log zerolog.Logger) (*ChannelManager, error) {
	m := newManager(b, cfg.Conversation.ListRowLimit, log)
	chs := cfg.Channels

	if chs.WhatsAppCloud.Enabled {
		ch, err := NewCloudChannel(chs.WhatsAppCloud, cfg.Conversation.RowTitleLimit, b, log)
		if err != nil {
			return nil, fmt.Errorf("init whatsapp cloud channel: %w", err)
		}
		m.Register(ch)
	}

	if chs.Telegram.Enabled {
		ch, err := NewTelegramChannel(chs.Telegram, b, log)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Register(ch)
	}

	if chs.WhatsApp.Enabled {
		ch, err := NewWhatsApp(chs.WhatsApp, b, log)
		if err != nil {
			return nil, fmt.Errorf("create whatsapp channel: %w", err)
		}
		m.Register(ch)
	}

	return m, nil
}

// NewChannelManagerWith builds a manager around already constructed channels.
func NewChannelManagerWith(b *bus.MessageBus, rowLimit int, log zerolog.Logger, chs ...Channel) *ChannelManager {
	m := newManager(b, rowLimit, log)
	for _, ch := range chs {
		m.Register(ch)
	}
	return m
}

func newManager(b *bus.MessageBus, rowLimit int, log zerolog.Logger) *ChannelManager {
	if rowLimit < 2 {
		rowLimit = config.DefaultListRowLimit
	}
	return &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		rowLimit: rowLimit,
		log:      logging.Component(log, "channel-mgr"),
	}
}

func (m *ChannelManager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	chs := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		chs[name] = ch
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(chs))

	for name, ch := range chs {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.log.Info().Str("channel", name).Msg("starting")
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		m.log.Info().Str("channel", name).Msg("stopping")
		if err := ch.Stop(); err != nil {
			m.log.Warn().Err(err).Str("channel", name).Msg("stop failed")
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *ChannelManager) route(conv bus.ConversationID) (Channel, string, error) {
	name, chatID := conv.Split()
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("no channel %q for conversation %s", name, conv)
	}
	if chatID == "" {
		return nil, "", fmt.Errorf("conversation %s has no chat id", conv)
	}
	return ch, chatID, nil
}

func (m *ChannelManager) send(ctx context.Context, conv bus.ConversationID, msg bus.OutboundMessage) error {
	ch, chatID, err := m.route(conv)
	if err != nil {
		return err
	}
	msg.Channel = ch.Name()
	msg.ChatID = chatID
	return ch.Send(ctx, msg)
}

func (m *ChannelManager) SendText(ctx context.Context, conv bus.ConversationID, text string) error {
	return m.send(ctx, conv, bus.OutboundMessage{Kind: bus.OutboundText, Content: text})
}

func (m *ChannelManager) SendButtons(ctx context.Context, conv bus.ConversationID, text string, options []bus.Option) error {
	return m.send(ctx, conv, bus.OutboundMessage{Kind: bus.OutboundButtons, Content: text, Options: options})
}

func (m *ChannelManager) SendList(ctx context.Context, conv bus.ConversationID, text, buttonLabel, sectionTitle string, rows []bus.Option, rowLimit int) error {
	if rowLimit <= 0 {
		rowLimit = m.rowLimit
	}
	return m.send(ctx, conv, bus.OutboundMessage{
		Kind:         bus.OutboundList,
		Content:      text,
		ButtonLabel:  buttonLabel,
		SectionTitle: sectionTitle,
		Options:      limitRows(rows, rowLimit),
		RowLimit:     rowLimit,
	})
}

func (m *ChannelManager) Download(ctx context.Context, conv bus.ConversationID, ref string) (bus.Media, error) {
	ch, _, err := m.route(conv)
	if err != nil {
		return bus.Media{}, err
	}
	return ch.Download(ctx, ref)
}

// SweepMedia drops cached inbound media older than maxAge on channels that
// hold media locally and returns how many entries were removed.
func (m *ChannelManager) SweepMedia(maxAge time.Duration) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	removed := 0
	for _, ch := range m.channels {
		if s, ok := ch.(interface{ SweepMedia(time.Duration) int }); ok {
			removed += s.SweepMedia(maxAge)
		}
	}
	return removed
}
