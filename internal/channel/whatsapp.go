package channel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/config"

	_ "modernc.org/sqlite"
)

const whatsappChannelName = "whatsapp"

const whatsappSendTimeout = 30 * time.Second

// pendingImage is an inbound image kept until the engine downloads it.
type pendingImage struct {
	msg      *waE2E.ImageMessage
	received time.Time
}

// textMenu state for one chat: numbered replies map back to these options.
type whatsappMenu struct {
	kind    bus.Kind
	options []bus.Option
}

// WhatsAppChannel is a linked-device WhatsApp session. The protocol has no
// interactive replies for linked devices, so menus are sent as numbered text.
type WhatsAppChannel struct {
	BaseChannel
	cfg            config.WhatsAppConfig
	client         *whatsmeow.Client
	storeContainer *sqlstore.Container
	cancel         context.CancelFunc
	handlerID      uint32

	mu     sync.Mutex
	images map[string]pendingImage
	menus  map[string]whatsappMenu
}

func NewWhatsApp(cfg config.WhatsAppConfig, msgBus *bus.MessageBus, log zerolog.Logger) (*WhatsAppChannel, error) {
	storePath := strings.TrimSpace(cfg.StorePath)
	if storePath == "" {
		storePath = filepath.Join(config.ConfigDir(), "whatsapp-store.db")
	}

	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return nil, fmt.Errorf("create whatsapp store dir: %w", err)
	}

	ch := newWhatsAppChannel(cfg, msgBus, log)
	waLogger := waLog.Zerolog(ch.log)

	storeDSN := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", filepath.ToSlash(storePath))
	container, err := sqlstore.New(context.Background(), "sqlite", storeDSN, waLogger.Sub("store"))
	if err != nil {
		return nil, fmt.Errorf("init whatsapp session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(context.Background())
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get whatsapp device: %w", err)
	}

	ch.client = whatsmeow.NewClient(deviceStore, waLogger.Sub("client"))
	ch.storeContainer = container
	ch.handlerID = ch.client.AddEventHandler(ch.handleEvent)

	return ch, nil
}

func newWhatsAppChannel(cfg config.WhatsAppConfig, msgBus *bus.MessageBus, log zerolog.Logger) *WhatsAppChannel {
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel(whatsappChannelName, msgBus, cfg.AllowFrom, log),
		cfg:         cfg,
		images:      make(map[string]pendingImage),
		menus:       make(map[string]whatsappMenu),
	}
}

func (w *WhatsAppChannel) Name() string {
	return whatsappChannelName
}

func (w *WhatsAppChannel) Start(ctx context.Context) error {
	if w.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}

	ctx, w.cancel = context.WithCancel(ctx)

	if w.client.Store.ID == nil {
		qrChan, err := w.client.GetQRChannel(ctx)
		if err != nil {
			w.cancel()
			return fmt.Errorf("get whatsapp qr channel: %w", err)
		}
		go w.consumeQR(ctx, qrChan)
	}

	if err := w.client.Connect(); err != nil {
		w.cancel()
		return fmt.Errorf("connect whatsapp: %w", err)
	}

	go func() {
		<-ctx.Done()
		w.client.Disconnect()
	}()

	w.log.Info().Msg("connected")
	return nil
}

func (w *WhatsAppChannel) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}

	if w.client != nil {
		if w.handlerID != 0 {
			w.client.RemoveEventHandler(w.handlerID)
			w.handlerID = 0
		}
		w.client.Disconnect()
	}

	if w.storeContainer != nil {
		if err := w.storeContainer.Close(); err != nil {
			return fmt.Errorf("close whatsapp store: %w", err)
		}
		w.storeContainer = nil
	}

	w.log.Info().Msg("stopped")
	return nil
}

func (w *WhatsAppChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if w.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}

	chatID := strings.TrimSpace(msg.ChatID)
	if chatID == "" {
		return fmt.Errorf("whatsapp chat id is required")
	}

	chatJID, err := parseWhatsAppJID(chatID)
	if err != nil {
		return fmt.Errorf("parse whatsapp chat id %q: %w", chatID, err)
	}

	content := w.render(chatJID.String(), msg)
	if strings.TrimSpace(content) == "" {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, whatsappSendTimeout)
		defer cancel()
	}

	_, err = w.client.SendMessage(ctx, chatJID, &waE2E.Message{
		Conversation: proto.String(content),
	})
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}

	return nil
}

// render turns msg into plain text and records the menu it shows, if any.
// Plain text replaces the chat's menu so later numbers are read as text.
func (w *WhatsAppChannel) render(chat string, msg bus.OutboundMessage) string {
	var kind bus.Kind
	options := msg.Options
	switch msg.Kind {
	case bus.OutboundButtons:
		kind = bus.KindButtonReply
	case bus.OutboundList:
		kind = bus.KindListReply
		options = limitRows(options, msg.RowLimit)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if kind == "" || len(options) == 0 {
		delete(w.menus, chat)
		return msg.Content
	}
	w.menus[chat] = whatsappMenu{kind: kind, options: options}
	return textMenu(msg.Content, options)
}

// Download returns the image of an earlier inbound message.
func (w *WhatsAppChannel) Download(ctx context.Context, ref string) (bus.Media, error) {
	w.mu.Lock()
	img, ok := w.images[ref]
	delete(w.images, ref)
	w.mu.Unlock()
	if !ok {
		return bus.Media{}, fmt.Errorf("whatsapp image %s not available", ref)
	}
	if w.client == nil {
		return bus.Media{}, fmt.Errorf("whatsapp client not initialized")
	}

	data, err := w.client.Download(ctx, img.msg)
	if err != nil {
		return bus.Media{}, fmt.Errorf("download whatsapp image: %w", err)
	}
	if len(data) == 0 {
		return bus.Media{}, fmt.Errorf("whatsapp image %s is empty", ref)
	}
	mediaType := strings.TrimSpace(img.msg.GetMimetype())
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	return bus.Media{Data: data, MimeType: mediaType}, nil
}

// SweepMedia forgets inbound images older than maxAge that were never
// downloaded. It returns the number removed.
func (w *WhatsAppChannel) SweepMedia(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for id, img := range w.images {
		if img.received.Before(cutoff) {
			delete(w.images, id)
			n++
		}
	}
	return n
}

func (w *WhatsAppChannel) consumeQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}

			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				w.log.Info().Msg("scan the QR code below to login")
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			default:
				if evt.Error != nil {
					w.log.Warn().Err(evt.Error).Str("event", evt.Event).Msg("login event")
				} else {
					w.log.Info().Str("event", evt.Event).Msg("login event")
				}
			}
		}
	}
}

func (w *WhatsAppChannel) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Message:
		w.handleMessage(context.Background(), e)
	}
}

func (w *WhatsAppChannel) handleMessage(ctx context.Context, evt *events.Message) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	rawSender := evt.Info.Sender.String()
	sender := evt.Info.Sender.ToNonAD().String()
	if !w.IsAllowed(sender) && !w.IsAllowed(rawSender) {
		w.log.Info().Str("sender", sender).Msg("rejected message")
		return
	}

	in := bus.InboundMessage{
		ID:        string(evt.Info.ID),
		Channel:   whatsappChannelName,
		SenderID:  sender,
		ChatID:    evt.Info.Chat.String(),
		Timestamp: evt.Info.Timestamp,
		Metadata: map[string]any{
			"chat_jid":   evt.Info.Chat.String(),
			"sender_jid": rawSender,
			"push_name":  evt.Info.PushName,
		},
	}
	if !w.classify(evt, &in) {
		return
	}
	w.publish(ctx, in)
}

func (w *WhatsAppChannel) classify(evt *events.Message, in *bus.InboundMessage) bool {
	msg := evt.Message

	if image := msg.GetImageMessage(); image != nil {
		w.mu.Lock()
		w.images[in.ID] = pendingImage{msg: image, received: time.Now()}
		w.mu.Unlock()
		in.Kind = bus.KindImage
		in.MediaRef = in.ID
		in.MimeType = image.GetMimetype()
		in.Text = strings.TrimSpace(image.GetCaption())
		return true
	}

	text := strings.TrimSpace(msg.GetConversation())
	if text == "" && msg.GetExtendedTextMessage() != nil {
		text = strings.TrimSpace(msg.GetExtendedTextMessage().GetText())
	}
	if text != "" {
		w.mu.Lock()
		menu, ok := w.menus[in.ChatID]
		w.mu.Unlock()
		if ok {
			if opt, matched := matchTextMenu(text, menu.options); matched {
				in.Kind = menu.kind
				in.ReplyID = opt.ID
				in.Text = opt.Title
				return true
			}
		}
		in.Kind = bus.KindText
		in.Text = text
		return true
	}

	if msg.GetAudioMessage() != nil || msg.GetVideoMessage() != nil || msg.GetDocumentMessage() != nil ||
		msg.GetStickerMessage() != nil || msg.GetLocationMessage() != nil || msg.GetContactMessage() != nil {
		in.Kind = bus.KindUnsupported
		return true
	}
	return false
}

func parseWhatsAppJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, fmt.Errorf("empty jid")
	}

	if strings.Contains(raw, "@") {
		return types.ParseJID(raw)
	}

	user := strings.TrimPrefix(raw, "+")
	if isDigitsOnly(user) {
		return types.NewJID(user, types.DefaultUserServer), nil
	}

	return types.ParseJID(raw)
}

func isDigitsOnly(val string) bool {
	if val == "" {
		return false
	}
	for _, r := range val {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
