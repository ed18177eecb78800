package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/config"
)

const telegramChannelName = "telegram"

const (
	telegramMaxLen          = 4000
	telegramMaxFileBytes    = 20 << 20
	telegramButtonTextLimit = 64
	// Callback data is prefixed with the menu kind so replies keep their kind.
	telegramButtonPrefix = "b:"
	telegramListPrefix   = "l:"
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	httpClient *http.Client
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, log zerolog.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, log, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, log zerolog.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom, log),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		httpClient:  http.DefaultClient,
		botFactory:  factory,
	}
	return ch, nil
}

func (t *TelegramChannel) initBot() error {
	var client *http.Client
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	} else {
		client = http.DefaultClient
	}
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.log.Info().Str("bot", bot.GetSelf().UserName).Msg("authorized")
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				t.handleUpdate(ctx, update)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.log.Info().Msg("polling started")
	return nil
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	eventID := strconv.Itoa(update.UpdateID)
	switch {
	case update.CallbackQuery != nil:
		t.handleCallback(ctx, eventID, update.CallbackQuery)
	case update.Message != nil:
		t.handleMessage(ctx, eventID, update.Message)
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, eventID string, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		t.log.Info().Str("sender", senderID).Str("username", msg.From.UserName).Msg("rejected message")
		return
	}

	in := bus.InboundMessage{
		ID:        eventID,
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Timestamp: time.Unix(int64(msg.Date), 0),
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
			"message_id": msg.MessageID,
		},
	}

	switch {
	case len(msg.Photo) > 0:
		in.Kind = bus.KindImage
		in.MediaRef = msg.Photo[len(msg.Photo)-1].FileID
		in.MimeType = "image/jpeg"
		in.Text = msg.Caption
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		in.Kind = bus.KindImage
		in.MediaRef = msg.Document.FileID
		in.MimeType = msg.Document.MimeType
		in.Text = msg.Caption
	case msg.Text != "":
		in.Kind = bus.KindText
		in.Text = msg.Text
	case msg.Voice != nil, msg.Audio != nil, msg.Video != nil, msg.VideoNote != nil,
		msg.Document != nil, msg.Sticker != nil, msg.Location != nil, msg.Contact != nil:
		in.Kind = bus.KindUnsupported
	default:
		return
	}

	t.publish(ctx, in)
}

func (t *TelegramChannel) handleCallback(ctx context.Context, eventID string, cb *tgbotapi.CallbackQuery) {
	if t.bot != nil {
		if _, err := t.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			t.log.Debug().Err(err).Msg("answer callback failed")
		}
	}
	if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(cb.From.ID, 10)
	if !t.IsAllowed(senderID) {
		t.log.Info().Str("sender", senderID).Msg("rejected callback")
		return
	}

	var kind bus.Kind
	var replyID string
	switch {
	case strings.HasPrefix(cb.Data, telegramButtonPrefix):
		kind, replyID = bus.KindButtonReply, strings.TrimPrefix(cb.Data, telegramButtonPrefix)
	case strings.HasPrefix(cb.Data, telegramListPrefix):
		kind, replyID = bus.KindListReply, strings.TrimPrefix(cb.Data, telegramListPrefix)
	default:
		t.log.Debug().Str("data", cb.Data).Msg("unknown callback data")
		return
	}

	t.publish(ctx, bus.InboundMessage{
		ID:        eventID,
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(cb.Message.Chat.ID, 10),
		Kind:      kind,
		ReplyID:   replyID,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"callback_id": cb.ID},
	})
}

// Download fetches a file by its Telegram file id.
func (t *TelegramChannel) Download(ctx context.Context, fileID string) (bus.Media, error) {
	data, err := t.downloadFileData(ctx, fileID)
	if err != nil {
		return bus.Media{}, err
	}
	mediaType := http.DetectContentType(data)
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = "image/jpeg"
	}
	return bus.Media{Data: data, MimeType: mediaType}, nil
}

func (t *TelegramChannel) downloadFileData(ctx context.Context, fileID string) ([]byte, error) {
	if t.bot == nil {
		return nil, fmt.Errorf("telegram bot not initialized")
	}

	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get telegram file: %w", err)
	}

	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(t.token), nil)
	if err != nil {
		return nil, fmt.Errorf("create telegram file request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download telegram file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, telegramMaxFileBytes))
	if err != nil {
		return nil, fmt.Errorf("read telegram file body: %w", err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("telegram file is empty")
	}

	return data, nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.log.Info().Msg("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *TelegramChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	switch msg.Kind {
	case bus.OutboundButtons:
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(msg.Options))
		for _, o := range msg.Options {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(
				truncateTitle(o.Title, telegramButtonTextLimit), telegramButtonPrefix+o.ID))
		}
		return t.sendMarkup(chatID, msg.Content, tgbotapi.NewInlineKeyboardMarkup(row))
	case bus.OutboundList:
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(msg.Options))
		for _, o := range limitRows(msg.Options, msg.RowLimit) {
			label := o.Title
			if o.Description != "" {
				label += " · " + o.Description
			}
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
				truncateTitle(label, telegramButtonTextLimit), telegramListPrefix+o.ID)))
		}
		return t.sendMarkup(chatID, msg.Content, tgbotapi.NewInlineKeyboardMarkup(rows...))
	}

	for _, chunk := range splitMessage(msg.Content, telegramMaxLen) {
		tgMsg := tgbotapi.NewMessage(chatID, toTelegramHTML(chunk))
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(tgMsg); err != nil {
			// Retry this chunk without HTML parse mode
			tgMsg.ParseMode = ""
			tgMsg.Text = chunk
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
		}
	}
	return nil
}

// splitMessage cuts s into pieces of at most limit runes, preferring to
// break after the last newline of each piece. Markup is converted per piece
// so no tag is ever split.
func splitMessage(s string, limit int) []string {
	var chunks []string
	r := []rune(s)
	for len(r) > limit {
		cut := limit
		for i := limit - 1; i > 0; i-- {
			if r[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		chunks = append(chunks, string(r))
	}
	return chunks
}

func (t *TelegramChannel) sendMarkup(chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) error {
	tgMsg := tgbotapi.NewMessage(chatID, toTelegramHTML(truncateRunes(text, telegramMaxLen)))
	tgMsg.ParseMode = tgbotapi.ModeHTML
	tgMsg.ReplyMarkup = markup
	if _, err := t.bot.Send(tgMsg); err != nil {
		tgMsg.ParseMode = ""
		tgMsg.Text = truncateRunes(text, telegramMaxLen)
		if _, err2 := t.bot.Send(tgMsg); err2 != nil {
			return fmt.Errorf("send telegram menu: %w", err2)
		}
	}
	return nil
}

// toTelegramHTML converts the WhatsApp-flavoured markup used in replies
// (*bold*, _italic_, `code`, plus **bold**) to Telegram HTML.
func toTelegramHTML(s string) string {
	s = htmlEscaper.Replace(s)
	for _, m := range telegramMarkup {
		s = replacePairs(s, m.delim, "<"+m.tag+">", "</"+m.tag+">")
	}
	return s
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Inline markers of the message catalog. "**" must precede "*".
var telegramMarkup = []struct{ delim, tag string }{
	{"`", "code"},
	{"**", "b"},
	{"*", "b"},
	{"_", "i"},
}

// replacePairs wraps every closed, non-empty delim...delim span in open/close
// tags. Anything after an unmatched or empty pair is left as is.
func replacePairs(s, delim, open, close string) string {
	var sb strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			break
		}
		rest := s[start+len(delim):]
		end := strings.Index(rest, delim)
		if end <= 0 {
			break
		}
		sb.WriteString(s[:start])
		sb.WriteString(open)
		sb.WriteString(rest[:end])
		sb.WriteString(close)
		s = rest[end+len(delim):]
	}
	sb.WriteString(s)
	return sb.String()
}
