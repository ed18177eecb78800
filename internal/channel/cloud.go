package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/config"
)

const cloudChannelName = "whatsapp-cloud"

const (
	cloudMaxBodyBytes     = 1 << 20
	cloudTextLimit        = 4096
	cloudInteractiveLimit = 1024
	cloudButtonLimit      = 3
	cloudButtonTitleLimit = 20
	cloudRowDescLimit     = 72
	cloudSectionLimit     = 24
	cloudSignatureHeader  = "X-Hub-Signature-256"
)

// CloudChannel receives WhatsApp Cloud API webhooks and replies through the
// Graph API.
type CloudChannel struct {
	BaseChannel
	cfg           config.WhatsAppCloudConfig
	graph         *GraphClient
	rowTitleLimit int
	server        *http.Server
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewCloudChannel(cfg config.WhatsAppCloudConfig, rowTitleLimit int, b *bus.MessageBus, log zerolog.Logger) (*CloudChannel, error) {
	return NewCloudChannelWithClient(cfg, rowTitleLimit, b, log, nil)
}

// NewCloudChannelWithClient uses httpClient for Graph API calls (for testing).
func NewCloudChannelWithClient(cfg config.WhatsAppCloudConfig, rowTitleLimit int, b *bus.MessageBus, log zerolog.Logger, httpClient *http.Client) (*CloudChannel, error) {
	if strings.TrimSpace(cfg.VerifyToken) == "" {
		return nil, fmt.Errorf("whatsapp cloud verifyToken is required")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("whatsapp cloud accessToken is required")
	}
	if strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, fmt.Errorf("whatsapp cloud phoneNumberId is required")
	}
	if rowTitleLimit <= len(ellipsis) {
		rowTitleLimit = config.DefaultRowTitleLimit
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CloudChannel{
		BaseChannel:   NewBaseChannel(cloudChannelName, b, cfg.AllowFrom, log),
		cfg:           cfg,
		graph:         NewGraphClient(cfg, httpClient),
		rowTitleLimit: rowTitleLimit,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

func (c *CloudChannel) Start(ctx context.Context) error {
	port := c.cfg.Port
	if port == 0 {
		port = config.DefaultCloudPort
	}

	mux := http.NewServeMux()
	mux.Handle(c.cfg.WebhookPath, c.Handler())

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return c.ctx },
	}

	go func() {
		c.log.Info().Int("port", port).Str("path", c.cfg.WebhookPath).Msg("webhook server listening")
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error().Err(err).Msg("webhook server error")
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		}
		_ = c.Stop()
	}()

	return nil
}

func (c *CloudChannel) Stop() error {
	c.cancel()
	if c.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}
	c.log.Info().Msg("stopped")
	return nil
}

// Handler serves the webhook: GET for the subscription handshake, POST for
// event deliveries.
func (c *CloudChannel) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			c.verifySubscription(w, r)
		case http.MethodPost:
			c.handleDelivery(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (c *CloudChannel) verifySubscription(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || !hmac.Equal([]byte(token), []byte(c.cfg.VerifyToken)) {
		c.log.Warn().Str("mode", mode).Msg("webhook verification rejected")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	c.log.Info().Msg("webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

func (c *CloudChannel) handleDelivery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, cloudMaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	if c.cfg.AppSecret != "" && !validSignature(body, r.Header.Get(cloudSignatureHeader), c.cfg.AppSecret) {
		c.log.Warn().Msg("webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	msgs, err := decodeWebhook(body, c.log)
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed webhook payload dropped")
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)

	allowed := msgs[:0]
	for _, m := range msgs {
		if !c.IsAllowed(m.SenderID) {
			c.log.Info().Str("sender", m.SenderID).Msg("rejected message")
			continue
		}
		allowed = append(allowed, m)
	}
	if len(allowed) == 0 {
		return
	}
	go func() {
		for _, m := range allowed {
			c.publish(c.ctx, m)
		}
	}()
}

// validSignature checks an "sha256=<hex>" HMAC of body keyed by secret.
func validSignature(body []byte, header, secret string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (c *CloudChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	to := strings.TrimSpace(msg.ChatID)
	if to == "" {
		return fmt.Errorf("whatsapp cloud chat id is required")
	}

	var out graphMessage
	switch msg.Kind {
	case bus.OutboundButtons:
		out = c.buttonsMessage(to, msg)
	case bus.OutboundList:
		out = c.listMessage(to, msg)
	default:
		if strings.TrimSpace(msg.Content) == "" {
			return nil
		}
		out = newGraphMessage(to, "text")
		out.Text = &graphText{Body: truncateRunes(msg.Content, cloudTextLimit)}
	}

	id, err := c.graph.Send(ctx, out)
	if err != nil {
		return err
	}
	c.log.Debug().Str("to", to).Str("type", out.Type).Str("message_id", id).Msg("sent")
	return nil
}

func (c *CloudChannel) buttonsMessage(to string, msg bus.OutboundMessage) graphMessage {
	opts := msg.Options
	if len(opts) > cloudButtonLimit {
		c.log.Warn().Int("buttons", len(opts)).Msg("extra buttons dropped")
		opts = opts[:cloudButtonLimit]
	}
	buttons := make([]graphButton, 0, len(opts))
	for _, o := range opts {
		buttons = append(buttons, graphButton{
			Type:  "reply",
			Reply: graphReply{ID: o.ID, Title: truncateTitle(o.Title, cloudButtonTitleLimit)},
		})
	}

	out := newGraphMessage(to, "interactive")
	out.Interactive = &graphInteractive{
		Type:   "button",
		Body:   graphBody{Text: truncateRunes(msg.Content, cloudInteractiveLimit)},
		Action: graphAction{Buttons: buttons},
	}
	return out
}

func (c *CloudChannel) listMessage(to string, msg bus.OutboundMessage) graphMessage {
	rows := limitRows(msg.Options, msg.RowLimit)
	section := graphSection{
		Title: truncateTitle(msg.SectionTitle, cloudSectionLimit),
		Rows:  make([]graphRow, 0, len(rows)),
	}
	for _, o := range rows {
		section.Rows = append(section.Rows, graphRow{
			ID:          o.ID,
			Title:       truncateTitle(o.Title, c.rowTitleLimit),
			Description: truncateTitle(o.Description, cloudRowDescLimit),
		})
	}

	out := newGraphMessage(to, "interactive")
	out.Interactive = &graphInteractive{
		Type: "list",
		Body: graphBody{Text: truncateRunes(msg.Content, cloudInteractiveLimit)},
		Action: graphAction{
			Button:   truncateTitle(msg.ButtonLabel, cloudButtonTitleLimit),
			Sections: []graphSection{section},
		},
	}
	return out
}

func (c *CloudChannel) Download(ctx context.Context, ref string) (bus.Media, error) {
	return c.graph.DownloadMedia(ctx, ref)
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

type webhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []webhookMessage `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

type webhookMessage struct {
	ID          string              `json:"id"`
	From        string              `json:"from"`
	Timestamp   string              `json:"timestamp"`
	Type        string              `json:"type"`
	Text        *webhookText        `json:"text"`
	Image       *webhookMedia       `json:"image"`
	Interactive *webhookInteractive `json:"interactive"`
	Button      *webhookButton      `json:"button"`
}

type webhookText struct {
	Body string `json:"body"`
}

type webhookMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption"`
}

type webhookInteractive struct {
	Type        string        `json:"type"`
	ButtonReply *webhookReply `json:"button_reply"`
	ListReply   *webhookReply `json:"list_reply"`
}

type webhookReply struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type webhookButton struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

// decodeWebhook turns a delivery into inbound messages. Only "messages"
// changes are read and status-only updates are skipped. Messages missing an id
// or sender, and types the bot cannot classify, are logged and dropped.
func decodeWebhook(body []byte, log zerolog.Logger) ([]bus.InboundMessage, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	var out []bus.InboundMessage
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			v := change.Value
			if len(v.Statuses) > 0 && len(v.Messages) == 0 {
				continue
			}

			names := make(map[string]string, len(v.Contacts))
			for _, ct := range v.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}

			for _, m := range v.Messages {
				in, ok := toInbound(m)
				if !ok {
					log.Debug().Str("event_id", m.ID).Str("type", m.Type).Msg("webhook message dropped")
					continue
				}
				in.Metadata = map[string]any{
					"phone_number_id": v.Metadata.PhoneNumberID,
					"profile_name":    names[m.From],
					"type":            m.Type,
				}
				out = append(out, in)
			}
		}
	}
	return out, nil
}

func toInbound(m webhookMessage) (bus.InboundMessage, bool) {
	id := strings.TrimSpace(m.ID)
	from := strings.TrimSpace(m.From)
	if id == "" || from == "" {
		return bus.InboundMessage{}, false
	}

	in := bus.InboundMessage{
		ID:        id,
		Channel:   cloudChannelName,
		SenderID:  from,
		ChatID:    from,
		Timestamp: parseUnix(m.Timestamp),
	}

	switch m.Type {
	case "image":
		if m.Image == nil || m.Image.ID == "" {
			return bus.InboundMessage{}, false
		}
		in.Kind = bus.KindImage
		in.MediaRef = m.Image.ID
		in.MimeType = m.Image.MimeType
		in.Text = m.Image.Caption
	case "text":
		if m.Text == nil {
			return bus.InboundMessage{}, false
		}
		in.Kind = bus.KindText
		in.Text = m.Text.Body
	case "interactive":
		if m.Interactive == nil {
			return bus.InboundMessage{}, false
		}
		switch {
		case m.Interactive.Type == "button_reply" && m.Interactive.ButtonReply != nil:
			in.Kind = bus.KindButtonReply
			in.ReplyID = m.Interactive.ButtonReply.ID
			in.Text = m.Interactive.ButtonReply.Title
		case m.Interactive.Type == "list_reply" && m.Interactive.ListReply != nil:
			in.Kind = bus.KindListReply
			in.ReplyID = m.Interactive.ListReply.ID
			in.Text = m.Interactive.ListReply.Title
		default:
			return bus.InboundMessage{}, false
		}
	case "button":
		if m.Button == nil || m.Button.Payload == "" {
			return bus.InboundMessage{}, false
		}
		in.Kind = bus.KindButtonReply
		in.ReplyID = m.Button.Payload
		in.Text = m.Button.Text
	case "audio", "video", "document", "sticker", "location", "contacts", "voice":
		in.Kind = bus.KindUnsupported
	default:
		return bus.InboundMessage{}, false
	}
	return in, true
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}
