package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/config"
)

const (
	graphMaxMediaBytes = 16 << 20
	graphMaxRespBytes  = 1 << 20
)

// GraphClient talks to the WhatsApp Business Cloud API.
type GraphClient struct {
	baseURL       string
	version       string
	phoneNumberID string
	token         string
	httpClient    *http.Client
}

func NewGraphClient(cfg config.WhatsAppCloudConfig, httpClient *http.Client) *GraphClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.GraphBaseURL), "/")
	if base == "" {
		base = config.DefaultGraphBaseURL
	}
	version := strings.Trim(strings.TrimSpace(cfg.GraphAPIVersion), "/")
	if version == "" {
		version = config.DefaultGraphAPIVersion
	}
	return &GraphClient{
		baseURL:       base,
		version:       version,
		phoneNumberID: strings.TrimSpace(cfg.PhoneNumberID),
		token:         strings.TrimSpace(cfg.AccessToken),
		httpClient:    httpClient,
	}
}

type graphMessage struct {
	MessagingProduct string            `json:"messaging_product"`
	RecipientType    string            `json:"recipient_type"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Text             *graphText        `json:"text,omitempty"`
	Interactive      *graphInteractive `json:"interactive,omitempty"`
}

type graphText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type graphInteractive struct {
	Type   string      `json:"type"`
	Body   graphBody   `json:"body"`
	Action graphAction `json:"action"`
}

type graphBody struct {
	Text string `json:"text"`
}

type graphAction struct {
	Button   string         `json:"button,omitempty"`
	Buttons  []graphButton  `json:"buttons,omitempty"`
	Sections []graphSection `json:"sections,omitempty"`
}

type graphButton struct {
	Type  string     `json:"type"`
	Reply graphReply `json:"reply"`
}

type graphReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type graphSection struct {
	Title string     `json:"title,omitempty"`
	Rows  []graphRow `json:"rows"`
}

type graphRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func newGraphMessage(to, typ string) graphMessage {
	return graphMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             typ,
	}
}

func (g *GraphClient) messagesURL() string {
	return fmt.Sprintf("%s/%s/%s/messages", g.baseURL, g.version, url.PathEscape(g.phoneNumberID))
}

// Send posts one message and returns the id the platform assigned to it.
func (g *GraphClient) Send(ctx context.Context, msg graphMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal graph message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.messagesURL(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := g.do(req, graphMaxRespBytes)
	if err != nil {
		return "", fmt.Errorf("send graph message: %w", err)
	}
	return gjson.GetBytes(raw, "messages.0.id").String(), nil
}

// DownloadMedia resolves a media id to its temporary URL and fetches it.
func (g *GraphClient) DownloadMedia(ctx context.Context, mediaID string) (bus.Media, error) {
	mediaID = strings.TrimSpace(mediaID)
	if mediaID == "" {
		return bus.Media{}, fmt.Errorf("media id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s/%s", g.baseURL, g.version, url.PathEscape(mediaID)), nil)
	if err != nil {
		return bus.Media{}, fmt.Errorf("create media metadata request: %w", err)
	}
	meta, err := g.do(req, graphMaxRespBytes)
	if err != nil {
		return bus.Media{}, fmt.Errorf("get media metadata: %w", err)
	}

	mediaURL := gjson.GetBytes(meta, "url").String()
	if mediaURL == "" {
		return bus.Media{}, fmt.Errorf("media %s has no url", mediaID)
	}
	mimeType := gjson.GetBytes(meta, "mime_type").String()
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return bus.Media{}, fmt.Errorf("create media request: %w", err)
	}
	data, err := g.do(req, graphMaxMediaBytes)
	if err != nil {
		return bus.Media{}, fmt.Errorf("download media: %w", err)
	}
	if len(data) == 0 {
		return bus.Media{}, fmt.Errorf("media %s is empty", mediaID)
	}
	return bus.Media{Data: data, MimeType: mimeType}, nil
}

func (g *GraphClient) do(req *http.Request, limit int64) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if msg := gjson.GetBytes(raw, "error.message").String(); msg != "" {
			return nil, fmt.Errorf("status %d: %s (code %d)", resp.StatusCode, msg,
				gjson.GetBytes(raw, "error.code").Int())
		}
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return raw, nil
}
