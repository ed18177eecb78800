package gateway

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/channel"
	"github.com/stellarlinkco/platebot/internal/config"
	"github.com/stellarlinkco/platebot/internal/nutrition"
)

var nopLog = zerolog.Nop()

// --- dispatcher ---

type recordingHandler struct {
	mu    sync.Mutex
	seen  map[bus.ConversationID][]string
	block func(ev bus.InboundMessage)
}

func (h *recordingHandler) Handle(_ context.Context, ev bus.InboundMessage) {
	if h.block != nil {
		h.block(ev)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen == nil {
		h.seen = make(map[bus.ConversationID][]string)
	}
	h.seen[ev.SessionKey()] = append(h.seen[ev.SessionKey()], ev.ID)
}

func event(chat, id string) bus.InboundMessage {
	return bus.InboundMessage{ID: id, Channel: "fake", ChatID: chat, Kind: bus.KindText}
}

func TestDispatcher_PreservesOrderPerConversation(t *testing.T) {
	h := &recordingHandler{block: func(bus.InboundMessage) { time.Sleep(time.Millisecond) }}
	d := NewDispatcher(h, 4, nopLog)
	ctx := context.Background()

	ids := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	for _, id := range ids {
		d.Dispatch(ctx, event("a", id))
		d.Dispatch(ctx, event("b", id))
	}
	d.Wait()

	for _, chat := range []string{"a", "b"} {
		got := strings.Join(h.seen[bus.NewConversationID("fake", chat)], ",")
		if got != strings.Join(ids, ",") {
			t.Errorf("conversation %s order = %s", chat, got)
		}
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d, want 0", d.Pending())
	}
}

func TestDispatcher_ConversationsRunInParallel(t *testing.T) {
	bDone := make(chan struct{})
	var timedOut bool
	h := &recordingHandler{block: func(ev bus.InboundMessage) {
		switch ev.ChatID {
		case "a":
			select {
			case <-bDone:
			case <-time.After(2 * time.Second):
				timedOut = true
			}
		case "b":
			close(bDone)
		}
	}}
	d := NewDispatcher(h, 2, nopLog)

	d.Dispatch(context.Background(), event("a", "1"))
	d.Dispatch(context.Background(), event("b", "1"))
	d.Wait()

	if timedOut {
		t.Error("conversation b was blocked behind conversation a")
	}
}

type panicHandler struct{ calls int }

func (p *panicHandler) Handle(context.Context, bus.InboundMessage) {
	p.calls++
	if p.calls == 1 {
		panic("boom")
	}
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	h := &panicHandler{}
	d := NewDispatcher(h, 1, nopLog)
	d.Dispatch(context.Background(), event("a", "1"))
	d.Dispatch(context.Background(), event("a", "2"))
	d.Wait()
	if h.calls != 2 {
		t.Errorf("calls = %d, want 2", h.calls)
	}
}

func TestDispatcher_Run(t *testing.T) {
	h := &recordingHandler{}
	d := NewDispatcher(h, 0, nopLog)
	in := make(chan bus.InboundMessage, 3)
	in <- event("a", "1")
	in <- event("a", "2")
	close(in)

	d.Run(context.Background(), in)
	d.Wait()
	if got := len(h.seen[bus.NewConversationID("fake", "a")]); got != 2 {
		t.Errorf("handled = %d, want 2", got)
	}
}

func TestDispatcher_CloseDrainsThenDrops(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := &recordingHandler{block: func(ev bus.InboundMessage) {
		if ev.ID == "1" {
			close(started)
			<-release
		}
	}}
	d := NewDispatcher(h, 0, nopLog)
	d.Dispatch(context.Background(), event("a", "1"))
	<-started

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	for {
		d.mu.Lock()
		c := d.closed
		d.mu.Unlock()
		if c {
			break
		}
		time.Sleep(time.Millisecond)
	}

	d.Dispatch(context.Background(), event("a", "2"))
	d.Dispatch(context.Background(), event("b", "1"))
	close(release)
	<-closed

	if got := h.seen[bus.NewConversationID("fake", "a")]; len(got) != 1 || got[0] != "1" {
		t.Errorf("conversation a handled %v, want [1]", got)
	}
	if got := h.seen[bus.NewConversationID("fake", "b")]; len(got) != 0 {
		t.Errorf("conversation b handled %v after Close", got)
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d, want 0", d.Pending())
	}
}

// --- http ---

type fakeAnalyzer struct {
	fa   nutrition.FullAnalysis
	err  error
	mime string
	data []byte
}

func (f *fakeAnalyzer) AnalyzeOnce(_ context.Context, data []byte, mimeType string) (nutrition.FullAnalysis, error) {
	f.data, f.mime = data, mimeType
	return f.fa, f.err
}

func multipartBody(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, "plate.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write(data)
	_ = w.Close()
	return &buf, w.FormDataContentType()
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func TestHTTP_Healthz(t *testing.T) {
	srv := httptest.NewServer(NewHTTPHandler(&fakeAnalyzer{}, nopLog))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHTTP_Analyze(t *testing.T) {
	a := &fakeAnalyzer{fa: nutrition.FullAnalysis{
		Items: []nutrition.EnrichedFoodItem{
			{Name: "Arroz", LookupName: "rice", Grams: nutrition.Float(150), CaloriesKcal: 195, Found: true},
		},
		Totals: nutrition.NutritionalTotals{CaloriesKcal: 195},
	}}
	srv := httptest.NewServer(NewHTTPHandler(a, nopLog))
	defer srv.Close()

	body, ctype := multipartBody(t, "image", pngHeader)
	resp, err := http.Post(srv.URL+"/ai/analyze", ctype, body)
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	out := gjson.ParseBytes(buf.Bytes())
	if out.Get("items.0.name").String() != "Arroz" || out.Get("items.0.quantity_grams").Float() != 150 {
		t.Errorf("items = %s", out.Get("items").Raw)
	}
	if out.Get("totals.total_calories_kcal").Float() != 195 {
		t.Errorf("totals = %s", out.Get("totals").Raw)
	}
	if !bytes.Equal(a.data, pngHeader) {
		t.Error("analyzer did not receive the uploaded bytes")
	}
	if a.mime != "image/png" {
		t.Errorf("mime = %q, want sniffed image/png", a.mime)
	}
}

func TestHTTP_AnalyzeErrors(t *testing.T) {
	a := &fakeAnalyzer{}
	srv := httptest.NewServer(NewHTTPHandler(a, nopLog))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ai/analyze")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}

	body, ctype := multipartBody(t, "photo", pngHeader)
	resp, err = http.Post(srv.URL+"/ai/analyze", ctype, body)
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("wrong field status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/ai/analyze", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("not multipart status = %d, want 400", resp.StatusCode)
	}

	a.err = errors.New("model unavailable")
	body, ctype = multipartBody(t, "image", pngHeader)
	resp, err = http.Post(srv.URL+"/ai/analyze", ctype, body)
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("analyzer error status = %d, want 502", resp.StatusCode)
	}
}

// --- gateway ---

type fakeChannel struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Start(context.Context) error { return nil }

func (f *fakeChannel) Stop() error { return nil }

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) Download(_ context.Context, ref string) (bus.Media, error) {
	return bus.Media{Data: []byte(ref), MimeType: "image/jpeg"}, nil
}

func (f *fakeChannel) waitFor(t *testing.T, kind bus.OutboundKind, contains string) bus.OutboundMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, m := range f.sent {
			if m.Kind == kind && strings.Contains(m.Content, contains) {
				f.mu.Unlock()
				return m
			}
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s message containing %q", kind, contains)
	return bus.OutboundMessage{}
}

type plateVision struct{}

func (plateVision) Analyze(context.Context, []byte, string) (nutrition.PlateAnalysis, error) {
	return nutrition.PlateAnalysis{Items: []nutrition.FoodItem{
		{DisplayName: "Arroz", LookupName: "rice", EstimatedGrams: nutrition.Float(200)},
	}}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Journal.DBPath = filepath.Join(t.TempDir(), "data", "platebot.db")
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, ch *fakeChannel, sig chan os.Signal) *Gateway {
	t.Helper()
	g, err := NewWithOptions(cfg, Options{
		Logger:   &nopLog,
		Channels: []channel.Channel{ch},
		Vision:   plateVision{},
		Lookup: nutrition.LookupFunc(func(_ context.Context, name string) (*nutrition.NutrientProfile100g, error) {
			if name == "rice" {
				return &nutrition.NutrientProfile100g{Calories: 130, CarbsG: 28}, nil
			}
			return nil, nil
		}),
		SignalChan: sig,
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	return g
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Telegram.Enabled = true
	if _, err := NewWithOptions(cfg, Options{Logger: &nopLog}); err == nil {
		t.Error("expected error for telegram without token")
	}
}

func TestGateway_HousekeepingJobs(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &fakeChannel{}, nil)
	defer g.Shutdown()

	want := []string{"dedup-sweep", "media-sweep", "nutrient-cache-purge", "session-sweep"}
	jobs := g.cron.ListJobs()
	if len(jobs) != len(want) {
		t.Fatalf("jobs = %+v", jobs)
	}
	for i, j := range jobs {
		if j.Name != want[i] {
			t.Errorf("jobs[%d] = %q, want %q", i, j.Name, want[i])
		}
		if err := g.cron.RunNow(j.Name); err != nil {
			t.Errorf("RunNow(%s) error: %v", j.Name, err)
		}
	}
	for _, j := range g.cron.ListJobs() {
		if j.State.LastStatus != "ok" {
			t.Errorf("%s status = %q (%s)", j.Name, j.State.LastStatus, j.State.LastError)
		}
	}
}

func TestGateway_RunConversation(t *testing.T) {
	ch := &fakeChannel{}
	sig := make(chan os.Signal, 1)
	g := newTestGateway(t, testConfig(t), ch, sig)

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	g.bus.Inbound <- bus.InboundMessage{ID: "m1", Channel: "fake", ChatID: "chat-1", Kind: bus.KindImage, MediaRef: "plate"}
	buttons := ch.waitFor(t, bus.OutboundButtons, "Arroz")
	if len(buttons.Options) != 2 || buttons.Options[0].ID != "confirm_analysis" {
		t.Errorf("buttons = %+v", buttons.Options)
	}
	if buttons.ChatID != "chat-1" {
		t.Errorf("chat id = %q", buttons.ChatID)
	}

	// Redelivery of the same event is dropped.
	g.bus.Inbound <- bus.InboundMessage{ID: "m1", Channel: "fake", ChatID: "chat-1", Kind: bus.KindImage, MediaRef: "plate"}
	g.bus.Inbound <- bus.InboundMessage{ID: "m2", Channel: "fake", ChatID: "chat-1", Kind: bus.KindButtonReply, ReplyID: "confirm_analysis"}
	ch.waitFor(t, bus.OutboundText, "260 kcal")

	deadline := time.Now().Add(3 * time.Second)
	for {
		n, err := g.Journal().Count(context.Background())
		if err == nil && n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal count = %d, %v; want 1", n, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ch.mu.Lock()
	var buttonMsgs int
	for _, m := range ch.sent {
		if m.Kind == bus.OutboundButtons {
			buttonMsgs++
		}
	}
	ch.mu.Unlock()
	if buttonMsgs != 1 {
		t.Errorf("button menus sent = %d, want 1", buttonMsgs)
	}

	sig <- os.Interrupt
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}
}

func TestGateway_RunStopsOnContextCancel(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &fakeChannel{}, make(chan os.Signal))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
