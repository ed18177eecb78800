package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/messages"
	"github.com/stellarlinkco/platebot/internal/nutrition"
	"github.com/stellarlinkco/platebot/internal/session"
)

type sent struct {
	Conv    bus.ConversationID
	Kind    bus.OutboundKind
	Text    string
	Options []bus.Option
}

type fakeTransport struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeTransport) record(s sent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, s)
	return f.err
}

func (f *fakeTransport) SendText(_ context.Context, conv bus.ConversationID, text string) error {
	return f.record(sent{Conv: conv, Kind: bus.OutboundText, Text: text})
}

func (f *fakeTransport) SendButtons(_ context.Context, conv bus.ConversationID, text string, options []bus.Option) error {
	return f.record(sent{Conv: conv, Kind: bus.OutboundButtons, Text: text, Options: options})
}

func (f *fakeTransport) SendList(_ context.Context, conv bus.ConversationID, text, _, _ string, rows []bus.Option, _ int) error {
	return f.record(sent{Conv: conv, Kind: bus.OutboundList, Text: text, Options: rows})
}

func (f *fakeTransport) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

func (f *fakeTransport) last() sent {
	all := f.all()
	if len(all) == 0 {
		return sent{}
	}
	return all[len(all)-1]
}

// fakeMedia returns the media ref itself as the image bytes.
type fakeMedia struct{ err error }

func (f fakeMedia) Download(_ context.Context, _ bus.ConversationID, ref string) (bus.Media, error) {
	if f.err != nil {
		return bus.Media{}, f.err
	}
	return bus.Media{Data: []byte(ref), MimeType: "image/jpeg"}, nil
}

// fakeVision maps image bytes to an analysis. A gate, if present, blocks the
// call until it is closed.
type fakeVision struct {
	mu      sync.Mutex
	results map[string][]nutrition.FoodItem
	gates   map[string]chan struct{}
	entered chan string
	err     error
	errs    map[string]error
}

func (f *fakeVision) Analyze(ctx context.Context, data []byte, _ string) (nutrition.PlateAnalysis, error) {
	key := string(data)
	f.mu.Lock()
	gate := f.gates[key]
	items := f.results[key]
	err := f.err
	if e, ok := f.errs[key]; ok {
		err = e
	}
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- key
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nutrition.PlateAnalysis{}, ctx.Err()
		}
	}
	if err != nil {
		return nutrition.PlateAnalysis{}, err
	}
	return nutrition.PlateAnalysis{Items: items}, nil
}

type fakeJournal struct {
	mu      sync.Mutex
	records []nutrition.FullAnalysis
	err     error
}

func (f *fakeJournal) Record(_ context.Context, _ bus.ConversationID, _ string, fa nutrition.FullAnalysis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, fa)
	return f.err
}

var profiles = map[string]nutrition.NutrientProfile100g{
	"rice":  {Calories: 130, ProteinG: 2.7, CarbsG: 28, FatG: 0.3},
	"beans": {Calories: 76, ProteinG: 4.8, CarbsG: 13.6, FatG: 0.5},
}

func tableLookup(_ context.Context, name string) (*nutrition.NutrientProfile100g, error) {
	p, ok := profiles[name]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type harness struct {
	eng       *Engine
	transport *fakeTransport
	vision    *fakeVision
	journal   *fakeJournal
	sessions  *session.Store
	msgs      *messages.Catalog
	conv      bus.ConversationID
	seq       int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		vision: &fakeVision{results: map[string][]nutrition.FoodItem{
			"rice.jpg": {{DisplayName: "Rice", LookupName: "rice", EstimatedGrams: nutrition.Float(150)}},
			"plate.jpg": {
				{DisplayName: "Arroz", LookupName: "rice", EstimatedGrams: nutrition.Float(120)},
				{DisplayName: "Feijão", LookupName: "beans", EstimatedGrams: nutrition.Float(80)},
				{DisplayName: "Farofa", LookupName: "toasted cassava flour", EstimatedGrams: nutrition.Float(30)},
			},
			"empty.jpg": nil,
		}},
		journal:  &fakeJournal{},
		sessions: session.NewStore(),
		msgs:     messages.MustDefault(),
		conv:     bus.NewConversationID("whatsapp-cloud", "5511999990000"),
	}
	h.eng = New(Deps{
		Sessions:  h.sessions,
		Transport: h.transport,
		Media:     fakeMedia{},
		Vision:    h.vision,
		Enricher:  nutrition.NewPipeline(nutrition.LookupFunc(tableLookup)),
		Journal:   h.journal,
		Messages:  h.msgs,
	}, Options{Timeouts: Timeouts{Vision: 2 * time.Second}, Logger: zerolog.Nop()})
	return h
}

func (h *harness) event(kind bus.Kind) bus.InboundMessage {
	h.seq++
	_, chat := h.conv.Split()
	return bus.InboundMessage{
		ID:      "wamid." + strings.Repeat("x", h.seq),
		Channel: "whatsapp-cloud",
		ChatID:  chat,
		Kind:    kind,
	}
}

func (h *harness) image(ref string) bus.InboundMessage {
	ev := h.event(bus.KindImage)
	ev.MediaRef = ref
	return ev
}

func (h *harness) text(s string) bus.InboundMessage {
	ev := h.event(bus.KindText)
	ev.Text = s
	return ev
}

func (h *harness) reply(kind bus.Kind, id string) bus.InboundMessage {
	ev := h.event(kind)
	ev.ReplyID = id
	return ev
}

func (h *harness) send(ev bus.InboundMessage) {
	h.eng.Handle(context.Background(), ev)
}

func (h *harness) pending() *nutrition.PlateAnalysis {
	return h.sessions.GetPending(h.conv)
}

func (h *harness) cursor() *session.EditCursor {
	return h.sessions.GetEditCursor(h.conv)
}

func TestRiceScenario(t *testing.T) {
	h := newHarness(t)

	h.send(h.image("rice.jpg"))
	out := h.transport.all()
	require.Len(t, out, 3)
	assert.Equal(t, h.msgs.PhotoReceived, out[0].Text)
	assert.Equal(t, h.msgs.Analyzing, out[1].Text)
	assert.Equal(t, bus.OutboundButtons, out[2].Kind)
	assert.Equal(t, []string{ReplyConfirm, ReplyEdit}, optionIDs(out[2].Options))
	assert.Contains(t, out[2].Text, "*Rice* (~150 g)")
	require.NotNil(t, h.pending())

	h.send(h.reply(bus.KindButtonReply, ReplyEdit))
	menu := h.transport.last()
	assert.Equal(t, bus.OutboundList, menu.Kind)
	assert.Equal(t, []string{"edit_item_0", ReplyConfirm}, optionIDs(menu.Options))
	assert.Equal(t, "Rice", menu.Options[0].Title)
	assert.Equal(t, "~150 g", menu.Options[0].Description)

	h.send(h.reply(bus.KindListReply, "edit_item_0"))
	assert.Equal(t, "Qual o novo peso (em gramas) para *Rice*?\n(Peso atual: ~150g)", h.transport.last().Text)
	require.NotNil(t, h.cursor())

	n := len(h.transport.all())
	h.send(h.text("200"))
	out = h.transport.all()[n:]
	require.Len(t, out, 2)
	assert.Equal(t, "✅ *Rice* atualizado para *200g*.", out[0].Text)
	assert.Equal(t, bus.OutboundList, out[1].Kind)
	assert.Contains(t, out[1].Text, "*Rice* (~200 g)")
	assert.Nil(t, h.cursor())
	assert.Equal(t, 200.0, h.pending().Items[0].Grams())

	n = len(h.transport.all())
	h.send(h.reply(bus.KindListReply, ReplyConfirm))
	out = h.transport.all()[n:]
	require.Len(t, out, 2)
	assert.Equal(t, h.msgs.Calculating, out[0].Text)
	assert.Contains(t, out[1].Text, "*Rice* (200 g)")
	assert.Contains(t, out[1].Text, "Calorias: 260 kcal")

	assert.Nil(t, h.pending(), "confirm returns the conversation to idle")
	assert.Nil(t, h.cursor())

	require.Len(t, h.journal.records, 1)
	assert.Equal(t, 260.0, h.journal.records[0].Totals.CaloriesKcal)
}

func TestDuplicateDeliveryIsDropped(t *testing.T) {
	h := newHarness(t)

	img := h.image("plate.jpg")
	h.send(img)
	first := h.pending()
	n := len(h.transport.all())

	h.send(img)
	assert.Len(t, h.transport.all(), n)
	assert.Equal(t, first.ID, h.pending().ID)

	edit := h.reply(bus.KindButtonReply, ReplyEdit)
	h.send(edit)
	sel := h.reply(bus.KindListReply, "edit_item_1")
	h.send(sel)
	cursor := h.cursor()
	require.NotNil(t, cursor)

	n = len(h.transport.all())
	h.send(edit)
	h.send(sel)
	assert.Len(t, h.transport.all(), n)
	assert.Equal(t, cursor, h.cursor())

	weight := h.text("95")
	h.send(weight)
	n = len(h.transport.all())
	h.send(h.text("not a duplicate"))
	assert.Len(t, h.transport.all(), n+1)

	h.send(weight)
	assert.Len(t, h.transport.all(), n+1)
	assert.Equal(t, 95.0, h.pending().Items[1].Grams())

	confirm := h.reply(bus.KindButtonReply, ReplyConfirm)
	h.send(confirm)
	n = len(h.transport.all())
	h.send(confirm)
	assert.Len(t, h.transport.all(), n, "a replayed confirm must not report an expired session")
	assert.Len(t, h.journal.records, 1)
}

func TestSameIDOnOtherChannelIsNotDuplicate(t *testing.T) {
	h := newHarness(t)
	ev := h.text("oi")
	h.send(ev)
	ev.Channel = "telegram"
	h.send(ev)
	assert.Len(t, h.transport.all(), 2)
}

func TestGreetingWithoutCursor(t *testing.T) {
	h := newHarness(t)
	h.send(h.text("olá"))
	assert.Equal(t, h.msgs.Greeting, h.transport.last().Text)
	assert.Nil(t, h.pending())

	h.send(h.image("plate.jpg"))
	id := h.pending().ID
	h.send(h.text("120"))
	assert.Equal(t, h.msgs.Greeting, h.transport.last().Text, "numbers are not weights until an item is selected")
	assert.Equal(t, id, h.pending().ID)
	assert.Equal(t, 120.0, h.pending().Items[0].Grams())
	assert.Equal(t, 80.0, h.pending().Items[1].Grams())
}

func TestInvalidWeightKeepsState(t *testing.T) {
	h := newHarness(t)
	h.send(h.image("plate.jpg"))
	h.send(h.reply(bus.KindListReply, "edit_item_2"))
	before := h.cursor()
	require.NotNil(t, before)
	pending := h.pending()

	for _, in := range []string{"abc", "-5", "", "NaN", "1e400", "12,5,3"} {
		h.send(h.text(in))
		assert.Equal(t, h.msgs.WeightInvalid, h.transport.last().Text, "input %q", in)
		assert.Equal(t, before, h.cursor(), "input %q", in)
		assert.Equal(t, pending, h.pending(), "input %q", in)
	}

	h.send(h.text("42,5"))
	assert.Nil(t, h.cursor())
	assert.Equal(t, 42.5, h.pending().Items[2].Grams())
}

func TestEditIndexOutOfRange(t *testing.T) {
	h := newHarness(t)
	h.send(h.image("plate.jpg"))
	pending := h.pending()

	for _, id := range []string{"edit_item_5", "edit_item_3", "edit_item_-1", "edit_item_x"} {
		h.send(h.reply(bus.KindListReply, id))
		assert.Equal(t, h.msgs.InvalidItem, h.transport.last().Text, id)
		assert.Nil(t, h.cursor(), id)
		assert.Equal(t, pending, h.pending(), id)
	}
}

func TestOutOfRangeSelectionKeepsExistingCursor(t *testing.T) {
	h := newHarness(t)
	h.send(h.image("plate.jpg"))
	h.send(h.reply(bus.KindListReply, "edit_item_0"))
	before := h.cursor()
	require.NotNil(t, before)

	h.send(h.reply(bus.KindListReply, "edit_item_5"))
	assert.Equal(t, before, h.cursor())
}

func TestInteractiveReplyWithoutPending(t *testing.T) {
	for _, id := range []string{ReplyConfirm, ReplyEdit, "edit_item_0"} {
		t.Run(id, func(t *testing.T) {
			h := newHarness(t)
			h.send(h.reply(bus.KindButtonReply, id))
			assert.Equal(t, h.msgs.Expired, h.transport.last().Text)
			assert.Nil(t, h.pending())
			assert.Empty(t, h.journal.records)
		})
	}
}

func TestNewImageReplacesPendingAndCursor(t *testing.T) {
	h := newHarness(t)
	h.send(h.image("plate.jpg"))
	h.send(h.reply(bus.KindListReply, "edit_item_1"))
	require.NotNil(t, h.cursor())
	oldID := h.pending().ID

	h.send(h.image("rice.jpg"))
	assert.Nil(t, h.cursor())
	p := h.pending()
	require.NotNil(t, p)
	assert.NotEqual(t, oldID, p.ID)
	require.Len(t, p.Items, 1)
	assert.Equal(t, "Rice", p.Items[0].DisplayName)

	h.send(h.text("300"))
	assert.Equal(t, h.msgs.Greeting, h.transport.last().Text)
	assert.Equal(t, 150.0, h.pending().Items[0].Grams())
}

func TestStaleVisionResultIsDiscarded(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.vision.gates = map[string]chan struct{}{"plate.jpg": gate}
	h.vision.entered = make(chan string, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.send(h.image("plate.jpg"))
	}()
	require.Equal(t, "plate.jpg", <-h.vision.entered)

	h.send(h.image("rice.jpg"))
	<-h.vision.entered
	close(gate)
	<-done

	p := h.pending()
	require.NotNil(t, p)
	require.Len(t, p.Items, 1)
	assert.Equal(t, "Rice", p.Items[0].DisplayName)

	menus := 0
	for _, m := range h.transport.all() {
		if m.Kind == bus.OutboundButtons {
			menus++
		}
	}
	assert.Equal(t, 1, menus, "the superseded analysis is never shown")
}

func TestSupersededImageFailureIsSilent(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.vision.gates = map[string]chan struct{}{"plate.jpg": gate}
	h.vision.errs = map[string]error{"plate.jpg": errors.New("model overloaded")}
	h.vision.entered = make(chan string, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.send(h.image("plate.jpg"))
	}()
	require.Equal(t, "plate.jpg", <-h.vision.entered)

	h.send(h.image("rice.jpg"))
	<-h.vision.entered
	close(gate)
	<-done

	for _, m := range h.transport.all() {
		assert.NotEqual(t, h.msgs.AnalysisFailed, m.Text)
	}
	p := h.pending()
	require.NotNil(t, p)
	assert.Equal(t, "Rice", p.Items[0].DisplayName)
}

func TestImageFailures(t *testing.T) {
	t.Run("download", func(t *testing.T) {
		h := newHarness(t)
		h.send(h.image("plate.jpg"))
		id := h.pending().ID

		h.eng.media = fakeMedia{err: errors.New("graph api: 500")}
		h.send(h.image("rice.jpg"))
		assert.Equal(t, h.msgs.AnalysisFailed, h.transport.last().Text)
		assert.Equal(t, id, h.pending().ID, "state unchanged")
	})

	t.Run("vision", func(t *testing.T) {
		h := newHarness(t)
		h.vision.err = errors.New("model overloaded")
		h.send(h.image("plate.jpg"))
		assert.Equal(t, h.msgs.AnalysisFailed, h.transport.last().Text)
		assert.Nil(t, h.pending())
	})

	t.Run("vision timeout", func(t *testing.T) {
		h := newHarness(t)
		h.eng.timeouts.Vision = 20 * time.Millisecond
		h.vision.gates = map[string]chan struct{}{"plate.jpg": make(chan struct{})}
		h.send(h.image("plate.jpg"))
		assert.Equal(t, h.msgs.AnalysisFailed, h.transport.last().Text)
		assert.Nil(t, h.pending())
	})

	t.Run("no items", func(t *testing.T) {
		h := newHarness(t)
		h.send(h.image("empty.jpg"))
		assert.Equal(t, h.msgs.NoItems, h.transport.last().Text)
		assert.Nil(t, h.pending())
	})

	t.Run("missing media ref", func(t *testing.T) {
		h := newHarness(t)
		h.send(h.image(""))
		assert.Empty(t, h.transport.all())
	})
}

func TestUnsupportedKind(t *testing.T) {
	h := newHarness(t)
	h.send(h.image("plate.jpg"))
	h.send(h.reply(bus.KindListReply, "edit_item_0"))
	cursor := h.cursor()

	h.send(h.event(bus.KindUnsupported))
	assert.Equal(t, h.msgs.PhotosOnly, h.transport.last().Text)
	assert.Equal(t, cursor, h.cursor())
}

func TestUnknownKindAndReplyAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.send(h.event(bus.Kind("reaction")))
	assert.Empty(t, h.transport.all())

	h.send(h.image("plate.jpg"))
	n := len(h.transport.all())
	h.send(h.reply(bus.KindButtonReply, "something_else"))
	assert.Len(t, h.transport.all(), n)
	assert.NotNil(t, h.pending())
}

func TestConfirmFromWeightPrompt(t *testing.T) {
	h := newHarness(t)
	h.send(h.image("plate.jpg"))
	h.send(h.reply(bus.KindListReply, "edit_item_0"))

	h.send(h.reply(bus.KindListReply, ReplyConfirm))
	summary := h.transport.last().Text
	assert.Contains(t, summary, "*Farofa* (30 g)\n_(Sem dados nutricionais)_")
	// 120g rice = 156 kcal, 80g beans = 60.8 kcal
	assert.Contains(t, summary, "*Total analisado*:\nCalorias: 217 kcal")
	assert.Nil(t, h.pending())
	assert.Nil(t, h.cursor())
}

func TestListMenuRespectsRowLimit(t *testing.T) {
	h := newHarness(t)
	h.eng.rowLimit = 3
	h.send(h.image("plate.jpg"))
	h.send(h.reply(bus.KindButtonReply, ReplyEdit))

	menu := h.transport.last()
	assert.Equal(t, []string{"edit_item_0", "edit_item_1", ReplyConfirm}, optionIDs(menu.Options))
}

func TestEditClearsCursor(t *testing.T) {
	h := newHarness(t)
	h.send(h.image("plate.jpg"))
	h.send(h.reply(bus.KindListReply, "edit_item_0"))
	require.NotNil(t, h.cursor())

	h.send(h.reply(bus.KindButtonReply, ReplyEdit))
	assert.Nil(t, h.cursor())
}

func TestJournalFailureDoesNotAffectConversation(t *testing.T) {
	h := newHarness(t)
	h.journal.err = errors.New("disk full")
	h.send(h.image("rice.jpg"))
	h.send(h.reply(bus.KindButtonReply, ReplyConfirm))
	assert.Contains(t, h.transport.last().Text, "Calorias: 195 kcal")
	assert.Nil(t, h.pending())
}

func TestTransportErrorsAreTolerated(t *testing.T) {
	h := newHarness(t)
	h.transport.err = errors.New("send failed")
	h.send(h.image("rice.jpg"))
	assert.NotNil(t, h.pending())
}

func TestConversationsAreIndependent(t *testing.T) {
	h := newHarness(t)
	other := h.image("rice.jpg")
	other.ChatID = "5511888880000"

	h.send(h.image("plate.jpg"))
	h.send(other)

	assert.Len(t, h.pending().Items, 3)
	p := h.sessions.GetPending(bus.NewConversationID("whatsapp-cloud", "5511888880000"))
	require.NotNil(t, p)
	assert.Len(t, p.Items, 1)
}

func TestConcurrentEventsForOneConversation(t *testing.T) {
	h := newHarness(t)
	h.send(h.image("plate.jpg"))
	h.send(h.reply(bus.KindListReply, "edit_item_0"))

	events := []bus.InboundMessage{
		h.text("100"),
		h.reply(bus.KindListReply, "edit_item_1"),
		h.text("50"),
		h.reply(bus.KindButtonReply, ReplyEdit),
	}
	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func(ev bus.InboundMessage) {
			defer wg.Done()
			h.send(ev)
		}(ev)
	}
	wg.Wait()

	p := h.pending()
	require.NotNil(t, p)
	assert.Len(t, p.Items, 3)
}

func TestAnalyzeOnce(t *testing.T) {
	h := newHarness(t)
	fa, err := h.eng.AnalyzeOnce(context.Background(), []byte("rice.jpg"), "image/jpeg")
	require.NoError(t, err)
	require.Len(t, fa.Items, 1)
	assert.Equal(t, 195.0, fa.Totals.CaloriesKcal)
	assert.Empty(t, h.transport.all())
	assert.Nil(t, h.pending())

	h.vision.err = errors.New("boom")
	_, err = h.eng.AnalyzeOnce(context.Background(), []byte("rice.jpg"), "image/jpeg")
	assert.Error(t, err)
}

func TestEditItemReply(t *testing.T) {
	assert.Equal(t, "edit_item_0", EditItemReply(0))
	assert.Equal(t, "edit_item_12", EditItemReply(12))
}

func optionIDs(opts []bus.Option) []string {
	ids := make([]string, len(opts))
	for i, o := range opts {
		ids[i] = o.ID
	}
	return ids
}
