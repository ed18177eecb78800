// Package engine runs the per-conversation state machine that takes a meal
// photo through analysis, weight edits and confirmation.
//
// The state is derived from the session: no pending analysis is idle, a
// pending analysis without a cursor awaits a decision, and a pending analysis
// with a cursor awaits a weight value.
package engine

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/dedup"
	boterr "github.com/stellarlinkco/platebot/internal/errors"
	"github.com/stellarlinkco/platebot/internal/messages"
	"github.com/stellarlinkco/platebot/internal/nutrition"
	"github.com/stellarlinkco/platebot/internal/session"
)

var errNotConfigured = stderrors.New("media or vision backend not configured")

// Reply ids carried by buttons and list rows.
const (
	ReplyConfirm     = "confirm_analysis"
	ReplyEdit        = "edit_analysis"
	ReplyEditItemPfx = "edit_item_"
)

// EditItemReply returns the reply id that selects item i for editing.
func EditItemReply(i int) string {
	return ReplyEditItemPfx + strconv.Itoa(i)
}

// Transport delivers outbound messages to a conversation.
type Transport interface {
	SendText(ctx context.Context, conv bus.ConversationID, text string) error
	SendButtons(ctx context.Context, conv bus.ConversationID, text string, options []bus.Option) error
	SendList(ctx context.Context, conv bus.ConversationID, text, buttonLabel, sectionTitle string, rows []bus.Option, rowLimit int) error
}

type MediaDownloader interface {
	Download(ctx context.Context, conv bus.ConversationID, ref string) (bus.Media, error)
}

type VisionAnalyzer interface {
	Analyze(ctx context.Context, data []byte, mimeType string) (nutrition.PlateAnalysis, error)
}

type Enricher interface {
	Enrich(ctx context.Context, items []nutrition.FoodItem) nutrition.FullAnalysis
}

// Journal records confirmed analyses. Failures never affect the conversation.
type Journal interface {
	Record(ctx context.Context, conv bus.ConversationID, analysisID string, fa nutrition.FullAnalysis) error
}

type Timeouts struct {
	Media  time.Duration
	Vision time.Duration
	Enrich time.Duration
	Send   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Media:  20 * time.Second,
		Vision: 60 * time.Second,
		Enrich: 30 * time.Second,
		Send:   15 * time.Second,
	}
}

type Deps struct {
	Dedup     *dedup.Deduplicator
	Sessions  *session.Store
	Transport Transport
	Media     MediaDownloader
	Vision    VisionAnalyzer
	Enricher  Enricher
	Journal   Journal // optional
	Messages  *messages.Catalog
}

type Options struct {
	Timeouts     Timeouts
	ListRowLimit int
	Logger       zerolog.Logger
}

type Engine struct {
	dedup     *dedup.Deduplicator
	sessions  *session.Store
	transport Transport
	media     MediaDownloader
	vision    VisionAnalyzer
	enricher  Enricher
	journal   Journal
	msgs      *messages.Catalog
	timeouts  Timeouts
	rowLimit  int
	log       zerolog.Logger
}

func New(deps Deps, opts Options) *Engine {
	t := opts.Timeouts
	def := DefaultTimeouts()
	if t.Media <= 0 {
		t.Media = def.Media
	}
	if t.Vision <= 0 {
		t.Vision = def.Vision
	}
	if t.Enrich <= 0 {
		t.Enrich = def.Enrich
	}
	if t.Send <= 0 {
		t.Send = def.Send
	}
	rowLimit := opts.ListRowLimit
	if rowLimit < 2 {
		rowLimit = 10
	}
	msgs := deps.Messages
	if msgs == nil {
		msgs = messages.MustDefault()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewStore()
	}
	dd := deps.Dedup
	if dd == nil {
		dd = dedup.New(dedup.DefaultWindow)
	}
	return &Engine{
		dedup:     dd,
		sessions:  sessions,
		transport: deps.Transport,
		media:     deps.Media,
		vision:    deps.Vision,
		enricher:  deps.Enricher,
		journal:   deps.Journal,
		msgs:      msgs,
		timeouts:  t,
		rowLimit:  rowLimit,
		log:       opts.Logger,
	}
}

// Handle processes one inbound event. Duplicate deliveries are dropped before
// any side effect. Handle never panics on malformed input; anything it cannot
// act on is logged and dropped.
func (e *Engine) Handle(ctx context.Context, ev bus.InboundMessage) {
	conv := ev.SessionKey()
	log := e.log.With().
		Str("conversation", conv.String()).
		Str("event_id", ev.ID).
		Str("kind", string(ev.Kind)).
		Logger()

	if !e.dedup.ShouldProcess(ev.DedupKey()) {
		log.Debug().Msg("duplicate delivery dropped")
		return
	}

	var err error
	switch ev.Kind {
	case bus.KindImage:
		err = e.handleImage(ctx, conv, ev)
	case bus.KindText:
		err = e.handleText(ctx, conv, ev.Text)
	case bus.KindButtonReply, bus.KindListReply:
		err = e.handleReply(ctx, conv, ev.ReplyID)
	case bus.KindUnsupported:
		e.sendText(ctx, conv, e.msgs.PhotosOnly)
	default:
		err = boterr.NewIgnore("unknown event kind " + string(ev.Kind))
	}
	if err != nil {
		e.report(ctx, log, conv, err)
	}
}

// report turns a handler error into the user-facing reply for its class.
func (e *Engine) report(ctx context.Context, log zerolog.Logger, conv bus.ConversationID, err error) {
	var bErr *boterr.BotError
	stderrors.As(err, &bErr)

	switch boterr.CodeOf(err) {
	case boterr.ErrTransient:
		log.Warn().Err(err).Msg("collaborator failed")
		e.sendText(ctx, conv, e.msgs.AnalysisFailed)
	case boterr.ErrValidation:
		log.Info().Err(err).Msg("input rejected")
		if bErr != nil && bErr.Details["field"] == "item" {
			e.sendText(ctx, conv, e.msgs.InvalidItem)
		} else {
			e.sendText(ctx, conv, e.msgs.WeightInvalid)
		}
	case boterr.ErrExpiredSession:
		log.Info().Err(err).Msg("reply without pending analysis")
		e.sendText(ctx, conv, e.msgs.Expired)
	case boterr.ErrIgnore:
		log.Debug().Err(err).Msg("event ignored")
	default:
		log.Error().Err(err).Msg("handle event")
	}
}

func (e *Engine) handleImage(ctx context.Context, conv bus.ConversationID, ev bus.InboundMessage) error {
	if ev.MediaRef == "" {
		return boterr.NewIgnore("image without media reference")
	}

	tx := e.sessions.Acquire(conv)
	seq := tx.BeginImage()
	tx.Release()

	e.sendText(ctx, conv, e.msgs.PhotoReceived)
	e.sendText(ctx, conv, e.msgs.Analyzing)

	analysis, err := e.analyze(ctx, conv, ev.MediaRef, ev.MimeType)

	tx = e.sessions.Acquire(conv)
	if tx.ImageSeq() != seq {
		tx.Release()
		return boterr.NewIgnore("superseded by a newer image")
	}
	if err != nil {
		tx.Release()
		return err
	}
	if len(analysis.Items) == 0 {
		tx.Release()
		e.sendText(ctx, conv, e.msgs.NoItems)
		return nil
	}
	stored := tx.SetPending(analysis)
	tx.Release()

	e.log.Info().Str("conversation", conv.String()).Str("analysis", stored.ID).
		Int("items", len(stored.Items)).Msg("analysis pending")

	e.sendButtons(ctx, conv, e.msgs.ItemList(stored, false), []bus.Option{
		{ID: ReplyConfirm, Title: e.msgs.ConfirmButton},
		{ID: ReplyEdit, Title: e.msgs.EditButton},
	})
	return nil
}

func (e *Engine) analyze(ctx context.Context, conv bus.ConversationID, ref, mimeType string) (nutrition.PlateAnalysis, error) {
	if e.media == nil || e.vision == nil {
		return nutrition.PlateAnalysis{}, boterr.NewTransient("analyze", errNotConfigured)
	}

	mctx, cancel := context.WithTimeout(ctx, e.timeouts.Media)
	media, err := e.media.Download(mctx, conv, ref)
	cancel()
	if err != nil {
		return nutrition.PlateAnalysis{}, boterr.NewTransient("media download", err)
	}
	if media.MimeType == "" {
		media.MimeType = mimeType
	}

	vctx, cancel := context.WithTimeout(ctx, e.timeouts.Vision)
	analysis, err := e.vision.Analyze(vctx, media.Data, media.MimeType)
	cancel()
	if err != nil {
		return nutrition.PlateAnalysis{}, boterr.NewTransient("vision", err)
	}
	return analysis, nil
}

func (e *Engine) handleText(ctx context.Context, conv bus.ConversationID, text string) error {
	tx := e.sessions.Acquire(conv)
	cursor := tx.Cursor()
	if cursor == nil {
		tx.Release()
		e.sendText(ctx, conv, e.msgs.Greeting)
		return nil
	}

	grams, ok := ParseWeight(text)
	if !ok {
		tx.Release()
		return boterr.NewValidation("weight", text)
	}
	if err := tx.SetItemGrams(cursor.Index, grams); err != nil {
		tx.Release()
		return boterr.NewValidation("item", strconv.Itoa(cursor.Index))
	}
	pending := tx.Pending()
	tx.Release()

	e.sendText(ctx, conv, e.msgs.WeightUpdatedFor(pending.Items[cursor.Index].DisplayName, grams))
	e.sendItemMenu(ctx, conv, *pending)
	return nil
}

func (e *Engine) handleReply(ctx context.Context, conv bus.ConversationID, replyID string) error {
	replyID = strings.TrimSpace(replyID)
	switch {
	case replyID == ReplyConfirm:
		return e.confirm(ctx, conv)
	case replyID == ReplyEdit:
		return e.showEditMenu(ctx, conv)
	case strings.HasPrefix(replyID, ReplyEditItemPfx):
		return e.selectItem(ctx, conv, strings.TrimPrefix(replyID, ReplyEditItemPfx))
	default:
		return boterr.NewIgnore("unknown reply id " + replyID)
	}
}

func (e *Engine) confirm(ctx context.Context, conv bus.ConversationID) error {
	tx := e.sessions.Acquire(conv)
	pending := tx.Pending()
	tx.Clear()
	tx.Release()
	if pending == nil {
		return boterr.NewExpiredSession(ReplyConfirm)
	}

	e.sendText(ctx, conv, e.msgs.Calculating)

	ectx, cancel := context.WithTimeout(ctx, e.timeouts.Enrich)
	full := e.enrich(ectx, pending.Items)
	cancel()

	e.log.Info().Str("conversation", conv.String()).Str("analysis", pending.ID).
		Float64("kcal", full.Totals.CaloriesKcal).Msg("analysis confirmed")

	e.sendText(ctx, conv, e.msgs.Summary(full))

	if e.journal != nil {
		jctx, cancel := context.WithTimeout(ctx, e.timeouts.Send)
		if err := e.journal.Record(jctx, conv, pending.ID, full); err != nil {
			e.log.Warn().Err(err).Str("conversation", conv.String()).Msg("journal record failed")
		}
		cancel()
	}
	return nil
}

func (e *Engine) enrich(ctx context.Context, items []nutrition.FoodItem) nutrition.FullAnalysis {
	if e.enricher == nil {
		return nutrition.NewPipeline(nil).Enrich(ctx, items)
	}
	return e.enricher.Enrich(ctx, items)
}

func (e *Engine) showEditMenu(ctx context.Context, conv bus.ConversationID) error {
	tx := e.sessions.Acquire(conv)
	pending := tx.Pending()
	if pending == nil {
		tx.Clear()
		tx.Release()
		return boterr.NewExpiredSession(ReplyEdit)
	}
	tx.ClearCursor()
	tx.Release()

	e.sendItemMenu(ctx, conv, *pending)
	return nil
}

func (e *Engine) selectItem(ctx context.Context, conv bus.ConversationID, rawIndex string) error {
	tx := e.sessions.Acquire(conv)
	pending := tx.Pending()
	if pending == nil {
		tx.Clear()
		tx.Release()
		return boterr.NewExpiredSession(ReplyEditItemPfx + rawIndex)
	}

	index, err := strconv.Atoi(rawIndex)
	if err != nil || index < 0 || index >= len(pending.Items) {
		tx.Release()
		return boterr.NewValidation("item", rawIndex)
	}
	if _, err := tx.SetCursor(index); err != nil {
		tx.Release()
		return boterr.NewValidation("item", rawIndex)
	}
	tx.Release()

	e.sendText(ctx, conv, e.msgs.WeightPromptFor(pending.Items[index]))
	return nil
}

// sendItemMenu renders the pending items as a list menu: one edit row per
// item that fits, followed by the confirm row.
func (e *Engine) sendItemMenu(ctx context.Context, conv bus.ConversationID, a nutrition.PlateAnalysis) {
	rows := make([]bus.Option, 0, len(a.Items)+1)
	for i, it := range a.Items {
		if len(rows) >= e.rowLimit-1 {
			break
		}
		rows = append(rows, bus.Option{
			ID:          EditItemReply(i),
			Title:       it.DisplayName,
			Description: "~" + e.msgs.Weight(it.EstimatedGrams) + " g",
		})
	}
	rows = append(rows, bus.Option{ID: ReplyConfirm, Title: e.msgs.ConfirmRow})

	e.sendList(ctx, conv, e.msgs.ItemList(a, true), rows)
}

func (e *Engine) sendText(ctx context.Context, conv bus.ConversationID, text string) {
	if e.transport == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, e.timeouts.Send)
	defer cancel()
	if err := e.transport.SendText(sctx, conv, text); err != nil {
		e.log.Warn().Err(err).Str("conversation", conv.String()).Msg("send text failed")
	}
}

func (e *Engine) sendButtons(ctx context.Context, conv bus.ConversationID, text string, options []bus.Option) {
	if e.transport == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, e.timeouts.Send)
	defer cancel()
	if err := e.transport.SendButtons(sctx, conv, text, options); err != nil {
		e.log.Warn().Err(err).Str("conversation", conv.String()).Msg("send buttons failed")
	}
}

func (e *Engine) sendList(ctx context.Context, conv bus.ConversationID, text string, rows []bus.Option) {
	if e.transport == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, e.timeouts.Send)
	defer cancel()
	if err := e.transport.SendList(sctx, conv, text, e.msgs.ListButton, e.msgs.ListSection, rows, e.rowLimit); err != nil {
		e.log.Warn().Err(err).Str("conversation", conv.String()).Msg("send list failed")
	}
}

// Sessions exposes the store for housekeeping.
func (e *Engine) Sessions() *session.Store { return e.sessions }

// Dedup exposes the deduplicator for housekeeping.
func (e *Engine) Dedup() *dedup.Deduplicator { return e.dedup }
