// Package session keeps the per-conversation pending analysis and edit cursor.
//
// Every conversation has its own lock. Operations on one conversation are
// linearizable; different conversations never contend beyond a short map
// lookup.
package session

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/nutrition"
)

// EditCursor marks the item whose new weight the conversation is waiting for.
// It is only valid while the analysis it was issued for is still pending.
type EditCursor struct {
	Token      string
	Index      int
	AnalysisID string
}

type state struct {
	pending  *nutrition.PlateAnalysis
	cursor   *EditCursor
	imageSeq uint64
	touched  time.Time
}

type entry struct {
	mu   sync.Mutex
	refs int // guarded by Store.mu
	st   state
}

type Store struct {
	mu      sync.Mutex
	entries map[bus.ConversationID]*entry
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		entries: make(map[bus.ConversationID]*entry),
		now:     time.Now,
	}
}

// Acquire locks the conversation and returns a handle for a multi-step
// read-modify-write. The caller must call Release.
func (s *Store) Acquire(id bus.ConversationID) *Tx {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	e.st.touched = s.now()
	return &Tx{store: s, id: id, e: e}
}

// Tx is exclusive access to one conversation's session.
type Tx struct {
	store *Store
	id    bus.ConversationID
	e     *entry
	done  bool
}

func (tx *Tx) ID() bus.ConversationID { return tx.id }

func (tx *Tx) Release() {
	if tx.done {
		return
	}
	tx.done = true
	tx.e.mu.Unlock()

	tx.store.mu.Lock()
	tx.e.refs--
	tx.store.mu.Unlock()
}

// Pending returns a copy of the pending analysis, or nil.
func (tx *Tx) Pending() *nutrition.PlateAnalysis {
	if tx.e.st.pending == nil {
		return nil
	}
	c := tx.e.st.pending.Clone()
	return &c
}

// SetPending stores a copy of a under a fresh analysis id, replacing any
// previous analysis and clearing the edit cursor.
func (tx *Tx) SetPending(a nutrition.PlateAnalysis) nutrition.PlateAnalysis {
	c := a.Clone()
	c.ID = newID(tx.store.now())
	tx.e.st.pending = &c
	tx.e.st.cursor = nil
	return c.Clone()
}

// SetItemGrams updates one item's weight in place. The analysis keeps its id;
// the edit cursor is cleared.
func (tx *Tx) SetItemGrams(index int, grams float64) error {
	p := tx.e.st.pending
	if p == nil {
		return fmt.Errorf("no pending analysis")
	}
	if index < 0 || index >= len(p.Items) {
		return fmt.Errorf("item index %d out of range [0,%d)", index, len(p.Items))
	}
	p.Items[index].EstimatedGrams = nutrition.Float(grams)
	tx.e.st.cursor = nil
	return nil
}

// Cursor returns the edit cursor if it is still bound to the pending analysis.
func (tx *Tx) Cursor() *EditCursor {
	c := tx.e.st.cursor
	p := tx.e.st.pending
	if c == nil || p == nil || c.AnalysisID != p.ID || c.Index >= len(p.Items) {
		tx.e.st.cursor = nil
		return nil
	}
	cc := *c
	return &cc
}

// SetCursor issues a new edit cursor for item index of the pending analysis.
func (tx *Tx) SetCursor(index int) (EditCursor, error) {
	p := tx.e.st.pending
	if p == nil {
		return EditCursor{}, fmt.Errorf("no pending analysis")
	}
	if index < 0 || index >= len(p.Items) {
		return EditCursor{}, fmt.Errorf("item index %d out of range [0,%d)", index, len(p.Items))
	}
	c := EditCursor{Token: newID(tx.store.now()), Index: index, AnalysisID: p.ID}
	tx.e.st.cursor = &c
	return c, nil
}

func (tx *Tx) ClearCursor() {
	tx.e.st.cursor = nil
}

// Clear drops the pending analysis and the cursor.
func (tx *Tx) Clear() {
	tx.e.st.pending = nil
	tx.e.st.cursor = nil
}

// BeginImage starts a new image generation and returns its sequence number.
// A vision result may only be committed while ImageSeq still equals it.
func (tx *Tx) BeginImage() uint64 {
	tx.e.st.imageSeq++
	return tx.e.st.imageSeq
}

func (tx *Tx) ImageSeq() uint64 {
	return tx.e.st.imageSeq
}

func (s *Store) GetPending(id bus.ConversationID) *nutrition.PlateAnalysis {
	tx := s.Acquire(id)
	defer tx.Release()
	return tx.Pending()
}

func (s *Store) SetPending(id bus.ConversationID, a nutrition.PlateAnalysis) nutrition.PlateAnalysis {
	tx := s.Acquire(id)
	defer tx.Release()
	return tx.SetPending(a)
}

func (s *Store) GetEditCursor(id bus.ConversationID) *EditCursor {
	tx := s.Acquire(id)
	defer tx.Release()
	return tx.Cursor()
}

func (s *Store) SetEditCursor(id bus.ConversationID, index int) (EditCursor, error) {
	tx := s.Acquire(id)
	defer tx.Release()
	return tx.SetCursor(index)
}

func (s *Store) ClearEditCursor(id bus.ConversationID) {
	tx := s.Acquire(id)
	defer tx.Release()
	tx.ClearCursor()
}

func (s *Store) Clear(id bus.ConversationID) {
	tx := s.Acquire(id)
	defer tx.Release()
	tx.Clear()
}

// Sweep removes sessions idle for longer than ttl that nobody holds, and
// returns how many were removed.
func (s *Store) Sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.refs > 0 {
			continue
		}
		// refs == 0 under s.mu means nobody holds or is waiting for e.mu.
		if e.st.touched.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func newID(now time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
