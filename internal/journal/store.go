// Package journal keeps a SQLite log of confirmed meal analyses.
package journal

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/nutrition"
)

const DefaultListLimit = 20

// Meal is one confirmed analysis as stored in the journal.
type Meal struct {
	ID           string                       `json:"id"`
	Conversation bus.ConversationID           `json:"conversation"`
	AnalysisID   string                       `json:"analysis_id"`
	Items        []nutrition.EnrichedFoodItem `json:"items"`
	Totals       nutrition.NutritionalTotals  `json:"totals"`
	RecordedAt   time.Time                    `json:"recorded_at"`
}

type ListOptions struct {
	Conversation bus.ConversationID // empty lists every conversation
	Limit        int
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// dsnPragmas apply to every pooled connection, not just the first one.
const dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+filepath.ToSlash(path)+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and creates the schema. Connection pragmas
// (busy timeout, foreign keys) belong in the caller's DSN.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meals (
			id TEXT PRIMARY KEY,
			conversation TEXT NOT NULL,
			analysis_id TEXT NOT NULL DEFAULT '',
			total_calories REAL NOT NULL,
			total_protein REAL NOT NULL,
			total_carbs REAL NOT NULL,
			total_fat REAL NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_meals_conversation ON meals(conversation, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS meal_items (
			meal_id TEXT NOT NULL REFERENCES meals(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			lookup_name TEXT NOT NULL DEFAULT '',
			grams REAL,
			confidence REAL,
			calories REAL NOT NULL DEFAULT 0,
			protein REAL NOT NULL DEFAULT 0,
			carbs REAL NOT NULL DEFAULT 0,
			fat REAL NOT NULL DEFAULT 0,
			found INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (meal_id, position)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init journal schema: %w", err)
		}
	}
	return nil
}

// DB exposes the handle so other stores (the nutrient cache) can share the file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores a confirmed analysis with its items in one transaction.
func (s *Store) Record(ctx context.Context, conv bus.ConversationID, analysisID string, fa nutrition.FullAnalysis) error {
	now := s.now()
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	t := fa.Totals
	if _, err := tx.ExecContext(ctx, `INSERT INTO meals
		(id, conversation, analysis_id, total_calories, total_protein, total_carbs, total_fat, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(conv), analysisID, t.CaloriesKcal, t.ProteinG, t.CarbsG, t.FatG, now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert meal: %w", err)
	}

	for i, it := range fa.Items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meal_items
			(meal_id, position, name, lookup_name, grams, confidence, calories, protein, carbs, fat, found)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, it.Name, it.LookupName, nullFloat(it.Grams), nullFloat(it.Confidence),
			it.CaloriesKcal, it.ProteinG, it.CarbsG, it.FatG, it.Found,
		); err != nil {
			return fmt.Errorf("insert meal item %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// List returns meals newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Meal, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT id, conversation, analysis_id, total_calories, total_protein, total_carbs, total_fat, recorded_at
		FROM meals`)
	if opts.Conversation != "" {
		query.WriteString(` WHERE conversation = ?`)
		args = append(args, string(opts.Conversation))
	}
	query.WriteString(` ORDER BY recorded_at DESC, id DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query meals: %w", err)
	}
	var meals []Meal
	for rows.Next() {
		var (
			m    Meal
			conv string
			at   int64
		)
		if err := rows.Scan(&m.ID, &conv, &m.AnalysisID,
			&m.Totals.CaloriesKcal, &m.Totals.ProteinG, &m.Totals.CarbsG, &m.Totals.FatG, &at); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan meal: %w", err)
		}
		m.Conversation = bus.ConversationID(conv)
		m.RecordedAt = time.UnixMilli(at)
		meals = append(meals, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate meals: %w", err)
	}
	rows.Close()

	for i := range meals {
		items, err := s.loadItems(ctx, meals[i].ID)
		if err != nil {
			return nil, err
		}
		meals[i].Items = items
	}
	return meals, nil
}

func (s *Store) loadItems(ctx context.Context, mealID string) ([]nutrition.EnrichedFoodItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, lookup_name, grams, confidence, calories, protein, carbs, fat, found
		FROM meal_items WHERE meal_id = ? ORDER BY position`, mealID)
	if err != nil {
		return nil, fmt.Errorf("query meal items: %w", err)
	}
	defer rows.Close()

	var items []nutrition.EnrichedFoodItem
	for rows.Next() {
		var (
			it                nutrition.EnrichedFoodItem
			grams, confidence sql.NullFloat64
		)
		if err := rows.Scan(&it.Name, &it.LookupName, &grams, &confidence,
			&it.CaloriesKcal, &it.ProteinG, &it.CarbsG, &it.FatG, &it.Found); err != nil {
			return nil, fmt.Errorf("scan meal item: %w", err)
		}
		if grams.Valid {
			it.Grams = nutrition.Float(grams.Float64)
		}
		if confidence.Valid {
			it.Confidence = nutrition.Float(confidence.Float64)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Count returns the number of recorded meals.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM meals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count meals: %w", err)
	}
	return n, nil
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
