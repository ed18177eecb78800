package nutrition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultFetchTimeout = 30 * time.Second

// Cache memoizes an upstream Lookup in SQLite. Found and not-found answers
// are cached for the TTL; errors are never cached. Concurrent lookups of the
// same name share one upstream call, which runs detached from any single
// caller's context and is bounded by the fetch timeout instead.
type Cache struct {
	db           *sql.DB
	inner        Lookup
	ttl          time.Duration
	fetchTimeout time.Duration
	group        singleflight.Group
	now          func() time.Time
}

type CacheOption func(*Cache)

// WithFetchTimeout bounds the shared upstream call.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func NewCache(db *sql.DB, inner Lookup, ttl time.Duration, opts ...CacheOption) (*Cache, error) {
	c := &Cache{db: db, inner: inner, ttl: ttl, fetchTimeout: defaultFetchTimeout, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS nutrient_cache (
		name TEXT PRIMARY KEY,
		found INTEGER NOT NULL,
		calories REAL NOT NULL DEFAULT 0,
		protein REAL NOT NULL DEFAULT 0,
		carbs REAL NOT NULL DEFAULT 0,
		fat REAL NOT NULL DEFAULT 0,
		fetched_at INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("init nutrient cache: %w", err)
	}
	return c, nil
}

func cacheKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (c *Cache) Lookup(ctx context.Context, name string) (*NutrientProfile100g, error) {
	key := cacheKey(name)
	if key == "" {
		return nil, nil
	}

	if p, hit, err := c.get(ctx, key); err == nil && hit {
		return p, nil
	}

	done := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		p, err := c.inner.Lookup(fctx, name)
		if err != nil {
			return nil, err
		}
		// Write errors are dropped; the next lookup refetches.
		_ = c.put(fctx, key, p)
		return p, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	p, _ := res.Val.(*NutrientProfile100g)
	if p == nil {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (c *Cache) get(ctx context.Context, key string) (*NutrientProfile100g, bool, error) {
	var (
		found     bool
		p         NutrientProfile100g
		fetchedAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT found, calories, protein, carbs, fat, fetched_at FROM nutrient_cache WHERE name = ?`, key,
	).Scan(&found, &p.Calories, &p.ProteinG, &p.CarbsG, &p.FatG, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if c.ttl > 0 && c.now().Sub(time.Unix(fetchedAt, 0)) > c.ttl {
		return nil, false, nil
	}
	if !found {
		return nil, true, nil
	}
	return &p, true, nil
}

func (c *Cache) put(ctx context.Context, key string, p *NutrientProfile100g) error {
	var v NutrientProfile100g
	if p != nil {
		v = *p
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO nutrient_cache (name, found, calories, protein, carbs, fat, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET found = excluded.found, calories = excluded.calories,
			protein = excluded.protein, carbs = excluded.carbs, fat = excluded.fat, fetched_at = excluded.fetched_at`,
		key, p != nil, v.Calories, v.ProteinG, v.CarbsG, v.FatG, c.now().Unix())
	return err
}

// Purge deletes entries older than the TTL and returns how many were removed.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	res, err := c.db.ExecContext(ctx, `DELETE FROM nutrient_cache WHERE fetched_at < ?`, c.now().Add(-c.ttl).Unix())
	if err != nil {
		return 0, fmt.Errorf("purge nutrient cache: %w", err)
	}
	return res.RowsAffected()
}
