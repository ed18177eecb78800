package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/nutrition"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return s
}

func riceAndBeans() nutrition.FullAnalysis {
	return nutrition.FullAnalysis{
		Items: []nutrition.EnrichedFoodItem{
			{Name: "Arroz", LookupName: "rice, white, cooked", Grams: nutrition.Float(200), Confidence: nutrition.Float(0.9),
				CaloriesKcal: 260, ProteinG: 5.4, CarbsG: 56, FatG: 0.6, Found: true},
			{Name: "Molho", LookupName: "sauce"},
		},
		Totals: nutrition.NutritionalTotals{CaloriesKcal: 260, ProteinG: 5.4, CarbsG: 56, FatG: 0.6},
	}
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv := bus.NewConversationID("whatsapp-cloud", "5511999990000")

	require.NoError(t, s.Record(ctx, conv, "01HANALYSIS", riceAndBeans()))

	meals, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, meals, 1)

	m := meals[0]
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, conv, m.Conversation)
	assert.Equal(t, "01HANALYSIS", m.AnalysisID)
	assert.Equal(t, riceAndBeans().Totals, m.Totals)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC).UnixMilli(), m.RecordedAt.UnixMilli())

	require.Len(t, m.Items, 2)
	assert.Equal(t, riceAndBeans().Items[0], m.Items[0])
	assert.Equal(t, "Molho", m.Items[1].Name)
	assert.Nil(t, m.Items[1].Grams, "absent weight stays absent")
	assert.Nil(t, m.Items[1].Confidence)
	assert.False(t, m.Items[1].Found)
}

func TestList_FilterAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	alice := bus.NewConversationID("telegram", "1")
	bob := bus.NewConversationID("telegram", "2")

	for i, conv := range []bus.ConversationID{alice, bob, alice, alice} {
		fa := nutrition.FullAnalysis{Totals: nutrition.NutritionalTotals{CaloriesKcal: float64(100 * (i + 1))}}
		require.NoError(t, s.Record(ctx, conv, "", fa))
	}

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, 400.0, all[0].Totals.CaloriesKcal, "newest first")
	assert.Equal(t, 100.0, all[3].Totals.CaloriesKcal)
	assert.Empty(t, all[0].Items)

	onlyAlice, err := s.List(ctx, ListOptions{Conversation: alice, Limit: 2})
	require.NoError(t, err)
	require.Len(t, onlyAlice, 2)
	for _, m := range onlyAlice {
		assert.Equal(t, alice, m.Conversation)
	}
	assert.Equal(t, 400.0, onlyAlice[0].Totals.CaloriesKcal)
	assert.Equal(t, 300.0, onlyAlice[1].Totals.CaloriesKcal)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRecord_CanceledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, s.Record(ctx, "telegram:1", "", riceAndBeans()))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSharedWithNutrientCache(t *testing.T) {
	s := openTestStore(t)

	cache, err := nutrition.NewCache(s.DB(), nutrition.LookupFunc(func(context.Context, string) (*nutrition.NutrientProfile100g, error) {
		return &nutrition.NutrientProfile100g{Calories: 130}, nil
	}), time.Hour)
	require.NoError(t, err)

	p, err := cache.Lookup(context.Background(), "rice")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 130.0, p.Calories)

	require.NoError(t, s.Record(context.Background(), "telegram:1", "", riceAndBeans()))
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), "telegram:1", "", riceAndBeans()))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecord_Concurrent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer s.Close()

	const writers = 40
	ctx := context.Background()
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv := bus.NewConversationID("telegram", fmt.Sprint(i%4))
			errs <- s.Record(ctx, conv, "", riceAndBeans())
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers, n)
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	first, err := s.DB().Conn(ctx)
	require.NoError(t, err)
	defer first.Close()
	second, err := s.DB().Conn(ctx)
	require.NoError(t, err)
	defer second.Close()

	for _, conn := range []*sql.Conn{first, second} {
		var fk, busy int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy))
		assert.Equal(t, 1, fk)
		assert.Equal(t, 5000, busy)
	}
}
