package nutrition

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Lookup resolves the per-100g nutrient profile of a canonical food name.
// A nil profile with a nil error means the reference has no data for it.
type Lookup interface {
	Lookup(ctx context.Context, name string) (*NutrientProfile100g, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, name string) (*NutrientProfile100g, error)

func (f LookupFunc) Lookup(ctx context.Context, name string) (*NutrientProfile100g, error) {
	return f(ctx, name)
}

const DefaultLookupTimeout = 10 * time.Second

// Pipeline enriches food items with scaled nutrients, one concurrent lookup
// per item.
type Pipeline struct {
	lookup  Lookup
	timeout time.Duration
	limit   int
	log     zerolog.Logger
}

type PipelineOption func(*Pipeline)

// WithLookupTimeout bounds each individual lookup.
func WithLookupTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxParallel caps concurrent lookups. Zero or negative means one
// goroutine per item.
func WithMaxParallel(n int) PipelineOption {
	return func(p *Pipeline) { p.limit = n }
}

func WithLogger(log zerolog.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

func NewPipeline(lookup Lookup, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		lookup:  lookup,
		timeout: DefaultLookupTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enrich never fails. A lookup that errors, times out or finds nothing yields
// an item with Found=false and zero nutrients; the other items are unaffected.
// Output order matches input order.
func (p *Pipeline) Enrich(ctx context.Context, items []FoodItem) FullAnalysis {
	out := FullAnalysis{Items: make([]EnrichedFoodItem, len(items))}

	var g errgroup.Group
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}
	for i, item := range items {
		g.Go(func() error {
			out.Items[i] = p.enrichOne(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	for _, it := range out.Items {
		out.Totals.add(it)
	}
	return out
}

func (p *Pipeline) enrichOne(ctx context.Context, item FoodItem) EnrichedFoodItem {
	e := EnrichedFoodItem{
		Name:       item.DisplayName,
		LookupName: item.LookupName,
		Grams:      clonePtr(item.EstimatedGrams),
		Confidence: clonePtr(item.Confidence),
	}
	if p.lookup == nil || item.LookupName == "" {
		return e
	}

	lctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	profile, err := p.lookup.Lookup(lctx, item.LookupName)
	if err != nil {
		p.log.Warn().Err(err).Str("food", item.LookupName).Msg("nutrient lookup failed")
		return e
	}
	if profile == nil {
		p.log.Debug().Str("food", item.LookupName).Msg("no nutrient data")
		return e
	}

	scaled := Scale(*profile, item.Grams())
	e.CaloriesKcal = scaled.Calories
	e.ProteinG = scaled.ProteinG
	e.CarbsG = scaled.CarbsG
	e.FatG = scaled.FatG
	e.Found = true
	return e
}
