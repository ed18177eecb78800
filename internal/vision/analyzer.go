// Package vision asks a multimodal model to identify the foods on a plate photo.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/platebot/internal/config"
	"github.com/stellarlinkco/platebot/internal/nutrition"
)

const systemPrompt = `You are a nutritionist analysing a photo of a single meal.
Assume the food is served on a standard 26 cm dinner plate and use it as the scale reference.
List every distinct food you can see. For each one give:
- name_pt: the dish or ingredient name in Brazilian Portuguese, as a diner would say it
- name_en: a short English search term that matches USDA FoodData Central, e.g. "rice, white, cooked"
- portion_label: one of "small", "medium", "large"
- quantity_grams: your best estimate of the edible weight in grams
- confidence: 0 to 1
- reasoning: one short sentence
Distinguish preparation methods that change nutrients (fried, grilled, boiled, raw).
Do not list plates, cutlery or garnish you cannot eat.
Answer with JSON only, no prose, in the form {"items":[{...}]}. If no food is visible answer {"items":[]}.`

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 4096
)

// Completer is the part of a model the analyzer needs.
type Completer interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

type Analyzer struct {
	resolve     func(ctx context.Context) (Completer, error)
	temperature float64
	maxTokens   int
	log         zerolog.Logger
}

type Option func(*Analyzer)

func WithLogger(log zerolog.Logger) Option {
	return func(a *Analyzer) { a.log = log }
}

func WithMaxTokens(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// NewAnalyzer builds an analyzer on a model provider. The model is resolved
// lazily on each call so provider-side caching applies.
func NewAnalyzer(p model.Provider, opts ...Option) *Analyzer {
	return newAnalyzer(func(ctx context.Context) (Completer, error) {
		return p.Model(ctx)
	}, opts...)
}

// NewAnalyzerWithCompleter builds an analyzer on a fixed completer.
func NewAnalyzerWithCompleter(c Completer, opts ...Option) *Analyzer {
	return newAnalyzer(func(context.Context) (Completer, error) { return c, nil }, opts...)
}

func newAnalyzer(resolve func(context.Context) (Completer, error), opts ...Option) *Analyzer {
	a := &Analyzer{
		resolve:     resolve,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewProvider returns the model provider selected by cfg.
func NewProvider(cfg config.ProviderConfig) model.Provider {
	temp := defaultTemperature
	modelName := cfg.Model
	if modelName == "" {
		modelName = config.DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	switch cfg.Type {
	case "openai":
		return &model.OpenAIProvider{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			ModelName:   modelName,
			MaxTokens:   maxTokens,
			Temperature: &temp,
		}
	default: // "anthropic" or empty
		return &model.AnthropicProvider{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			ModelName:   modelName,
			MaxTokens:   maxTokens,
			Temperature: &temp,
		}
	}
}

// Analyze identifies the foods in an image. An image with no recognizable
// food yields an analysis with no items and a nil error.
func (a *Analyzer) Analyze(ctx context.Context, data []byte, mimeType string) (nutrition.PlateAnalysis, error) {
	if len(data) == 0 {
		return nutrition.PlateAnalysis{}, fmt.Errorf("empty image")
	}
	mimeType = imageMediaType(data, mimeType)

	m, err := a.resolve(ctx)
	if err != nil {
		return nutrition.PlateAnalysis{}, fmt.Errorf("resolve model: %w", err)
	}

	temp := a.temperature
	resp, err := m.Complete(ctx, model.Request{
		System:      systemPrompt,
		MaxTokens:   a.maxTokens,
		Temperature: &temp,
		Messages: []model.Message{{
			Role:    "user",
			Content: "Identify the foods on this plate.",
			ContentBlocks: []model.ContentBlock{{
				Type:      model.ContentBlockImage,
				MediaType: mimeType,
				Data:      base64.StdEncoding.EncodeToString(data),
			}},
		}},
	})
	if err != nil {
		return nutrition.PlateAnalysis{}, fmt.Errorf("vision completion: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Message.Content) == "" {
		return nutrition.PlateAnalysis{}, fmt.Errorf("vision completion: empty response")
	}

	analysis, err := ParseAnalysis(resp.Message.Content)
	if err != nil {
		a.log.Debug().Str("raw", truncate(resp.Message.Content, 300)).Msg("unparseable vision response")
		return nutrition.PlateAnalysis{}, err
	}
	a.log.Debug().Int("items", len(analysis.Items)).Str("stop_reason", resp.StopReason).Msg("plate analysed")
	return analysis, nil
}

type visionItem struct {
	NamePT        string   `json:"name_pt"`
	NameEN        string   `json:"name_en"`
	PortionLabel  string   `json:"portion_label"`
	QuantityGrams *float64 `json:"quantity_grams"`
	Confidence    *float64 `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
}

type visionResult struct {
	Items []visionItem `json:"items"`
}

// ParseAnalysis decodes the model's JSON answer, tolerating code fences and
// surrounding prose.
func ParseAnalysis(raw string) (nutrition.PlateAnalysis, error) {
	body := extractJSON(raw)
	if body == "" {
		return nutrition.PlateAnalysis{}, fmt.Errorf("vision response has no JSON object")
	}

	var res visionResult
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nutrition.PlateAnalysis{}, fmt.Errorf("decode vision response: %w", err)
	}

	out := nutrition.PlateAnalysis{Items: make([]nutrition.FoodItem, 0, len(res.Items))}
	for _, it := range res.Items {
		display := strings.TrimSpace(it.NamePT)
		lookup := strings.TrimSpace(it.NameEN)
		if display == "" {
			display = lookup
		}
		if lookup == "" {
			lookup = display
		}
		if display == "" {
			continue
		}
		grams := it.QuantityGrams
		if grams != nil && *grams < 0 {
			grams = nil
		}
		out.Items = append(out.Items, nutrition.FoodItem{
			DisplayName:    display,
			LookupName:     lookup,
			EstimatedGrams: grams,
			Confidence:     it.Confidence,
		})
	}
	return out, nil
}

func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.Index(s, "\n"); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func imageMediaType(data []byte, declared string) string {
	declared = strings.TrimSpace(strings.ToLower(declared))
	if i := strings.Index(declared, ";"); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	if detected := http.DetectContentType(data); strings.HasPrefix(detected, "image/") {
		return detected
	}
	return "image/jpeg"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
