// Package messages renders all user-facing text from a YAML catalog.
package messages

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/platebot/internal/nutrition"
)

//go:embed messages.yaml
var defaultCatalog []byte

// DefaultYAML returns the built-in catalog, e.g. for writing an editable copy.
func DefaultYAML() []byte {
	return append([]byte(nil), defaultCatalog...)
}

type Catalog struct {
	PhotoReceived  string `yaml:"photo_received"`
	Analyzing      string `yaml:"analyzing"`
	Calculating    string `yaml:"calculating"`
	Greeting       string `yaml:"greeting"`
	PhotosOnly     string `yaml:"photos_only"`
	NoItems        string `yaml:"no_items"`
	AnalysisFailed string `yaml:"analysis_failed"`
	Expired        string `yaml:"expired"`
	InvalidItem    string `yaml:"invalid_item"`
	WeightPrompt   string `yaml:"weight_prompt"`
	WeightUpdated  string `yaml:"weight_updated"`
	WeightInvalid  string `yaml:"weight_invalid"`

	ConfirmButton string `yaml:"confirm_button"`
	EditButton    string `yaml:"edit_button"`
	ListButton    string `yaml:"list_button"`
	ListSection   string `yaml:"list_section"`
	ConfirmRow    string `yaml:"confirm_row"`

	ItemsHeader   string `yaml:"items_header"`
	ItemLine      string `yaml:"item_line"`
	ButtonsFooter string `yaml:"buttons_footer"`
	ListFooter    string `yaml:"list_footer"`

	SummaryTitle string `yaml:"summary_title"`
	SummaryItem  string `yaml:"summary_item"`
	CaloriesLine string `yaml:"calories_line"`
	CarbsLine    string `yaml:"carbs_line"`
	ProteinLine  string `yaml:"protein_line"`
	FatLine      string `yaml:"fat_line"`
	NoNutrition  string `yaml:"no_nutrition"`
	Separator    string `yaml:"separator"`
	TotalsTitle  string `yaml:"totals_title"`

	printer *message.Printer
}

// Load returns the built-in catalog with the entries of overridePath, if any,
// laid over it. Numbers are formatted for locale.
func Load(overridePath, locale string) (*Catalog, error) {
	c := &Catalog{}
	if err := yaml.Unmarshal(defaultCatalog, c); err != nil {
		return nil, fmt.Errorf("parse built-in catalog: %w", err)
	}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("read message catalog: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse message catalog %s: %w", overridePath, err)
		}
	}

	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.BrazilianPortuguese
	}
	c.printer = message.NewPrinter(tag)
	return c, nil
}

// MustDefault returns the built-in pt-BR catalog and panics if it is broken.
func MustDefault() *Catalog {
	c, err := Load("", "pt-BR")
	if err != nil {
		panic(err)
	}
	return c
}

func fill(tmpl string, kv ...string) string {
	return strings.NewReplacer(kv...).Replace(tmpl)
}

func (c *Catalog) number(format string, v float64) string {
	return c.printer.Sprintf(format, v)
}

// Grams renders a weight rounded to whole grams.
func (c *Catalog) Grams(g float64) string {
	return c.number("%.0f", g)
}

// Weight renders an optional weight; an unknown one shows as "?".
func (c *Catalog) Weight(g *float64) string {
	if g == nil {
		return "?"
	}
	return c.Grams(*g)
}

// ItemList renders the proposed items. listFooter selects the footer used
// with the list menu instead of the confirm/edit buttons.
func (c *Catalog) ItemList(a nutrition.PlateAnalysis, listFooter bool) string {
	var sb strings.Builder
	sb.WriteString(c.ItemsHeader)
	sb.WriteString("\n")
	for _, it := range a.Items {
		sb.WriteString(fill(c.ItemLine, "{name}", it.DisplayName, "{grams}", c.Weight(it.EstimatedGrams)))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	if listFooter {
		sb.WriteString(c.ListFooter)
	} else {
		sb.WriteString(c.ButtonsFooter)
	}
	return sb.String()
}

func (c *Catalog) WeightPromptFor(it nutrition.FoodItem) string {
	return fill(c.WeightPrompt, "{name}", it.DisplayName, "{grams}", c.Weight(it.EstimatedGrams))
}

func (c *Catalog) WeightUpdatedFor(name string, grams float64) string {
	return fill(c.WeightUpdated, "{name}", name, "{grams}", c.Grams(grams))
}

// Summary renders the confirmed breakdown followed by the totals.
func (c *Catalog) Summary(fa nutrition.FullAnalysis) string {
	var sb strings.Builder
	sb.WriteString(c.SummaryTitle)
	sb.WriteString("\n\n")
	for _, it := range fa.Items {
		sb.WriteString(fill(c.SummaryItem, "{name}", it.Name, "{grams}", c.Weight(it.Grams)))
		sb.WriteString("\n")
		if it.Found {
			c.writeNutrients(&sb, it.CaloriesKcal, it.CarbsG, it.ProteinG, it.FatG)
		} else {
			sb.WriteString(c.NoNutrition)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(c.Separator)
	sb.WriteString("\n")
	sb.WriteString(c.TotalsTitle)
	sb.WriteString("\n")
	t := fa.Totals
	c.writeNutrients(&sb, t.CaloriesKcal, t.CarbsG, t.ProteinG, t.FatG)
	return strings.TrimRight(sb.String(), "\n")
}

func (c *Catalog) writeNutrients(sb *strings.Builder, kcal, carbs, protein, fat float64) {
	for _, line := range []string{
		fill(c.CaloriesLine, "{value}", c.number("%.0f", kcal)),
		fill(c.CarbsLine, "{value}", c.number("%.1f", carbs)),
		fill(c.ProteinLine, "{value}", c.number("%.1f", protein)),
		fill(c.FatLine, "{value}", c.number("%.1f", fat)),
	} {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
}
