// Package nutrition holds the plate analysis model and turns identified food
// items into scaled nutrient breakdowns.
package nutrition

// FoodItem is one food the vision model identified on the plate.
type FoodItem struct {
	DisplayName    string   `json:"name"`
	LookupName     string   `json:"lookup_name"`
	EstimatedGrams *float64 `json:"quantity_grams,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
}

// Grams returns the estimated weight, treating an absent estimate as zero.
func (f FoodItem) Grams() float64 {
	if f.EstimatedGrams == nil {
		return 0
	}
	return *f.EstimatedGrams
}

// PlateAnalysis is the ordered item list proposed for one photo. Menu
// positions and edit indices refer to this order.
type PlateAnalysis struct {
	ID    string     `json:"id,omitempty"`
	Items []FoodItem `json:"items"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (p PlateAnalysis) Clone() PlateAnalysis {
	out := PlateAnalysis{ID: p.ID, Items: make([]FoodItem, len(p.Items))}
	for i, it := range p.Items {
		out.Items[i] = FoodItem{
			DisplayName:    it.DisplayName,
			LookupName:     it.LookupName,
			EstimatedGrams: clonePtr(it.EstimatedGrams),
			Confidence:     clonePtr(it.Confidence),
		}
	}
	return out
}

// NutrientProfile100g is the nutrient content of 100 g of a food.
type NutrientProfile100g struct {
	Calories float64 `json:"calories_kcal"`
	ProteinG float64 `json:"protein_g"`
	CarbsG   float64 `json:"carbohydrates_g"`
	FatG     float64 `json:"fat_g"`
}

// EnrichedFoodItem is a FoodItem with nutrients scaled to its weight. Found is
// false when the reference had no data or the lookup failed; the nutrient
// fields are then zero.
type EnrichedFoodItem struct {
	Name         string   `json:"name"`
	LookupName   string   `json:"lookup_name"`
	Grams        *float64 `json:"quantity_grams"`
	Confidence   *float64 `json:"confidence"`
	CaloriesKcal float64  `json:"calories_kcal"`
	ProteinG     float64  `json:"protein_g"`
	CarbsG       float64  `json:"carbohydrates_g"`
	FatG         float64  `json:"fat_g"`
	Found        bool     `json:"found"`
}

type NutritionalTotals struct {
	CaloriesKcal float64 `json:"total_calories_kcal"`
	ProteinG     float64 `json:"total_protein_g"`
	CarbsG       float64 `json:"total_carbohydrates_g"`
	FatG         float64 `json:"total_fat_g"`
}

func (t *NutritionalTotals) add(it EnrichedFoodItem) {
	t.CaloriesKcal += it.CaloriesKcal
	t.ProteinG += it.ProteinG
	t.CarbsG += it.CarbsG
	t.FatG += it.FatG
}

// FullAnalysis is the confirmed, enriched result. Totals is the pointwise sum
// over Items.
type FullAnalysis struct {
	Items  []EnrichedFoodItem `json:"items"`
	Totals NutritionalTotals  `json:"totals"`
}

// Scale converts a per-100g profile to the given weight.
func Scale(p NutrientProfile100g, grams float64) NutrientProfile100g {
	ratio := grams / 100
	return NutrientProfile100g{
		Calories: p.Calories * ratio,
		ProteinG: p.ProteinG * ratio,
		CarbsG:   p.CarbsG * ratio,
		FatG:     p.FatG * ratio,
	}
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
