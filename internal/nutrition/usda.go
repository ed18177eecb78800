package nutrition

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// FoodData Central nutrient numbers.
const (
	nutrientEnergyKcal = "208"
	nutrientProtein    = "203"
	nutrientCarbs      = "205"
	nutrientFat        = "204"
)

const usdaMaxBody = 4 << 20

// USDAClient looks up nutrient profiles in USDA FoodData Central. It searches
// for the best match of a name and then fetches that food's macronutrients.
type USDAClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewUSDAClient(apiKey, baseURL string, httpClient *http.Client) *USDAClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &USDAClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *USDAClient) Lookup(ctx context.Context, name string) (*NutrientProfile100g, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("query", name)
	q.Set("pageSize", "1")
	body, err := c.get(ctx, c.baseURL+"/foods/search?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", name, err)
	}

	fdcID := gjson.GetBytes(body, "foods.0.fdcId")
	if !fdcID.Exists() {
		return nil, nil
	}

	q = url.Values{}
	q.Set("api_key", c.apiKey)
	for _, n := range []string{nutrientEnergyKcal, nutrientProtein, nutrientCarbs, nutrientFat} {
		q.Add("nutrients", n)
	}
	body, err = c.get(ctx, fmt.Sprintf("%s/food/%s?%s", c.baseURL, fdcID.String(), q.Encode()))
	if err != nil {
		return nil, fmt.Errorf("food %s: %w", fdcID.String(), err)
	}

	profile := parseFoodNutrients(gjson.GetBytes(body, "foodNutrients"))
	return &profile, nil
}

// parseFoodNutrients reads both the detail shape (nutrient.number, amount) and
// the abridged search shape (nutrientNumber, value).
func parseFoodNutrients(list gjson.Result) NutrientProfile100g {
	var p NutrientProfile100g
	list.ForEach(func(_, n gjson.Result) bool {
		number := n.Get("nutrient.number").String()
		if number == "" {
			number = n.Get("nutrientNumber").String()
		}
		amount := n.Get("amount")
		if !amount.Exists() {
			amount = n.Get("value")
		}
		switch number {
		case nutrientEnergyKcal:
			p.Calories = amount.Float()
		case nutrientProtein:
			p.ProteinG = amount.Float()
		case nutrientCarbs:
			p.CarbsG = amount.Float()
		case nutrientFat:
			p.FatG = amount.Float()
		}
		return true
	})
	return p
}

func (c *USDAClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, usdaMaxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return []byte("{}"), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid json response")
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
