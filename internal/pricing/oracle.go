package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPOracle fetches prices from an external price service returning
// {"prices": {"<asset>": "<usd price>"}} for a comma-separated asset
// list. Prices arrive as strings so no float precision is lost in
// transit.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

// NewHTTPOracle creates an oracle client for the given endpoint.
func NewHTTPOracle(baseURL string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (o *HTTPOracle) TokenPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	if len(assets) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	u := o.baseURL + "?assets=" + url.QueryEscape(strings.Join(assets, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var body struct {
		Prices map[string]string `json:"prices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("oracle response: %w", err)
	}

	prices := make(map[string]decimal.Decimal, len(body.Prices))
	for asset, raw := range body.Prices {
		p, err := decimal.NewFromString(raw)
		if err != nil || p.IsNegative() {
			continue // unparseable or junk price, skip the asset
		}
		prices[asset] = p
	}
	return prices, nil
}
