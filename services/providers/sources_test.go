package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"go_market_core/coreerrors"
	"go_market_core/models"
)

func TestQuoteCompleteness(t *testing.T) {
	require.Equal(t, 1.0, quoteCompleteness(118.2, 120, 117.9, 119.5, 1200000, true))
	require.InDelta(t, 5.0/6.0, quoteCompleteness(118.2, 120, 117.9, 119.5, 1200000, false), 1e-9)
	require.InDelta(t, 2.0/6.0, quoteCompleteness(0, 0, 0, 119.5, 1200000, false), 1e-9)
	require.Equal(t, 0.0, quoteCompleteness(0, 0, 0, 0, 0, false))
}

func TestSampleReadingDeterministic(t *testing.T) {
	spec := models.QuantitySpec{ID: "price:FPT", Kind: models.QuantityKindQuote, Symbol: "FPT"}
	start := time.Unix(1700000000, 0)

	first := sampleReading("vndirect", spec, start)
	second := sampleReading("vndirect", spec, start)

	require.True(t, first.Value.Equal(second.Value))
	require.True(t, first.Value.IsPositive())
	require.Equal(t, "vndirect", first.Provider)
	require.Equal(t, "price:FPT", first.QuantityID)
	require.Equal(t, 1.0, first.Completeness)

	other := sampleReading("vndirect", models.QuantitySpec{ID: "price:VNM", Kind: models.QuantityKindQuote, Symbol: "VNM"}, start)
	require.False(t, first.Value.Equal(other.Value))
}

func TestVNDirectFetchParsesQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "code:FPT", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"code":"FPT","date":"2026-08-25","open":118.2,"high":120.0,"low":117.9,"close":119.5,"nmVolume":1200000}]}`))
	}))
	defer srv.Close()

	src := NewVNDirectSource()
	src.BaseURL = srv.URL

	reading, err := src.Fetch(context.Background(), models.QuantitySpec{ID: "price:FPT", Kind: models.QuantityKindQuote, Symbol: "FPT"})
	require.NoError(t, err)
	require.Equal(t, "vndirect", reading.Provider)
	require.Equal(t, "price:FPT", reading.QuantityID)
	require.True(t, decimal.NewFromFloat(119.5).Equal(reading.Value))
	require.Equal(t, 1.0, reading.Completeness)
	require.False(t, reading.ObservedAt.IsZero())
}

func TestVNDirectFetchNoRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	src := NewVNDirectSource()
	src.BaseURL = srv.URL

	_, err := src.Fetch(context.Background(), models.QuantitySpec{ID: "price:FPT", Symbol: "FPT"})
	require.Error(t, err)
	require.True(t, coreerrors.IsProvider(err))
}

func TestTCBSFetchParsesQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "VNM", r.URL.Query().Get("tickers"))
		_, _ = w.Write([]byte(`{"data":[{"ticker":"VNM","exchange":"HOSE","price":60.4,"openPrice":60.0,"highestPrice":61.0,"lowestPrice":59.8,"vol":900000}]}`))
	}))
	defer srv.Close()

	src := NewTCBSSource()
	src.BaseURL = srv.URL

	reading, err := src.Fetch(context.Background(), models.QuantitySpec{ID: "price:VNM", Symbol: "VNM"})
	require.NoError(t, err)
	require.Equal(t, "tcbs", reading.Provider)
	require.True(t, decimal.NewFromFloat(60.4).Equal(reading.Value))
	// TCBS never reports an observation timestamp, so one field stays unpopulated.
	require.InDelta(t, 5.0/6.0, reading.Completeness, 1e-9)
}

func TestFetchFallsBackToSampleWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	src := NewTCBSSource()
	src.BaseURL = deadURL

	reading, err := src.Fetch(context.Background(), models.QuantitySpec{ID: "price:HPG", Kind: models.QuantityKindQuote, Symbol: "HPG"})
	require.NoError(t, err)
	require.Equal(t, "tcbs", reading.Provider)
	require.True(t, reading.Value.IsPositive())
	require.Equal(t, 1.0, reading.Completeness)
}

func TestSSIFetchFiltersBoard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"ss":"VNM","st":"hose","mp":60.1,"op":60.0,"hp":61.0,"lp":59.8,"tvol":900000},{"ss":"FPT","st":"hose","mp":119.5,"op":118.2,"hp":120.0,"lp":117.9,"tvol":1200000}]}`))
	}))
	defer srv.Close()

	src := NewSSISource()
	src.BaseURL = srv.URL + "/"

	reading, err := src.Fetch(context.Background(), models.QuantitySpec{ID: "price:FPT", Symbol: "FPT"})
	require.NoError(t, err)
	require.Equal(t, "ssi", reading.Provider)
	require.True(t, decimal.NewFromFloat(119.5).Equal(reading.Value))

	_, err = src.Fetch(context.Background(), models.QuantitySpec{ID: "price:ACB", Symbol: "ACB"})
	require.Error(t, err)
	require.True(t, coreerrors.IsProvider(err))
}

func TestGetJSONRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var out map[string]interface{}
	err := getJSON(context.Background(), newHTTPClient(), srv.URL, &out)
	require.Error(t, err)
	require.True(t, coreerrors.IsRateLimit(err))
}

func TestRegistryProvidersSorted(t *testing.T) {
	reg := NewDefaultRegistry()
	require.Equal(t, []string{"ssi", "tcbs", "vndirect"}, reg.Providers())
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Fetch(context.Background(), "ghost", models.QuantitySpec{ID: "price:FPT", Symbol: "FPT"})
	require.Error(t, err)
	require.True(t, coreerrors.IsProvider(err))
	require.Equal(t, "unknown", reg.State("ghost"))
}

type failingSource struct {
	name  string
	calls int
}

func (f *failingSource) Name() string { return f.name }

func (f *failingSource) Fetch(ctx context.Context, spec models.QuantitySpec) (models.SourceReading, error) {
	f.calls++
	return models.SourceReading{}, coreerrors.Providerf("upstream down")
}

func TestRegistryBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	src := &failingSource{name: "flaky"}
	reg := NewRegistry(src)
	spec := models.QuantitySpec{ID: "price:FPT", Symbol: "FPT"}

	require.Equal(t, "healthy", reg.State("flaky"))

	for i := 0; i < 5; i++ {
		_, err := reg.Fetch(context.Background(), "flaky", spec)
		require.Error(t, err)
	}
	require.Equal(t, "breaker-open", reg.State("flaky"))

	// Open breaker short-circuits without touching the source.
	_, err := reg.Fetch(context.Background(), "flaky", spec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "circuit open")
	require.Equal(t, 5, src.calls)
}
