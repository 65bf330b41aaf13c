package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"go_market_core/coreerrors"
	"go_market_core/models"
)

// Builtin job types
const (
	TypeQuoteRefresh = "quote_refresh"
	TypeIndexPulse   = "index_pulse"
	TypeMovementScan = "movement_scan"
)

// DefaultIndexSymbol is the index tracked when params name none.
const DefaultIndexSymbol = "VNINDEX"

// SnapshotSink persists the fused quotes a refresh run produces.
type SnapshotSink interface {
	EnsureInstrument(symbol string) error
	SaveInstrumentSnapshot(snap models.InstrumentSnapshot) error
}

// IndexObserver receives fused index levels and reports the volatility
// they imply.
type IndexObserver interface {
	Observe(level decimal.Decimal)
	VolatilityIndex() float64
}

// Runner is the per-execution contract a catalog job satisfies: declare
// the logical quantities, then compute a result from their fused values.
type Runner interface {
	Quantities() []models.QuantitySpec
	Compute(ctx context.Context, fused map[string]models.FusedValue) (string, error)
}

// Catalog builds runnable jobs from stored definitions.
type Catalog struct {
	sink     SnapshotSink
	observer IndexObserver
}

// NewCatalog creates a job catalog. The sink and observer may be nil;
// jobs then skip the corresponding side effects.
func NewCatalog(sink SnapshotSink, observer IndexObserver) *Catalog {
	return &Catalog{sink: sink, observer: observer}
}

// Types lists the job types the catalog can build.
func (c *Catalog) Types() []string {
	return []string{TypeQuoteRefresh, TypeIndexPulse, TypeMovementScan}
}

// Build constructs the runner for a definition. Unknown types and
// invalid params fail registration with a configuration error.
func (c *Catalog) Build(def models.JobDefinition) (Runner, error) {
	switch def.Type {
	case TypeQuoteRefresh:
		return c.buildQuoteRefresh(def)
	case TypeIndexPulse:
		return c.buildIndexPulse(def)
	case TypeMovementScan:
		return c.buildMovementScan(def)
	default:
		return nil, coreerrors.Configurationf("unknown job type %q", def.Type)
	}
}

// ==================== quote_refresh ====================

type quoteRefreshParams struct {
	Symbols  []string `json:"symbols"`
	Strategy string   `json:"strategy"`
}

// QuoteRefreshJob fetches and fuses a quote per configured symbol and
// feeds the results into instrument snapshots.
type QuoteRefreshJob struct {
	symbols  []string
	strategy string
	sink     SnapshotSink

	mu        sync.Mutex
	lastPrice map[string]decimal.Decimal
}

func (c *Catalog) buildQuoteRefresh(def models.JobDefinition) (Runner, error) {
	var params quoteRefreshParams
	if err := parseParams(def, &params); err != nil {
		return nil, err
	}

	symbols, err := normalizeSymbols(def.ID, params.Symbols)
	if err != nil {
		return nil, err
	}
	strategy, err := resolveStrategy(def.ID, params.Strategy, models.StrategyConsensus)
	if err != nil {
		return nil, err
	}

	if c.sink != nil {
		for _, symbol := range symbols {
			if err := c.sink.EnsureInstrument(symbol); err != nil {
				log.Warn().Str("symbol", symbol).Err(err).Msg("Failed to register instrument")
			}
		}
	}

	return &QuoteRefreshJob{
		symbols:   symbols,
		strategy:  strategy,
		sink:      c.sink,
		lastPrice: make(map[string]decimal.Decimal),
	}, nil
}

// Quantities declares one quote per symbol.
func (j *QuoteRefreshJob) Quantities() []models.QuantitySpec {
	specs := make([]models.QuantitySpec, 0, len(j.symbols))
	for _, symbol := range j.symbols {
		specs = append(specs, models.QuantitySpec{
			ID:       quoteQuantityID(symbol),
			Kind:     models.QuantityKindQuote,
			Symbol:   symbol,
			Strategy: j.strategy,
		})
	}
	return specs
}

// Compute turns the fused quotes into instrument snapshots.
func (j *QuoteRefreshJob) Compute(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
	refreshed := 0
	for _, symbol := range j.symbols {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		fv, ok := fused[quoteQuantityID(symbol)]
		if !ok {
			continue
		}

		change, changePercent := j.delta(symbol, fv.Value)
		refreshed++

		if j.sink == nil {
			continue
		}
		snap := models.InstrumentSnapshot{
			Symbol:        symbol,
			Price:         fv.Value,
			Change:        change,
			ChangePercent: changePercent,
			SourceCount:   fv.ContributingCount,
			Discrepancy:   fv.MaxDiscrepancy,
		}
		if err := j.sink.SaveInstrumentSnapshot(snap); err != nil {
			log.Warn().Str("symbol", symbol).Err(err).Msg("Failed to save instrument snapshot")
		}
	}

	if refreshed == 0 {
		return "", coreerrors.Qualityf("no quotes resolved for %d symbols", len(j.symbols))
	}
	return fmt.Sprintf("refreshed %d/%d quotes", refreshed, len(j.symbols)), nil
}

// delta computes the move against the previous run's fused price.
func (j *QuoteRefreshJob) delta(symbol string, price decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	j.mu.Lock()
	defer j.mu.Unlock()

	last, ok := j.lastPrice[symbol]
	j.lastPrice[symbol] = price

	if !ok || !last.IsPositive() {
		return decimal.Zero, decimal.Zero
	}

	change := price.Sub(last)
	changePercent := change.Div(last).Mul(decimal.NewFromInt(100))
	return change, changePercent
}

// ==================== index_pulse ====================

type indexPulseParams struct {
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
}

// IndexPulseJob fuses the index level and pushes it into the volatility
// tracker.
type IndexPulseJob struct {
	symbol   string
	strategy string
	observer IndexObserver
}

func (c *Catalog) buildIndexPulse(def models.JobDefinition) (Runner, error) {
	var params indexPulseParams
	if err := parseParams(def, &params); err != nil {
		return nil, err
	}

	symbol := strings.ToUpper(strings.TrimSpace(params.Symbol))
	if symbol == "" {
		symbol = DefaultIndexSymbol
	}
	strategy, err := resolveStrategy(def.ID, params.Strategy, models.StrategyWeightedAverage)
	if err != nil {
		return nil, err
	}

	return &IndexPulseJob{
		symbol:   symbol,
		strategy: strategy,
		observer: c.observer,
	}, nil
}

// Quantities declares the single index level.
func (j *IndexPulseJob) Quantities() []models.QuantitySpec {
	return []models.QuantitySpec{{
		ID:       indexQuantityID(j.symbol),
		Kind:     models.QuantityKindIndex,
		Symbol:   j.symbol,
		Strategy: j.strategy,
	}}
}

// Compute feeds the fused level into the tracker and reports the
// volatility it implies.
func (j *IndexPulseJob) Compute(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
	fv, ok := fused[indexQuantityID(j.symbol)]
	if !ok {
		return "", coreerrors.Qualityf("index level for %s did not resolve", j.symbol)
	}

	if j.observer == nil {
		return fmt.Sprintf("index %s at %s", j.symbol, fv.Value.StringFixed(2)), nil
	}

	j.observer.Observe(fv.Value)
	return fmt.Sprintf("index %s at %s, volatility %.2f",
		j.symbol, fv.Value.StringFixed(2), j.observer.VolatilityIndex()), nil
}

// ==================== movement_scan ====================

type movementScanParams struct {
	Symbols          []string `json:"symbols"`
	ThresholdPercent float64  `json:"threshold_percent"`
}

// MovementScanJob flags symbols whose fused quote moved beyond the
// threshold since the previous run.
type MovementScanJob struct {
	symbols   []string
	threshold decimal.Decimal

	mu        sync.Mutex
	lastPrice map[string]decimal.Decimal
}

func (c *Catalog) buildMovementScan(def models.JobDefinition) (Runner, error) {
	var params movementScanParams
	if err := parseParams(def, &params); err != nil {
		return nil, err
	}

	symbols, err := normalizeSymbols(def.ID, params.Symbols)
	if err != nil {
		return nil, err
	}
	if params.ThresholdPercent < 0 {
		return nil, coreerrors.Configurationf(
			"job %s threshold_percent must not be negative", def.ID)
	}
	threshold := decimal.NewFromFloat(params.ThresholdPercent)
	if threshold.IsZero() {
		threshold = decimal.NewFromInt(2)
	}

	return &MovementScanJob{
		symbols:   symbols,
		threshold: threshold,
		lastPrice: make(map[string]decimal.Decimal),
	}, nil
}

// Quantities declares one optional quote per symbol; a symbol that
// fails to resolve drops out of the scan instead of failing it.
func (j *MovementScanJob) Quantities() []models.QuantitySpec {
	specs := make([]models.QuantitySpec, 0, len(j.symbols))
	for _, symbol := range j.symbols {
		specs = append(specs, models.QuantitySpec{
			ID:       quoteQuantityID(symbol),
			Kind:     models.QuantityKindQuote,
			Symbol:   symbol,
			Strategy: models.StrategyHighestQuality,
			Optional: true,
		})
	}
	return specs
}

// Compute counts the symbols that moved beyond the threshold.
func (j *MovementScanJob) Compute(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	hundred := decimal.NewFromInt(100)
	baseline := len(j.lastPrice) == 0

	movers := 0
	scanned := 0
	topSymbol := ""
	topMove := decimal.Zero

	for _, symbol := range j.symbols {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		fv, ok := fused[quoteQuantityID(symbol)]
		if !ok {
			continue
		}
		scanned++

		last, seen := j.lastPrice[symbol]
		j.lastPrice[symbol] = fv.Value
		if !seen || !last.IsPositive() {
			continue
		}

		movePercent := fv.Value.Sub(last).Div(last).Mul(hundred).Abs()
		if movePercent.GreaterThanOrEqual(j.threshold) {
			movers++
			if movePercent.GreaterThan(topMove) {
				topMove = movePercent
				topSymbol = symbol
			}
		}
	}

	if scanned == 0 {
		return "", coreerrors.Qualityf("no quotes resolved for %d symbols", len(j.symbols))
	}
	if baseline {
		return fmt.Sprintf("baseline captured for %d symbols", scanned), nil
	}
	if movers == 0 {
		return fmt.Sprintf("no movers beyond %s%% across %d symbols",
			j.threshold.String(), scanned), nil
	}
	return fmt.Sprintf("%d movers beyond %s%% across %d symbols, top %s %s%%",
		movers, j.threshold.String(), scanned, topSymbol, topMove.StringFixed(2)), nil
}

// ==================== shared helpers ====================

// parseParams decodes the definition's params JSON.
func parseParams(def models.JobDefinition, out interface{}) error {
	if strings.TrimSpace(def.Params) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(def.Params), out); err != nil {
		return coreerrors.Configurationf("job %s has invalid params: %v", def.ID, err)
	}
	return nil
}

// normalizeSymbols uppercases, trims and dedupes the symbol list.
func normalizeSymbols(jobID string, symbols []string) ([]string, error) {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		out = append(out, symbol)
	}
	if len(out) == 0 {
		return nil, coreerrors.Configurationf("job %s requires at least one symbol", jobID)
	}
	return out, nil
}

// resolveStrategy validates the requested fusion strategy.
func resolveStrategy(jobID, strategy, fallback string) (string, error) {
	if strategy == "" {
		return fallback, nil
	}
	switch strategy {
	case models.StrategyHighestQuality, models.StrategyMostRecent,
		models.StrategyWeightedAverage, models.StrategyConsensus:
		return strategy, nil
	default:
		return "", coreerrors.Configurationf("job %s has unknown fusion strategy %q", jobID, strategy)
	}
}

func quoteQuantityID(symbol string) string {
	return "quote:" + symbol
}

func indexQuantityID(symbol string) string {
	return "index:" + symbol
}
