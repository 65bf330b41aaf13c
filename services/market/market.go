// Package market tracks the exchange calendar and a rolling volatility
// index. Both feed the adaptive rescheduler: closed markets stretch
// refresh intervals, volatile markets tighten them.
package market

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"go_market_core/models"
)

// Calendar answers whether the exchange is open, in exchange-local time.
type Calendar struct {
	openHour  int
	closeHour int
	loc       *time.Location

	timeNow func() time.Time
}

// NewCalendar creates a calendar for the given trading hours and
// timezone. An unknown timezone falls back to UTC with a warning rather
// than failing startup.
func NewCalendar(openHour, closeHour int, timezone string) *Calendar {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.Warn().Str("timezone", timezone).Err(err).Msg("Unknown market timezone, using UTC")
		loc = time.UTC
	}
	return &Calendar{
		openHour:  openHour,
		closeHour: closeHour,
		loc:       loc,
		timeNow:   time.Now,
	}
}

// IsOpen reports whether the exchange is currently in session.
func (c *Calendar) IsOpen() bool {
	return c.isOpenAt(c.timeNow())
}

func (c *Calendar) isOpenAt(t time.Time) bool {
	local := t.In(c.loc)

	// Check if weekend
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}

	hour := local.Hour()
	return hour >= c.openHour && hour < c.closeHour
}

// Tracker maintains a ring buffer of index levels and derives a
// normalized volatility index from their dispersion.
type Tracker struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
	scale   float64
}

// NewTracker creates a tracker holding the given number of samples. The
// scale converts relative standard deviation into the [0,1] index; a
// relative stddev of 1/scale maps to full volatility.
func NewTracker(window int, scale float64) *Tracker {
	if window < 2 {
		window = 2
	}
	if scale <= 0 {
		scale = 100
	}
	return &Tracker{samples: make([]float64, window), scale: scale}
}

// Observe records one index level.
func (t *Tracker) Observe(level decimal.Decimal) {
	value, _ := level.Float64()
	if value <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples[t.next] = value
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.filled = true
	}
}

// VolatilityIndex returns the current volatility in [0,1]. Fewer than
// two observations yield 0.
func (t *Tracker) VolatilityIndex() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := t.next
	if t.filled {
		count = len(t.samples)
	}
	if count < 2 {
		return 0
	}

	sum := 0.0
	for i := 0; i < count; i++ {
		sum += t.samples[i]
	}
	mean := sum / float64(count)
	if mean == 0 {
		return 0
	}

	variance := 0.0
	for i := 0; i < count; i++ {
		d := t.samples[i] - mean
		variance += d * d
	}
	variance /= float64(count)

	relative := math.Sqrt(variance) / math.Abs(mean)
	index := relative * t.scale
	if index > 1 {
		return 1
	}
	if index < 0 {
		return 0
	}
	return index
}

// Monitor bundles the calendar and tracker into the single snapshot the
// scheduler consumes each tick.
type Monitor struct {
	Calendar *Calendar
	Tracker  *Tracker
}

// NewMonitor creates a monitor over the given calendar and tracker.
func NewMonitor(calendar *Calendar, tracker *Tracker) *Monitor {
	return &Monitor{Calendar: calendar, Tracker: tracker}
}

// Snapshot returns the current market conditions.
func (m *Monitor) Snapshot() models.MarketSnapshot {
	return models.MarketSnapshot{
		Open:            m.Calendar.IsOpen(),
		VolatilityIndex: m.Tracker.VolatilityIndex(),
	}
}
