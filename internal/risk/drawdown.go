package risk

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

// Drawdowns are percentages, positive when equity is below the reference
type Drawdowns struct {
	DailyPct  float64 `json:"daily_pct"`
	WeeklyPct float64 `json:"weekly_pct"`
	PeakPct   float64 `json:"peak_pct"`
}

// DrawdownTracker measures daily and weekly drawdown from equity updates, rolling its
// references at the UTC day and Monday boundaries
type DrawdownTracker struct {
	mu             sync.Mutex
	startOfDayNAV  float64
	startOfWeekNAV float64
	peakNAV        float64
	lastNAV        float64
	lastUpdateTime time.Time
}

func NewDrawdownTracker() *DrawdownTracker {
	return &DrawdownTracker{}
}

// Update records equity at now and returns the resulting drawdowns
func (dt *DrawdownTracker) Update(nav float64, now time.Time) Drawdowns {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if dt.startOfDayNAV == 0 || isNewTradingDay(dt.lastUpdateTime, now) {
		dt.startOfDayNAV = nav
	}
	if dt.startOfWeekNAV == 0 || isNewTradingWeek(dt.lastUpdateTime, now) {
		dt.startOfWeekNAV = nav
	}
	if nav > dt.peakNAV {
		dt.peakNAV = nav
	}
	dt.lastNAV = nav
	dt.lastUpdateTime = now

	d := dt.current()
	observ.SetGauge("drawdown_pct_daily", d.DailyPct, nil)
	observ.SetGauge("drawdown_pct_weekly", d.WeeklyPct, nil)
	return d
}

// Current returns drawdowns at the last update
func (dt *DrawdownTracker) Current() Drawdowns {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return dt.current()
}

func (dt *DrawdownTracker) current() Drawdowns {
	return Drawdowns{
		DailyPct:  calculateDrawdown(dt.startOfDayNAV, dt.lastNAV),
		WeeklyPct: calculateDrawdown(dt.startOfWeekNAV, dt.lastNAV),
		PeakPct:   calculateDrawdown(dt.peakNAV, dt.lastNAV),
	}
}

// calculateDrawdown computes drawdown percentage from start to current NAV
func calculateDrawdown(startNAV, currentNAV float64) float64 {
	if startNAV <= 0 {
		return 0.0
	}
	drawdown := ((startNAV - currentNAV) / startNAV) * 100
	if drawdown < 0 {
		return 0.0
	}
	return drawdown
}

// isNewTradingDay checks if we've crossed into a new trading day (UTC boundary)
func isNewTradingDay(last, current time.Time) bool {
	if last.IsZero() {
		return true
	}
	return last.UTC().Format("2006-01-02") != current.UTC().Format("2006-01-02")
}

// isNewTradingWeek checks if we've crossed into a new trading week (Monday 00:00 UTC)
func isNewTradingWeek(last, current time.Time) bool {
	if last.IsZero() {
		return true
	}
	return !getMondayOfWeek(last.UTC()).Equal(getMondayOfWeek(current.UTC()))
}

// getMondayOfWeek returns the Monday 00:00 UTC of the week containing the given time
func getMondayOfWeek(t time.Time) time.Time {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := t.AddDate(0, 0, -(weekday - 1))
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
}
