package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
)

func edge(v float64) *float64 { return &v }

func valid() IntentSignal {
	return IntentSignal{
		SignalID:      "s1",
		PhaseID:       1,
		Symbol:        "BTC/USDT",
		Side:          SideBuy,
		RequestedSize: 0.5,
		Leverage:      2,
		ExpectedEdge:  edge(0.01),
		EntryZone:     []float64{50000, 50100},
		Timestamp:     time.Now(),
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		mutate func(*IntentSignal)
		want   string
	}{
		{"valid", func(s *IntentSignal) {}, ""},
		{"missing id", func(s *IntentSignal) { s.SignalID = " " }, "signal_id is required"},
		{"missing symbol", func(s *IntentSignal) { s.Symbol = "" }, "symbol is required"},
		{"bad phase", func(s *IntentSignal) { s.PhaseID = 4 }, "phase_id"},
		{"bad side", func(s *IntentSignal) { s.Side = "HOLD" }, "side must be"},
		{"zero size", func(s *IntentSignal) { s.RequestedSize = 0 }, "requested_size"},
		{"missing edge", func(s *IntentSignal) { s.ExpectedEdge = nil }, "expected_edge is required"},
		{"bad type", func(s *IntentSignal) { s.Type = "YOLO" }, "unknown intent type"},
		{"future", func(s *IntentSignal) { s.Timestamp = now.Add(time.Hour) }, "future"},
		{"no timestamp", func(s *IntentSignal) { s.Timestamp = time.Time{} }, "timestamp is required"},
		{"zero leverage", func(s *IntentSignal) { s.Leverage = 0 }, "leverage must be positive"},
		{"negative leverage", func(s *IntentSignal) { s.Leverage = -1 }, "leverage must be positive"},
		{"inverted entry zone", func(s *IntentSignal) { s.EntryZone = []float64{50100, 50000} }, "entry_zone min"},
		{"single price entry zone", func(s *IntentSignal) { s.EntryZone = []float64{50000} }, "entry_zone must be [min, max]"},
		{"flat entry zone", func(s *IntentSignal) { s.EntryZone = []float64{50000, 50000} }, ""},
		{"no entry zone", func(s *IntentSignal) { s.EntryZone = nil }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := valid()
			tc.mutate(&s)
			err := s.Validate(now, 5*time.Second)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrValidation))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestExitIntents(t *testing.T) {
	s := valid()
	assert.Equal(t, BuySetup, s.Intent())
	assert.False(t, s.IsExit())

	s.Side = SideSell
	assert.Equal(t, SellSetup, s.Intent())

	for _, it := range []IntentType{CloseLong, CloseShort, Close} {
		s.Type = it
		assert.True(t, s.IsExit(), it)
	}
}

func TestNotional(t *testing.T) {
	s := valid()
	assert.Equal(t, 50050.0, s.ReferencePrice())
	assert.InDelta(t, 25025.0, s.Notional(0), 1e-9)

	s.EntryZone = nil
	assert.Equal(t, 0.0, s.ReferencePrice())
	assert.InDelta(t, 30000.0, s.Notional(60000), 1e-9)

	s.RequestedSize = 500
	assert.Equal(t, 500.0, s.Notional(0))
}
