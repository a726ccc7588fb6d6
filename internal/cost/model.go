// Package cost decides whether a signal has positive expected value after fees,
// spread and market impact. Everything here is pure: no I/O, no shared state.
package cost

import (
	"fmt"
	"math"
)

// Config holds the friction parameters
type Config struct {
	TakerFee             float64 `yaml:"taker_fee"`
	MinSpread            float64 `yaml:"min_spread"`
	SpreadCoefficient    float64 `yaml:"spread_coefficient"`
	VolatilityMultiplier float64 `yaml:"volatility_multiplier"`
	DefaultSigma         float64 `yaml:"default_sigma"`
	DefaultDailyVolume   float64 `yaml:"default_daily_volume"`
	MinEdgeMultiplier    float64 `yaml:"min_edge_multiplier"`
}

func DefaultConfig() Config {
	return Config{
		TakerFee:             0.0005,
		MinSpread:            0.0002,
		SpreadCoefficient:    0.02,
		VolatilityMultiplier: 0.7,
		DefaultSigma:         0.03,
		DefaultDailyVolume:   100_000_000,
		MinEdgeMultiplier:    1.05,
	}
}

// Input is the cost-relevant part of a signal. ExpectedEdge is required; a nil edge
// is rejected rather than treated as zero.
type Input struct {
	RequestedSize float64
	ExpectedEdge  *float64
	Volatility    *float64
	DailyVolume   float64
}

// Route is the suggested execution style for the estimated impact
type Route string

const (
	RouteMarket  Route = "MARKET"
	RouteLimit   Route = "LIMIT"
	RouteTWAP    Route = "TWAP"
	RouteIceberg Route = "ICEBERG"
)

// Result is the viability verdict. It is ephemeral and never persisted.
type Result struct {
	Accepted      bool    `json:"accepted"`
	ExpectedEdge  float64 `json:"expected_edge"`
	TotalFriction float64 `json:"total_friction"`
	Fee           float64 `json:"fee"`
	Spread        float64 `json:"spread"`
	Slippage      float64 `json:"slippage"`
	SlippageBps   float64 `json:"slippage_bps"`
	Threshold     float64 `json:"threshold"`
	Sigma         float64 `json:"sigma"`
	Route         Route   `json:"route"`
	Reason        string  `json:"reason,omitempty"`
}

// Slippage is the square-root impact estimate: mult * sigma * sqrt(size / dailyVolume)
func Slippage(mult, sigma, size, dailyVolume float64) float64 {
	if size <= 0 || dailyVolume <= 0 {
		return 0
	}
	return mult * sigma * math.Sqrt(size/dailyVolume)
}

// Spread approximates the half-spread cost from volatility with a floor
func Spread(minSpread, sigma, coefficient float64) float64 {
	return math.Max(minSpread, sigma*coefficient)
}

// RouteFor maps estimated impact in basis points to an execution style
func RouteFor(slippageBps float64) Route {
	switch {
	case slippageBps < 5:
		return RouteMarket
	case slippageBps < 20:
		return RouteLimit
	case slippageBps < 50:
		return RouteTWAP
	default:
		return RouteIceberg
	}
}

// Evaluate rejects when expected_edge <= total_friction * min_edge_multiplier
func Evaluate(cfg Config, in Input) Result {
	sigma := cfg.DefaultSigma
	if in.Volatility != nil && *in.Volatility > 0 {
		sigma = *in.Volatility
	}
	volume := in.DailyVolume
	if volume <= 0 {
		volume = cfg.DefaultDailyVolume
	}

	r := Result{Sigma: sigma, Fee: cfg.TakerFee}
	r.Spread = Spread(cfg.MinSpread, sigma, cfg.SpreadCoefficient)
	r.Slippage = Slippage(cfg.VolatilityMultiplier, sigma, in.RequestedSize, volume)
	r.SlippageBps = r.Slippage * 10_000
	r.Route = RouteFor(r.SlippageBps)
	r.TotalFriction = r.Fee + r.Spread + r.Slippage
	r.Threshold = r.TotalFriction * cfg.MinEdgeMultiplier

	if in.ExpectedEdge == nil {
		r.Reason = "expected_edge is required"
		return r
	}
	r.ExpectedEdge = *in.ExpectedEdge

	if r.ExpectedEdge <= r.Threshold {
		r.Reason = fmt.Sprintf("negative expectancy: edge %.6f <= friction %.6f x %.2f (fee %.6f, spread %.6f, slippage %.6f)",
			r.ExpectedEdge, r.TotalFriction, cfg.MinEdgeMultiplier, r.Fee, r.Spread, r.Slippage)
		return r
	}
	r.Accepted = true
	return r
}
