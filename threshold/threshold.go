package threshold

import (
	"fmt"
	"sort"
)

// Thresholds current entry/exit bounds for a position at a given age
type Thresholds struct {
	TakeProfitPct float64 `json:"take_profit_pct"` // Close when PnL% >= this
	StopLossPct   float64 `json:"stop_loss_pct"`   // Close when PnL% <= -this
	RSIBuy        float64 `json:"rsi_buy"`         // Enter when RSI <= this
	RSISell       float64 `json:"rsi_sell"`        // Exit when RSI >= this
}

// Breakpoint anchors the threshold values at a given minutes-in-trade mark.
// Values between breakpoints are linearly interpolated; beyond the last
// breakpoint they clamp to the last breakpoint's values.
type Breakpoint struct {
	AtMinute      float64 `json:"at_minute"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	RSIBuy        float64 `json:"rsi_buy"`
	RSISell       float64 `json:"rsi_sell"`
}

// Curve is an ordered set of breakpoints describing how a bot's patience
// changes as a position ages
type Curve []Breakpoint

// Validate checks the curve is usable: non-empty, sorted by minute, no
// duplicate minute marks
func (c Curve) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("threshold curve has no breakpoints")
	}
	if !sort.SliceIsSorted(c, func(i, j int) bool { return c[i].AtMinute < c[j].AtMinute }) {
		return fmt.Errorf("threshold curve breakpoints must be sorted by at_minute")
	}
	for i := 1; i < len(c); i++ {
		if c[i].AtMinute == c[i-1].AtMinute {
			return fmt.Errorf("threshold curve has duplicate breakpoint at minute %.1f", c[i].AtMinute)
		}
	}
	for _, bp := range c {
		if bp.StopLossPct < 0 || bp.TakeProfitPct < 0 {
			return fmt.Errorf("threshold percentages must be non-negative (minute %.1f)", bp.AtMinute)
		}
	}
	return nil
}

// At computes the thresholds for a position held elapsedMinutes. Pure
// function: linear interpolation between surrounding breakpoints, clamped to
// the first/last breakpoint outside the covered range.
func (c Curve) At(elapsedMinutes float64) Thresholds {
	if len(c) == 0 {
		return Thresholds{}
	}
	first := c[0]
	if elapsedMinutes <= first.AtMinute {
		return first.thresholds()
	}
	last := c[len(c)-1]
	if elapsedMinutes >= last.AtMinute {
		return last.thresholds()
	}
	for i := 1; i < len(c); i++ {
		if elapsedMinutes > c[i].AtMinute {
			continue
		}
		lo, hi := c[i-1], c[i]
		t := (elapsedMinutes - lo.AtMinute) / (hi.AtMinute - lo.AtMinute)
		return Thresholds{
			TakeProfitPct: lerp(lo.TakeProfitPct, hi.TakeProfitPct, t),
			StopLossPct:   lerp(lo.StopLossPct, hi.StopLossPct, t),
			RSIBuy:        lerp(lo.RSIBuy, hi.RSIBuy, t),
			RSISell:       lerp(lo.RSISell, hi.RSISell, t),
		}
	}
	return last.thresholds()
}

func (bp Breakpoint) thresholds() Thresholds {
	return Thresholds{
		TakeProfitPct: bp.TakeProfitPct,
		StopLossPct:   bp.StopLossPct,
		RSIBuy:        bp.RSIBuy,
		RSISell:       bp.RSISell,
	}
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// FastScalp returns the default curve for aggressive short-hold bots: the
// take-profit target decays as the position ages, settling for less upside in
// exchange for shorter time in market.
func FastScalp() Curve {
	return Curve{
		{AtMinute: 0, TakeProfitPct: 1.2, StopLossPct: 0.8, RSIBuy: 30, RSISell: 72},
		{AtMinute: 15, TakeProfitPct: 0.8, StopLossPct: 0.8, RSIBuy: 30, RSISell: 72},
		{AtMinute: 50, TakeProfitPct: 0.5, StopLossPct: 0.8, RSIBuy: 30, RSISell: 72},
	}
}

// Stability returns the default curve for conviction bots: the RSI band
// narrows toward the median over time as confidence in a stale extreme-RSI
// signal weakens.
func Stability() Curve {
	return Curve{
		{AtMinute: 0, TakeProfitPct: 2.5, StopLossPct: 1.5, RSIBuy: 35, RSISell: 70},
		{AtMinute: 60, TakeProfitPct: 2.5, StopLossPct: 1.5, RSIBuy: 40, RSISell: 68},
	}
}

// Flat returns a single-breakpoint curve with constant thresholds, used when
// a profile configures base values but no explicit curve
func Flat(takeProfitPct, stopLossPct, rsiBuy, rsiSell float64) Curve {
	return Curve{{AtMinute: 0, TakeProfitPct: takeProfitPct, StopLossPct: stopLossPct, RSIBuy: rsiBuy, RSISell: rsiSell}}
}

// Named resolves a built-in curve preset by name; returns nil when the name
// is not a preset
func Named(name string) Curve {
	switch name {
	case "fast_scalp":
		return FastScalp()
	case "stability":
		return Stability()
	default:
		return nil
	}
}
