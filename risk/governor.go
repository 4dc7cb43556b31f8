package risk

import (
	"fmt"
	"time"

	"hive/config"
	"hive/events"
	"hive/exchange"
	"hive/strategy"
)

// Verdict is the governor's answer for one candidate signal
type Verdict struct {
	Approved bool
	Reason   string // Denial reason, empty when approved
}

func approve() Verdict           { return Verdict{Approved: true} }
func deny(reason string) Verdict { return Verdict{Reason: reason} }

// Governor is the single admission gate every candidate signal passes
// through. Denials are expected control flow, not errors: each one is emitted
// as a structured event and the signal is dropped for the cycle.
type Governor struct {
	caps  config.RiskCaps
	state *State
	bus   *events.Bus
}

// NewGovernor creates the admission gate over the shared risk state
func NewGovernor(caps config.RiskCaps, state *State, bus *events.Bus) *Governor {
	return &Governor{caps: caps, state: state, bus: bus}
}

// Admit evaluates a candidate signal against the ordered deny rules, first
// match wins. Closes always pass: blocking an exit is itself a risk, so
// limits only ever stop positions from opening. held is the set of symbols
// with a non-terminal position or an in-progress reservation this cycle; a
// second open for the same symbol is denied as a duplicate-symbol conflict.
// pending holds per-coin USD reserved by opens not yet confirmed (in-flight
// orders plus earlier approvals this cycle), so two same-cycle opens on the
// same coin cannot jointly exceed the exposure cap.
func (g *Governor) Admit(sig strategy.Signal, held map[string]bool, pending map[string]float64, now time.Time) Verdict {
	if sig.Action == strategy.ActionClose {
		return approve()
	}

	if pnl := g.state.DailyPnL(now); pnl <= -g.caps.MaxDailyLossUSD {
		return g.denied(sig, fmt.Sprintf("daily loss floor reached: %.2f <= -%.2f", pnl, g.caps.MaxDailyLossUSD))
	}

	if trades := g.state.TradesInHour(sig.Symbol, now); trades >= g.caps.MaxTradesPerHour {
		return g.denied(sig, fmt.Sprintf("hourly trade cap reached for %s: %d >= %d", sig.Symbol, trades, g.caps.MaxTradesPerHour))
	}

	coin := exchange.BaseCoin(sig.Symbol)
	if projected := g.state.Exposure(coin) + pending[coin] + sig.AmountUSD; projected > g.caps.MaxExposurePerCoinUSD {
		return g.denied(sig, fmt.Sprintf("exposure cap exceeded for %s: %.2f > %.2f", coin, projected, g.caps.MaxExposurePerCoinUSD))
	}

	if held[sig.Symbol] {
		return g.denied(sig, fmt.Sprintf("duplicate symbol: %s already held or reserved this cycle", sig.Symbol))
	}

	return approve()
}

func (g *Governor) denied(sig strategy.Signal, reason string) Verdict {
	if g.bus != nil {
		g.bus.Denial(sig.Symbol, sig.Bot, string(sig.Action), sig.AmountUSD, reason)
	}
	return deny(reason)
}
