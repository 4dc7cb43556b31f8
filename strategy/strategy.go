package strategy

import (
	"fmt"
	"time"

	"hive/config"
	"hive/ledger"
	"hive/market"
)

// Action proposed by a signal
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

// Signal is a candidate trade intent emitted by one bot's evaluator. Not yet
// admitted; the risk governor and capital allocator decide its fate.
type Signal struct {
	Bot        string  `json:"bot"`
	Symbol     string  `json:"symbol"`
	Action     Action  `json:"action"`
	AmountUSD  float64 `json:"amount_usd"`  // Proposed invested amount (opens)
	PositionID string  `json:"position_id"` // Target position (closes)
	Price      float64 `json:"price"`       // Snapshot price at evaluation
	Reason     string  `json:"reason"`
}

// Evaluator runs one bot profile's entry and exit rules over a market
// snapshot. Read-only: it emits signals and touches neither the ledger nor
// the capital pool.
type Evaluator struct {
	profile config.BotProfile
}

// NewEvaluator creates the evaluator for one enabled bot profile
func NewEvaluator(profile config.BotProfile) *Evaluator {
	return &Evaluator{profile: profile}
}

// Profile returns the bot profile this evaluator runs
func (e *Evaluator) Profile() config.BotProfile {
	return e.profile
}

// Evaluate emits at most one candidate signal per symbol. owned holds this
// bot's non-terminal positions; lastTrade holds the bot's most recent
// terminal activity per symbol for cooldown checks.
func (e *Evaluator) Evaluate(snapshots map[string]market.Snapshot, owned []*ledger.Position, lastTrade map[string]time.Time, now time.Time) []Signal {
	bySymbol := make(map[string]*ledger.Position, len(owned))
	openCount := 0
	for _, p := range owned {
		bySymbol[p.Symbol] = p
		openCount++
	}

	var signals []Signal
	for _, symbol := range e.profile.Symbols {
		snap, ok := snapshots[symbol]
		if !ok {
			continue // No market view this cycle, nothing to decide
		}

		if pos, held := bySymbol[symbol]; held {
			if sig, emit := e.evaluateExit(pos, snap, now); emit {
				signals = append(signals, sig)
			}
			continue
		}

		if sig, emit := e.evaluateEntry(symbol, snap, openCount, lastTrade, now); emit {
			signals = append(signals, sig)
			openCount++ // Count the proposal toward the concurrent limit
		}
	}
	return signals
}

// evaluateEntry checks the open conditions for a symbol this bot is flat on
func (e *Evaluator) evaluateEntry(symbol string, snap market.Snapshot, openCount int, lastTrade map[string]time.Time, now time.Time) (Signal, bool) {
	if openCount >= e.profile.MaxPositions {
		return Signal{}, false
	}
	if last, traded := lastTrade[symbol]; traded && now.Sub(last) < e.profile.Cooldown() {
		return Signal{}, false
	}
	if snap.RSI <= 0 {
		return Signal{}, false // Indicator warmup not complete
	}

	th := e.profile.Curve.At(0)
	if snap.RSI > th.RSIBuy {
		return Signal{}, false
	}

	return Signal{
		Bot:       e.profile.Name,
		Symbol:    symbol,
		Action:    ActionOpen,
		AmountUSD: e.profile.TradeAmountUSD,
		Price:     snap.Price,
		Reason:    fmt.Sprintf("RSI %.1f <= %.1f", snap.RSI, th.RSIBuy),
	}, true
}

// evaluateExit checks whether an open position crossed its (time-decayed)
// take-profit, stop-loss or RSI exit bound. Positions with an order already
// in flight are left alone.
func (e *Evaluator) evaluateExit(pos *ledger.Position, snap market.Snapshot, now time.Time) (Signal, bool) {
	if pos.Status != ledger.StatusOpen {
		return Signal{}, false
	}

	elapsed := now.Sub(pos.OpenedAt).Minutes()
	th := e.profile.Curve.At(elapsed)
	pnlPct := (snap.Price - pos.EntryPrice) / pos.EntryPrice * 100

	var reason string
	switch {
	case pnlPct >= th.TakeProfitPct:
		reason = fmt.Sprintf("take profit: %.2f%% >= %.2f%% at %.0fm", pnlPct, th.TakeProfitPct, elapsed)
	case pnlPct <= -th.StopLossPct:
		reason = fmt.Sprintf("stop loss: %.2f%% <= -%.2f%% at %.0fm", pnlPct, th.StopLossPct, elapsed)
	case snap.RSI >= th.RSISell:
		reason = fmt.Sprintf("RSI exit: %.1f >= %.1f at %.0fm", snap.RSI, th.RSISell, elapsed)
	default:
		return Signal{}, false
	}

	return Signal{
		Bot:        e.profile.Name,
		Symbol:     pos.Symbol,
		Action:     ActionClose,
		PositionID: pos.ID,
		Price:      snap.Price,
		Reason:     reason,
	}, true
}
