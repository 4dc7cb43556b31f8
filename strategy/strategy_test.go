package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hive/config"
	"hive/ledger"
	"hive/market"
	"hive/threshold"
)

func scalperProfile() config.BotProfile {
	return config.BotProfile{
		Name:            "scalper",
		Enabled:         true,
		Symbols:         []string{"BTCUSDT", "ETHUSDT"},
		Curve:           threshold.FastScalp(),
		TradeAmountUSD:  50,
		MaxPositions:    2,
		CooldownMinutes: 15,
	}
}

func snap(symbol string, price, rsi float64) map[string]market.Snapshot {
	return map[string]market.Snapshot{
		symbol: {Symbol: symbol, Price: price, RSI: rsi, Timestamp: time.Now()},
	}
}

func openPosition(symbol string, entry float64, openedAt time.Time) *ledger.Position {
	return &ledger.Position{
		ID:          "pos-1",
		Symbol:      symbol,
		Bot:         "scalper",
		Status:      ledger.StatusOpen,
		EntryPrice:  entry,
		Quantity:    50 / entry,
		InvestedUSD: 50,
		OpenedAt:    openedAt,
	}
}

func TestEntryOnOversoldRSI(t *testing.T) {
	e := NewEvaluator(scalperProfile())
	now := time.Now()

	signals := e.Evaluate(snap("BTCUSDT", 50000, 28), nil, nil, now)
	require.Len(t, signals, 1)
	sig := signals[0]
	assert.Equal(t, ActionOpen, sig.Action)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, "scalper", sig.Bot)
	assert.InDelta(t, 50, sig.AmountUSD, 1e-9)
	assert.Contains(t, sig.Reason, "RSI")
}

func TestNoEntryAboveBuyBound(t *testing.T) {
	e := NewEvaluator(scalperProfile())
	signals := e.Evaluate(snap("BTCUSDT", 50000, 45), nil, nil, time.Now())
	assert.Empty(t, signals)
}

func TestNoEntryDuringIndicatorWarmup(t *testing.T) {
	e := NewEvaluator(scalperProfile())
	signals := e.Evaluate(snap("BTCUSDT", 50000, 0), nil, nil, time.Now())
	assert.Empty(t, signals, "RSI of zero means the window has not filled yet")
}

func TestCooldownBlocksReentry(t *testing.T) {
	e := NewEvaluator(scalperProfile())
	now := time.Now()

	last := map[string]time.Time{"BTCUSDT": now.Add(-5 * time.Minute)}
	assert.Empty(t, e.Evaluate(snap("BTCUSDT", 50000, 28), nil, last, now))

	last["BTCUSDT"] = now.Add(-16 * time.Minute)
	assert.Len(t, e.Evaluate(snap("BTCUSDT", 50000, 28), nil, last, now), 1)
}

func TestMaxPositionsCountsProposals(t *testing.T) {
	p := scalperProfile()
	p.MaxPositions = 1
	e := NewEvaluator(p)
	now := time.Now()

	// Both symbols oversold but only one slot: a single open comes out
	snapshots := map[string]market.Snapshot{
		"BTCUSDT": {Symbol: "BTCUSDT", Price: 50000, RSI: 25},
		"ETHUSDT": {Symbol: "ETHUSDT", Price: 4000, RSI: 25},
	}
	signals := e.Evaluate(snapshots, nil, nil, now)
	assert.Len(t, signals, 1)

	// Already holding one: no entry at all
	held := []*ledger.Position{openPosition("BTCUSDT", 50000, now.Add(-time.Minute))}
	signals = e.Evaluate(snapshots, held, nil, now)
	assert.Empty(t, signals)
}

// A gain too small to exit on at entry becomes an exit once the take-profit
// bound has decayed. Under the fast scalp curve the bound is 1.2% at minute
// zero and roughly 0.79% at minute 16.
func TestTakeProfitBoundDecaysOverTime(t *testing.T) {
	e := NewEvaluator(scalperProfile())
	entry := 50000.0
	price := entry * 1.009 // +0.9%

	fresh := []*ledger.Position{openPosition("BTCUSDT", entry, time.Now())}
	assert.Empty(t, e.Evaluate(snap("BTCUSDT", price, 50), fresh, nil, time.Now()))

	aged := []*ledger.Position{openPosition("BTCUSDT", entry, time.Now().Add(-16*time.Minute))}
	signals := e.Evaluate(snap("BTCUSDT", price, 50), aged, nil, time.Now())
	require.Len(t, signals, 1)
	assert.Equal(t, ActionClose, signals[0].Action)
	assert.Equal(t, "pos-1", signals[0].PositionID)
	assert.Contains(t, signals[0].Reason, "take profit")
}

func TestStopLossExit(t *testing.T) {
	e := NewEvaluator(scalperProfile())
	entry := 50000.0
	held := []*ledger.Position{openPosition("BTCUSDT", entry, time.Now().Add(-2*time.Minute))}

	signals := e.Evaluate(snap("BTCUSDT", entry*0.99, 50), held, nil, time.Now())
	require.Len(t, signals, 1)
	assert.Equal(t, ActionClose, signals[0].Action)
	assert.Contains(t, signals[0].Reason, "stop loss")
}

func TestRSISellExit(t *testing.T) {
	e := NewEvaluator(scalperProfile())
	entry := 50000.0
	held := []*ledger.Position{openPosition("BTCUSDT", entry, time.Now().Add(-2*time.Minute))}

	// Price flat so neither PnL bound trips, RSI overbought
	signals := e.Evaluate(snap("BTCUSDT", entry, 75), held, nil, time.Now())
	require.Len(t, signals, 1)
	assert.Equal(t, ActionClose, signals[0].Action)
	assert.Contains(t, signals[0].Reason, "RSI exit")
}

func TestPendingPositionsLeftAlone(t *testing.T) {
	e := NewEvaluator(scalperProfile())
	now := time.Now()

	pending := openPosition("BTCUSDT", 50000, now.Add(-time.Hour))
	pending.Status = ledger.StatusPendingClose

	// Deep in stop-loss territory, but an order is already in flight
	signals := e.Evaluate(snap("BTCUSDT", 45000, 50), []*ledger.Position{pending}, nil, now)
	assert.Empty(t, signals)
}

func TestMissingSnapshotSkipsSymbol(t *testing.T) {
	e := NewEvaluator(scalperProfile())
	held := []*ledger.Position{openPosition("BTCUSDT", 50000, time.Now().Add(-time.Hour))}

	// No market view for BTCUSDT this cycle
	signals := e.Evaluate(snap("ETHUSDT", 4000, 55), held, nil, time.Now())
	assert.Empty(t, signals)
}
