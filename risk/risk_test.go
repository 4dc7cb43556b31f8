package risk

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hive/config"
	"hive/events"
	"hive/strategy"
)

func testCaps() config.RiskCaps {
	return config.RiskCaps{
		MaxDailyLossUSD:       100,
		MaxTradesPerHour:      3,
		MaxExposurePerCoinUSD: 200,
	}
}

func newTestGovernor(t *testing.T) (*Governor, *State) {
	t.Helper()
	state, err := NewState(nil, time.Now())
	require.NoError(t, err)
	return NewGovernor(testCaps(), state, events.NewBus(io.Discard)), state
}

func openSignal(bot, symbol string, amount float64) strategy.Signal {
	return strategy.Signal{Bot: bot, Symbol: symbol, Action: strategy.ActionOpen, AmountUSD: amount}
}

func closeSignal(bot, symbol string) strategy.Signal {
	return strategy.Signal{Bot: bot, Symbol: symbol, Action: strategy.ActionClose}
}

func TestOpenApprovedWhenWithinLimits(t *testing.T) {
	g, _ := newTestGovernor(t)
	v := g.Admit(openSignal("scalper", "BTCUSDT", 50), nil, nil, time.Now())
	assert.True(t, v.Approved)
	assert.Empty(t, v.Reason)
}

func TestDailyLossFloorDeniesOpens(t *testing.T) {
	g, state := newTestGovernor(t)
	now := time.Now()

	// Book a realized loss at the floor
	state.RecordOpen("BTCUSDT", 50, now)
	state.RecordClose("BTCUSDT", 50, -100, now)

	v := g.Admit(openSignal("scalper", "ETHUSDT", 50), nil, nil, now)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "daily loss floor")
}

// The daily-loss rule is checked first: it wins even when rate and exposure
// checks would also deny.
func TestDailyLossFloorHasPriority(t *testing.T) {
	g, state := newTestGovernor(t)
	now := time.Now()

	state.RecordOpen("BTCUSDT", 50, now)
	state.RecordClose("BTCUSDT", 50, -150, now)
	// Saturate the hourly cap for the symbol too
	for i := 0; i < 5; i++ {
		state.RecordOpen("ETHUSDT", 10, now)
		state.RecordClose("ETHUSDT", 10, 0.01, now)
	}

	v := g.Admit(openSignal("scalper", "ETHUSDT", 500), map[string]bool{"ETHUSDT": true}, nil, now)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "daily loss floor")
}

func TestClosesAreNeverDenied(t *testing.T) {
	g, state := newTestGovernor(t)
	now := time.Now()

	// Daily loss far past the floor, hourly cap saturated, symbol held
	state.RecordOpen("BTCUSDT", 50, now)
	state.RecordClose("BTCUSDT", 50, -500, now)
	for i := 0; i < 10; i++ {
		state.RecordOpen("BTCUSDT", 10, now)
	}

	v := g.Admit(closeSignal("scalper", "BTCUSDT"), map[string]bool{"BTCUSDT": true}, nil, now)
	assert.True(t, v.Approved, "blocking an exit is itself a risk; closes always proceed")
}

func TestHourlyTradeCapDeniesOpen(t *testing.T) {
	g, state := newTestGovernor(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		state.RecordOpen("BTCUSDT", 10, now.Add(-time.Duration(i)*time.Minute))
	}

	v := g.Admit(openSignal("scalper", "BTCUSDT", 10), nil, nil, now)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "hourly trade cap")

	// A different symbol is unaffected
	v = g.Admit(openSignal("scalper", "ETHUSDT", 10), nil, nil, now)
	assert.True(t, v.Approved)
}

func TestHourlyWindowPrunesOldTrades(t *testing.T) {
	_, state := newTestGovernor(t)
	now := time.Now()

	state.RecordOpen("BTCUSDT", 10, now.Add(-2*time.Hour))
	state.RecordOpen("BTCUSDT", 10, now.Add(-61*time.Minute))
	state.RecordOpen("BTCUSDT", 10, now.Add(-30*time.Minute))

	assert.Equal(t, 1, state.TradesInHour("BTCUSDT", now))
}

func TestExposureCapDeniesOpen(t *testing.T) {
	g, state := newTestGovernor(t)
	now := time.Now()

	state.RecordOpen("BTCUSDT", 180, now)

	v := g.Admit(openSignal("steady", "BTCUSDT", 50), nil, nil, now)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "exposure cap")

	// Under the cap passes
	v = g.Admit(openSignal("steady", "BTCUSDT", 20), nil, nil, now)
	assert.True(t, v.Approved)
}

// Reservations for opens not yet confirmed count toward the coin's exposure,
// so two symbols of the same base coin cannot jointly exceed the cap.
func TestPendingReservationsCountTowardExposure(t *testing.T) {
	g, _ := newTestGovernor(t)
	now := time.Now()

	// Cap is 200; 150 already reserved for an in-flight BTCUSDT open
	pending := map[string]float64{"BTC": 150}

	v := g.Admit(openSignal("steady", "BTCUSDC", 100), nil, pending, now)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "exposure cap")

	v = g.Admit(openSignal("steady", "BTCUSDC", 40), nil, pending, now)
	assert.True(t, v.Approved)
}

func TestClosesCountTowardHourlyCap(t *testing.T) {
	_, state := newTestGovernor(t)
	now := time.Now()

	state.RecordOpen("BTCUSDT", 50, now)
	state.RecordClose("BTCUSDT", 50, 1.5, now)

	assert.Equal(t, 2, state.TradesInHour("BTCUSDT", now), "both legs of a round trip are exchange activity")
}

func TestDuplicateSymbolDenied(t *testing.T) {
	g, _ := newTestGovernor(t)

	held := map[string]bool{"BTCUSDT": true}
	v := g.Admit(openSignal("steady", "BTCUSDT", 50), held, nil, time.Now())
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "duplicate symbol")
}

func TestDailyPnLResetsAtUTCBoundary(t *testing.T) {
	_, state := newTestGovernor(t)
	now := time.Now()

	state.RecordOpen("BTCUSDT", 50, now)
	state.RecordClose("BTCUSDT", 50, -80, now)
	assert.InDelta(t, -80, state.DailyPnL(now), 1e-9)

	// Next UTC day: counter resets
	tomorrow := now.Add(25 * time.Hour)
	assert.InDelta(t, 0, state.DailyPnL(tomorrow), 1e-9)
}

func TestExposureUnwindsOnClose(t *testing.T) {
	_, state := newTestGovernor(t)
	now := time.Now()

	state.RecordOpen("BTCUSDT", 120, now)
	assert.InDelta(t, 120, state.Exposure("BTC"), 1e-9)

	state.RecordClose("BTCUSDT", 120, 3.5, now)
	assert.InDelta(t, 0, state.Exposure("BTC"), 1e-9)
}
