package risk

import (
	"log"
	"sync"
	"time"

	"hive/exchange"
	"hive/ledger"
)

const dayFormat = "2006-01-02"

// State holds the process-wide risk counters: realized PnL for the current
// UTC day, per-symbol trade timestamps over the trailing hour, and invested
// exposure per coin across all bots. Mutated only inside the coordinator's
// serialized section.
type State struct {
	mu       sync.Mutex
	day      string               // UTC day the PnL counter belongs to
	dailyPnL float64              // Realized PnL today
	trades   map[string][]time.Time
	exposure map[string]float64   // coin -> invested USD over open positions
	store    *ledger.Store        // nil in tests
}

// NewState creates risk state, restoring the daily PnL counter from the
// store when it belongs to the current UTC day
func NewState(store *ledger.Store, now time.Time) (*State, error) {
	s := &State{
		day:      now.UTC().Format(dayFormat),
		trades:   make(map[string][]time.Time),
		exposure: make(map[string]float64),
		store:    store,
	}
	if store != nil {
		day, pnl, err := store.LoadRiskState()
		if err != nil {
			return nil, err
		}
		if day == s.day {
			s.dailyPnL = pnl
			log.Printf("💾 Risk state restored: daily PnL %.2f USDT for %s", pnl, day)
		}
	}
	return s, nil
}

// RestoreExposure recomputes per-coin exposure from restored non-terminal
// positions
func (s *State) RestoreExposure(positions []*ledger.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range positions {
		s.exposure[exchange.BaseCoin(p.Symbol)] += p.Reserved()
	}
}

// rollDay resets the daily counter at the fixed UTC midnight boundary.
// Callers hold s.mu.
func (s *State) rollDay(now time.Time) {
	day := now.UTC().Format(dayFormat)
	if day != s.day {
		log.Printf("📅 Daily PnL reset (%s -> %s), yesterday: %.2f USDT", s.day, day, s.dailyPnL)
		s.day = day
		s.dailyPnL = 0
		s.persistLocked()
	}
}

// pruneTrades drops trade timestamps older than the trailing hour. Callers
// hold s.mu.
func (s *State) pruneTrades(symbol string, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	kept := s.trades[symbol][:0]
	for _, t := range s.trades[symbol] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.trades[symbol] = kept
	return kept
}

func (s *State) persistLocked() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRiskState(s.day, s.dailyPnL); err != nil {
		log.Printf("🚨 Risk state: failed to persist: %v", err)
	}
}

// RecordOpen counts a confirmed open against the trade rate and exposure
// counters
func (s *State) RecordOpen(symbol string, investedUSD float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay(now)
	s.trades[symbol] = append(s.pruneTrades(symbol, now), now)
	s.exposure[exchange.BaseCoin(symbol)] += investedUSD
}

// RecordClose books realized PnL, counts the trade against the hourly rate
// and unwinds the position's exposure. A close is exchange activity like any
// other; both legs of a round trip count toward the cap.
func (s *State) RecordClose(symbol string, investedUSD, realizedPnL float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay(now)
	s.dailyPnL += realizedPnL
	s.trades[symbol] = append(s.pruneTrades(symbol, now), now)

	coin := exchange.BaseCoin(symbol)
	s.exposure[coin] -= investedUSD
	if s.exposure[coin] <= 1e-9 {
		delete(s.exposure, coin)
	}
	s.persistLocked()
}

// RecordSynthetic books exposure for a synthesized position without counting
// a trade; reconciliation corrections are not bot activity
func (s *State) RecordSynthetic(symbol string, investedUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposure[exchange.BaseCoin(symbol)] += investedUSD
}

// DailyPnL returns today's realized PnL, rolling the day first
func (s *State) DailyPnL(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay(now)
	return s.dailyPnL
}

// TradesInHour returns how many trades the symbol saw in the trailing hour
func (s *State) TradesInHour(symbol string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pruneTrades(symbol, now))
}

// Exposure returns the invested USD currently held in the coin
func (s *State) Exposure(coin string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposure[coin]
}
