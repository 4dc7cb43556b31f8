package events

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies an engine event
type Kind string

const (
	KindTransition Kind = "transition" // Position state change
	KindDenial     Kind = "denial"     // Risk/capital admission denial
	KindCorrection Kind = "correction" // Reconciliation drift correction
	KindCycle      Kind = "cycle"      // Coordination cycle summary
)

// Event is the structured record emitted for every transition, denial and
// reconciliation correction. Downstream dashboards consume these through the
// API; the engine itself never reads them back.
type Event struct {
	Kind      Kind      `json:"kind"`
	Symbol    string    `json:"symbol,omitempty"`
	Bot       string    `json:"bot,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const ringSize = 512

// Bus emits structured events via zerolog and keeps a bounded in-memory ring
// of recent events for the status API.
type Bus struct {
	log zerolog.Logger

	mu     sync.RWMutex
	recent []Event
}

// NewBus creates an event bus writing JSON lines to w
func NewBus(w io.Writer) *Bus {
	if w == nil {
		w = os.Stdout
	}
	return &Bus{
		log:    zerolog.New(w).With().Timestamp().Str("component", "engine").Logger(),
		recent: make([]Event, 0, ringSize),
	}
}

func (b *Bus) record(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.recent) >= ringSize {
		// Drop oldest half instead of shifting one by one
		copy(b.recent, b.recent[ringSize/2:])
		b.recent = b.recent[:ringSize/2]
	}
	b.recent = append(b.recent, e)
}

// Transition emits a position lifecycle transition event
func (b *Bus) Transition(symbol, bot, from, to string, amount float64, reason string) {
	e := Event{Kind: KindTransition, Symbol: symbol, Bot: bot, From: from, To: to, Amount: amount, Reason: reason, Timestamp: time.Now()}
	b.record(e)
	b.log.Info().
		Str("kind", string(KindTransition)).
		Str("symbol", symbol).
		Str("bot", bot).
		Str("from", from).
		Str("to", to).
		Float64("amount", amount).
		Str("reason", reason).
		Msg("position transition")
}

// Denial emits a risk/capital admission denial event
func (b *Bus) Denial(symbol, bot, action string, amount float64, reason string) {
	e := Event{Kind: KindDenial, Symbol: symbol, Bot: bot, To: action, Amount: amount, Reason: reason, Timestamp: time.Now()}
	b.record(e)
	b.log.Warn().
		Str("kind", string(KindDenial)).
		Str("symbol", symbol).
		Str("bot", bot).
		Str("action", action).
		Float64("amount", amount).
		Str("reason", reason).
		Msg("signal denied")
}

// Correction emits a reconciliation drift correction event
func (b *Bus) Correction(symbol, drift string, amount float64, reason string) {
	e := Event{Kind: KindCorrection, Symbol: symbol, From: drift, Amount: amount, Reason: reason, Timestamp: time.Now()}
	b.record(e)
	b.log.Warn().
		Str("kind", string(KindCorrection)).
		Str("symbol", symbol).
		Str("drift", drift).
		Float64("amount", amount).
		Str("reason", reason).
		Msg("reconciliation correction")
}

// Cycle emits a per-cycle summary event
func (b *Bus) Cycle(number int, signals, approved, denied int, durationMs int64) {
	e := Event{Kind: KindCycle, Amount: float64(number), Timestamp: time.Now()}
	b.record(e)
	b.log.Info().
		Str("kind", string(KindCycle)).
		Int("cycle", number).
		Int("signals", signals).
		Int("approved", approved).
		Int("denied", denied).
		Int64("duration_ms", durationMs).
		Msg("cycle complete")
}

// Recent returns up to n most recent events, newest last
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}
