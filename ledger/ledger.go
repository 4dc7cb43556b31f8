package ledger

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"hive/events"
	"hive/exchange"
)

// Status position lifecycle state
type Status string

const (
	StatusCandidate    Status = "candidate"     // Proposed by a strategy, not yet admitted
	StatusPendingOpen  Status = "pending_open"  // Admitted and reserved, open order in flight
	StatusOpen         Status = "open"          // Fill confirmed
	StatusPendingClose Status = "pending_close" // Close order in flight
	StatusClosed       Status = "closed"        // Settled, PnL realized
	StatusOpenRejected Status = "open_rejected" // Denied before any capital was reserved
	StatusOrderFailed  Status = "order_failed"  // Exchange rejected after reservation
)

// Terminal reports whether the state admits no further transitions
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusOpenRejected || s == StatusOrderFailed
}

// Flags recorded by reconciliation
const (
	FlagReconciled  = "reconciled"  // Closed from exchange truth, not an order confirmation
	FlagSynthesized = "synthesized" // Created from exchange truth, entry price estimated
)

// Position is one trade from candidate signal to settled outcome. Fields
// change only through Ledger transitions.
type Position struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Bot    string `json:"bot"`
	Status Status `json:"status"`

	ProposedUSD float64 `json:"proposed_usd"` // Amount the signal asked for
	EntryPrice  float64 `json:"entry_price"`  // Actual fill price
	Quantity    float64 `json:"quantity"`     // Actual filled quantity
	InvestedUSD float64 `json:"invested_usd"` // Actual quote spent (not the proposal)
	OrderID     string  `json:"order_id"`

	CreatedAt time.Time `json:"created_at"`
	OpenedAt  time.Time `json:"opened_at"`

	ExitPrice   float64   `json:"exit_price"`
	ClosedAt    time.Time `json:"closed_at"`
	RealizedPnL float64   `json:"realized_pnl"`

	Flags       []string `json:"flags,omitempty"`
	CloseReason string   `json:"close_reason,omitempty"`
}

// Reserved returns the capital this position accounts for while non-terminal:
// the actual invested amount once filled, the proposal while the open order
// is still in flight
func (p *Position) Reserved() float64 {
	if p.InvestedUSD > 0 {
		return p.InvestedUSD
	}
	return p.ProposedUSD
}

func (p *Position) hasFlag(flag string) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Ledger is the single source of truth for positions. One non-terminal
// position per symbol across all bots; every transition persists and emits a
// structured event. Mutation happens only inside the coordinator's serialized
// section; reads may happen concurrently.
type Ledger struct {
	mu      sync.RWMutex
	active  map[string]*Position // symbol -> non-terminal position
	history []*Position          // terminal positions, oldest first
	store   *Store               // nil means in-memory only (tests)
	bus     *events.Bus
}

// New creates a ledger backed by the given store and event bus
func New(store *Store, bus *events.Bus) *Ledger {
	return &Ledger{
		active: make(map[string]*Position),
		store:  store,
		bus:    bus,
	}
}

// Restore loads persisted positions so a restart resumes without capital
// double-counting. Returns the sum of reservations over restored non-terminal
// positions; the caller seeds the capital pool with it.
func (l *Ledger) Restore() (float64, error) {
	if l.store == nil {
		return 0, nil
	}

	active, err := l.store.LoadActive()
	if err != nil {
		return 0, fmt.Errorf("failed to restore active positions: %w", err)
	}
	history, err := l.store.LoadHistory(historyRestoreLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to restore position history: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	reserved := 0.0
	for _, p := range active {
		if existing, dup := l.active[p.Symbol]; dup {
			return 0, fmt.Errorf("persisted state holds two non-terminal positions for %s (%s, %s)", p.Symbol, existing.ID, p.ID)
		}
		l.active[p.Symbol] = p
		reserved += p.Reserved()
	}
	l.history = history

	if len(active) > 0 {
		log.Printf("💾 Ledger restored: %d non-terminal position(s), %.2f USDT reserved, %d history record(s)",
			len(active), reserved, len(history))
	}
	return reserved, nil
}

func (l *Ledger) persist(p *Position) {
	if l.store == nil {
		return
	}
	if err := l.store.SavePosition(p); err != nil {
		// The in-memory state stays authoritative; reconciliation against the
		// exchange covers a lost write after a crash.
		log.Printf("🚨 Ledger: failed to persist position %s (%s): %v", p.ID, p.Symbol, err)
	}
}

func (l *Ledger) emit(p *Position, from Status, reason string) {
	if l.bus == nil {
		return
	}
	l.bus.Transition(p.Symbol, p.Bot, string(from), string(p.Status), p.Reserved(), reason)
}

// NewCandidate builds a candidate position for an open signal. Not registered
// anywhere until admitted or rejected.
func (l *Ledger) NewCandidate(bot, symbol string, proposedUSD float64) *Position {
	return &Position{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Bot:         bot,
		Status:      StatusCandidate,
		ProposedUSD: proposedUSD,
		CreatedAt:   time.Now(),
	}
}

// AdmitPendingOpen moves an approved, reserved candidate into the active set.
// Enforces the uniqueness invariant: at most one non-terminal position per
// symbol across all bots.
func (l *Ledger) AdmitPendingOpen(p *Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Status != StatusCandidate {
		return fmt.Errorf("cannot admit position %s from state %s", p.ID, p.Status)
	}
	if existing, held := l.active[p.Symbol]; held {
		return fmt.Errorf("symbol %s already held by bot %s (position %s)", p.Symbol, existing.Bot, existing.ID)
	}

	from := p.Status
	p.Status = StatusPendingOpen
	l.active[p.Symbol] = p
	l.persist(p)
	l.emit(p, from, "admitted")
	return nil
}

// Reject records a denied candidate as terminal. No capital was ever
// reserved for it.
func (l *Ledger) Reject(p *Position, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Status != StatusCandidate {
		log.Printf("⚠️  Ledger: rejecting position %s from unexpected state %s", p.ID, p.Status)
	}
	from := p.Status
	p.Status = StatusOpenRejected
	p.ClosedAt = time.Now()
	p.CloseReason = reason
	l.history = append(l.history, p)
	l.persist(p)
	l.emit(p, from, reason)
}

// ConfirmOpen records the actual fill for a pending open. The ledger books
// what the exchange executed, not what was proposed.
func (l *Ledger) ConfirmOpen(p *Position, fill *exchange.Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Status != StatusPendingOpen {
		return fmt.Errorf("cannot confirm open for position %s in state %s", p.ID, p.Status)
	}

	from := p.Status
	p.Status = StatusOpen
	p.OrderID = fill.OrderID
	p.Quantity = fill.Qty
	p.EntryPrice = fill.Price
	p.InvestedUSD = fill.Qty * fill.Price
	p.OpenedAt = time.Now()
	l.persist(p)
	l.emit(p, from, "fill confirmed")
	return nil
}

// FailOpen records a definitive exchange rejection of the open order. The
// caller releases the reservation.
func (l *Ledger) FailOpen(p *Position, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Status != StatusPendingOpen {
		return fmt.Errorf("cannot fail open for position %s in state %s", p.ID, p.Status)
	}

	from := p.Status
	p.Status = StatusOrderFailed
	p.ClosedAt = time.Now()
	p.CloseReason = reason
	delete(l.active, p.Symbol)
	l.history = append(l.history, p)
	l.persist(p)
	l.emit(p, from, reason)
	return nil
}

// BeginClose marks an open position as having a close order in flight
func (l *Ledger) BeginClose(p *Position, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Status != StatusOpen {
		return fmt.Errorf("cannot begin close for position %s in state %s", p.ID, p.Status)
	}

	from := p.Status
	p.Status = StatusPendingClose
	p.CloseReason = reason
	l.persist(p)
	l.emit(p, from, reason)
	return nil
}

// ConfirmClose settles a pending close with the actual sell fill and returns
// the realized PnL (exit proceeds minus invested amount). The caller releases
// the reservation and updates risk state.
func (l *Ledger) ConfirmClose(p *Position, fill *exchange.Fill) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Status != StatusPendingClose {
		return 0, fmt.Errorf("cannot confirm close for position %s in state %s", p.ID, p.Status)
	}

	from := p.Status
	p.Status = StatusClosed
	p.ExitPrice = fill.Price
	p.ClosedAt = time.Now()
	p.RealizedPnL = fill.Price*fill.Qty - p.InvestedUSD
	delete(l.active, p.Symbol)
	l.history = append(l.history, p)
	l.persist(p)
	l.emit(p, from, p.CloseReason)
	return p.RealizedPnL, nil
}

// RevertClose returns a pending close to open after a transient exit
// failure. Not terminal: an open position must always eventually be
// closeable, so the engine retries next cycle rather than giving up.
func (l *Ledger) RevertClose(p *Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Status != StatusPendingClose {
		return fmt.Errorf("cannot revert close for position %s in state %s", p.ID, p.Status)
	}

	from := p.Status
	p.Status = StatusOpen
	p.CloseReason = ""
	l.persist(p)
	l.emit(p, from, "close retry")
	return nil
}

// ForceClose settles a position from exchange truth rather than an order
// confirmation (reconciliation: the exchange no longer holds the coin). PnL
// is estimated from the given price and the position is flagged so downstream
// consumers know it was reconciled, not confirmed.
func (l *Ledger) ForceClose(p *Position, estimatedPrice float64, reason string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Status.Terminal() {
		return 0, fmt.Errorf("cannot force-close position %s in terminal state %s", p.ID, p.Status)
	}

	from := p.Status
	p.Status = StatusClosed
	p.ExitPrice = estimatedPrice
	p.ClosedAt = time.Now()
	p.RealizedPnL = estimatedPrice*p.Quantity - p.InvestedUSD
	p.CloseReason = reason
	if !p.hasFlag(FlagReconciled) {
		p.Flags = append(p.Flags, FlagReconciled)
	}
	delete(l.active, p.Symbol)
	l.history = append(l.history, p)
	l.persist(p)
	l.emit(p, from, reason)
	return p.RealizedPnL, nil
}

// ResolvePendingOpen books a pending open from exchange truth when the order
// confirmation was lost: the exchange holds the coin, so the order evidently
// filled. Quantity comes from the holding, price from the current ticker, and
// the position is flagged reconciled.
func (l *Ledger) ResolvePendingOpen(p *Position, qty, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Status != StatusPendingOpen {
		return fmt.Errorf("cannot resolve pending open for position %s in state %s", p.ID, p.Status)
	}

	from := p.Status
	p.Status = StatusOpen
	p.Quantity = qty
	p.EntryPrice = price
	p.InvestedUSD = qty * price
	p.OpenedAt = time.Now()
	if !p.hasFlag(FlagReconciled) {
		p.Flags = append(p.Flags, FlagReconciled)
	}
	l.persist(p)
	l.emit(p, from, "fill resolved from exchange holdings")
	return nil
}

// Synthesize creates an open position from an exchange holding the ledger
// knows nothing about. Entry price is the best available estimate (current
// price); the position is flagged synthesized. The caller must have reserved
// qty*price from the pool first.
func (l *Ledger) Synthesize(symbol string, qty, price float64) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, held := l.active[symbol]; held {
		return nil, fmt.Errorf("cannot synthesize %s: already held by position %s", symbol, existing.ID)
	}

	now := time.Now()
	p := &Position{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Bot:         "reconciler",
		Status:      StatusOpen,
		ProposedUSD: qty * price,
		EntryPrice:  price,
		Quantity:    qty,
		InvestedUSD: qty * price,
		CreatedAt:   now,
		OpenedAt:    now,
		Flags:       []string{FlagSynthesized},
	}
	l.active[symbol] = p
	l.persist(p)
	l.emit(p, StatusCandidate, "synthesized from exchange holdings")
	return p, nil
}

// clone returns a detached copy safe to read after the ledger lock is
// released
func (p *Position) clone() Position {
	cp := *p
	if len(p.Flags) > 0 {
		cp.Flags = append([]string(nil), p.Flags...)
	}
	return cp
}

// Active returns the live non-terminal position structs. Transitions keep
// mutating them, so this is for the coordinator's serialized section only;
// concurrent readers use Snapshot.
func (l *Ledger) Active() []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Position, 0, len(l.active))
	for _, p := range l.active {
		out = append(out, p)
	}
	return out
}

// Snapshot returns detached value copies of the non-terminal positions.
// Readers outside the serialized section (the API) must use this: the copies
// never change under them while transitions run.
func (l *Ledger) Snapshot() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.active))
	for _, p := range l.active {
		out = append(out, p.clone())
	}
	return out
}

// ActiveBySymbol returns the non-terminal position holding the symbol, if any
func (l *Ledger) ActiveBySymbol(symbol string) (*Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.active[symbol]
	return p, ok
}

// OwnedBy returns the non-terminal positions owned by a bot
func (l *Ledger) OwnedBy(bot string) []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Position
	for _, p := range l.active {
		if p.Bot == bot {
			out = append(out, p)
		}
	}
	return out
}

// HeldSymbols returns the set of symbols with a non-terminal position
func (l *Ledger) HeldSymbols() map[string]bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]bool, len(l.active))
	for symbol := range l.active {
		out[symbol] = true
	}
	return out
}

// History returns up to limit most recent terminal positions, newest last
func (l *Ledger) History(limit int) []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]*Position, len(h))
	copy(out, h)
	return out
}

// TotalReserved sums the reservations of all non-terminal positions. The
// capital pool's reserved figure must equal this at all times.
func (l *Ledger) TotalReserved() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := 0.0
	for _, p := range l.active {
		sum += p.Reserved()
	}
	return sum
}
