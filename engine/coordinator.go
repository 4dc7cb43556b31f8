package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"

	"hive/capital"
	"hive/config"
	"hive/events"
	"hive/exchange"
	"hive/ledger"
	"hive/market"
	"hive/risk"
	"hive/strategy"
)

// Coordinator drives the multi-bot trading engine: one bounded cycle per poll
// interval in which every bot's evaluator runs, all candidate signals funnel
// through a single serialized admission section, and approved orders dispatch
// concurrently against the exchange.
type Coordinator struct {
	cfg        *config.Config
	ex         exchange.Exchange
	feed       *market.Feed
	book       *ledger.Ledger
	pool       *capital.Pool
	state      *risk.State
	governor   *risk.Governor
	evaluators []*strategy.Evaluator
	bus        *events.Bus

	// admitMu is the only critical section: RiskState, CapitalPool and the
	// Ledger are mutated exclusively while it is held
	admitMu sync.Mutex

	mu         sync.RWMutex
	isRunning  bool
	halted     bool
	haltReason string
	cycleCount int
	lastTrade  map[string]map[string]time.Time // bot -> symbol -> last confirmed activity
	stopCh     chan struct{}

	symbols []string // Union of all enabled bots' symbols
}

// New creates the coordinator, restoring ledger and risk state from the
// store so a restart resumes without capital double-counting
func New(cfg *config.Config, ex exchange.Exchange, store *ledger.Store, bus *events.Bus) (*Coordinator, error) {
	book := ledger.New(store, bus)
	reserved, err := book.Restore()
	if err != nil {
		return nil, err
	}

	pool, err := capital.NewPoolWithReserved(cfg.TotalCapitalUSD, reserved)
	if err != nil {
		return nil, fmt.Errorf("restored positions do not fit the capital pool: %w", err)
	}

	state, err := risk.NewState(store, time.Now())
	if err != nil {
		return nil, err
	}
	state.RestoreExposure(book.Active())

	seen := make(map[string]bool)
	var symbols []string
	var evaluators []*strategy.Evaluator
	lastTrade := make(map[string]map[string]time.Time)
	for _, profile := range cfg.EnabledBots() {
		evaluators = append(evaluators, strategy.NewEvaluator(profile))
		lastTrade[profile.Name] = make(map[string]time.Time)
		for _, s := range profile.Symbols {
			if !seen[s] {
				seen[s] = true
				symbols = append(symbols, s)
			}
		}
	}

	return &Coordinator{
		cfg:        cfg,
		ex:         ex,
		feed:       market.NewFeed(ex),
		book:       book,
		pool:       pool,
		state:      state,
		governor:   risk.NewGovernor(cfg.Risk, state, bus),
		evaluators: evaluators,
		bus:        bus,
		lastTrade:  lastTrade,
		stopCh:     make(chan struct{}),
		symbols:    symbols,
	}, nil
}

// Run drives the coordination loop until Stop is called or a fatal exchange
// error halts the engine
func (c *Coordinator) Run() error {
	c.mu.Lock()
	c.isRunning = true
	c.mu.Unlock()

	log.Printf("🚀 Coordinator started: %d bot(s), %d symbol(s), %.2f USDT pool, interval %v",
		len(c.evaluators), len(c.symbols), c.pool.Total(), c.cfg.PollInterval())

	ticker := time.NewTicker(c.cfg.PollInterval())
	defer ticker.Stop()

	// First cycle immediately
	if err := c.runCycle(); err != nil {
		if c.Halted() {
			return fmt.Errorf("coordinator halted: %s", c.HaltReason())
		}
		log.Printf("❌ Cycle failed: %v (continuing with next interval)", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := c.runCycle(); err != nil {
				if c.Halted() {
					return fmt.Errorf("coordinator halted: %s", c.HaltReason())
				}
				log.Printf("❌ Cycle failed: %v (continuing with next interval)", err)
			}
		case <-c.stopCh:
			log.Printf("⏹  Coordinator stopped")
			return nil
		}
	}
}

// Stop signals the coordination loop to exit after the current cycle
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRunning {
		return
	}
	c.isRunning = false
	close(c.stopCh)
}

// Halted reports whether a fatal exchange error stopped new order submission
func (c *Coordinator) Halted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

// HaltReason returns the fatal error text that halted the engine
func (c *Coordinator) HaltReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.haltReason
}

func (c *Coordinator) halt(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted {
		return
	}
	c.halted = true
	c.haltReason = reason
	log.Printf("🚨 Fatal exchange error, halting new order submission: %s", reason)
}

// openJob / closeJob carry one dispatched order and its outcome
type orderJob struct {
	pos  *ledger.Position
	sig  strategy.Signal
	fill *exchange.Fill
	err  error
}

// runCycle executes one full coordination cycle
func (c *Coordinator) runCycle() error {
	c.mu.Lock()
	c.cycleCount++
	cycle := c.cycleCount
	c.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CycleDeadline())
	defer cancel()

	// 1. One market snapshot per cycle; evaluators share it read-only
	snapshots, err := c.feed.Snapshot(ctx, c.symbols)
	if err != nil {
		return fmt.Errorf("market snapshot failed: %w", err)
	}

	// 2. Evaluate all bots concurrently; they only read
	signals := c.evaluateAll(snapshots, start)

	// 3. Serialized admission: risk gate, capital reservation, ledger
	// transition. Closes settle before opens so freed capital is visible.
	opens, closes, denied := c.admit(signals, start)

	// 4. Concurrent dispatch with per-call timeouts and the shared limiter
	c.dispatch(ctx, opens, closes)

	// 5. Serialized settlement of whatever confirmed before the deadline
	c.settle(opens, closes, start)

	c.bus.Cycle(cycle, len(signals), len(opens)+len(closes), denied, time.Since(start).Milliseconds())

	if c.Halted() {
		return fmt.Errorf("halted: %s", c.HaltReason())
	}

	// 6. Reconciliation on its slower cadence, or immediately when orders
	// were left pending by the deadline
	if cycle%c.cfg.ReconcileEveryCycles == 0 || c.hasPending() {
		if _, err := c.Reconcile(context.Background()); err != nil {
			log.Printf("⚠️  Reconciliation failed: %v", err)
		}
	}
	return nil
}

// evaluateAll fans the snapshot out to every evaluator and collects their
// candidate signals in deterministic order
func (c *Coordinator) evaluateAll(snapshots map[string]market.Snapshot, now time.Time) []strategy.Signal {
	sigCh := make(chan []strategy.Signal, len(c.evaluators))
	var wg sync.WaitGroup

	for _, ev := range c.evaluators {
		wg.Add(1)
		go func(ev *strategy.Evaluator) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					log.Printf("🚨 PANIC in evaluator %s: %v\n%s", ev.Profile().Name, r, buf[:n])
				}
			}()
			name := ev.Profile().Name
			owned := c.book.OwnedBy(name)
			sigCh <- ev.Evaluate(snapshots, owned, c.lastTradeFor(name), now)
		}(ev)
	}
	wg.Wait()
	close(sigCh)

	var signals []strategy.Signal
	for batch := range sigCh {
		signals = append(signals, batch...)
	}

	// Closes first, then stable bot/symbol order so same-cycle races resolve
	// deterministically
	sort.SliceStable(signals, func(i, j int) bool {
		a, b := signals[i], signals[j]
		if a.Action != b.Action {
			return a.Action == strategy.ActionClose
		}
		if a.Bot != b.Bot {
			return a.Bot < b.Bot
		}
		return a.Symbol < b.Symbol
	})
	return signals
}

// admit funnels all signals through the critical section. Two signals for the
// same symbol from different bots cannot both pass: the second observes the
// first's in-progress reservation and is denied as a duplicate-symbol
// conflict.
func (c *Coordinator) admit(signals []strategy.Signal, now time.Time) (opens, closes []*orderJob, denied int) {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	held := c.book.HeldSymbols()

	// Reservations the exposure counters do not see yet: opens still in
	// flight from earlier cycles, then approvals made below
	pending := make(map[string]float64)
	for _, p := range c.book.Active() {
		if p.Status == ledger.StatusPendingOpen {
			pending[exchange.BaseCoin(p.Symbol)] += p.Reserved()
		}
	}

	for _, sig := range signals {
		switch sig.Action {
		case strategy.ActionClose:
			pos, ok := c.book.ActiveBySymbol(sig.Symbol)
			if !ok || pos.ID != sig.PositionID || pos.Status != ledger.StatusOpen {
				continue // Stale signal; position moved on since evaluation
			}
			// Closes always pass the governor
			if v := c.governor.Admit(sig, held, pending, now); !v.Approved {
				denied++
				continue
			}
			if err := c.book.BeginClose(pos, sig.Reason); err != nil {
				log.Printf("⚠️  Failed to begin close for %s: %v", sig.Symbol, err)
				continue
			}
			closes = append(closes, &orderJob{pos: pos, sig: sig})

		case strategy.ActionOpen:
			cand := c.book.NewCandidate(sig.Bot, sig.Symbol, sig.AmountUSD)

			if c.Halted() {
				c.bus.Denial(sig.Symbol, sig.Bot, string(sig.Action), sig.AmountUSD, "order submission halted")
				c.book.Reject(cand, "order submission halted")
				denied++
				continue
			}
			if v := c.governor.Admit(sig, held, pending, now); !v.Approved {
				c.book.Reject(cand, v.Reason)
				denied++
				continue
			}
			if err := c.pool.Reserve(sig.AmountUSD); err != nil {
				c.bus.Denial(sig.Symbol, sig.Bot, string(sig.Action), sig.AmountUSD, err.Error())
				c.book.Reject(cand, err.Error())
				denied++
				continue
			}
			if err := c.book.AdmitPendingOpen(cand); err != nil {
				// Uniqueness race lost; hand the reservation straight back
				c.pool.Release(sig.AmountUSD)
				c.book.Reject(cand, err.Error())
				denied++
				continue
			}
			held[sig.Symbol] = true
			pending[exchange.BaseCoin(sig.Symbol)] += sig.AmountUSD
			opens = append(opens, &orderJob{pos: cand, sig: sig})
		}
	}
	return opens, closes, denied
}

// dispatch sends all admitted orders concurrently. One slow call must not
// block the cycle: each order gets its own timeout inside the cycle deadline.
func (c *Coordinator) dispatch(ctx context.Context, opens, closes []*orderJob) {
	var wg sync.WaitGroup

	for _, job := range closes {
		wg.Add(1)
		go func(job *orderJob) {
			defer wg.Done()
			octx, ocancel := context.WithTimeout(ctx, c.cfg.OrderTimeout())
			defer ocancel()
			job.fill, job.err = c.ex.PlaceClose(octx, job.pos.Symbol, job.pos.Quantity)
		}(job)
	}
	for _, job := range opens {
		wg.Add(1)
		go func(job *orderJob) {
			defer wg.Done()
			octx, ocancel := context.WithTimeout(ctx, c.cfg.OrderTimeout())
			defer ocancel()
			job.fill, job.err = c.ex.PlaceOpen(octx, job.pos.Symbol, job.pos.ProposedUSD)
		}(job)
	}
	wg.Wait()
}

// settle applies order outcomes inside the critical section. An ambiguous
// timeout leaves the position pending: the order may have reached the
// exchange, and a sent order must never be resubmitted blindly, so
// reconciliation resolves it from exchange truth.
func (c *Coordinator) settle(opens, closes []*orderJob, now time.Time) {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	for _, job := range closes {
		pos := job.pos
		switch {
		case job.err == nil:
			invested := pos.InvestedUSD
			pnl, err := c.book.ConfirmClose(pos, job.fill)
			if err != nil {
				log.Printf("🚨 Failed to confirm close for %s: %v", pos.Symbol, err)
				continue
			}
			c.pool.Release(invested)
			c.state.RecordClose(pos.Symbol, invested, pnl, now)
			c.noteTrade(pos.Bot, pos.Symbol, now)
			log.Printf("✅ [%s] Closed %s: PnL %+.2f USDT (%s)", pos.Bot, pos.Symbol, pnl, pos.CloseReason)

		case ambiguous(job.err):
			// Sell may have executed; capital stays reserved until
			// reconciliation resolves the true state
			log.Printf("⚠️  [%s] Close order for %s unconfirmed, left pending: %v", pos.Bot, pos.Symbol, job.err)

		default:
			if exchange.IsFatal(job.err) {
				c.halt(job.err.Error())
			}
			if err := c.book.RevertClose(pos); err != nil {
				log.Printf("🚨 Failed to revert close for %s: %v", pos.Symbol, err)
			}
			log.Printf("⚠️  [%s] Close order for %s failed, will retry next cycle: %v", pos.Bot, pos.Symbol, job.err)
		}
	}

	for _, job := range opens {
		pos := job.pos
		switch {
		case job.err == nil:
			proposed := pos.ProposedUSD
			if err := c.book.ConfirmOpen(pos, job.fill); err != nil {
				log.Printf("🚨 Failed to confirm open for %s: %v", pos.Symbol, err)
				continue
			}
			// Track the actual filled amount, not the proposal
			c.pool.Adjust(proposed, pos.InvestedUSD)
			c.state.RecordOpen(pos.Symbol, pos.InvestedUSD, now)
			c.noteTrade(pos.Bot, pos.Symbol, now)
			log.Printf("✅ [%s] Opened %s: %.6f @ %.2f (%.2f USDT)", pos.Bot, pos.Symbol, pos.Quantity, pos.EntryPrice, pos.InvestedUSD)

		case ambiguous(job.err):
			// Buy may have executed; keep the reservation and let
			// reconciliation decide from exchange holdings
			log.Printf("⚠️  [%s] Open order for %s unconfirmed, left pending: %v", pos.Bot, pos.Symbol, job.err)

		default:
			if exchange.IsFatal(job.err) {
				c.halt(job.err.Error())
			}
			if err := c.book.FailOpen(pos, job.err.Error()); err != nil {
				log.Printf("🚨 Failed to record open failure for %s: %v", pos.Symbol, err)
				continue
			}
			c.pool.Release(pos.ProposedUSD)
			log.Printf("❌ [%s] Open order for %s rejected: %v", pos.Bot, pos.Symbol, job.err)
		}
	}
}

// ambiguous reports whether an order error leaves the exchange-side outcome
// unknown
func ambiguous(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (c *Coordinator) hasPending() bool {
	for _, p := range c.book.Active() {
		if p.Status == ledger.StatusPendingOpen || p.Status == ledger.StatusPendingClose {
			return true
		}
	}
	return false
}

func (c *Coordinator) noteTrade(bot, symbol string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastTrade[bot] == nil {
		c.lastTrade[bot] = make(map[string]time.Time)
	}
	c.lastTrade[bot][symbol] = at
}

func (c *Coordinator) lastTradeFor(bot string) map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time, len(c.lastTrade[bot]))
	for symbol, t := range c.lastTrade[bot] {
		out[symbol] = t
	}
	return out
}

// Status returns a snapshot of engine state for the API
func (c *Coordinator) Status() map[string]interface{} {
	c.mu.RLock()
	isRunning, halted, haltReason, cycle := c.isRunning, c.halted, c.haltReason, c.cycleCount
	c.mu.RUnlock()

	return map[string]interface{}{
		"is_running":    isRunning,
		"halted":        halted,
		"halt_reason":   haltReason,
		"cycle_count":   cycle,
		"bots":          len(c.evaluators),
		"symbols":       c.symbols,
		"capital_total": c.pool.Total(),
		"capital_free":  c.pool.Free(),
		"capital_used":  c.pool.Reserved(),
	}
}

// Ledger exposes the position book for read-only API access
func (c *Coordinator) Ledger() *ledger.Ledger { return c.book }

// Pool exposes the capital pool for read-only API access
func (c *Coordinator) Pool() *capital.Pool { return c.pool }

// Bots returns the enabled bot profiles
func (c *Coordinator) Bots() []config.BotProfile {
	out := make([]config.BotProfile, 0, len(c.evaluators))
	for _, ev := range c.evaluators {
		out = append(out, ev.Profile())
	}
	return out
}

// Events exposes the event bus for the API
func (c *Coordinator) Events() *events.Bus { return c.bus }
