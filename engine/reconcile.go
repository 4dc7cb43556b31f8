package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"hive/exchange"
	"hive/ledger"
)

const (
	// Holdings below this fraction of the booked quantity count as gone;
	// exchanges leave dust behind on market sells
	phantomFraction = 0.05
	// Holdings worth less than this are not worth synthesizing a position for
	minSynthesizeUSD = 5.0
)

// Reconcile compares the ledger against exchange-reported holdings and
// repairs drift. It runs on a slower cadence than the main cycle and also
// resolves positions left pending by an order timeout: an order already sent
// must never be resubmitted blindly, so exchange truth decides its fate.
// Returns the number of corrections applied; running twice against unchanged
// holdings applies none the second time.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	holdings, err := c.ex.Holdings(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch exchange holdings: %w", err)
	}

	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	now := time.Now()
	corrections := 0

	// Pass 1: every non-terminal position against what the exchange holds
	for _, pos := range c.book.Active() {
		coin := exchange.BaseCoin(pos.Symbol)
		qty := holdings[coin]

		switch pos.Status {
		case ledger.StatusPendingOpen:
			corrections += c.resolvePendingOpen(ctx, pos, qty, now)
		case ledger.StatusPendingClose:
			corrections += c.resolvePendingClose(ctx, pos, qty, now)
		case ledger.StatusOpen:
			if qty < pos.Quantity*phantomFraction {
				corrections += c.closePhantom(ctx, pos, now)
			}
		}
	}

	// Pass 2: exchange holdings with no ledger entry
	heldCoins := make(map[string]bool)
	for _, pos := range c.book.Active() {
		heldCoins[exchange.BaseCoin(pos.Symbol)] = true
	}
	for coin, qty := range holdings {
		if heldCoins[coin] {
			continue
		}
		corrections += c.adoptMissing(ctx, coin, qty)
	}

	if corrections > 0 {
		log.Printf("🔧 Reconciliation applied %d correction(s)", corrections)
	}
	return corrections, nil
}

// resolvePendingOpen decides a stuck open order from holdings: coin present
// means the buy filled and the confirmation was lost; coin absent means the
// order never executed.
func (c *Coordinator) resolvePendingOpen(ctx context.Context, pos *ledger.Position, qty float64, now time.Time) int {
	if qty > 0 {
		price, err := c.ex.Ticker(ctx, pos.Symbol)
		if err != nil || price <= 0 {
			log.Printf("⚠️  Reconcile: cannot price %s, leaving pending: %v", pos.Symbol, err)
			return 0
		}
		proposed := pos.ProposedUSD
		if err := c.book.ResolvePendingOpen(pos, qty, price); err != nil {
			log.Printf("🚨 Reconcile: %v", err)
			return 0
		}
		c.pool.Adjust(proposed, pos.InvestedUSD)
		c.state.RecordOpen(pos.Symbol, pos.InvestedUSD, now)
		c.bus.Correction(pos.Symbol, "pending_open", pos.InvestedUSD, "open fill recovered from exchange holdings")
		return 1
	}

	// Never filled: fail the order and hand the reservation back
	if err := c.book.FailOpen(pos, "open order unconfirmed and no exchange holding found"); err != nil {
		log.Printf("🚨 Reconcile: %v", err)
		return 0
	}
	c.pool.Release(pos.ProposedUSD)
	c.bus.Correction(pos.Symbol, "pending_open", pos.ProposedUSD, "open order presumed unfilled, reservation released")
	return 1
}

// resolvePendingClose decides a stuck close order: coin gone means the sell
// filled, coin still held means it did not and the position reverts to open
// for a retry
func (c *Coordinator) resolvePendingClose(ctx context.Context, pos *ledger.Position, qty float64, now time.Time) int {
	if qty < pos.Quantity*phantomFraction {
		price := c.priceOrEntry(ctx, pos)
		invested := pos.InvestedUSD
		pnl, err := c.book.ForceClose(pos, price, "close fill recovered from exchange holdings")
		if err != nil {
			log.Printf("🚨 Reconcile: %v", err)
			return 0
		}
		c.pool.Release(invested)
		c.state.RecordClose(pos.Symbol, invested, pnl, now)
		c.bus.Correction(pos.Symbol, "pending_close", invested, "close fill recovered from exchange holdings")
		return 1
	}

	if err := c.book.RevertClose(pos); err != nil {
		log.Printf("🚨 Reconcile: %v", err)
		return 0
	}
	c.bus.Correction(pos.Symbol, "pending_close", pos.InvestedUSD, "close order presumed unfilled, reverted to open for retry")
	return 1
}

// closePhantom settles a position the exchange no longer holds (closed
// manually or externally). PnL is estimated from the last known price and
// the reservation is always released; corrections never silently disappear
// capital.
func (c *Coordinator) closePhantom(ctx context.Context, pos *ledger.Position, now time.Time) int {
	price := c.priceOrEntry(ctx, pos)
	invested := pos.InvestedUSD
	pnl, err := c.book.ForceClose(pos, price, "phantom: exchange no longer holds "+exchange.BaseCoin(pos.Symbol))
	if err != nil {
		log.Printf("🚨 Reconcile: %v", err)
		return 0
	}
	c.pool.Release(invested)
	c.state.RecordClose(pos.Symbol, invested, pnl, now)
	c.bus.Correction(pos.Symbol, "phantom", invested, "position closed from exchange truth, PnL estimated")
	return 1
}

// adoptMissing synthesizes a position for a holding the ledger knows nothing
// about. Capital must come out of free funds first; when it cannot, the drift
// is reported but not auto-corrected.
func (c *Coordinator) adoptMissing(ctx context.Context, coin string, qty float64) int {
	symbol := exchange.SymbolFor(coin)
	price, err := c.ex.Ticker(ctx, symbol)
	if err != nil || price <= 0 {
		log.Printf("⚠️  Reconcile: cannot price unknown holding %s (%.8f), skipping: %v", coin, qty, err)
		return 0
	}

	invested := qty * price
	if invested < minSynthesizeUSD {
		return 0 // Dust
	}

	if err := c.pool.Reserve(invested); err != nil {
		c.bus.Correction(symbol, "missing", invested, "insufficient free capital, drift reported but not corrected")
		log.Printf("⚠️  Reconcile: cannot adopt %s holding worth %.2f USDT: %v", coin, invested, err)
		return 0
	}

	pos, err := c.book.Synthesize(symbol, qty, price)
	if err != nil {
		c.pool.Release(invested)
		log.Printf("🚨 Reconcile: %v", err)
		return 0
	}
	c.state.RecordSynthetic(symbol, invested)
	c.bus.Correction(symbol, "missing", invested, "position synthesized from exchange holdings, entry price estimated")
	log.Printf("🔧 Reconcile: synthesized %s position %.8f @ %.2f (%.2f USDT)", symbol, pos.Quantity, price, invested)
	return 1
}

// priceOrEntry returns the current ticker price, falling back to the entry
// price when the exchange cannot be queried
func (c *Coordinator) priceOrEntry(ctx context.Context, pos *ledger.Position) float64 {
	price, err := c.ex.Ticker(ctx, pos.Symbol)
	if err != nil || price <= 0 {
		return pos.EntryPrice
	}
	return price
}
