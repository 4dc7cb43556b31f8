package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// PaperExchange simulates the exchange in process. Fills execute instantly at
// the current set price; holdings track what was bought. Used for demo mode
// and tests.
type PaperExchange struct {
	mu       sync.RWMutex
	prices   map[string]float64 // symbol -> last price
	history  map[string][]float64
	holdings map[string]float64 // base coin -> qty
	nextID   int64
	rng      *rand.Rand

	// Drift simulates small price movement between cycles (0 disables)
	Drift float64
}

// NewPaperExchange creates a paper exchange with no prices set
func NewPaperExchange() *PaperExchange {
	return &PaperExchange{
		prices:   make(map[string]float64),
		history:  make(map[string][]float64),
		holdings: make(map[string]float64),
		nextID:   1,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetPrice sets the current price for a symbol and appends it to the kline
// history
func (e *PaperExchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
	e.history[symbol] = append(e.history[symbol], price)
}

// SetHolding overrides a base coin balance directly. Tests use this to
// simulate externally created drift.
func (e *PaperExchange) SetHolding(coin string, qty float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if qty <= 0 {
		delete(e.holdings, coin)
		return
	}
	e.holdings[coin] = qty
}

// SeedHistory fills a symbol's kline history with a random walk around base,
// so indicator warmup completes on the first cycle in demo mode
func (e *PaperExchange) SeedHistory(symbol string, base float64, points int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price := base
	for i := 0; i < points; i++ {
		price *= 1 + (e.rng.Float64()*2-1)*0.003
		e.history[symbol] = append(e.history[symbol], price)
	}
	e.prices[symbol] = price
}

func (e *PaperExchange) tick(symbol string) float64 {
	price := e.prices[symbol]
	if e.Drift > 0 {
		price *= 1 + (e.rng.Float64()*2-1)*e.Drift
		e.prices[symbol] = price
		e.history[symbol] = append(e.history[symbol], price)
	}
	return price
}

// PlaceOpen simulates a market buy at the current price
func (e *PaperExchange) PlaceOpen(ctx context.Context, symbol string, usdAmount float64) (*Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price := e.tick(symbol)
	if price <= 0 {
		return nil, fmt.Errorf("no price set for %s", symbol)
	}
	qty := usdAmount / price
	e.holdings[BaseCoin(symbol)] += qty

	id := e.nextID
	e.nextID++
	return &Fill{OrderID: fmt.Sprintf("paper-%d", id), Qty: qty, Price: price}, nil
}

// PlaceClose simulates a market sell at the current price
func (e *PaperExchange) PlaceClose(ctx context.Context, symbol string, qty float64) (*Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price := e.tick(symbol)
	if price <= 0 {
		return nil, fmt.Errorf("no price set for %s", symbol)
	}

	coin := BaseCoin(symbol)
	held := e.holdings[coin]
	if held+1e-9 < qty {
		return nil, fmt.Errorf("insufficient %s balance: have %.8f, want %.8f", coin, held, qty)
	}
	e.holdings[coin] = held - qty
	if e.holdings[coin] < 1e-9 {
		delete(e.holdings, coin)
	}

	id := e.nextID
	e.nextID++
	return &Fill{OrderID: fmt.Sprintf("paper-%d", id), Qty: qty, Price: price}, nil
}

// Holdings returns a copy of the simulated balances
func (e *PaperExchange) Holdings(ctx context.Context) (map[string]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.holdings))
	for coin, qty := range e.holdings {
		out[coin] = qty
	}
	return out, nil
}

// Ticker returns the current price for the symbol
func (e *PaperExchange) Ticker(ctx context.Context, symbol string) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	price, ok := e.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price set for %s", symbol)
	}
	return price, nil
}

// Klines returns up to limit most recent prices for the symbol, oldest first.
// With drift enabled each call appends one new simulated candle.
func (e *PaperExchange) Klines(ctx context.Context, symbol string, limit int) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Drift > 0 && e.prices[symbol] > 0 {
		e.tick(symbol)
	}
	hist, ok := e.history[symbol]
	if !ok {
		return nil, fmt.Errorf("no price history for %s", symbol)
	}
	if len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]float64, len(hist))
	copy(out, hist)
	return out, nil
}
