package exchange

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/jpillora/backoff"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	maxAttempts   = 3
	dustThreshold = 1e-6 // Ignore balances below this
)

// BinanceExchange executes orders against the Binance spot API. All requests
// pass through a shared rate limiter; order submission additionally passes
// through a circuit breaker so repeated failures halt new submissions rather
// than hammering the exchange on uncertain state.
type BinanceExchange struct {
	client  *binance.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	// Holdings cache; the account endpoint is heavy
	cachedHoldings    map[string]float64
	holdingsCacheTime time.Time
	holdingsCacheMu   sync.RWMutex
	cacheDuration     time.Duration
}

// NewBinanceExchange creates a Binance spot exchange client
func NewBinanceExchange(apiKey, secretKey string) *BinanceExchange {
	client := binance.NewClient(apiKey, secretKey)

	// Sync client time with Binance server to avoid timestamp errors
	if _, err := client.NewServerTimeService().Do(context.Background()); err != nil {
		log.Printf("⚠️  Failed to reach Binance server time endpoint: %v (continuing)", err)
	}

	settings := gobreaker.Settings{
		Name:    "binance-orders",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("⚠️  Circuit breaker %s: %s -> %s", name, from.String(), to.String())
		},
	}

	return &BinanceExchange{
		client: client,
		// Binance allows 1200 request weight/min; stay well under it
		limiter:       rate.NewLimiter(rate.Limit(8), 16),
		breaker:       gobreaker.NewCircuitBreaker(settings),
		cacheDuration: 15 * time.Second,
	}
}

// withRetry runs fn with bounded exponential backoff on transient errors.
// Fatal errors and non-transient errors return immediately.
func (e *BinanceExchange) withRetry(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if werr := e.limiter.Wait(ctx); werr != nil {
			return werr
		}
		err = classifyBinance(fn())
		if err == nil {
			return nil
		}
		if IsFatal(err) || !IsTransient(err) || attempt == maxAttempts {
			return err
		}
		d := b.Duration()
		log.Printf("⚠️  Binance call failed (attempt %d/%d), retrying in %v: %v", attempt, maxAttempts, d, err)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// PlaceOpen market-buys usdAmount worth of the symbol. Returns the actual
// filled quantity and average price, which may differ from the proposal due
// to lot size rounding.
func (e *BinanceExchange) PlaceOpen(ctx context.Context, symbol string, usdAmount float64) (*Fill, error) {
	res, err := e.breaker.Execute(func() (interface{}, error) {
		var order *binance.CreateOrderResponse
		err := e.withRetry(ctx, func() error {
			var oerr error
			order, oerr = e.client.NewCreateOrderService().
				Symbol(symbol).
				Side(binance.SideTypeBuy).
				Type(binance.OrderTypeMarket).
				QuoteOrderQty(strconv.FormatFloat(usdAmount, 'f', 2, 64)).
				Do(ctx)
			return oerr
		})
		return order, err
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrHalted, err)
		}
		return nil, fmt.Errorf("failed to place open order for %s: %w", symbol, err)
	}

	order := res.(*binance.CreateOrderResponse)
	fill, err := fillFromOrder(order)
	if err != nil {
		return nil, fmt.Errorf("open order for %s returned unusable fill: %w", symbol, err)
	}
	e.invalidateHoldings()
	return fill, nil
}

// PlaceClose market-sells qty of the symbol's base asset
func (e *BinanceExchange) PlaceClose(ctx context.Context, symbol string, qty float64) (*Fill, error) {
	res, err := e.breaker.Execute(func() (interface{}, error) {
		var order *binance.CreateOrderResponse
		err := e.withRetry(ctx, func() error {
			var oerr error
			order, oerr = e.client.NewCreateOrderService().
				Symbol(symbol).
				Side(binance.SideTypeSell).
				Type(binance.OrderTypeMarket).
				Quantity(strconv.FormatFloat(qty, 'f', 8, 64)).
				Do(ctx)
			return oerr
		})
		return order, err
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrHalted, err)
		}
		return nil, fmt.Errorf("failed to place close order for %s: %w", symbol, err)
	}

	order := res.(*binance.CreateOrderResponse)
	fill, err := fillFromOrder(order)
	if err != nil {
		return nil, fmt.Errorf("close order for %s returned unusable fill: %w", symbol, err)
	}
	e.invalidateHoldings()
	return fill, nil
}

// fillFromOrder extracts the executed quantity and average price from a
// Binance order response
func fillFromOrder(order *binance.CreateOrderResponse) (*Fill, error) {
	qty, err := strconv.ParseFloat(order.ExecutedQuantity, 64)
	if err != nil || qty <= 0 {
		return nil, fmt.Errorf("executed quantity %q not usable", order.ExecutedQuantity)
	}
	quote, err := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)
	if err != nil || quote <= 0 {
		return nil, fmt.Errorf("cumulative quote quantity %q not usable", order.CummulativeQuoteQuantity)
	}
	return &Fill{
		OrderID: strconv.FormatInt(order.OrderID, 10),
		Qty:     qty,
		Price:   quote / qty,
	}, nil
}

// Holdings returns base asset -> quantity for all non-dust spot balances,
// quote assets excluded. Cached briefly; reconciliation tolerates a slightly
// stale view.
func (e *BinanceExchange) Holdings(ctx context.Context) (map[string]float64, error) {
	e.holdingsCacheMu.RLock()
	if e.cachedHoldings != nil && time.Since(e.holdingsCacheTime) < e.cacheDuration {
		cached := e.cachedHoldings
		e.holdingsCacheMu.RUnlock()
		return cached, nil
	}
	e.holdingsCacheMu.RUnlock()

	var account *binance.Account
	err := e.withRetry(ctx, func() error {
		var aerr error
		account, aerr = e.client.NewGetAccountService().Do(ctx)
		return aerr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get account balances: %w", err)
	}

	holdings := make(map[string]float64)
	for _, bal := range account.Balances {
		if IsQuoteAsset(bal.Asset) {
			continue
		}
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		total := free + locked
		if total > dustThreshold {
			holdings[bal.Asset] = total
		}
	}

	e.holdingsCacheMu.Lock()
	e.cachedHoldings = holdings
	e.holdingsCacheTime = time.Now()
	e.holdingsCacheMu.Unlock()

	return holdings, nil
}

func (e *BinanceExchange) invalidateHoldings() {
	e.holdingsCacheMu.Lock()
	e.cachedHoldings = nil
	e.holdingsCacheMu.Unlock()
}

// Ticker returns the last price for the symbol
func (e *BinanceExchange) Ticker(ctx context.Context, symbol string) (float64, error) {
	var prices []*binance.SymbolPrice
	err := e.withRetry(ctx, func() error {
		var perr error
		prices, perr = e.client.NewListPricesService().Symbol(symbol).Do(ctx)
		return perr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no ticker returned for %s", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable ticker price %q for %s", prices[0].Price, symbol)
	}
	return price, nil
}

// Klines returns the most recent 1m close prices for the symbol, oldest first
func (e *BinanceExchange) Klines(ctx context.Context, symbol string, limit int) ([]float64, error) {
	var klines []*binance.Kline
	err := e.withRetry(ctx, func() error {
		var kerr error
		klines, kerr = e.client.NewKlinesService().
			Symbol(symbol).
			Interval("1m").
			Limit(limit).
			Do(ctx)
		return kerr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", symbol, err)
	}

	closes := make([]float64, 0, len(klines))
	for _, k := range klines {
		c, err := strconv.ParseFloat(k.Close, 64)
		if err != nil {
			continue
		}
		closes = append(closes, c)
	}
	return closes, nil
}
