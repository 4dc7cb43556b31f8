package exchange

import (
	"context"
	"errors"
	"strings"
)

// Fill reports what the exchange actually executed for an order. Filled
// quantity and price may differ from the proposed amount due to exchange
// precision rounding; callers must book the actual values, not the proposal.
type Fill struct {
	OrderID string  `json:"order_id"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
}

// Exchange is the order execution collaborator. Implementations: Binance spot
// and the in-process paper exchange. All calls take a context so the
// coordinator can bound them with per-call timeouts.
type Exchange interface {
	// PlaceOpen market-buys usdAmount worth of the symbol
	PlaceOpen(ctx context.Context, symbol string, usdAmount float64) (*Fill, error)
	// PlaceClose market-sells qty of the symbol's base asset
	PlaceClose(ctx context.Context, symbol string, qty float64) (*Fill, error)
	// Holdings returns base asset -> quantity for all non-dust balances
	Holdings(ctx context.Context) (map[string]float64, error)
	// Ticker returns the last price for the symbol
	Ticker(ctx context.Context, symbol string) (float64, error)
	// Klines returns the most recent close prices for the symbol, oldest first
	Klines(ctx context.Context, symbol string, limit int) ([]float64, error)
}

// ErrHalted is returned when the circuit breaker has tripped and order
// submission is suspended
var ErrHalted = errors.New("order submission halted")

// FatalError marks errors that must stop new order submission: auth failures,
// permission denials, anything where retrying is operating on uncertain state.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal exchange error: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as fatal
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err must halt new order submission
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsTransient reports whether err is worth retrying with backoff: timeouts,
// rate limits, connectivity. Fatal errors are never transient.
func IsTransient(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"timeout", "timed out", "temporarily", "connection re", "eof",
		"too many requests", "-1003", // Binance rate limit
		"-1021", // Binance timestamp drift
		"service unavailable", "502", "503",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// classifyBinance upgrades auth/permission errors to fatal. Binance reports
// these by code in the error text: -2014 bad API key format, -2015 invalid
// key/IP/permissions, -1002 unauthorized.
func classifyBinance(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"-2014", "-2015", "-1002", "invalid api-key", "signature for this request is not valid"} {
		if strings.Contains(msg, hint) {
			return Fatal(err)
		}
	}
	return err
}

// BaseCoin strips the quote asset from a trading pair: "BTCUSDT" -> "BTC"
func BaseCoin(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "FDUSD", "BUSD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}

// SymbolFor returns the default trading pair for a base coin: "BTC" -> "BTCUSDT"
func SymbolFor(coin string) string {
	return coin + "USDT"
}

// IsQuoteAsset reports whether the asset is a quote currency rather than a
// tradable coin (these never map to positions)
func IsQuoteAsset(asset string) bool {
	switch asset {
	case "USDT", "USDC", "FDUSD", "BUSD":
		return true
	}
	return false
}
