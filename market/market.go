package market

import (
	"context"
	"fmt"
	"log"
	"time"

	talib "github.com/markcheno/go-talib"

	"hive/exchange"
)

const (
	rsiLength  = 14
	maShort    = 7
	maLong     = 25
	klineLimit = 120 // 1m closes; enough warmup for RSI(14) and MA(25)
)

// Snapshot is the read-only per-symbol market view handed to strategy
// evaluators. Superseded each cycle; no history retained here.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	RSI       float64   `json:"rsi"`
	MAShort   float64   `json:"ma_short"` // 7-period EMA
	MALong    float64   `json:"ma_long"`  // 25-period SMA
	Timestamp time.Time `json:"timestamp"`
}

// Feed structures raw exchange ticks into per-symbol snapshots
type Feed struct {
	ex exchange.Exchange
}

// NewFeed creates an indicator feed over the exchange collaborator
func NewFeed(ex exchange.Exchange) *Feed {
	return &Feed{ex: ex}
}

// Snapshot fetches closes for every symbol and computes indicators. Symbols
// that fail to fetch or lack indicator warmup are skipped with a warning;
// one bad symbol must not starve the rest of the cycle.
func (f *Feed) Snapshot(ctx context.Context, symbols []string) (map[string]Snapshot, error) {
	now := time.Now()
	out := make(map[string]Snapshot, len(symbols))

	for _, symbol := range symbols {
		snap, err := f.snapshotOne(ctx, symbol, now)
		if err != nil {
			log.Printf("⚠️  Market feed: skipping %s this cycle: %v", symbol, err)
			continue
		}
		out[symbol] = snap
	}

	if len(out) == 0 && len(symbols) > 0 {
		return nil, fmt.Errorf("market feed produced no snapshots for %d symbols", len(symbols))
	}
	return out, nil
}

func (f *Feed) snapshotOne(ctx context.Context, symbol string, now time.Time) (Snapshot, error) {
	closes, err := f.ex.Klines(ctx, symbol, klineLimit)
	if err != nil {
		return Snapshot{}, err
	}
	if len(closes) <= maLong {
		return Snapshot{}, fmt.Errorf("only %d closes available, need more than %d", len(closes), maLong)
	}

	idx := len(closes) - 1
	rsi := talib.Rsi(closes, rsiLength)
	emaShort := talib.Ema(closes, maShort)
	smaLong := talib.Sma(closes, maLong)

	return Snapshot{
		Symbol:    symbol,
		Price:     closes[idx],
		RSI:       rsi[idx],
		MAShort:   emaShort[idx],
		MALong:    smaLong[idx],
		Timestamp: now,
	}, nil
}
