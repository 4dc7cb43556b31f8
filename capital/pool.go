package capital

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrInsufficientFunds is returned when a reservation would overcommit the pool
var ErrInsufficientFunds = errors.New("insufficient free capital")

// Pool tracks the shared capital budget all bots draw from. Invariant:
// reserved + free == total at all times, and reserved equals the sum of
// invested amounts over non-terminal positions. Only the coordinator's
// serialized section mutates it.
type Pool struct {
	mu       sync.Mutex
	total    float64
	reserved float64
}

// NewPool creates a pool with the full amount free
func NewPool(total float64) *Pool {
	return &Pool{total: total}
}

// NewPoolWithReserved creates a pool that resumes with part of the capital
// already reserved (restart recovery: reservations recomputed from the
// persisted non-terminal positions)
func NewPoolWithReserved(total, reserved float64) (*Pool, error) {
	if reserved < 0 || reserved > total {
		return nil, fmt.Errorf("restored reservation %.2f outside pool total %.2f", reserved, total)
	}
	return &Pool{total: total, reserved: reserved}, nil
}

// Reserve atomically sets aside amount for a pending open. Fails closed: the
// caller must not submit the order if this errors.
func (p *Pool) Reserve(amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %.2f", amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	free := p.total - p.reserved
	if amount > free {
		return fmt.Errorf("%w: want %.2f, free %.2f", ErrInsufficientFunds, amount, free)
	}
	p.reserved += amount
	return nil
}

// Release returns amount to the free pool after a confirmed close or a failed
// order. Over-release is clamped and logged loudly; it indicates an
// accounting bug upstream.
func (p *Pool) Release(amount float64) {
	if amount <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount > p.reserved {
		log.Printf("🚨 Capital pool: release of %.2f exceeds reserved %.2f, clamping", amount, p.reserved)
		amount = p.reserved
	}
	p.reserved -= amount
}

// Adjust swaps a reservation from the proposed amount to the actual filled
// amount in one step. The exchange may fill slightly more or less than
// proposed due to precision rounding; reserved must track the actual invested
// amount. A small overshoot past total is tolerated and clamped.
func (p *Pool) Adjust(proposed, actual float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reserved += actual - proposed
	if p.reserved < 0 {
		log.Printf("🚨 Capital pool: adjust drove reserved negative (%.2f), clamping to 0", p.reserved)
		p.reserved = 0
	}
	if p.reserved > p.total {
		log.Printf("🚨 Capital pool: adjust drove reserved (%.2f) past total (%.2f), clamping", p.reserved, p.total)
		p.reserved = p.total
	}
}

// Total returns the pool size
func (p *Pool) Total() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Reserved returns the amount currently reserved by non-terminal positions
func (p *Pool) Reserved() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved
}

// Free returns the amount available for new reservations
func (p *Pool) Free() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total - p.reserved
}
