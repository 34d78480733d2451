package action

import (
	"sync"
	"time"
)

// safetyClassCost is the default token cost per dispatch for each declared
// safety_class, mirroring internal/budget/token_bucket.go's CostModel but
// keyed by a tool's safety_class instead of an escalation State.
var safetyClassCost = map[string]int{
	"low":      1,
	"medium":   5,
	"high":     10,
	"critical": 20,
}

func costForSafetyClass(class string) int {
	if c, ok := safetyClassCost[class]; ok {
		return c
	}
	return 1
}

// BudgetSet is a set of per-safety_class token buckets, refilled to full
// capacity on a fixed period. Generalizes
// internal/budget/token_bucket.go's single global Bucket to one bucket per
// safety_class, since a burst of low-risk dispatches should not starve a
// single high-risk one (spec.md §4.J sandbox CPU/time budget).
type BudgetSet struct {
	mu           sync.Mutex
	capacity     int
	tokens       map[string]int
	refillPeriod time.Duration
	stop         chan struct{}
}

// NewBudgetSet constructs a BudgetSet and starts its refill goroutine.
// Call Close to stop it.
func NewBudgetSet(capacity int, refillPeriod time.Duration) *BudgetSet {
	if capacity <= 0 {
		capacity = 100
	}
	if refillPeriod <= 0 {
		refillPeriod = 60 * time.Second
	}
	b := &BudgetSet{capacity: capacity, tokens: make(map[string]int), refillPeriod: refillPeriod, stop: make(chan struct{})}
	go b.refillLoop()
	return b
}

func (b *BudgetSet) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			for class := range b.tokens {
				b.tokens[class] = b.capacity
			}
			b.mu.Unlock()
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume the cost for safetyClass, lazily
// initializing a full bucket for a class seen for the first time.
func (b *BudgetSet) Consume(safetyClass string) bool {
	cost := costForSafetyClass(safetyClass)
	b.mu.Lock()
	defer b.mu.Unlock()
	tokens, ok := b.tokens[safetyClass]
	if !ok {
		tokens = b.capacity
	}
	if tokens < cost {
		b.tokens[safetyClass] = tokens
		return false
	}
	b.tokens[safetyClass] = tokens - cost
	return true
}

// Remaining returns the current token count for safetyClass.
func (b *BudgetSet) Remaining(safetyClass string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tokens, ok := b.tokens[safetyClass]; ok {
		return tokens
	}
	return b.capacity
}

// Close stops the refill goroutine. Safe to call once.
func (b *BudgetSet) Close() { close(b.stop) }
