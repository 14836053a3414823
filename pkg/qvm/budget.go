// Package qvm hosts QVM modules: it ties together the loader, the
// interpreter in package vm, the native registry and the step budget.
//
// The interpreter itself is unmetered. Hosts bound execution by charging
// one step per instruction, plus native costs, against a Budget.
package qvm

import (
	"errors"
	"sync/atomic"
)

// Budget defaults.
const (
	StepsDefault = uint64(10_000_000)    // Default step limit per execution
	StepsMax     = uint64(1_000_000_000) // Max step limit
)

// ErrBudgetExceeded is returned when the step budget is exhausted.
var ErrBudgetExceeded = errors.New("step budget exceeded")

// Budget meters steps for one execution. It is safe for concurrent use,
// since natives may charge it from the host side.
type Budget struct {
	limit uint64
	used  atomic.Uint64
	spent atomic.Bool
}

// NewBudget creates a budget of limit steps. Zero selects StepsDefault and
// limits above StepsMax are clamped.
func NewBudget(limit uint64) *Budget {
	switch {
	case limit == 0:
		limit = StepsDefault
	case limit > StepsMax:
		limit = StepsMax
	}
	return &Budget{limit: limit}
}

// Consume charges cost steps. A charge that does not fit exhausts the
// budget and returns ErrBudgetExceeded; the steps already used are kept.
func (b *Budget) Consume(cost uint64) error {
	for {
		used := b.used.Load()
		if b.limit-used < cost {
			b.spent.Store(true)
			return ErrBudgetExceeded
		}
		if b.used.CompareAndSwap(used, used+cost) {
			return nil
		}
	}
}

// Remaining returns the steps left, or zero once exhausted.
func (b *Budget) Remaining() uint64 {
	if b.spent.Load() {
		return 0
	}
	return b.limit - b.used.Load()
}

// Consumed returns the steps charged so far.
func (b *Budget) Consumed() uint64 {
	return b.used.Load()
}

// Limit returns the step limit.
func (b *Budget) Limit() uint64 {
	return b.limit
}

// IsExhausted reports whether a charge has been refused.
func (b *Budget) IsExhausted() bool {
	return b.spent.Load()
}
