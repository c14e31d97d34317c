// Package debounce delays and coalesces bursts of signals.
package debounce

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Gate delivers the latest value passed to Set once no new value has arrived
// for the quiet period. There is no leading edge.
//
// fire runs on the clock's timer goroutine and must not block; actors post
// the value into their inbox. A delivery that races a concurrent Set can
// still arrive, so owners compare the value with their current input.
type Gate[T any] struct {
	quiet time.Duration
	clock clock.WithDelayedExecution
	fire  func(T)

	gen atomic.Uint64

	mu    sync.Mutex
	timer clock.Timer
}

func NewGate[T any](quiet time.Duration, clk clock.WithDelayedExecution, fire func(T)) *Gate[T] {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Gate[T]{quiet: quiet, clock: clk, fire: fire}
}

// Set restarts the quiet period with v as the pending value.
func (g *Gate[T]) Set(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen := g.gen.Add(1)
	if g.timer != nil {
		g.timer.Stop()
	}
	// The callback may run while the clock holds its own lock, so it only
	// reads the atomic generation.
	g.timer = g.clock.AfterFunc(g.quiet, func() {
		if g.gen.Load() == gen {
			g.fire(v)
		}
	})
}

// Stop drops any pending delivery. The gate can be reused with Set.
func (g *Gate[T]) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.gen.Add(1)
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
