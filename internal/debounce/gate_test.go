package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	testclock "k8s.io/utils/clock/testing"
)

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) fire(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recorder) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestGate_TypingAnaFiresOnceAfterLastKeystroke(t *testing.T) {
	clk := testclock.NewFakeClock(time.Unix(0, 0))
	var rec recorder
	g := NewGate(400*time.Millisecond, clk, rec.fire)

	for _, prefix := range []string{"A", "An", "Ana"} {
		g.Set(prefix)
		clk.Step(399 * time.Millisecond)
		assert.Empty(t, rec.values(), "fired early at %q", prefix)
	}

	// 399ms have passed since "Ana".
	clk.Step(time.Millisecond)
	assert.Equal(t, []string{"Ana"}, rec.values())

	clk.Step(time.Second)
	assert.Equal(t, []string{"Ana"}, rec.values(), "must deliver exactly once")
}

func TestGate_StopCancelsPending(t *testing.T) {
	clk := testclock.NewFakeClock(time.Unix(0, 0))
	var rec recorder
	g := NewGate(400*time.Millisecond, clk, rec.fire)

	g.Set("x")
	g.Stop()
	clk.Step(time.Second)
	assert.Empty(t, rec.values())
	assert.False(t, clk.HasWaiters())

	g.Set("y")
	clk.Step(400 * time.Millisecond)
	assert.Equal(t, []string{"y"}, rec.values())
}

func TestGate_StopIsIdempotent(t *testing.T) {
	g := NewGate(time.Millisecond, testclock.NewFakeClock(time.Unix(0, 0)), func(int) {})
	g.Stop()
	g.Stop()
}
