package store

import (
	"context"
	"sync"

	"k8s.io/utils/clock"

	"github.com/DoyleJ11/cha-panelas/internal/engine"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

// Memory runs engine.Apply over a single in-process state.
type Memory struct {
	mu    sync.Mutex
	state engine.State
	seed  []string
	clock clock.PassiveClock
}

func NewMemory(itemNames []string, clk clock.PassiveClock) *Memory {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Memory{state: engine.NewState(itemNames), seed: itemNames, clock: clk}
}

func (m *Memory) apply(cmd engine.Command) ([]engine.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd.At = m.clock.Now()
	events, next, err := engine.Apply(m.state, cmd)
	if err != nil {
		return nil, err
	}
	m.state = next
	return events, nil
}

func (m *Memory) snapshot() engine.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Memory) Available(context.Context) ([]types.Item, error) {
	return engine.Available(m.snapshot()), nil
}

func (m *Memory) Guests(_ context.Context, q string) ([]types.Guest, error) {
	return engine.Guests(m.snapshot(), q), nil
}

func (m *Memory) Stats(context.Context) (types.Stats, error) {
	return engine.Stats(m.snapshot()), nil
}

func (m *Memory) Register(_ context.Context, name string) (int64, []engine.Event, error) {
	events, err := m.apply(engine.Command{Type: engine.CmdRegister, Name: name})
	if err != nil {
		return 0, nil, err
	}
	return events[0].GuestID, events, nil
}

func (m *Memory) Claim(_ context.Context, guestID, itemID int64) ([]engine.Event, error) {
	events, err := m.apply(engine.Command{Type: engine.CmdClaim, GuestID: guestID, ItemID: itemID})
	return events, err
}

func (m *Memory) Release(_ context.Context, guestID int64) ([]engine.Event, error) {
	events, err := m.apply(engine.Command{Type: engine.CmdRelease, GuestID: guestID})
	return events, err
}

func (m *Memory) Remove(_ context.Context, guestID int64) ([]engine.Event, error) {
	events, err := m.apply(engine.Command{Type: engine.CmdRemove, GuestID: guestID})
	return events, err
}

func (m *Memory) Reset(context.Context) ([]engine.Event, error) {
	events, err := m.apply(engine.Command{Type: engine.CmdReset, Seed: m.seed})
	return events, err
}

func (m *Memory) Close() error { return nil }
