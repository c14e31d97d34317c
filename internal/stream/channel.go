// Package stream keeps one push subscription alive. A Channel dials through
// a Transport, redials with exponential backoff after failures and reports
// its status and every decoded event to the consumer, in order.
package stream

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/DoyleJ11/cha-panelas/internal/logging"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

const (
	DefaultFloor   = 500 * time.Millisecond
	DefaultCeiling = 8 * time.Second
)

// Transport opens one connection to the push endpoint.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn yields raw event payloads until it fails or ctx ends.
type Conn interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

type Options struct {
	Floor   time.Duration
	Ceiling time.Duration
	Clock   clock.WithDelayedExecution
	Logger  *zap.Logger

	// OnEvent and OnStatus run on the channel goroutine and must not block.
	OnEvent  func(types.PushMessage)
	OnStatus func(ConnectionState)
}

type Channel struct {
	transport Transport
	policy    policy
	clock     clock.WithDelayedExecution
	log       *zap.Logger
	onEvent   func(types.PushMessage)
	onStatus  func(ConnectionState)

	inbox  chan input
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	current atomic.Pointer[ConnectionState]

	// loop-owned
	st    state
	conns map[uint64]context.CancelFunc
	timer clock.Timer
}

// New starts the channel loop in idle status. The loop, and any connection
// it holds, ends with parent.
func New(parent context.Context, t Transport, o Options) *Channel {
	if o.Floor <= 0 {
		o.Floor = DefaultFloor
	}
	if o.Ceiling <= 0 {
		o.Ceiling = DefaultCeiling
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.OnEvent == nil {
		o.OnEvent = func(types.PushMessage) {}
	}
	if o.OnStatus == nil {
		o.OnStatus = func(ConnectionState) {}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Channel{
		transport: t,
		policy:    policy{floor: o.Floor, ceiling: o.Ceiling},
		clock:     o.Clock,
		log:       logging.OrNop(o.Logger),
		onEvent:   o.OnEvent,
		onStatus:  o.OnStatus,
		inbox:     make(chan input, 64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		conns:     make(map[uint64]context.CancelFunc),
	}
	c.st.conn = ConnectionState{Status: Idle, Backoff: o.Floor}
	snap := c.st.conn
	c.current.Store(&snap)

	go c.loop()
	return c
}

// Open starts connecting. It does nothing while a connection is being made,
// is established, or a redial is already scheduled.
func (c *Channel) Open() { c.post(inOpen{}) }

// Close drops the connection and any scheduled redial and goes idle. It is
// safe to call at any time, any number of times. Open may follow.
func (c *Channel) Close() { c.post(inClose{}) }

// Status is the last state published by the loop.
func (c *Channel) Status() ConnectionState { return *c.current.Load() }

// Done is closed once the loop has stopped.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) post(in input) {
	select {
	case c.inbox <- in:
	case <-c.ctx.Done():
	}
}

func (c *Channel) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.apply(inClose{})
			return
		case in := <-c.inbox:
			c.apply(in)
		}
	}
}

func (c *Channel) apply(in input) {
	if f, ok := in.(inFailed); ok && f.gen == c.st.attempt {
		c.log.Info("push stream failed", zap.Error(f.err), zap.Duration("retry_in", c.st.conn.Backoff))
	}

	var effects []effect
	c.st, effects = next(c.policy, c.st, in)

	for _, e := range effects {
		switch e.kind {
		case effStatus:
			snap := e.conn
			c.current.Store(&snap)
			c.log.Debug("push stream status", zap.Stringer("status", snap.Status), zap.Duration("backoff", snap.Backoff))
			c.onStatus(snap)

		case effDial:
			ctx, cancel := context.WithCancel(c.ctx)
			c.conns[e.gen] = cancel
			go c.read(ctx, e.gen)

		case effTeardown:
			if cancel, ok := c.conns[e.gen]; ok {
				cancel()
				delete(c.conns, e.gen)
			}

		case effSchedule:
			gen := e.gen
			// AfterFunc callbacks may run under the clock's lock; hand off.
			c.timer = c.clock.AfterFunc(e.delay, func() { go c.post(inRetry{gen: gen}) })

		case effCancelRetry:
			if c.timer != nil {
				c.timer.Stop()
				c.timer = nil
			}

		case effDeliver:
			c.onEvent(e.msg)
		}
	}
}

func (c *Channel) read(ctx context.Context, gen uint64) {
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		c.post(inFailed{gen: gen, err: err})
		return
	}
	defer conn.Close()

	for {
		data, err := conn.Next(ctx)
		if err != nil {
			c.post(inFailed{gen: gen, err: err})
			return
		}
		var msg types.PushMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.log.Debug("dropping malformed push payload", zap.ByteString("payload", data))
			continue
		}
		c.post(inMessage{gen: gen, msg: msg})
	}
}

// Fanout lets several consumers share one channel's events.
func Fanout(handlers ...func(types.PushMessage)) func(types.PushMessage) {
	return func(m types.PushMessage) {
		for _, h := range handlers {
			h(m)
		}
	}
}
