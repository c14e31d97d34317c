package push

import (
	"context"
	"errors"

	"github.com/DoyleJ11/cha-panelas/internal/metrics"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

// ErrHubStopped is returned by Publish once the hub has shut down.
var ErrHubStopped = errors.New("push hub stopped")

type Msg interface{ isHubMsg() }

type Join struct {
	ClientID string
	Outbox   chan types.PushMessage // where this subscriber wants to receive events
}

func (Join) isHubMsg() {}

type Leave struct{ ClientID string }

func (Leave) isHubMsg() {}

type Publish struct {
	Msg types.PushMessage
}

func (Publish) isHubMsg() {}

type Shutdown struct{}

func (Shutdown) isHubMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isHubMsg() {}

type View struct {
	NumClients int
	Published  int
}

// Hub fans push events out to every subscribed stream. A subscriber whose
// outbox is full is dropped and its outbox closed; the client reconnects.
type Hub struct {
	inbox     chan Msg
	clients   map[string]chan types.PushMessage
	published int
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewHub(parent context.Context) *Hub {
	ctx, cancel := context.WithCancel(parent)

	h := &Hub{
		inbox:   make(chan Msg, 64),
		clients: make(map[string]chan types.PushMessage),
		ctx:     ctx,
		cancel:  cancel,
	}

	go h.loop()
	return h
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Join:
				// Register and greet right away so the client knows the stream is live.
				h.clients[msg.ClientID] = msg.Outbox
				h.deliver(msg.ClientID, msg.Outbox, types.PushMessage{Type: types.PushHello})
				metrics.Subscribers.Set(float64(len(h.clients)))

			case Leave:
				delete(h.clients, msg.ClientID)
				metrics.Subscribers.Set(float64(len(h.clients)))

			case Publish:
				h.published++
				metrics.PushEvents.WithLabelValues(msg.Msg.Type).Inc()
				for id, ch := range h.clients {
					h.deliver(id, ch, msg.Msg)
				}
				metrics.Subscribers.Set(float64(len(h.clients)))

			case GetState:
				msg.Reply <- View{NumClients: len(h.clients), Published: h.published}

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) deliver(id string, ch chan types.PushMessage, m types.PushMessage) {
	select {
	case ch <- m:
	default:
		close(ch)
		delete(h.clients, id)
	}
}

func (h *Hub) shutdown() {
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
	metrics.Subscribers.Set(0)
	h.cancel()
}

// Send posts m to the hub unless it has stopped or ctx ends first.
func (h *Hub) Send(ctx context.Context, m Msg) bool {
	if h.ctx.Err() != nil {
		return false
	}
	select {
	case h.inbox <- m:
		return true
	case <-h.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// Publish broadcasts an event of the given type to local subscribers.
func (h *Hub) Publish(ctx context.Context, kind string) error {
	if !h.Send(ctx, Publish{Msg: types.PushMessage{Type: kind}}) {
		if h.ctx.Err() != nil {
			return ErrHubStopped
		}
		return context.Cause(ctx)
	}
	return nil
}

// State returns a race-free view of the hub, mostly for tests and /status.
func (h *Hub) State(ctx context.Context) (View, bool) {
	reply := make(chan View, 1)
	if !h.Send(ctx, GetState{Reply: reply}) {
		return View{}, false
	}
	select {
	case v := <-reply:
		return v, true
	case <-h.ctx.Done():
		return View{}, false
	case <-ctx.Done():
		return View{}, false
	}
}

// Inbox exposes the raw message channel.
func (h *Hub) Inbox() chan<- Msg { return h.inbox }
