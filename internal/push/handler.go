package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/DoyleJ11/cha-panelas/internal/logging"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

const (
	outboxSize   = 16
	keepAlive    = 25 * time.Second
	writeTimeout = 3 * time.Second
)

func subscribe(ctx context.Context, h *Hub) (string, chan types.PushMessage, bool) {
	id := uuid.NewString()
	out := make(chan types.PushMessage, outboxSize)
	if !h.Send(ctx, Join{ClientID: id, Outbox: out}) {
		return "", nil, false
	}
	return id, out, true
}

func unsubscribe(h *Hub, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.Send(ctx, Leave{ClientID: id})
}

// SSEHandler serves GET /stream as text/event-stream. Every event is one
// "data:" line carrying the JSON PushMessage.
func SSEHandler(h *Hub, log *zap.Logger) http.HandlerFunc {
	log = logging.OrNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		id, out, ok := subscribe(r.Context(), h)
		if !ok {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer unsubscribe(h, id)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case msg, ok := <-out:
				if !ok {
					// Dropped as a slow subscriber or the hub stopped.
					return
				}
				msg.At = time.Now().UnixMilli()
				payload, err := json.Marshal(msg)
				if err != nil {
					log.Error("encode push event", zap.Error(err))
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// WSHandler serves GET /ws. The socket is write-only from the server side;
// anything the client sends is discarded.
func WSHandler(h *Hub, log *zap.Logger, originPatterns []string) http.HandlerFunc {
	log = logging.OrNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			log.Debug("websocket accept", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		ctx := conn.CloseRead(r.Context())

		id, out, ok := subscribe(ctx, h)
		if !ok {
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		}
		defer unsubscribe(h, id)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-out:
				if !ok {
					conn.Close(websocket.StatusTryAgainLater, "dropped")
					return
				}
				msg.At = time.Now().UnixMilli()
				payload, err := json.Marshal(msg)
				if err != nil {
					log.Error("encode push event", zap.Error(err))
					continue
				}
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err = conn.Write(wctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}
}
