package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/DoyleJ11/cha-panelas/internal/engine"
	"github.com/DoyleJ11/cha-panelas/internal/metrics"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

var (
	errSpam         = errors.New("spam detected")
	errBadBody      = errors.New("invalid request body")
	errBadGuestID   = errors.New("convidado_id must be a positive integer")
	errUnauthorized = errors.New("unauthorized")
	errRateLimited  = errors.New("too many requests, try again later")
)

func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	avail, err := s.items.Get(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.Status{Stats: st, Available: avail})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.items.Get(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) rsvp(w http.ResponseWriter, r *http.Request) {
	var req types.RSVPRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Honeypot != "" {
		s.log.Warn("honeypot triggered", zap.String("remote", r.RemoteAddr))
		metrics.Mutations.WithLabelValues("rsvp", "spam").Inc()
		writeError(w, http.StatusBadRequest, errSpam)
		return
	}

	id, events, err := s.store.Register(r.Context(), req.Name)
	if err != nil {
		s.countMutation("rsvp", err)
		s.writeError(w, err)
		return
	}
	s.countMutation("rsvp", nil)
	s.log.Info("rsvp", zap.Int64("guest_id", id), zap.String("name", req.Name))
	s.announce(r.Context(), events)
	writeJSON(w, http.StatusOK, types.RSVPResponse{OK: true, GuestID: id})
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	var req types.ClaimRequest
	if !decode(w, r, &req) {
		return
	}
	if req.GuestID <= 0 || req.ItemID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("convidado_id and item_id must be positive integers"))
		return
	}

	events, err := s.store.Claim(r.Context(), req.GuestID, req.ItemID)
	s.countMutation("claim", err)
	if err != nil {
		if errors.Is(err, engine.ErrItemTaken) {
			s.log.Info("claim conflict", zap.Int64("guest_id", req.GuestID), zap.Int64("item_id", req.ItemID))
		}
		s.writeError(w, err)
		return
	}
	s.log.Info("claim", zap.Int64("guest_id", req.GuestID), zap.Int64("item_id", req.ItemID))
	s.announce(r.Context(), events)
	writeJSON(w, http.StatusOK, types.Result{OK: true})
}

func (s *Server) listGuests(w http.ResponseWriter, r *http.Request) {
	guests, err := s.store.Guests(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guests)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	s.guestAction(w, r, "release", func(ctx context.Context, id int64) ([]engine.Event, error) {
		return s.store.Release(ctx, id)
	})
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	s.guestAction(w, r, "remove", func(ctx context.Context, id int64) ([]engine.Event, error) {
		return s.store.Remove(ctx, id)
	})
}

func (s *Server) guestAction(w http.ResponseWriter, r *http.Request, op string, do func(context.Context, int64) ([]engine.Event, error)) {
	var req types.GuestRequest
	if !decode(w, r, &req) {
		return
	}
	if req.GuestID <= 0 {
		writeError(w, http.StatusBadRequest, errBadGuestID)
		return
	}
	events, err := do(r.Context(), req.GuestID)
	s.countMutation(op, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("admin "+op, zap.Int64("guest_id", req.GuestID))
	s.announce(r.Context(), events)
	writeJSON(w, http.StatusOK, types.Result{OK: true})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.Reset(r.Context())
	s.countMutation("reset", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.announce(r.Context(), events)
	writeJSON(w, http.StatusOK, types.Result{OK: true})
}

// announce drops the item cache when availability changed and tells every
// subscriber what to refetch. Stats change on every mutation.
func (s *Server) announce(ctx context.Context, events []engine.Event) {
	itemsChanged := false
	for _, e := range events {
		itemsChanged = itemsChanged || e.ItemsChanged()
	}
	if itemsChanged {
		s.items.Invalidate()
		s.publish(ctx, types.PushItemsUpdate)
	}
	s.publish(ctx, types.PushStatsUpdate)
}

func (s *Server) publish(ctx context.Context, kind string) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(context.WithoutCancel(ctx), kind); err != nil {
		s.log.Warn("publish push event", zap.String("type", kind), zap.Error(err))
	}
}

func (s *Server) countMutation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
		if statusFor(err) == http.StatusInternalServerError {
			outcome = "error"
		}
	}
	metrics.Mutations.WithLabelValues(op, outcome).Inc()
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, errBadBody)
		return false
	}
	return true
}
