package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/DoyleJ11/cha-panelas/internal/engine"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrItemTaken), errors.Is(err, engine.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrGuestNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNothingToRelease),
		errors.Is(err, engine.ErrInvalidName),
		errors.Is(err, engine.ErrDuplicateName):
		return http.StatusBadRequest
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// writeError maps domain errors to their status. Anything unexpected is
// logged and reported with a generic message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		err = errors.New("internal error, try again")
	}
	writeError(w, code, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, types.Result{OK: false, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
