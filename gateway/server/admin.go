package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gasrelay/relay/pool"
	"gasrelay/relay/txwire"
)

func (s *Server) handleAdminPayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"payers":      s.pool.Status(),
		"breakerOpen": s.pool.BreakerOpen(),
		"paused":      s.Paused(),
	})
}

func (s *Server) adminPayerKey(w http.ResponseWriter, r *http.Request) (txwire.Pubkey, bool) {
	key, err := txwire.ParsePubkey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PAYER_KEY", "payer key is not a valid public key")
		return txwire.Pubkey{}, false
	}
	return key, true
}

func (s *Server) handleAdminRetire(w http.ResponseWriter, r *http.Request) {
	key, ok := s.adminPayerKey(w, r)
	if !ok {
		return
	}
	if err := s.pool.StartRetirement(key); err != nil {
		writeAdminPoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payer": key.String(), "rotation": "retiring"})
}

func (s *Server) handleAdminRetireComplete(w http.ResponseWriter, r *http.Request) {
	key, ok := s.adminPayerKey(w, r)
	if !ok {
		return
	}
	if err := s.pool.CompleteRetirement(key); err != nil {
		writeAdminPoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payer": key.String(), "rotation": "retired"})
}

func (s *Server) handleAdminEmergencyRetire(w http.ResponseWriter, r *http.Request) {
	key, ok := s.adminPayerKey(w, r)
	if !ok {
		return
	}
	cancelled, err := s.pool.EmergencyRetire(key)
	if err != nil {
		writeAdminPoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payer":                 key.String(),
		"rotation":              "retired",
		"cancelledReservations": cancelled,
	})
}

func (s *Server) handleAdminReactivate(w http.ResponseWriter, r *http.Request) {
	key, ok := s.adminPayerKey(w, r)
	if !ok {
		return
	}
	if err := s.pool.Reactivate(key); err != nil {
		writeAdminPoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payer": key.String(), "rotation": "active"})
}

func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	s.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleAdminResume(w http.ResponseWriter, r *http.Request) {
	s.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func writeAdminPoolError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusConflict
	code := "ROTATION_REJECTED"
	switch {
	case errors.Is(err, pool.ErrUnknownPayer):
		status = http.StatusNotFound
		code = "UNKNOWN_PAYER"
	case errors.Is(err, pool.ErrHasReservations):
		code = "RESERVATIONS_OUTSTANDING"
	case errors.Is(err, pool.ErrForcedRetirement), errors.Is(err, pool.ErrPayerRetired):
		code = "PAYER_RETIRED"
	}
	writeError(w, r, status, code, err.Error())
}
