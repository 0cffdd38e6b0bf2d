package tracker

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type health struct {
	Status    string `json:"status"`
	Peers     int    `json:"peers"`
	Transfers int    `json:"transfers"`
}

func (s *Server) routes() {
	s.transport.Handle("/api/peers", http.HandlerFunc(s.handlePeers), http.MethodGet)
	s.transport.Handle("/api/transfers", http.HandlerFunc(s.handleTransfers), http.MethodGet)
	s.transport.Handle("/healthz", http.HandlerFunc(s.handleHealth), http.MethodGet, http.MethodHead)

	if s.config.StaticDir != "" {
		s.transport.HandlePrefix("/", http.FileServer(http.Dir(s.config.StaticDir)))
	}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "transfer history is disabled", http.StatusNotFound)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		transfers any
		err       error
	)
	if peer := r.URL.Query().Get("peer"); peer != "" {
		transfers, err = s.history.ForPeer(r.Context(), peer, limit)
	} else {
		transfers, err = s.history.List(r.Context(), limit)
	}
	if err != nil {
		s.logger.Errorf("Failed to list transfers: %v", err)
		http.Error(w, "failed to list transfers", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, transfers)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, health{
		Status:    "ok",
		Peers:     s.registry.Len(),
		Transfers: s.sessions.Len(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugf("Failed to write response: %v", err)
	}
}
