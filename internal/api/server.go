package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"Attester/internal/attestation"
	"Attester/internal/logger"
	"Attester/internal/round"
	"Attester/internal/store"
)

const (
	// maxRequestSize is the maximum attestation request size in bytes.
	maxRequestSize = 1 << 20 // 1 MB
)

// Attester accepts requests for the active round.
type Attester interface {
	Attest(req *attestation.Request) bool
}

// RoundProvider exposes the round engine for monitoring.
type RoundProvider interface {
	ActiveRound() uint64
	Settings() round.Settings
	Rounds(ctx context.Context) ([]round.Info, error)
}

// History reads persisted round results.
type History interface {
	GetRound(id uint64) (*store.RoundState, error)
	VoteResults(roundID uint64) ([]*store.VoteResult, error)
}

// ConfigProvider exposes the loaded DAC generations.
type ConfigProvider interface {
	Generations() []uint64
}

// Server is the HTTP API server.
type Server struct {
	addr     string         // addr is the HTTP listen address
	attester Attester       // attester takes manually injected requests
	rounds   RoundProvider  // rounds provides round engine state
	history  History        // history serves stored round results
	config   ConfigProvider // config lists DAC generations
	started  time.Time
	server   *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server. Nil providers disable their endpoints.
func New(addr string, attester Attester, rounds RoundProvider, history History, config ConfigProvider) *Server {
	return &Server{
		addr:     addr,
		attester: attester,
		rounds:   rounds,
		history:  history,
		config:   config,
		started:  time.Now(),
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /attest", s.handleAttest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /rounds", s.handleRounds)
	mux.HandleFunc("GET /rounds/{id}", s.handleRound)

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleAttest handles POST /attest requests. The body is the raw
// request payload, the same bytes the base chain event carries.
func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	if s.attester == nil {
		writeError(w, http.StatusServiceUnavailable, "attestation intake not available")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) > maxRequestSize {
		writeError(w, http.StatusRequestEntityTooLarge, "request too large")
		return
	}

	req, err := validateRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	if !s.attester.Attest(req) {
		writeError(w, http.StatusServiceUnavailable, "round engine stopped")
		return
	}

	logger.Debug("request injected", "source", req.Source, "type", req.Type)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"hash": req.Hash().Hex(),
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.rounds == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	settings := s.rounds.Settings()

	resp := map[string]any{
		"activeRound":   s.rounds.ActiveRound(),
		"roundDuration": settings.RoundDuration.String(),
		"commitTime":    settings.CommitTime.String(),
		"uptime":        time.Since(s.started).Round(time.Second).String(),
	}

	if s.config != nil {
		resp["dacGenerations"] = s.config.Generations()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRounds handles GET /rounds requests.
func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	if s.rounds == nil {
		writeError(w, http.StatusServiceUnavailable, "rounds not available")
		return
	}

	infos, err := s.rounds.Rounds(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, infos)
}

// storedRound is the response of GET /rounds/{id}.
type storedRound struct {
	ID           uint64       `json:"id"`
	MaskedRoot   string       `json:"maskedRoot"`
	HashedRandom string       `json:"hashedRandom"`
	ValidCount   uint32       `json:"validCount"`
	SavedAt      time.Time    `json:"savedAt"`
	Results      []storedVote `json:"results"`
}

// storedVote is one committed leaf.
type storedVote struct {
	Hash     string `json:"hash"`
	Request  string `json:"request"`
	Response string `json:"response"`
}

// handleRound handles GET /rounds/{id} requests from the store.
func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}

	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid round id")
		return
	}

	state, err := s.history.GetRound(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if state == nil {
		writeError(w, http.StatusNotFound, "round not found")
		return
	}

	votes, err := s.history.VoteResults(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := storedRound{
		ID:           state.RoundID,
		MaskedRoot:   state.MaskedRoot.Hex(),
		HashedRandom: state.HashedRandom.Hex(),
		ValidCount:   state.ValidCount,
		SavedAt:      state.SavedAt,
		Results:      make([]storedVote, 0, len(votes)),
	}

	for _, v := range votes {
		resp.Results = append(resp.Results, storedVote{
			Hash:     v.Hash.Hex(),
			Request:  hex.EncodeToString(v.Request),
			Response: hex.EncodeToString(v.Response),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
