// Package query exposes synchronized pool state, phases, statistics and
// health over HTTP.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"liquiditySync/internal/model"
	"liquiditySync/internal/replay"
	"liquiditySync/internal/storage"
)

// Engine is the slice of the replay engine the handlers read from.
type Engine interface {
	CurrentState(ctx context.Context, id model.PoolID) (*model.PoolStateView, error)
	Phase(id model.PoolID) (replay.Phase, bool)
	Phases() map[model.PoolID]replay.Phase
	FeedHead() uint64
	Registered() []model.PoolID
}

// Config tunes the query surface.
type Config struct {
	// StaleAfter is the snapshot age beyond which a pool counts as stale on
	// the health endpoint.
	StaleAfter time.Duration
}

// Server serves the read-only HTTP API.
type Server struct {
	cfg       Config
	engine    Engine
	snapshots storage.SnapshotStore
	ledger    storage.EventLedger
	logger    *zap.Logger
}

// NewServer wires the server to its engine and stores. A nil logger disables
// logging.
func NewServer(cfg Config, engine Engine, snapshots storage.SnapshotStore, ledger storage.EventLedger, logger *zap.Logger) *Server {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, engine: engine, snapshots: snapshots, ledger: ledger, logger: logger}
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/v1/pools", s.handlePools).Methods("GET")
	r.HandleFunc("/v1/pools/{id}/state", s.handlePoolState).Methods("GET")
	r.HandleFunc("/v1/pools/{id}/snapshot", s.handlePoolSnapshot).Methods("GET")
	r.HandleFunc("/v1/phases", s.handlePhases).Methods("GET")
	r.HandleFunc("/v1/stats", s.handleStats).Methods("GET")

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/readyz", s.handleReady).Methods("GET")

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("query server listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type poolListEntry struct {
	ID    model.PoolID `json:"id"`
	Phase replay.Phase `json:"phase"`
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.Registered()
	pools := make([]poolListEntry, 0, len(ids))
	for _, id := range ids {
		phase, _ := s.engine.Phase(id)
		pools = append(pools, poolListEntry{ID: id, Phase: phase})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pools": pools,
		"count": len(pools),
	})
}

func (s *Server) handlePoolState(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParsePoolID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := s.engine.CurrentState(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, view)
	case errors.Is(err, replay.ErrUnknownPool):
		writeError(w, http.StatusNotFound, "pool is not tracked")
	case errors.Is(err, replay.ErrNotSynchronized):
		writeError(w, http.StatusServiceUnavailable, "pool state is not ready")
	default:
		s.logger.Warn("state query failed", zap.String("pool", string(id)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "state query failed")
	}
}

func (s *Server) handlePoolSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParsePoolID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, ok, err := s.snapshots.Get(r.Context(), id)
	if err != nil {
		s.logger.Warn("snapshot query failed", zap.String("pool", string(id)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "snapshot query failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshot for pool")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePhases(w http.ResponseWriter, r *http.Request) {
	phases := s.engine.Phases()
	counts := make(map[string]int, 2)
	for _, phase := range phases {
		counts[phase.String()]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pools":  phases,
		"counts": counts,
	})
}

type statsResponse struct {
	FeedHead  uint64                `json:"feed_head"`
	Pools     int                   `json:"pools"`
	Snapshots storage.SnapshotStats `json:"snapshots"`
	Ledger    storage.LedgerStats   `json:"ledger"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapStats, err := s.snapshots.Stats(r.Context())
	if err != nil {
		s.logger.Warn("snapshot stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "snapshot stats failed")
		return
	}
	ledgerStats, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.logger.Warn("ledger stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ledger stats failed")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		FeedHead:  s.engine.FeedHead(),
		Pools:     len(s.engine.Registered()),
		Snapshots: snapStats,
		Ledger:    ledgerStats,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stale, err := s.snapshots.StalePools(r.Context(), s.cfg.StaleAfter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "errored",
			"error":  "snapshot store unreachable",
		})
		return
	}
	if len(stale) > 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "degraded",
			"stale_pools": stale,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, phase := range s.engine.Phases() {
		if phase == replay.PhaseSynchronized {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusServiceUnavailable, "no pool is synchronized")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
