package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/execution/metrics"
	"github.com/crypton-sys/crypton/internal/execution/mode"
	"github.com/crypton-sys/crypton/internal/version"
	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	degraded, degradedReason := s.deps.EventLog.Degraded()

	status := map[string]interface{}{
		"service_version": version.Version,
		"mode":            s.deps.Mode.Current(),
		"uptime_seconds":  time.Since(s.started).Seconds(),
		"strategy_state":  s.deps.Strategies.State(),
		"safe_mode":       s.deps.SafeMode.State(),
		"risk":            s.deps.Risk.Snapshot(),
		"open_positions":  len(s.deps.Registry.OpenPositions()),
		"failure_count":   s.deps.Failures.Count(),
		"event_log": map[string]interface{}{
			"degraded": degraded,
			"reason":   degradedReason,
		},
	}
	if cur := s.deps.Strategies.Current(); cur != nil {
		status["strategy_id"] = cur.Doc.ID
		status["strategy_valid_until"] = cur.Doc.ValidityWindow
	}
	if lastErr := s.deps.Strategies.LastError(); lastErr != "" {
		status["strategy_last_error"] = lastErr
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStrategy(w http.ResponseWriter, _ *http.Request) {
	cur := s.deps.Strategies.Current()
	if cur == nil {
		writeError(w, http.StatusNotFound, "no strategy loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":     s.deps.Strategies.State(),
		"loaded_at": cur.LoadedAt,
		"document":  cur.Doc,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.OpenPositions())
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos, ok := s.deps.Registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Router.Orders())
}

func (s *Server) handleTrades(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.ClosedTrades())
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var wins, losses int
	var realized float64
	for _, tr := range s.deps.Registry.ClosedTrades() {
		realized += tr.RealizedPnl
		if tr.RealizedPnl >= 0 {
			wins++
		} else {
			losses++
		}
	}
	payload := s.deps.Metrics.Assemble(metrics.EngineStats{
		TickCount:    s.deps.Engine.TickCount(),
		LastEvalTime: s.deps.Engine.LastEvalDuration(),
	}, wins, losses, realized)
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.deps.EventLog.Recent(limit))
}

func (s *Server) handleSafeModeActivate(w http.ResponseWriter, _ *http.Request) {
	if s.deps.SafeMode.Active() {
		writeError(w, http.StatusConflict, "safe mode already active")
		return
	}
	s.deps.SafeMode.Activate("operator")
	writeJSON(w, http.StatusOK, s.deps.SafeMode.State())
}

func (s *Server) handleSafeModeDeactivate(w http.ResponseWriter, _ *http.Request) {
	if !s.deps.SafeMode.Deactivate() {
		writeError(w, http.StatusConflict, "safe mode not active")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.SafeMode.State())
}

func (s *Server) handlePromote(w http.ResponseWriter, _ *http.Request) {
	s.changeMode(w, s.deps.Mode.Promote)
}

func (s *Server) handleDemote(w http.ResponseWriter, _ *http.Request) {
	s.changeMode(w, s.deps.Mode.Demote)
}

func (s *Server) changeMode(w http.ResponseWriter, change func() error) {
	if err := change(); err != nil {
		if errors.Is(err, mode.ErrAlreadyInMode) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.Mode{"mode": s.deps.Mode.Current()})
}

func (s *Server) handleStrategyReload(w http.ResponseWriter, _ *http.Request) {
	reloaded := s.deps.Strategies.Reload()
	resp := map[string]interface{}{
		"reloaded": reloaded,
		"state":    s.deps.Strategies.State(),
	}
	if lastErr := s.deps.Strategies.LastError(); lastErr != "" {
		resp["error"] = lastErr
	}
	writeJSON(w, http.StatusOK, resp)
}
