package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/crypton-sys/crypton/internal/runner/controller"
	"github.com/crypton-sys/crypton/internal/runner/domain"
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

// writeOverrideResult maps controller conflicts to 409.
func writeOverrideResult(w http.ResponseWriter, err error) {
	if err != nil {
		if errors.Is(err, controller.ErrConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"service_version": version.Version,
		"state":           s.deps.Machine.State(),
		"uptime_seconds":  time.Since(s.started).Seconds(),
		"last_cycle_id":   s.deps.Machine.LastCycleID(),
		"cycle_interval":  s.deps.Controller.CycleInterval().String(),
	}
	if cycle := s.deps.Machine.CycleSnapshot(); cycle != nil {
		status["cycle"] = cycle
	}
	if lastErr := s.deps.Controller.LastError(); lastErr != "" {
		status["last_error"] = lastErr
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCycles(w http.ResponseWriter, _ *http.Request) {
	ids := s.deps.Artifacts.ListCycles()
	cycles := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		cycles = append(cycles, map[string]interface{}{
			"cycle_id":  id,
			"artifacts": s.deps.Artifacts.ListArtifacts(id),
		})
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	names := s.deps.Artifacts.ListArtifacts(id)
	if len(names) == 0 {
		writeError(w, http.StatusNotFound, "cycle not found")
		return
	}

	artifactContents := make(map[string]string, len(names))
	for _, name := range names {
		content, err := s.deps.Artifacts.Read(id, name)
		if err != nil {
			continue
		}
		artifactContents[name] = content
	}

	resp := map[string]interface{}{
		"cycle_id":  id,
		"artifacts": artifactContents,
	}
	if cycle := s.deps.Machine.CycleSnapshot(); cycle != nil && cycle.CycleID == id {
		resp["record"] = cycle
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Metrics.Errors())
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Metrics.Assemble())
}

func (s *Server) handleMailboxes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Mailboxes.All())
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	agent, ok := parseAgent(chi.URLParam(r, "agent"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	content, err := s.deps.Artifacts.ReadMemory(agent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"agent":  string(agent),
		"memory": content,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	writeOverrideResult(w, s.deps.Controller.Pause())
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	writeOverrideResult(w, s.deps.Controller.Resume())
}

func (s *Server) handleAbort(w http.ResponseWriter, _ *http.Request) {
	writeOverrideResult(w, s.deps.Controller.Abort())
}

func (s *Server) handleForceCycle(w http.ResponseWriter, _ *http.Request) {
	writeOverrideResult(w, s.deps.Controller.ForceCycle())
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agent, ok := parseAgent(req.To)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown agent")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	writeOverrideResult(w, s.deps.Controller.Inject(agent, req.Content))
}

func (s *Server) handleGetCycleInterval(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cycle_interval_minutes": s.deps.Controller.CycleInterval().Minutes(),
	})
}

func (s *Server) handleSetCycleInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"cycle_interval_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Minutes < 1 {
		writeError(w, http.StatusBadRequest, "cycle_interval_minutes must be a positive integer")
		return
	}
	if err := s.deps.Controller.SetCycleInterval(time.Duration(req.Minutes) * time.Minute); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.handleGetCycleInterval(w, r)
}

func parseAgent(name string) (domain.Agent, bool) {
	for _, agent := range domain.AllAgents {
		if string(agent) == name {
			return agent, true
		}
	}
	return "", false
}
