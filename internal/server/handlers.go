package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradearena/arena/internal/chat"
	"github.com/tradearena/arena/internal/domain"
	"github.com/tradearena/arena/internal/marketdata"
	"github.com/tradearena/arena/internal/simulation"
	"github.com/tradearena/arena/internal/timer"
)

// typeSummary is the wire shape of one simulation type.
type typeSummary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	ChatEnabled    bool   `json:"chatEnabled"`
	ShowModelNames bool   `json:"showModelNames"`
	AgentCount     int    `json:"agentCount"`
	Enabled        bool   `json:"enabled"`
}

type stateResponse struct {
	OK              bool                         `json:"ok"`
	Simulation      *domain.SimulationSnapshot   `json:"simulation"`
	SimulationType  typeSummary                  `json:"simulationType"`
	MarketTelemetry marketdata.TelemetrySnapshot `json:"marketTelemetry"`
	Timer           timer.Status                 `json:"timer"`
}

type chatRequest struct {
	Username string `json:"username"`
	AgentID  string `json:"agentId,omitempty"`
	Content  string `json:"content"`
}

func summarize(t domain.SimulationType) typeSummary {
	return typeSummary{
		ID:             t.ID,
		Name:           t.Name,
		Description:    t.Description,
		ChatEnabled:    t.ChatEnabled,
		ShowModelNames: t.ShowModelNames,
		AgentCount:     len(t.TraderConfigs),
		Enabled:        t.Enabled,
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "arena",
	})
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	types := make([]typeSummary, 0, len(s.allTypes))
	for _, t := range s.allTypes {
		_, managed := s.manager.Get(t.ID)
		sum := summarize(t)
		sum.Enabled = t.Enabled && managed
		types = append(types, sum)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "types": types})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := s.manager.Get(id)
	if !ok {
		if s.knownType(id) {
			s.writeError(w, http.StatusForbidden, "simulation is disabled")
		} else {
			s.writeError(w, http.StatusNotFound, "simulation not found")
		}
		return
	}

	snap := inst.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusNotFound, "simulation not initialized")
		return
	}

	s.writeJSON(w, http.StatusOK, stateResponse{
		OK:              true,
		Simulation:      snap,
		SimulationType:  summarize(inst.Type()),
		MarketTelemetry: s.provider.Telemetry(),
		Timer:           s.timer.NextTradeWindow(snap),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.sched.Start()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message": "scheduler running"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.sched.Stop()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message": "scheduler stopped"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.manager.ResetSimulation(r.Context(), id)
	if errors.Is(err, simulation.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "simulation not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message": "simulation reset"})
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ResetAll(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message": "all simulations reset"})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleTimer(w http.ResponseWriter, r *http.Request) {
	var snap *domain.SimulationSnapshot
	if insts := s.manager.List(); len(insts) > 0 {
		snap = insts[0].Snapshot()
	}
	s.writeJSON(w, http.StatusOK, s.timer.NextTradeWindow(snap))
}

func (s *Server) handlePostChatMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := s.manager.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "simulation not found")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		posted    domain.ChatMessage
		chatState domain.ChatState
	)
	err := inst.Update(func(snap *domain.SimulationSnapshot) error {
		if !snap.Chat.Config.Enabled {
			return chat.ErrChatDisabled
		}

		agentName := ""
		if req.AgentID != "" {
			agent := snap.AgentByID(req.AgentID)
			if agent == nil {
				return chat.ErrUnknownAgent
			}
			agentName = agent.Name
		}

		status := s.timer.NextTradeWindow(snap)
		roundID := s.chat.TargetRound(
			snap.Day, snap.IntradayHour, snap.Mode,
			s.timer.CadenceHours(), status.CountdownSeconds)

		msg, err := s.chat.PostMessage(&snap.Chat, req.Username, req.AgentID, agentName, req.Content, roundID, s.now())
		if err != nil {
			return err
		}
		posted = msg
		chatState = snap.Chat.Clone()
		return nil
	})

	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"chat":    chatState,
			"message": posted,
		})
	case errors.Is(err, chat.ErrChatDisabled):
		s.writeError(w, http.StatusForbidden, err.Error())
	default:
		// Sanitization, spam, and quota failures all surface as 400s
		// with their human-readable text.
		s.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) knownType(id string) bool {
	for _, t := range s.allTypes {
		if t.ID == id {
			return true
		}
	}
	return false
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes the stable error shape {ok, error}.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]interface{}{"ok": false, "error": msg})
}
