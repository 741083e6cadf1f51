package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/db"
	"github.com/kubilitics/kubilitics-operator/internal/safety"
)

// ─── Health ──────────────────────────────────────────────────────────────────

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Providers map[string]string `json:"providers"`
	Default   string            `json:"default_provider"`
	Sessions  int               `json:"sessions"`
	Database  string            `json:"database,omitempty"`
}

// handleHealth reports "degraded" when the default provider is unusable or
// the database does not answer. The HTTP status stays 200 either way.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Providers: s.deps.Providers.Status(),
		Default:   s.deps.Providers.Default(),
		Sessions:  s.deps.Sessions.Len(),
	}
	if resp.Providers[resp.Default] != "ok" {
		resp.Status = "degraded"
	}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Database = "ok"
		if err := s.deps.Store.Ping(ctx); err != nil {
			resp.Database = err.Error()
			resp.Status = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ─── Tools ───────────────────────────────────────────────────────────────────

// ToolInfo describes one catalogue entry.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Tier        string          `json:"tier"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// handleTools lists the catalogue with each tool's effective tier.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tools := s.deps.Catalog.List()
	out := make([]ToolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Tier:        s.deps.Safety.Classify(t.Name).String(),
			InputSchema: t.InputSchema,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": out,
		"count": len(out),
	})
}

// ─── Safety dry run ──────────────────────────────────────────────────────────

// SafetyCheckRequest asks the gate for a verdict without executing anything.
type SafetyCheckRequest struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
	Confirmed bool                   `json:"confirmed"`
	Override  bool                   `json:"override"`
}

// SafetyCheckResponse is the gate's answer.
type SafetyCheckResponse struct {
	safety.Verdict
	Tool              string `json:"tool"`
	NeedsConfirmation bool   `json:"needs_confirmation"`
	ProtectedMatch    string `json:"protected_match,omitempty"`
}

func (s *Server) handleSafetyCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SafetyCheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Tool) == "" {
		s.writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	v := s.deps.Safety.CheckSafety(req.Tool, req.Arguments, req.Confirmed, req.Override)
	resp := SafetyCheckResponse{
		Verdict:           v,
		Tool:              req.Tool,
		NeedsConfirmation: v.NeedsConfirmation(),
	}
	if m := s.deps.Safety.IsProtectedResource(req.Arguments); m.Protected {
		resp.ProtectedMatch = m.Reason
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// SessionView combines arena and context state for one session.
type SessionView struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	Running     bool      `json:"running"`
	Override    bool      `json:"override"`
	Pending     string    `json:"pending_confirmation,omitempty"`
	Messages    int       `json:"messages"`
	Recorded    int       `json:"recorded"`
	HasSummary  bool      `json:"has_summary"`
	Entities    int       `json:"entities"`
	Summarizing bool      `json:"summarizing"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	infos := s.deps.Sessions.List()
	out := make([]SessionView, 0, len(infos))
	for _, info := range infos {
		v := SessionView{
			ID:         info.ID,
			CreatedAt:  info.CreatedAt,
			LastActive: info.LastActive,
			Running:    info.Running,
			Override:   info.Override,
			Pending:    info.Pending,
		}
		if st, ok := s.deps.Context.Snapshot(info.ID); ok {
			v.Messages = len(st.Recent)
			v.Recorded = st.Added
			v.HasSummary = st.Summary != ""
			v.Entities = len(st.Entities)
			v.Summarizing = st.Summarizing
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": out,
		"count":    len(out),
	})
}

// ─── Audit trail ─────────────────────────────────────────────────────────────

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	q := r.URL.Query()
	query := db.AuditQuery{
		SessionID: q.Get("session_id"),
		Tool:      q.Get("tool"),
		EventType: q.Get("event_type"),
		Limit:     queryInt(q.Get("limit"), 100),
		Offset:    queryInt(q.Get("offset"), 0),
	}
	for key, dst := range map[string]*time.Time{"from": &query.From, "to": &query.To} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, key+" must be RFC3339")
			return
		}
		*dst = t
	}

	events, err := s.deps.Store.QueryAuditEvents(r.Context(), query)
	if err != nil {
		s.logger.Error("audit query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if events == nil {
		events = []*db.AuditRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	q := r.URL.Query()
	if id := q.Get("id"); id != "" {
		rec, err := s.deps.Store.GetConfirmation(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "confirmation not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, rec)
		return
	}

	sessionID := q.Get("session_id")
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, "session_id or id is required")
		return
	}
	recs, err := s.deps.Store.ListConfirmations(r.Context(), sessionID, queryInt(q.Get("limit"), 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []*db.ConfirmationRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"confirmations": recs,
		"count":         len(recs),
	})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
