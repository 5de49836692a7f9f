package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mmrag/internal/core/domain"
	"mmrag/internal/core/ports"
	"mmrag/internal/core/usecase"
	"mmrag/internal/observability/metrics"
)

const serviceName = "api"

type Router struct {
	ask     ports.AskService
	memory  ports.MemoryService
	stats   *usecase.StatsUseCase
	metrics *metrics.HTTPServerMetrics
	logger  *slog.Logger
}

func NewRouter(
	ask ports.AskService,
	memory ports.MemoryService,
	stats *usecase.StatsUseCase,
	serverMetrics *metrics.HTTPServerMetrics,
	logger *slog.Logger,
) *Router {
	return &Router{
		ask:     ask,
		memory:  memory,
		stats:   stats,
		metrics: serverMetrics,
		logger:  logger,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/ask", rt.handleAsk)
	mux.HandleFunc("/v1/sessions", rt.handleSessions)
	mux.HandleFunc("/v1/sessions/", rt.handleSessionResource)
	mux.HandleFunc("/v1/stats", rt.handleStats)
	mux.Handle("/metrics", rt.metrics.Handler())

	var handler http.Handler = mux
	handler = rt.metrics.Middleware(serviceName, handler)
	handler = accessLogMiddleware(rt.logger, handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req domain.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	start := time.Now()
	result, err := rt.ask.Ask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	rt.metrics.RecordAskObservation(
		serviceName,
		len(result.Sources),
		len(result.MemoryHits),
		result.GenerationFailed,
		result.Degraded,
		time.Since(start),
	)
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			UserID   string            `json:"user_id"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		session, err := rt.memory.CreateSession(r.Context(), req.UserID, req.Metadata)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
	case http.MethodGet:
		sessions, err := rt.memory.ListSessions(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// handleSessionResource dispatches /v1/sessions/{session_id}[/...].
func (rt *Router) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session id is required"})
		return
	}
	sessionID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			rt.getSession(w, r, sessionID)
		case http.MethodDelete:
			rt.closeSession(w, r, sessionID)
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		}
		return
	}

	switch {
	case parts[1] == "memories" && len(parts) == 2:
		rt.addMemory(w, r, sessionID)
	case parts[1] == "memories" && len(parts) == 3 && parts[2] == "query":
		rt.queryMemories(w, r, sessionID)
	case parts[1] == "compress" && len(parts) == 2:
		rt.compress(w, r, sessionID)
	case parts[1] == "stats" && len(parts) == 2:
		rt.sessionStats(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := rt.memory.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (rt *Router) closeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := rt.memory.CloseSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) addMemory(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req struct {
		Content         string  `json:"content"`
		RelevanceScore  float64 `json:"relevance_score"`
		ImportanceScore float64 `json:"importance_score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	chunk, err := rt.memory.AddMemory(r.Context(), sessionID, req.Content, req.RelevanceScore, req.ImportanceScore)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chunk)
}

func (rt *Router) queryMemories(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	hits, err := rt.memory.QueryMemories(r.Context(), sessionID, req.Query, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (rt *Router) compress(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req struct {
		Strategy string  `json:"strategy"`
		MaxRatio float64 `json:"max_ratio"`
		Force    bool    `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.MaxRatio == 0 {
		req.MaxRatio = 0.5
	}

	result, err := rt.memory.Compress(r.Context(), sessionID, domain.CompressionStrategy(req.Strategy), req.MaxRatio, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	rt.metrics.RecordCompressionRun(serviceName, string(result.Record.Strategy))
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) sessionStats(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	stats, err := rt.memory.SessionStats(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	stats, err := rt.stats.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
