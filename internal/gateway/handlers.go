package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
	"github.com/nextlevelbuilder/sessionrelay/internal/searchindex"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// clientIP keys the per-IP limiters. The gateway binds to loopback by
// default, so there is no proxy header to honor.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if err := req.Destination.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.service.Attach(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, destinations.ErrInvalidDestination), errors.Is(err, destinations.ErrReservedThread):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, channels.ErrNoPublisher):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, channels.ErrAuth):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, fs.ErrNotExist):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string                   `json:"session_id"`
		Destination destinations.Destination `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := s.service.Detach(r.Context(), req.SessionID, req.Destination); err != nil {
		if errors.Is(err, destinations.ErrNotAttached) || errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.service.Sessions()
	if sessions == nil {
		sessions = []SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.knownSession(id) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	s.broker.Serve(w, r, id)
}

func (s *Server) knownSession(id string) bool {
	for _, info := range s.service.Sessions() {
		if info.SessionID == id {
			return true
		}
	}
	return false
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if ok, retry := s.previewLimiter.Allow(clientIP(r)); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, "preview rate limit exceeded")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	preview, err := s.service.Preview(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, http.StatusServiceUnavailable, "search index unavailable")
		return
	}
	if ok, retry := s.searchLimiter.Allow(clientIP(r)); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, "search rate limit exceeded")
		return
	}

	q := r.URL.Query()
	opts := searchindex.SearchOptions{
		Project: q.Get("project"),
		Sort:    q.Get("sort"),
		Limit:   s.cfg.Search.DefaultLimit,
	}

	switch opts.Sort {
	case "", searchindex.SortRelevance, searchindex.SortModified:
	default:
		writeError(w, http.StatusBadRequest, "sort must be relevance or modified")
		return
	}
	if opts.Sort == "" {
		opts.Sort = s.cfg.Search.DefaultSort
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > s.cfg.Search.MaxLimit {
			n = s.cfg.Search.MaxLimit
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = n
	}
	var err error
	if opts.Since, err = parseDateParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
		return
	}
	if opts.Until, err = parseDateParam(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid until: "+err.Error())
		return
	}

	results, err := s.index.SearchWith(r.Context(), q.Get("q"), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []searchindex.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
		"offset":  opts.Offset,
	})
}

// parseDateParam accepts RFC 3339 timestamps and bare dates.
func parseDateParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, http.StatusServiceUnavailable, "search index unavailable")
		return
	}
	projects, err := s.index.Projects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if projects == nil {
		projects = []searchindex.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleIndexRefresh(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, http.StatusServiceUnavailable, "search index unavailable")
		return
	}
	if !s.refreshLimiter.Allow() {
		w.Header().Set("Retry-After", strconv.Itoa(int(refreshMinInterval.Seconds())))
		writeError(w, http.StatusTooManyRequests, "refresh already requested recently")
		return
	}

	// Detached from the request context: the refresh outlives the 202.
	go s.service.RefreshIndex(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.service.Health()
	if health.Status == "" {
		health.Status = "ok"
	}
	if health.Bots == nil {
		health.Bots = map[string]BotHealth{}
	}
	writeJSON(w, http.StatusOK, health)
}
