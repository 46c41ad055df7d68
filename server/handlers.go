package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/aggregator/audit"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/logger"
	"github.com/teranos/aggregator/query"
	"github.com/teranos/aggregator/subscription"
	"github.com/teranos/aggregator/version"
)

// HandleWebSocket upgrades the request and registers the client with the hub.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Held until the pumps are counted in wg, so Stop never waits on a
	// WaitGroup that is still growing.
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()

	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed",
			logger.FieldAddress, r.RemoteAddr,
			logger.FieldError, err,
		)
		return
	}

	s.settingsMu.RLock()
	queueSize := s.sendQueueSize
	s.settingsMu.RUnlock()

	client := newClient(s, conn, uuid.NewString(), r.RemoteAddr, queueSize)

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		client.close()
		return
	}
	if ok := <-client.registered; !ok {
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

// HandleHealth reports liveness and a few counters.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	reg := s.coord.Registry()

	pending := 0
	if s.bus != nil {
		pending = s.bus.Pending()
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		State:         stateString(s.getState()),
		Version:       info.Version,
		Commit:        info.CommitHash,
		Clients:       s.clientCount(),
		Registered:    reg.Len(),
		Executing:     len(reg.Executing()),
		Subscriptions: s.coord.Table().Len(),
		PendingEvents: pending,
	})
}

// HandleRegistry lists the registry's entries with their decisions.
func (s *Server) HandleRegistry(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	reg := s.coord.Registry()
	entries := reg.Entries()
	out := make([]RegistryEntry, 0, len(entries))
	for _, e := range entries {
		state, canonical, _ := reg.StateOf(e.Seq)
		item := RegistryEntry{
			Seq:          e.Seq,
			AuditID:      e.AuditID,
			Fingerprint:  e.Query.Fingerprint.String(),
			State:        string(state),
			Query:        e.Query.Raw,
			RegisteredBy: e.Metadata.RegisteredBy,
			RegisteredAt: e.RegisteredAt,
		}
		if canonical != e.Query.Fingerprint {
			item.Canonical = canonical.String()
		}
		out = append(out, item)
	}

	table := s.coord.Table()
	subscribers := make(map[string]int)
	for _, fp := range table.Fingerprints() {
		subscribers[fp.String()] = len(table.Subscribers(fp))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":     out,
		"executing":   reg.Executing(),
		"executions":  s.coord.Executions(),
		"subscribers": subscribers,
	})
}

// HandleAudit lists audit entries. Query parameters: query_id, status,
// since (RFC 3339) and limit.
func (s *Server) HandleAudit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	params := r.URL.Query()
	filter := audit.Filter{
		QueryID: params.Get("query_id"),
		Status:  audit.Status(params.Get("status")),
	}
	if since := params.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}
	if limit := params.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	entries, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Errorw("Failed to list audit entries", logger.FieldError, err)
		writeWrappedError(w, err, "Failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// accessRequest is the body of POST /api/audit/{id}/access.
type accessRequest struct {
	User         string `json:"user"`
	DataAccessed string `json:"data_accessed"`
}

// HandleAuditEntry serves GET /api/audit/{id} and POST /api/audit/{id}/access.
func (s *Server) HandleAuditEntry(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/audit/")
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "audit entry id is required")
		return
	}

	if len(parts) == 2 && parts[1] == "access" {
		s.handleAuditAccess(w, r, id)
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "unknown audit resource")
		return
	}
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	entry, err := s.audit.Get(r.Context(), id)
	if err != nil {
		writeWrappedError(w, err, "Failed to load audit entry")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAuditAccess(w http.ResponseWriter, r *http.Request, id string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req accessRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	ok, err := s.coord.Registry().LogAccess(r.Context(), id, audit.AccessEvent{
		User:         req.User,
		Timestamp:    time.Now(),
		DataAccessed: req.DataAccessed,
	})
	if err != nil {
		writeWrappedError(w, err, "Failed to record access")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "audit entry "+id+" not found")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

// HandleAuditExport returns the whole audit log as one JSON array.
func (s *Server) HandleAuditExport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	data, err := audit.Snapshot(r.Context(), s.audit)
	if err != nil {
		writeWrappedError(w, err, "Failed to export audit log")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+audit.DefaultExportFile+"\"")
	w.Write(data)
}

// HandleResults accepts aggregation events from executions (POST) and lists
// stored results of a fingerprint (GET ?query_hash=...&limit=...).
func (s *Server) HandleResults(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodPost {
		var ev subscription.AggregationEvent
		if err := readJSON(w, r, &ev); err != nil {
			return
		}
		if err := s.coord.HandleResult(r.Context(), ev); err != nil {
			writeWrappedError(w, err, "Failed to accept result")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	if s.results == nil {
		writeWrappedError(w, errors.Mark(errors.New("result storage is disabled"), errors.ErrServiceUnavailable),
			"Failed to list results")
		return
	}
	hash := r.URL.Query().Get("query_hash")
	if hash == "" {
		writeError(w, http.StatusBadRequest, "query_hash is required")
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	stored, err := s.results.Recent(r.Context(), query.Fingerprint(hash), limit)
	if err != nil {
		writeWrappedError(w, err, "Failed to list results")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// HandleClear empties the registry. Subscriptions and the audit log survive.
func (s *Server) HandleClear(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost, http.MethodDelete) {
		return
	}

	cleared := s.coord.ClearAll()
	s.logger.Infow("Registry clear requested",
		logger.FieldPath, r.URL.Path,
		logger.FieldAddress, r.RemoteAddr,
		"cleared", cleared,
	)
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}
