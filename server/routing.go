package server

import (
	"net/http"
	"strings"
)

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	mux.HandleFunc("/api/registry", s.corsMiddleware(s.HandleRegistry))
	mux.HandleFunc("/api/audit", s.corsMiddleware(s.HandleAudit))
	mux.HandleFunc("/api/audit/", s.corsMiddleware(s.HandleAuditEntry))        // GET /api/audit/{id}
	mux.HandleFunc("/api/audit/export", s.corsMiddleware(s.HandleAuditExport)) // JSON array download
	mux.HandleFunc("/api/results", s.corsMiddleware(s.HandleResults))          // POST aggregation events, GET stored results
	mux.HandleFunc("/clear", s.corsMiddleware(s.HandleClear))
	mux.HandleFunc("/clearAuditLoggedQueryService", s.corsMiddleware(s.HandleClear))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// corsMiddleware adds CORS headers to HTTP responses using configured allowed origins
// Uses the same origin validation as WebSocket connections (server.allowed_origins config)
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// checkOrigin allows requests without an Origin header and those whose origin
// starts with one of the configured allowed origins, so any port matches.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
