// Package httpapi exposes the engine's inbound interface over HTTP: queue
// join/leave, session messages and termination, report filing, and the
// reviewer triage endpoints. Real-time delivery of lifecycle events is the
// transport layer's job; this package only accepts commands and publishes
// the resulting events to NATS.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/driftchat/drift/internal/ban"
	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/report"
	"github.com/driftchat/drift/internal/session"
)

// Server holds the engine stores behind the HTTP surface.
type Server struct {
	queue    *queue.Store
	sessions *session.Store
	reports  *report.Store
	bans     *ban.Store
	nats     *messaging.Client
	limiter  *ratelimit.Limiter
	filter   *moderation.Filter
}

// NewServer wires the HTTP surface over the given stores. A nil nats client
// disables event publishing.
func NewServer(q *queue.Store, sessions *session.Store, reports *report.Store, bans *ban.Store, nats *messaging.Client, limiter *ratelimit.Limiter) *Server {
	return &Server{
		queue:    q,
		sessions: sessions,
		reports:  reports,
		bans:     bans,
		nats:     nats,
		limiter:  limiter,
		filter:   moderation.NewFilter(),
	}
}

// Handler returns the fully routed HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/queue/join", s.handleJoin).Methods("POST")
	v1.HandleFunc("/queue/{userID}", s.handleLeave).Methods("DELETE")

	v1.HandleFunc("/sessions/{sessionID}", s.handleGetSession).Methods("GET")
	v1.HandleFunc("/sessions/{sessionID}/messages", s.handleAddMessage).Methods("POST")
	v1.HandleFunc("/sessions/{sessionID}/messages", s.handleGetMessages).Methods("GET")
	v1.HandleFunc("/sessions/{sessionID}/end", s.handleEndSession).Methods("POST")

	v1.HandleFunc("/reports", s.handleFileReport).Methods("POST")
	v1.HandleFunc("/reports/pending", s.handlePendingReports).Methods("GET")
	v1.HandleFunc("/reports/stats", s.handleReportStats).Methods("GET")
	v1.HandleFunc("/reports/{reportID}", s.handleGetReport).Methods("GET")
	v1.HandleFunc("/reports/{reportID}/review", s.handleReviewReport).Methods("POST")
	v1.HandleFunc("/reports/{reportID}/resolve", s.handleResolveReport).Methods("POST")
	v1.HandleFunc("/reports/{reportID}/dismiss", s.handleDismissReport).Methods("POST")

	v1.HandleFunc("/users/{userID}/reports/recent", s.handleRecentReports).Methods("GET")

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
