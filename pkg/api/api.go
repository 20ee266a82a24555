// Package api exposes the admin surface: rule CRUD, request log
// inspection, storage management and a websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/getreqmod/reqmod/pkg/engine"
	"github.com/getreqmod/reqmod/pkg/intercept"
	"github.com/getreqmod/reqmod/pkg/kvstore"
	"github.com/getreqmod/reqmod/pkg/logging"
	"github.com/getreqmod/reqmod/pkg/modify"
	"github.com/getreqmod/reqmod/pkg/requestlog"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	Status      string       `json:"status"`
	Version     string       `json:"version"`
	Uptime      string       `json:"uptime"`
	RuleCount   int          `json:"ruleCount"`
	ActiveRules int          `json:"activeRules"`
	LogCount    int          `json:"logCount"`
	Storage     kvstore.Info `json:"storage"`
	Stats       engine.Stats `json:"stats"`
	Observers   int          `json:"observers"`
}

// API serves the admin endpoints.
type API struct {
	rules    *engine.Engine
	logs     *requestlog.Logger
	store    kvstore.Store
	modifier *modify.Engine
	proc     *intercept.Processor
	hub      *Hub
	log      *slog.Logger
	version  string
	started  time.Time
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the diagnostic logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *API) { a.log = log }
}

// WithVersion sets the version reported by GET /status.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithProcessor supplies an already-built interception processor.
func WithProcessor(p *intercept.Processor) Option {
	return func(a *API) { a.proc = p }
}

// New builds the admin API over the given components.
func New(rules *engine.Engine, logs *requestlog.Logger, store kvstore.Store, modifier *modify.Engine, opts ...Option) *API {
	a := &API{
		rules:    rules,
		logs:     logs,
		store:    store,
		modifier: modifier,
		log:      logging.Nop(),
		version:  "dev",
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.hub = NewHub(a.log)
	if a.proc == nil {
		a.proc = intercept.New(rules, modifier, logs, intercept.WithLogger(a.log))
	}
	return a
}

// Handler returns the routed admin handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /status", a.handleStatus)

	mux.HandleFunc("GET /rules", a.handleListRules)
	mux.HandleFunc("POST /rules", a.handleCreateRule)
	mux.HandleFunc("GET /rules/export", a.handleExportRules)
	mux.HandleFunc("POST /rules/import", a.handleImportRules)
	mux.HandleFunc("GET /rules/declarative", a.handleDeclarativeRules)
	mux.HandleFunc("GET /rules/{id}", a.handleGetRule)
	mux.HandleFunc("PUT /rules/{id}", a.handleUpdateRule)
	mux.HandleFunc("DELETE /rules/{id}", a.handleDeleteRule)
	mux.HandleFunc("POST /rules/{id}/toggle", a.handleToggleRule)

	mux.HandleFunc("POST /evaluate", a.handleEvaluate)

	mux.HandleFunc("POST /intercept/request", a.handleInterceptRequest)
	mux.HandleFunc("POST /intercept/{requestId}/headers", a.handleInterceptHeaders)
	mux.HandleFunc("POST /intercept/{requestId}/response-headers", a.handleInterceptResponseHeaders)
	mux.HandleFunc("POST /intercept/{requestId}/completed", a.handleInterceptCompleted)
	mux.HandleFunc("POST /intercept/{requestId}/error", a.handleInterceptError)

	mux.HandleFunc("GET /requests", a.handleListRequests)
	mux.HandleFunc("GET /requests/{id}", a.handleGetRequest)
	mux.HandleFunc("DELETE /requests", a.handleClearRequests)

	mux.HandleFunc("GET /storage", a.handleStorageInfo)
	mux.HandleFunc("POST /storage/clean", a.handleStorageClean)

	mux.Handle("GET /ws", a.hub)

	return mux
}

// Run pumps new request log entries into the websocket stream until
// ctx is canceled.
func (a *API) Run(ctx context.Context) {
	sub, cancel := a.logs.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			a.hub.Close()
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			a.hub.Broadcast(Event{Type: "request.logged", Payload: e})
		}
	}
}

// Hub exposes the event hub, so other components can broadcast.
func (a *API) Hub() *Hub { return a.hub }

func (a *API) uptime() string {
	return time.Since(a.started).Round(time.Second).String()
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, errCode, message string) {
	writeJSON(w, status, ErrorResponse{Error: errCode, Message: message})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Uptime: a.uptime()})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rules, err := a.rules.ListRules(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to read rules")
		a.log.Error("status: list rules", "error", err)
		return
	}
	active := 0
	for _, ru := range rules {
		if ru.Enabled {
			active++
		}
	}

	logCount, err := a.logs.Count(ctx)
	if err != nil {
		a.log.Warn("status: count requests", "error", err)
	}
	info, err := a.store.Info(ctx)
	if err != nil {
		a.log.Warn("status: storage info", "error", err)
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:      "ok",
		Version:     a.version,
		Uptime:      a.uptime(),
		RuleCount:   len(rules),
		ActiveRules: active,
		LogCount:    logCount,
		Storage:     info,
		Stats:       a.rules.Stats(),
		Observers:   a.hub.ClientCount(),
	})
}
