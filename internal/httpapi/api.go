// Package httpapi is the dashboard-facing REST layer over the warmup
// engine, the store, and the provider client.
//
// Caller identity comes from the X-User-ID header; authentication itself
// is handled upstream. Every response is a tagged result:
//
//	{"ok":true,"data":...}
//	{"ok":false,"error":{"kind":"...","message":"..."}}
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"warmupd/internal/provider"
	"warmupd/internal/storage"
	"warmupd/internal/warmup"
	logx "warmupd/pkg/logx"
)

type Options struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	engine *warmup.Service
	store  storage.Store
	prov   *provider.Client
	log    logx.Logger

	srv *http.Server
}

func New(engine *warmup.Service, store storage.Store, prov *provider.Client, log logx.Logger, opts Options) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		engine: engine,
		store:  store,
		prov:   prov,
		log:    log.With(logx.String("comp", "httpapi")),
	}
	addr := opts.Addr
	if strings.TrimSpace(addr) == "" {
		addr = "127.0.0.1:8080"
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve() error {
	s.log.Info("http api listening", logx.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/warmup", func(r chi.Router) {
			r.Post("/configs", s.withUser(s.handleCreateConfig))
			r.Get("/configs", s.withUser(s.handleListConfigs))
			r.Put("/configs/{id}", s.withUser(s.handleUpdateConfig))
			r.Delete("/configs/{id}", s.withUser(s.handleDeleteConfig))

			r.Post("/contents", s.withUser(s.handleAddContent))
			r.Delete("/contents/{id}", s.withUser(s.handleDeleteContent))

			r.Post("/start", s.withUser(s.handleStart))
			r.Post("/stop", s.withUser(s.handleStop))
			r.Post("/stop-all", s.withUser(s.handleStopAll))

			r.Get("/stats", s.withUser(s.handleServiceStats))
			r.Get("/instances/{id}/stats", s.withUser(s.handleInstanceStats))
			r.Get("/logs", s.withUser(s.handleLogs))
		})

		r.Route("/instances", func(r chi.Router) {
			r.Post("/{name}/proxy", s.withUser(s.handleSetProxy))
			r.Get("/{name}/proxy", s.withUser(s.handleFindProxy))
		})
	})
	return r
}

// ---- result envelope ----

type errBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeOK(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func writeErr(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":    false,
		"error": errBody{Kind: kind, Message: msg},
	})
}

// writeEngineErr maps engine/storage sentinels onto the error envelope.
func writeEngineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, warmup.ErrShuttingDown):
		writeErr(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, warmup.ErrPlanLimit):
		writeErr(w, http.StatusUnprocessableEntity, "plan_limit", err.Error())
	case errors.Is(err, warmup.ErrConfigInactive), errors.Is(err, storage.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, warmup.ErrNoContents):
		writeErr(w, http.StatusUnprocessableEntity, "validation", err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// decodeStrict rejects unknown fields so client typos surface as 400s.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			writeErr(w, http.StatusBadRequest, "bad_request", "X-User-ID header is required")
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

// ---- warmup configs ----

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request, userID string) {
	var cfg storage.WarmupConfig
	if err := decodeStrict(r, &cfg); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(cfg.Name) == "" {
		writeErr(w, http.StatusBadRequest, "validation", "name is required")
		return
	}
	cfg.ID = ""
	cfg.UserID = userID
	applyConfigDefaults(&cfg)
	if err := s.store.CreateConfig(r.Context(), &cfg); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, cfg)
}

// applyConfigDefaults fills the documented fallbacks for omitted fields.
func applyConfigDefaults(cfg *storage.WarmupConfig) {
	if cfg.DailyMessageLimit <= 0 {
		cfg.DailyMessageLimit = 50
	}
	if cfg.MonthlyMessageLimit <= 0 {
		cfg.MonthlyMessageLimit = 1000
	}
	if cfg.MessageIntervalMin <= 0 {
		cfg.MessageIntervalMin = 10
	}
	if cfg.MessageIntervalMax <= 0 {
		cfg.MessageIntervalMax = 300
	}
	if cfg.GroupChance <= 0 {
		cfg.GroupChance = storage.DefaultGroupChance
	}
	if cfg.ExternalNumbersChance <= 0 {
		cfg.ExternalNumbersChance = storage.DefaultExternalNumbersChance
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	cfg.IsActive = true
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request, userID string) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetConfig(r.Context(), id)
	if err != nil || existing.UserID != userID {
		writeErr(w, http.StatusNotFound, "not_found", "config not found")
		return
	}
	var cfg storage.WarmupConfig
	if err := decodeStrict(r, &cfg); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	cfg.ID = id
	cfg.UserID = userID
	cfg.CreatedAt = existing.CreatedAt
	// A partial update body must not persist zero limits or intervals;
	// a worker reloading such a config on resume would pause after one
	// failure and sleep 0s between sends.
	applyConfigDefaults(&cfg)
	if err := s.store.UpdateConfig(r.Context(), &cfg); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, cfg)
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request, userID string) {
	configs, err := s.store.ListUserConfigs(r.Context(), userID)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	if configs == nil {
		configs = []storage.WarmupConfig{}
	}
	writeOK(w, http.StatusOK, configs)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.store.DeactivateConfig(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"deactivated": true})
}

// ---- contents ----

func (s *Server) handleAddContent(w http.ResponseWriter, r *http.Request, userID string) {
	var c storage.ContentItem
	if err := decodeStrict(r, &c); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(c.ConfigID) == "" {
		writeErr(w, http.StatusBadRequest, "validation", "configId is required")
		return
	}
	if !storage.ValidContentType(c.Type) {
		writeErr(w, http.StatusBadRequest, "validation", "unknown content type")
		return
	}
	cfg, err := s.store.GetConfig(r.Context(), c.ConfigID)
	if err != nil || cfg.UserID != userID {
		writeErr(w, http.StatusNotFound, "not_found", "config not found")
		return
	}
	c.ID = ""
	c.UserID = userID
	c.IsActive = true
	if err := s.store.AddContent(r.Context(), &c); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, c)
}

func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.store.DeleteContent(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"deleted": true})
}

// ---- engine lifecycle ----

type startRequest struct {
	ConfigID    string   `json:"configId"`
	InstanceIDs []string `json:"instanceIds"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, userID string) {
	var req startRequest
	if err := decodeStrict(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.ConfigID == "" || len(req.InstanceIDs) == 0 {
		writeErr(w, http.StatusBadRequest, "validation", "configId and instanceIds are required")
		return
	}
	res, err := s.engine.StartWarmup(r.Context(), userID, req.ConfigID, req.InstanceIDs)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

type stopRequest struct {
	InstanceIDs []string `json:"instanceIds"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, userID string) {
	var req stopRequest
	if err := decodeStrict(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if len(req.InstanceIDs) == 0 {
		writeErr(w, http.StatusBadRequest, "validation", "instanceIds is required")
		return
	}
	res, err := s.engine.StopWarmup(r.Context(), userID, req.InstanceIDs)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := s.engine.StopAllUserWarmup(r.Context(), userID)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

// ---- stats & logs ----

func (s *Server) handleServiceStats(w http.ResponseWriter, r *http.Request, userID string) {
	all := s.engine.GetServiceStats()
	// Scope the per-worker view to the caller; aggregate counts stay global.
	mine := make([]warmup.WorkerSnapshot, 0, len(all.WorkerSnaps))
	for _, snap := range all.WorkerSnaps {
		if snap.UserID == userID {
			mine = append(mine, snap)
		}
	}
	all.WorkerSnaps = mine
	writeOK(w, http.StatusOK, all)
}

func (s *Server) handleInstanceStats(w http.ResponseWriter, r *http.Request, userID string) {
	stats, err := s.engine.GetInstanceStats(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, stats)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, userID string) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErr(w, http.StatusBadRequest, "validation", "limit must be a positive integer")
			return
		}
		limit = n
	}
	logs, err := s.store.ListLogs(r.Context(), userID, r.URL.Query().Get("instanceId"), limit)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	if logs == nil {
		logs = []storage.LogEntry{}
	}
	writeOK(w, http.StatusOK, logs)
}

// ---- proxy ----

func (s *Server) ownsInstance(r *http.Request, name, userID string) bool {
	inst, err := s.store.GetInstance(r.Context(), name)
	return err == nil && inst.UserID == userID
}

func (s *Server) handleSetProxy(w http.ResponseWriter, r *http.Request, userID string) {
	name := chi.URLParam(r, "name")
	if !s.ownsInstance(r, name, userID) {
		writeErr(w, http.StatusNotFound, "not_found", "instance not found")
		return
	}
	var p provider.ProxyConfig
	if err := decodeStrict(r, &p); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.prov.SetProxy(r.Context(), name, p); err != nil {
		writeErr(w, http.StatusBadGateway, "provider", err.Error())
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"configured": true})
}

func (s *Server) handleFindProxy(w http.ResponseWriter, r *http.Request, userID string) {
	name := chi.URLParam(r, "name")
	if !s.ownsInstance(r, name, userID) {
		writeErr(w, http.StatusNotFound, "not_found", "instance not found")
		return
	}
	p, err := s.prov.FindProxy(r.Context(), name)
	if err != nil {
		writeErr(w, http.StatusBadGateway, "provider", err.Error())
		return
	}
	writeOK(w, http.StatusOK, p)
}

// ---- health ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.GetServiceStats()
	writeOK(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"workers":    stats.Workers,
		"queueDepth": stats.QueueDepth,
		"byStatus":   stats.ByStatus,
	})
}
