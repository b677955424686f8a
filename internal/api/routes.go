package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"hub-sync-service/internal/config"
	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/logger"
	"hub-sync-service/internal/store"
	"hub-sync-service/internal/sync"
)

// SyncService is what the API drives. *sync.Manager implements it.
type SyncService interface {
	RunCycle(ctx context.Context, opts sync.CycleOptions) (*sync.Report, error)
	GetStatus() string
	LastReport() *sync.Report
	Stop()
}

type Handler struct {
	syncManager SyncService
	store       store.Store
	registry    *entity.Registry
	cfg         config.ServerConfig
	// background is the parent of triggered cycles; cancelled on shutdown.
	background context.Context
}

func NewHandler(ctx context.Context, manager SyncService, st store.Store, reg *entity.Registry, cfg config.ServerConfig) *Handler {
	return &Handler{
		syncManager: manager,
		store:       st,
		registry:    reg,
		cfg:         cfg,
		background:  ctx,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Post("/sync/trigger", h.TriggerSync)
		r.Post("/sync/stop", h.StopSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/report", h.GetLastReport)
		r.Get("/sync/failures", h.ListFailures)
		r.Get("/sync/conflicts", h.ListConflicts)
		r.Get("/sync/conflicts/{id}", h.GetConflict)
		r.Get("/sync/history", h.GetHistory)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type triggerRequest struct {
	Direction   string   `json:"direction"`
	EntityTypes []string `json:"entity_types"`
	Since       string   `json:"since"`
}

// TriggerSync starts a cycle in the background and answers right away. The
// outcome is read from /sync/report.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	opts, err := h.cycleOptions(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.syncManager.GetStatus() == "running" {
		writeError(w, http.StatusConflict, sync.ErrCycleRunning.Error())
		return
	}

	go func() {
		if _, err := h.syncManager.RunCycle(h.background, opts); err != nil {
			if errors.Is(err, sync.ErrCycleRunning) {
				logger.Log.Info("Triggered sync skipped, cycle already running")
				return
			}
			logger.Log.Error("Triggered sync failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "direction": string(opts.Direction)})
}

func (h *Handler) cycleOptions(req triggerRequest) (sync.CycleOptions, error) {
	dir, err := entity.ParseDirection(req.Direction)
	if err != nil {
		return sync.CycleOptions{}, err
	}
	opts := sync.CycleOptions{Direction: dir}
	for _, name := range req.EntityTypes {
		et := entity.EntityType(name)
		if _, ok := h.registry.Schema(et); !ok {
			return sync.CycleOptions{}, errors.New("unknown entity type " + strconv.Quote(name))
		}
		opts.EntityTypes = append(opts.EntityTypes, et)
	}
	if req.Since != "" {
		since, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			return sync.CycleOptions{}, errors.New("since must be an RFC 3339 timestamp")
		}
		opts.Since = since.UTC()
	}
	return opts, nil
}

func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	h.syncManager.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": h.syncManager.GetStatus()}
	if last := h.syncManager.LastReport(); last != nil {
		resp["last_cycle_id"] = last.CycleID
		resp["last_finished_at"] = last.FinishedAt
		resp["last_clean"] = last.Clean()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetLastReport(w http.ResponseWriter, r *http.Request) {
	last := h.syncManager.LastReport()
	if last == nil {
		writeError(w, http.StatusNotFound, "no cycle has finished yet")
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (h *Handler) ListFailures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.store.ListFailures(r.Context(), q.Get("entity_type"), q.Get("direction"))
	if err != nil {
		logger.Log.Error("Failed to list failures", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	if entries == nil {
		entries = []*store.FailureEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	conflicts, err := h.store.ListConflicts(r.Context(), r.URL.Query().Get("entity_type"), limit, offset)
	if err != nil {
		logger.Log.Error("Failed to list conflicts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conflicts")
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetConflict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		logger.Log.Error("Failed to get conflict", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get conflict")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "conflict not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	history, err := h.store.GetSyncHistory(r.Context(), limit, offset)
	if err != nil {
		logger.Log.Error("Failed to read sync history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read sync history")
		return
	}
	if history == nil {
		history = []*store.SyncHistory{}
	}
	writeJSON(w, http.StatusOK, history)
}

func paging(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, 500)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func (h *Handler) CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case slices.Contains(h.cfg.CorsOrigins, "*"):
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(h.cfg.CorsOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware checks the bearer token. An empty configured token turns
// the check off.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
