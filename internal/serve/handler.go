package serve

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/segment-recorder/internal/config"
	"github.com/gftdcojp/segment-recorder/internal/janitor"
	"github.com/gftdcojp/segment-recorder/internal/journal"
	"github.com/gftdcojp/segment-recorder/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const defaultListLimit = 100

// StatusSource reports the current state of every supervised stream.
type StatusSource interface {
	Statuses() []types.StreamStatus
}

// Sweeper runs a janitor sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (janitor.Result, error)
}

type handler struct {
	streams StatusSource
	journal journal.Store
	sweeper Sweeper
	started time.Time
	logger  *zap.Logger
}

// NewRouter builds the admin API. journal and sweeper may be nil, in which
// case their routes answer 503.
func NewRouter(streams StatusSource, js journal.Store, sweeper Sweeper, logger *zap.Logger) http.Handler {
	h := &handler{
		streams: streams,
		journal: js,
		sweeper: sweeper,
		started: time.Now(),
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Get("/streams", h.handleStreams)
		r.Route("/streams/{stream}", func(r chi.Router) {
			r.Get("/", h.handleStream)
			r.Get("/runs", h.handleRuns)
		})
		r.Get("/evictions", h.handleEvictions)
		r.Post("/admin/sweep", h.handleSweep)
	})
	return r
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, router http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := h.streams.Statuses()
	running := 0
	for _, st := range statuses {
		if st.State == types.StateRunning {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"streams": len(statuses),
		"running": running,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *handler) handleStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.streams.Statuses())
}

func (h *handler) lookup(name string) (types.StreamStatus, bool) {
	for _, st := range h.streams.Statuses() {
		if st.Stream == name {
			return st, true
		}
	}
	return types.StreamStatus{}, false
}

func (h *handler) handleStream(w http.ResponseWriter, r *http.Request) {
	st, ok := h.lookup(chi.URLParam(r, "stream"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stream not found"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	stream := chi.URLParam(r, "stream")
	if _, ok := h.lookup(stream); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stream not found"})
		return
	}
	if h.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal disabled"})
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	runs, err := h.journal.ListRuns(r.Context(), stream, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []types.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) handleEvictions(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal disabled"})
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	evs, err := h.journal.ListEvictions(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if evs == nil {
		evs = []types.Eviction{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (h *handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "janitor not running"})
		return
	}
	res, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.logger.Warn("manual sweep failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if res.Evicted == nil {
		res.Evicted = []types.Eviction{}
	}
	writeJSON(w, http.StatusOK, res)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
