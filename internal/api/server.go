// Package api serves the HTTP surface: the sensor registry endpoint, the
// WebSocket subscriber endpoint, and Prometheus metrics.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fieldgrid/fieldhub/internal/httputil"
	"github.com/fieldgrid/fieldhub/internal/hub"
	"github.com/fieldgrid/fieldhub/internal/metrics"
	"github.com/fieldgrid/fieldhub/internal/pipeline"
	"github.com/fieldgrid/fieldhub/internal/store"
	"github.com/fieldgrid/fieldhub/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	store   *store.Store
	hub     *hub.Hub
	gate    *pipeline.Gate
	metrics *metrics.Set
	log     *zap.SugaredLogger
}

func NewServer(st *store.Store, hb *hub.Hub, gate *pipeline.Gate, m *metrics.Set, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		store:   st,
		hub:     hb,
		gate:    gate,
		metrics: m,
		log:     logger,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sensors", s.listSensors)
	mux.HandleFunc("/api/experiment", s.showExperiment)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/ws", s.hub.ServeWS)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// listSensors returns the full registry. The dashboard reads this on load
// while sensors keep reporting, so ingestion is gated for the read to keep
// the snapshot consistent with the live stream.
func (s *Server) listSensors(w http.ResponseWriter, r *http.Request) {
	if httputil.AllowCORS(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	release := s.gate.Close("sensor_list")
	defer release()

	sensors, err := s.store.ListSensors(r.Context())
	if err != nil {
		s.log.Errorw("failed to list sensors", "err", err)
		httputil.InternalServerError(w, "failed to list sensors")
		return
	}
	if sensors == nil {
		sensors = []store.Sensor{}
	}
	httputil.WriteJSONOK(w, sensors)
}

func (s *Server) showExperiment(w http.ResponseWriter, r *http.Request) {
	if httputil.AllowCORS(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	exp, err := s.store.ActiveExperiment(r.Context())
	if err != nil {
		s.log.Errorw("failed to load experiment", "err", err)
		httputil.InternalServerError(w, "failed to load experiment")
		return
	}
	if exp == nil {
		httputil.WriteJSONOK(w, map[string]any{"active": false})
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"active": true, "experiment": exp})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if httputil.AllowCORS(w, r) {
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"version": version.String()})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
