package main

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"wafer-analytics/internal/analytics"
	"wafer-analytics/internal/models"
)

type alertHistory interface {
	GetRecentAlerts(count int64) ([]models.AlertEvent, error)
}

// Server exposes the analyzer's views to dashboard clients. JSON cannot carry
// NaN or +Inf, so undefined values are written as null.
type Server struct {
	router   *mux.Router
	history  alertHistory
	analyzer *analytics.Analyzer
	opts     analytics.ReportOptions
}

func NewServer(analyzer *analytics.Analyzer, opts analytics.ReportOptions, history alertHistory) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		history:  history,
		analyzer: analyzer,
		opts:     opts,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.HandleFunc("/yield", s.yieldHandler).Methods("GET")
	s.router.HandleFunc("/coverage", s.coverageHandler).Methods("GET")
	s.router.HandleFunc("/cost", s.costHandler).Methods("GET")
	s.router.HandleFunc("/correlation", s.correlationHandler).Methods("GET")
	s.router.HandleFunc("/alerts", s.alertsHandler).Methods("GET")
	s.router.HandleFunc("/alerts/recent", s.recentAlertsHandler).Methods("GET")
	s.router.Handle("/metrics/prometheus", promhttp.Handler())
	s.router.Use(instrument)
}

// instrument records request counts and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		requestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	wafers, _ := s.analyzer.YieldBy(analytics.GroupByWafer)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"wafers":    len(wafers),
	})
}

func (s *Server) yieldHandler(w http.ResponseWriter, r *http.Request) {
	key := analytics.GroupKey(r.URL.Query().Get("group_by"))
	if key == "" {
		key = s.opts.GroupBy
	}
	rows, err := s.analyzer.YieldBy(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, yieldRows(rows))
}

func (s *Server) coverageHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, coverageBody(s.analyzer.TestCoverage()))
}

func (s *Server) costHandler(w http.ResponseWriter, r *http.Request) {
	waferCost, err := floatParam(r, "wafer_cost", s.opts.WaferCost)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	testCost, err := floatParam(r, "test_cost_per_die", s.opts.TestCostPerDie)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	perGood, breakdown := s.analyzer.CostPerGoodDie(waferCost, testCost)
	writeJSON(w, http.StatusOK, costResponse{CostPerGoodDie: finite(perGood), Breakdown: costItems(breakdown)})
}

func (s *Server) correlationHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, correlationBody(s.analyzer.Correlate()))
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	threshold, err := floatParam(r, "threshold", s.opts.Threshold)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	window, err := intParam(r, "window_size", s.opts.WindowSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	alerts, err := s.analyzer.DetectYieldDrops(threshold, window)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, alertRows(alerts))
}

func (s *Server) recentAlertsHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "alert history is not configured", http.StatusServiceUnavailable)
		return
	}
	count, err := intParam(r, "count", 10)
	if err != nil || count < 1 {
		http.Error(w, "count must be a positive number", http.StatusBadRequest)
		return
	}
	alerts, err := s.history.GetRecentAlerts(int64(count))
	if err != nil {
		log.Errorf("Failed to read alert history: %s", err)
		http.Error(w, "alert history unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, alertRows(alerts))
}

func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("Could not gracefully shutdown the server: %s", err)
		}
		close(done)
	}()

	log.Infof("Server is ready to handle requests at %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrapf(err, "could not listen on %s", addr)
	}

	<-done
	log.Info("Server stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Errorf("Failed to encode response: %s", err)
	}
}

func floatParam(r *http.Request, name string, fallback float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}
