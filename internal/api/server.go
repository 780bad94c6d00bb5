// Package api exposes the occupancy count, the annotated frame stream and
// service health over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/clalos/occupancy-estimator/internal/alert"
	"github.com/clalos/occupancy-estimator/internal/occupancy"
	"github.com/clalos/occupancy-estimator/internal/pipeline"
	"github.com/clalos/occupancy-estimator/internal/stream"
)

// DefaultAlertLimit is the number of alerts returned by /alerts without a limit.
const DefaultAlertLimit = 50

// OccupancyReader returns the committed occupancy without blocking.
type OccupancyReader interface {
	Snapshot() occupancy.Snapshot
}

// PipelineStatus reports the state of the processing loop.
type PipelineStatus interface {
	State() pipeline.State
	Exhausted() bool
	Metrics() *pipeline.Metrics
}

// AlertHistory lists recently recorded alerts, newest first.
type AlertHistory interface {
	Alerts(ctx context.Context, limit int) ([]alert.Event, error)
}

// Options configures a Server. Occupancy and Frames are required.
type Options struct {
	Addr      string
	Occupancy OccupancyReader
	Frames    *stream.Hub
	Pipeline  PipelineStatus
	Alerts    AlertHistory
	Logger    *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	occupancy OccupancyReader
	frames    *stream.Hub
	pipeline  PipelineStatus
	alerts    AlertHistory
	logger    *slog.Logger
	started   time.Time

	http *http.Server
}

// HealthStatus is the body of /healthz.
type HealthStatus struct {
	Status          string `json:"status"`
	Pipeline        string `json:"pipeline"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	FramesProcessed int64  `json:"frames_processed"`
	LastFrameAgeMS  int64  `json:"last_frame_age_ms"`
	StreamClients   int    `json:"stream_clients"`
}

// New validates opts and builds a Server. It does not start listening.
func New(opts Options) (*Server, error) {
	if opts.Occupancy == nil {
		return nil, errors.New("api: occupancy reader is required")
	}
	if opts.Frames == nil {
		return nil, errors.New("api: frame hub is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		occupancy: opts.Occupancy,
		frames:    opts.Frames,
		pipeline:  opts.Pipeline,
		alerts:    opts.Alerts,
		logger:    opts.Logger,
		started:   time.Now(),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.ServeMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// ServeMux returns the routes of the API.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /get_occupancy", s.getOccupancy)
	mux.Handle("GET /video_feed", stream.Handler(s.frames, s.logger))
	mux.HandleFunc("GET /healthz", s.healthz)
	if s.alerts != nil {
		mux.HandleFunc("GET /alerts", s.listAlerts)
	}
	return mux
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and closes the frame hub so that open
// streams end, then waits for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.frames.Close()
	return s.http.Shutdown(ctx)
}

func (s *Server) getOccupancy(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.occupancy.Snapshot())
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:        "ok",
		Pipeline:      "unknown",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		StreamClients: s.frames.Subscribers(),
	}

	status := http.StatusOK
	if s.pipeline != nil {
		state := s.pipeline.State()
		m := s.pipeline.Metrics()
		health.Pipeline = state.String()
		health.FramesProcessed = m.FramesProcessed()
		health.LastFrameAgeMS = m.LastFrameAge().Milliseconds()
		switch {
		case state == pipeline.Stopped && s.pipeline.Exhausted():
			health.Status = "ended"
		case state == pipeline.Stopped:
			health.Status = "stopped"
			status = http.StatusServiceUnavailable
		}
	}

	s.writeJSON(w, status, health)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit := DefaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.alerts.Alerts(r.Context(), limit)
	if err != nil {
		s.logger.Error("Alert history query failed", "error", err)
		s.writeJSONError(w, http.StatusInternalServerError, "alert history unavailable")
		return
	}
	if events == nil {
		events = []alert.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Response write failed", "error", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
