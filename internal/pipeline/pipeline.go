// Package pipeline runs the per-frame occupancy cycle:
//
//	capture → embed → window push → estimate → store update → render → publish
//
// One frame is fully processed before the next is captured. The loop is the
// only writer of the embedding window and of the occupancy store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/occupancy-estimator/internal/capture"
	"github.com/clalos/occupancy-estimator/internal/embed"
	"github.com/clalos/occupancy-estimator/internal/occupancy"
	"github.com/clalos/occupancy-estimator/internal/window"
)

// ErrStopped is returned by Run when the loop has already run to completion.
var ErrStopped = errors.New("pipeline: stopped")

// ErrRunning is returned by Run when the loop is already running.
var ErrRunning = errors.New("pipeline: already running")

// State is the lifecycle state of a Loop.
type State int32

const (
	// Idle is the state before Run is called.
	Idle State = iota
	// Running means frames are being processed.
	Running
	// Stopped is terminal: the source ended, failed, or a stop was requested.
	Stopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FrameSource yields captured frames; see capture.Source.
type FrameSource interface {
	Next(ctx context.Context) (capture.Frame, error)
}

// Estimator turns a window snapshot into an occupancy estimate.
type Estimator interface {
	Estimate(points []window.Embedding) (int, error)
}

// OccupancyStore receives each new estimate.
type OccupancyStore interface {
	Update(ctx context.Context, count int) error
}

// Renderer annotates and encodes a frame.
type Renderer interface {
	Render(img gocv.Mat, boxes []image.Rectangle) ([]byte, error)
}

// Publisher accepts encoded frames without blocking.
type Publisher interface {
	Publish(frame []byte)
}

// Options wires a Loop to its collaborators. All fields except Logger and
// ReportInterval are required.
type Options struct {
	Source    FrameSource
	Embedder  embed.Embedder
	Window    *window.Window
	Estimator Estimator
	Store     OccupancyStore
	Renderer  Renderer
	Output    Publisher
	Logger    *slog.Logger

	// ReportInterval is the period of the metrics log line. Defaults to 30s.
	ReportInterval time.Duration
	// FrameBudget is the processing time above which a warning is logged.
	// Defaults to 33ms (30 fps).
	FrameBudget time.Duration
}

// Loop is the single-threaded occupancy pipeline.
type Loop struct {
	source    FrameSource
	embedder  embed.Embedder
	window    *window.Window
	estimator Estimator
	store     OccupancyStore
	renderer  Renderer
	out       Publisher
	logger    *slog.Logger

	reportInterval time.Duration
	frameBudget    time.Duration

	state     atomic.Int32
	exhausted atomic.Bool
	metrics   *Metrics
}

// New validates opts and returns an idle Loop.
func New(opts Options) (*Loop, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("pipeline: frame source is required")
	case opts.Embedder == nil:
		return nil, errors.New("pipeline: embedder is required")
	case opts.Window == nil:
		return nil, errors.New("pipeline: embedding window is required")
	case opts.Estimator == nil:
		return nil, errors.New("pipeline: estimator is required")
	case opts.Store == nil:
		return nil, errors.New("pipeline: occupancy store is required")
	case opts.Renderer == nil:
		return nil, errors.New("pipeline: renderer is required")
	case opts.Output == nil:
		return nil, errors.New("pipeline: output is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 30 * time.Second
	}
	if opts.FrameBudget <= 0 {
		opts.FrameBudget = 33 * time.Millisecond
	}

	return &Loop{
		source:         opts.Source,
		embedder:       opts.Embedder,
		window:         opts.Window,
		estimator:      opts.Estimator,
		store:          opts.Store,
		renderer:       opts.Renderer,
		out:            opts.Output,
		logger:         opts.Logger,
		reportInterval: opts.ReportInterval,
		frameBudget:    opts.FrameBudget,
		metrics:        &Metrics{},
	}, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Exhausted reports whether the loop stopped because the source ran out of
// frames rather than failing or being cancelled.
func (l *Loop) Exhausted() bool { return l.exhausted.Load() }

// Metrics returns the live metrics of the loop.
func (l *Loop) Metrics() *Metrics { return l.metrics }

// Run processes frames until the source ends (nil), ctx is cancelled (nil)
// or the source fails (the capture error is returned). Every other failure
// is logged and the loop continues with a possibly stale estimate. A Loop
// runs at most once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		if l.State() == Running {
			return ErrRunning
		}
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		l.state.Store(int32(Stopped))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.reportMetrics(ctx)
	}()

	l.logger.Debug("Pipeline started",
		"window_capacity", l.window.Cap(),
		"report_interval", l.reportInterval)

	for {
		frame, err := l.source.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				l.exhausted.Store(true)
				l.logger.Info("Frame source exhausted, stopping pipeline",
					"frames_processed", l.metrics.FramesProcessed())
				return nil
			case ctx.Err() != nil:
				l.logger.Info("Stop requested, pipeline stopped",
					"frames_processed", l.metrics.FramesProcessed())
				return nil
			default:
				l.logger.Error("Frame capture failed, pipeline stopped",
					"error", err,
					"frames_processed", l.metrics.FramesProcessed())
				return fmt.Errorf("pipeline: %w", err)
			}
		}

		l.process(ctx, frame)
	}
}

// process runs one full cycle for frame and releases its image.
func (l *Loop) process(ctx context.Context, frame capture.Frame) {
	defer frame.Image.Close()
	start := time.Now()

	dets, err := l.embedder.Embed(frame.Image)
	if err != nil {
		l.metrics.embedErrors.Add(1)
		l.logger.Warn("Face embedding failed, skipping frame's faces",
			"frame_index", frame.Index,
			"error", err)
		dets = nil
	}
	for _, d := range dets {
		l.window.Push(d.Embedding)
	}
	l.metrics.facesDetected.Add(int64(len(dets)))

	estimate, err := l.estimator.Estimate(l.window.Snapshot())
	if err != nil {
		l.metrics.clusterFallbacks.Add(1)
		estimate = l.window.Len()
		l.logger.Warn("Clustering failed, using window size as estimate",
			"frame_index", frame.Index,
			"estimate", estimate,
			"error", err)
	}
	l.metrics.lastEstimate.Store(int64(estimate))

	if err := l.store.Update(ctx, estimate); err != nil {
		if errors.Is(err, occupancy.ErrPersistence) {
			l.metrics.persistErrors.Add(1)
			l.logger.Error("Occupancy persistence failed",
				"frame_index", frame.Index,
				"occupancy", estimate,
				"error", err)
		} else {
			l.logger.Warn("Occupancy update rejected",
				"frame_index", frame.Index,
				"occupancy", estimate,
				"error", err)
		}
	}

	jpeg, err := l.renderer.Render(frame.Image, embed.Boxes(dets))
	if err != nil {
		l.metrics.renderErrors.Add(1)
		l.logger.Warn("Frame rendering failed, frame not emitted",
			"frame_index", frame.Index,
			"error", err)
	} else {
		l.out.Publish(jpeg)
	}

	elapsed := time.Since(start)
	l.metrics.framesProcessed.Add(1)
	l.metrics.lastFrameTime.Store(time.Now().UnixNano())
	l.metrics.updateProcessingTime(elapsed)

	l.logger.Debug("Frame processed",
		"frame_index", frame.Index,
		"faces", len(dets),
		"window_size", l.window.Len(),
		"occupancy", estimate,
		"processing_time_ms", elapsed.Milliseconds())
}

// reportMetrics periodically logs pipeline health until ctx is done.
func (l *Loop) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(l.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("Metrics reporting stopped")
			return
		case <-ticker.C:
			avg := l.metrics.AvgProcessingTime()
			l.logger.Debug("Pipeline metrics report",
				"frames_processed", l.metrics.FramesProcessed(),
				"faces_detected", l.metrics.FacesDetected(),
				"embed_errors", l.metrics.EmbedErrors(),
				"cluster_fallbacks", l.metrics.ClusterFallbacks(),
				"persist_errors", l.metrics.PersistErrors(),
				"render_errors", l.metrics.RenderErrors(),
				"occupancy", l.metrics.LastEstimate(),
				"window_size", l.window.Len(),
				"avg_processing_time_ms", avg.Milliseconds(),
				"last_frame_age_ms", l.metrics.LastFrameAge().Milliseconds())

			if avg > l.frameBudget {
				l.logger.Warn("Frame processing exceeds frame budget",
					"avg_processing_time_ms", avg.Milliseconds(),
					"frame_budget_ms", l.frameBudget.Milliseconds(),
					"consider_reducing_window_or_kmax", true)
			}
		}
	}
}
