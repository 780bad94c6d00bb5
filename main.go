// Package main implements the Occupancy Estimator service, which estimates how
// many distinct people a camera has seen recently.
//
// Faces are detected in every captured frame and turned into descriptors. The
// most recent descriptors are clustered and the number of clusters is taken as
// the occupancy. The count is persisted, compared against a capacity limit and
// served over HTTP together with an annotated live stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clalos/occupancy-estimator/internal/alert"
	"github.com/clalos/occupancy-estimator/internal/annotate"
	"github.com/clalos/occupancy-estimator/internal/api"
	"github.com/clalos/occupancy-estimator/internal/capture"
	"github.com/clalos/occupancy-estimator/internal/cluster"
	"github.com/clalos/occupancy-estimator/internal/embed"
	"github.com/clalos/occupancy-estimator/internal/occupancy"
	"github.com/clalos/occupancy-estimator/internal/pipeline"
	"github.com/clalos/occupancy-estimator/internal/storage/sqlite"
	"github.com/clalos/occupancy-estimator/internal/stream"
	"github.com/clalos/occupancy-estimator/internal/window"
)

// shutdownTimeout bounds HTTP shutdown and the alert queue drain.
const shutdownTimeout = 10 * time.Second

func main() {
	config, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(config.LogFormat, config.Verbose)
	slog.SetDefault(logger)

	logger.Info("Starting Occupancy Estimator",
		"source", config.Source,
		"interval", config.Interval,
		"addr", config.Addr,
		"window", config.WindowCapacity,
		"kmax", config.KMax,
		"max_occupancy", config.MaxOccupancy,
		"alert_mode", config.AlertMode,
		"db", config.DBPath,
		"log_format", config.LogFormat,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("Occupancy Estimator failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Occupancy Estimator stopped")
}

// run wires every component and blocks until ctx is cancelled, the HTTP
// server fails or the frame source is lost. A source that simply ends (a
// video file) leaves the last count being served until ctx is cancelled.
func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	// Persistence
	var (
		db          *sqlite.DB
		persistence occupancy.Persistence
	)
	if cfg.DBPath != "" {
		var err error
		db, err = sqlite.Open(cfg.DBPath, logger)
		if err != nil {
			logger.Error("Database unavailable, keeping occupancy in memory",
				"db", cfg.DBPath,
				"error", err)
		} else {
			defer db.Close()
			persistence = db
		}
	}

	// Alerting
	notifiers := []alert.Notifier{alert.LogNotifier{Logger: logger}}
	if db != nil {
		notifiers = append(notifiers, db)
	}
	if cfg.MQTTBroker != "" {
		mq, err := alert.DialMQTT(ctx, alert.MQTTConfig{
			Broker: cfg.MQTTBroker,
			Topic:  cfg.MQTTTopic,
		}, logger)
		if err != nil {
			logger.Warn("MQTT alerts disabled", "broker", cfg.MQTTBroker, "error", err)
		} else {
			defer mq.Close()
			notifiers = append(notifiers, mq)
		}
	}
	if cfg.SMTPAddr != "" {
		mail, err := alert.NewSMTPNotifier(alert.SMTPConfig{
			Addr:     cfg.SMTPAddr,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
			To:       cfg.EmailTo,
		})
		if err != nil {
			return err
		}
		notifiers = append(notifiers, mail)
	}

	dispatcher := alert.NewDispatcher(logger, alert.Options{}, notifiers...)
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer drainCancel()
		if err := dispatcher.Close(drainCtx); err != nil {
			logger.Warn("Alert queue not fully drained", "error", err)
		}
		delivered, failed, dropped := dispatcher.Stats()
		logger.Info("Alert dispatcher closed",
			"delivered", delivered,
			"failed", failed,
			"dropped", dropped)
	}()

	store, err := occupancy.NewStore(ctx, occupancy.Options{
		MaxOccupancy: cfg.MaxOccupancy,
		Mode:         cfg.AlertMode,
		Persistence:  persistence,
		Alerter:      dispatcher,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	// Processing components
	win, err := window.New(cfg.WindowCapacity)
	if err != nil {
		return err
	}

	clusterCfg := cluster.DefaultConfig()
	clusterCfg.KMax = cfg.KMax
	clusterCfg.Seed = cfg.Seed
	clusterCfg.Restarts = cfg.Restarts
	estimator, err := cluster.New(clusterCfg)
	if err != nil {
		return err
	}

	annotator, err := annotate.New(cfg.JPEGQuality)
	if err != nil {
		return err
	}

	embedder, err := embed.NewFaceEmbedder(cfg.ModelsDir, cfg.CNN)
	if err != nil {
		return err
	}
	defer embedder.Close()

	source, err := capture.Open(capture.Config{
		Source:   cfg.Source,
		Interval: cfg.Interval,
	}, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	hub := stream.NewHub(cfg.StreamQueue)

	loop, err := pipeline.New(pipeline.Options{
		Source:    source,
		Embedder:  embedder,
		Window:    win,
		Estimator: estimator,
		Store:     store,
		Renderer:  annotator,
		Output:    hub,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	apiOpts := api.Options{
		Addr:      cfg.Addr,
		Occupancy: store,
		Frames:    hub,
		Pipeline:  loop,
		Logger:    logger,
	}
	if db != nil {
		apiOpts.Alerts = db
	}
	server, err := api.New(apiOpts)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- loop.Run(loopCtx)
	}()

	var result error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		result = err
		if result == nil {
			result = errors.New("http server stopped unexpectedly")
		}
	case err := <-loopErr:
		loopErr <- err
		if err != nil {
			result = err
		} else {
			// No more frames will be published; end open streams.
			hub.Close()
			logger.Info("Frame source ended, serving last occupancy until shutdown",
				"occupancy", store.Read())
			select {
			case <-ctx.Done():
			case result = <-serverErr:
			}
		}
	}

	// The loop must release the source before the deferred closes run.
	stopLoop()
	<-loopErr

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}

	persistFailures, alertsFired := store.Stats()
	m := loop.Metrics()
	logger.Info("Final statistics",
		"frames_processed", m.FramesProcessed(),
		"faces_detected", m.FacesDetected(),
		"occupancy", store.Read(),
		"alerts_fired", alertsFired,
		"persist_failures", persistFailures)

	return result
}
