package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/clalos/occupancy-estimator/internal/annotate"
	"github.com/clalos/occupancy-estimator/internal/occupancy"
	"github.com/clalos/occupancy-estimator/internal/stream"
	"github.com/clalos/occupancy-estimator/internal/window"
)

// smtpPasswordEnv names the environment variable holding the SMTP password.
const smtpPasswordEnv = "OCCUPANCY_SMTP_PASSWORD"

// Config holds the application configuration parsed from command-line flags.
type Config struct {
	Source   string
	Interval time.Duration
	Addr     string

	WindowCapacity int
	KMax           int
	Seed           uint64
	Restarts       int

	MaxOccupancy int
	AlertMode    occupancy.AlertMode

	JPEGQuality int
	StreamQueue int

	DBPath    string
	ModelsDir string
	CNN       bool

	MQTTBroker string
	MQTTTopic  string

	SMTPAddr     string
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string
	EmailTo      []string

	LogFormat string
	Verbose   bool
}

// parseFlags parses command-line arguments and returns the application configuration.
func parseFlags() (*Config, error) {
	// Create a new FlagSet to avoid global flag conflicts in tests
	fs := flag.NewFlagSet("occupancy", flag.ContinueOnError)

	var (
		source      = fs.String("source", "0", "Camera index, video file or stream URL")
		interval    = fs.Duration("interval", 0, "Minimum time between frames (0 = as fast as the source delivers)")
		addr        = fs.String("addr", ":5000", "HTTP listen address")
		windowSize  = fs.Int("window", window.DefaultCapacity, "Number of recent face embeddings kept for clustering")
		kmax        = fs.Int("kmax", 5, "Upper bound on the number of clusters")
		seed        = fs.Uint64("seed", 42, "Clustering random seed")
		restarts    = fs.Int("restarts", 1, "Clustering restarts; the lowest-inertia run wins")
		maxOcc      = fs.Int("max-occupancy", 500, "Occupancy at which an alert is raised")
		alertMode   = fs.String("alert-mode", "crossing", "Alert mode: crossing or every-update")
		quality     = fs.Int("jpeg-quality", annotate.DefaultQuality, "JPEG quality of streamed frames (1-100)")
		streamQueue = fs.Int("stream-queue", stream.DefaultQueueSize, "Frames buffered per stream client before the oldest is dropped")
		dbPath      = fs.String("db", "database.db", "SQLite database path (empty keeps the count in memory)")
		models      = fs.String("models", "models", "Directory holding the dlib face models")
		cnn         = fs.Bool("cnn", false, "Use the CNN face detector")
		mqttBroker  = fs.String("mqtt-broker", "", "MQTT broker for alerts, e.g. tcp://localhost:1883")
		mqttTopic   = fs.String("mqtt-topic", "occupancy/alerts", "MQTT topic for alerts")
		smtpAddr    = fs.String("smtp-addr", "", "SMTP relay for alert mail, e.g. smtp.gmail.com:587")
		smtpUser    = fs.String("smtp-user", "", "SMTP username (password from "+smtpPasswordEnv+")")
		emailFrom   = fs.String("email-from", "", "Alert mail sender")
		emailTo     = fs.String("email-to", "", "Alert mail recipients (comma-separated)")
		logfmt      = fs.String("logfmt", "json", "Log format: json or kv")
		verbose     = fs.Bool("verbose", false, "Enable debug logging")
	)

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	if *source == "" {
		return nil, fmt.Errorf("source flag is required")
	}

	if *interval < 0 {
		return nil, fmt.Errorf("interval must not be negative")
	}

	if *windowSize < 1 {
		return nil, fmt.Errorf("window must be at least 1")
	}

	if *kmax < 1 {
		return nil, fmt.Errorf("kmax must be at least 1")
	}

	if *restarts < 1 {
		return nil, fmt.Errorf("restarts must be at least 1")
	}

	if *maxOcc < 1 {
		return nil, fmt.Errorf("max-occupancy must be at least 1")
	}

	mode, err := occupancy.ParseAlertMode(*alertMode)
	if err != nil {
		return nil, err
	}

	if *quality < 1 || *quality > 100 {
		return nil, fmt.Errorf("jpeg-quality must be between 1 and 100")
	}

	if *streamQueue < 1 {
		return nil, fmt.Errorf("stream-queue must be at least 1")
	}

	if *logfmt != "json" && *logfmt != "kv" {
		return nil, fmt.Errorf("logfmt must be 'json' or 'kv'")
	}

	var recipients []string
	for _, to := range strings.Split(*emailTo, ",") {
		if to = strings.TrimSpace(to); to != "" {
			recipients = append(recipients, to)
		}
	}

	if *smtpAddr != "" && (*emailFrom == "" || len(recipients) == 0) {
		return nil, fmt.Errorf("smtp-addr requires email-from and email-to")
	}

	return &Config{
		Source:         *source,
		Interval:       *interval,
		Addr:           *addr,
		WindowCapacity: *windowSize,
		KMax:           *kmax,
		Seed:           *seed,
		Restarts:       *restarts,
		MaxOccupancy:   *maxOcc,
		AlertMode:      mode,
		JPEGQuality:    *quality,
		StreamQueue:    *streamQueue,
		DBPath:         *dbPath,
		ModelsDir:      *models,
		CNN:            *cnn,
		MQTTBroker:     *mqttBroker,
		MQTTTopic:      *mqttTopic,
		SMTPAddr:       *smtpAddr,
		SMTPUser:       *smtpUser,
		SMTPPassword:   os.Getenv(smtpPasswordEnv),
		EmailFrom:      *emailFrom,
		EmailTo:        recipients,
		LogFormat:      *logfmt,
		Verbose:        *verbose,
	}, nil
}

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string, verbose bool) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
