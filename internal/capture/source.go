// Package capture reads frames from a camera device, video file or network
// stream through OpenCV.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// ErrCapture marks an unrecoverable frame source failure.
var ErrCapture = errors.New("capture: frame source failed")

var errNoFrame = errors.New("failed to read frame from video source")

// Frame represents a captured video frame.
type Frame struct {
	// Image holds the frame pixels (BGR). The consumer owns it and must close it.
	Image gocv.Mat

	// Index is a monotonically increasing counter starting from 1.
	Index int64

	// Timestamp records when the frame was captured.
	Timestamp time.Time
}

// videoReader is the subset of *gocv.VideoCapture used by Source.
type videoReader interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Config describes where frames come from.
type Config struct {
	// Source is a device index ("0"), a file path or a stream URL.
	Source string
	// Interval paces reads; zero reads as fast as the source delivers.
	Interval time.Duration
	// MaxFailures is the number of consecutive failed reads tolerated on a
	// live source before it is declared lost. Defaults to 5.
	MaxFailures int64
}

// Source yields frames one at a time. It is not safe for concurrent use.
type Source struct {
	cfg     Config
	logger  *slog.Logger
	reader  videoReader
	breaker *Breaker

	// finite sources (files) end with io.EOF instead of a capture error.
	finite bool

	img      gocv.Mat
	index    int64
	lastRead time.Time

	closeOnce sync.Once
}

// Open opens the configured source.
func Open(cfg Config, logger *slog.Logger) (*Source, error) {
	var device interface{} = cfg.Source
	finite := false
	if n, err := strconv.Atoi(cfg.Source); err == nil {
		device = n
	} else if fi, err := os.Stat(cfg.Source); err == nil && !fi.IsDir() {
		finite = true
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", ErrCapture, cfg.Source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: video capture %q is not opened", ErrCapture, cfg.Source)
	}

	logger.Debug("Video source opened", "source", cfg.Source, "finite", finite)
	return newSource(cfg, vc, finite, logger), nil
}

func newSource(cfg Config, reader videoReader, finite bool, logger *slog.Logger) *Source {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	return &Source{
		cfg:     cfg,
		logger:  logger,
		reader:  reader,
		breaker: NewBreaker(cfg.MaxFailures, logger),
		finite:  finite,
		img:     gocv.NewMat(),
	}
}

// Next blocks until the next frame is available. It returns io.EOF when a
// finite source is exhausted, ctx.Err() when ctx is cancelled, and an error
// wrapping ErrCapture once a live source has failed MaxFailures times in a row.
func (s *Source) Next(ctx context.Context) (Frame, error) {
	if err := s.pace(ctx); err != nil {
		return Frame{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		err := s.breaker.Call(s.read)
		if err == nil {
			break
		}
		if s.finite && errors.Is(err, errNoFrame) {
			return Frame{}, io.EOF
		}
		if s.breaker.State() == BreakerOpen {
			return Frame{}, fmt.Errorf("%w: %w", ErrCapture, err)
		}

		s.logger.Warn("Frame read failed, retrying",
			"error", err,
			"failure_count", s.breaker.FailureCount(),
			"source", s.cfg.Source)

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.lastRead = time.Now()
	s.index++
	return Frame{
		Image:     s.img.Clone(),
		Index:     s.index,
		Timestamp: s.lastRead,
	}, nil
}

func (s *Source) read() error {
	if !s.reader.Read(&s.img) {
		return errNoFrame
	}
	if s.img.Empty() {
		return fmt.Errorf("empty frame captured: %w", errNoFrame)
	}
	return nil
}

func (s *Source) pace(ctx context.Context) error {
	if s.cfg.Interval <= 0 || s.lastRead.IsZero() {
		return nil
	}
	wait := time.Until(s.lastRead.Add(s.cfg.Interval))
	if wait <= 0 {
		return nil
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Breaker exposes the read breaker for metrics.
func (s *Source) Breaker() *Breaker { return s.breaker }

// Close releases the capture device. It is safe to call more than once.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.reader.Close()
		s.img.Close()
	})
	return err
}
