package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
)

// Boundary separates the parts of the multipart stream.
const Boundary = "frame"

// ContentType is the response content type of a frame stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// WriteMultipart copies frames from sub to w as JPEG parts until ctx is done,
// the subscriber is closed or a write fails. flush, when non-nil, is called
// after every part. On a clean stop the closing boundary is written.
func WriteMultipart(ctx context.Context, w io.Writer, sub *Subscriber, flush func()) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		return err
	}

	for {
		frame, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// The client may already be gone; nothing to report.
				_ = mw.Close()
				return nil
			}
			return err
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", "image/jpeg")
		header.Set("Content-Length", strconv.Itoa(len(frame)))
		part, err := mw.CreatePart(header)
		if err != nil {
			return fmt.Errorf("write part header: %w", err)
		}
		if _, err := part.Write(frame); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if flush != nil {
			flush()
		}
	}
}

// Handler serves the hub as a multipart JPEG stream. Each request gets its
// own subscriber, released when the client disconnects.
func Handler(hub *Hub, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := hub.Subscribe()
		defer sub.Close()

		w.Header().Set("Content-Type", ContentType)
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusOK)

		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
			// Send headers now; the first frame may be a while away.
			flush()
		}

		logger.Debug("Stream client connected", "subscriber_id", sub.ID, "remote_addr", r.RemoteAddr)
		if err := WriteMultipart(r.Context(), w, sub, flush); err != nil {
			logger.Debug("Stream client write failed", "subscriber_id", sub.ID, "error", err)
		}
		logger.Debug("Stream client disconnected",
			"subscriber_id", sub.ID,
			"dropped_frames", sub.Dropped())
	})
}
