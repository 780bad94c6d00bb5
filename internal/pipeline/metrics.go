package pipeline

import (
	"sync/atomic"
	"time"
)

// Metrics tracks pipeline health and performance.
type Metrics struct {
	// framesProcessed counts frames that went through a full cycle.
	framesProcessed atomic.Int64
	// facesDetected counts embeddings pushed into the window.
	facesDetected atomic.Int64
	// embedErrors counts frames whose embeddings were skipped.
	embedErrors atomic.Int64
	// clusterFallbacks counts estimates replaced by the window size.
	clusterFallbacks atomic.Int64
	// persistErrors counts occupancy updates the backend rejected.
	persistErrors atomic.Int64
	// renderErrors counts frames that could not be annotated or encoded.
	renderErrors atomic.Int64
	// lastEstimate is the most recent occupancy estimate.
	lastEstimate atomic.Int64
	// lastFrameTime tracks when the last frame finished processing.
	lastFrameTime atomic.Int64
	// avgProcessingTimeNs is an EMA of per-frame processing time.
	avgProcessingTimeNs atomic.Int64
}

// FramesProcessed returns the number of frames fully processed.
func (m *Metrics) FramesProcessed() int64 { return m.framesProcessed.Load() }

// FacesDetected returns the number of embeddings pushed into the window.
func (m *Metrics) FacesDetected() int64 { return m.facesDetected.Load() }

// EmbedErrors returns the number of frames whose embeddings were skipped.
func (m *Metrics) EmbedErrors() int64 { return m.embedErrors.Load() }

// ClusterFallbacks returns how often the window size stood in for the estimate.
func (m *Metrics) ClusterFallbacks() int64 { return m.clusterFallbacks.Load() }

// PersistErrors returns the number of failed occupancy writes.
func (m *Metrics) PersistErrors() int64 { return m.persistErrors.Load() }

// RenderErrors returns the number of frames not emitted downstream.
func (m *Metrics) RenderErrors() int64 { return m.renderErrors.Load() }

// LastEstimate returns the most recent occupancy estimate.
func (m *Metrics) LastEstimate() int64 { return m.lastEstimate.Load() }

// AvgProcessingTime returns the moving average of per-frame processing time.
func (m *Metrics) AvgProcessingTime() time.Duration {
	return time.Duration(m.avgProcessingTimeNs.Load())
}

// LastFrameAge returns how long ago the last frame was processed.
func (m *Metrics) LastFrameAge() time.Duration {
	last := m.lastFrameTime.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// updateProcessingTime folds d into the moving average.
func (m *Metrics) updateProcessingTime(d time.Duration) {
	// EMA with alpha = 0.1
	current := m.avgProcessingTimeNs.Load()
	if current == 0 {
		m.avgProcessingTimeNs.Store(d.Nanoseconds())
		return
	}
	m.avgProcessingTimeNs.Store(int64(float64(current)*0.9 + float64(d.Nanoseconds())*0.1))
}
