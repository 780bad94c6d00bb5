package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/clalos/occupancy-estimator/internal/alert"
	"github.com/clalos/occupancy-estimator/internal/annotate"
	"github.com/clalos/occupancy-estimator/internal/capture"
	"github.com/clalos/occupancy-estimator/internal/cluster"
	"github.com/clalos/occupancy-estimator/internal/embed"
	"github.com/clalos/occupancy-estimator/internal/occupancy"
	"github.com/clalos/occupancy-estimator/internal/stream"
	"github.com/clalos/occupancy-estimator/internal/window"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource yields n blank frames and then end. With block set it waits
// for ctx instead of ending.
type fakeSource struct {
	n     int
	end   error
	block bool
	next  int64
}

func (s *fakeSource) Next(ctx context.Context) (capture.Frame, error) {
	if int(s.next) >= s.n {
		if s.block {
			<-ctx.Done()
			return capture.Frame{}, ctx.Err()
		}
		if s.end != nil {
			return capture.Frame{}, s.end
		}
		return capture.Frame{}, io.EOF
	}
	s.next++
	return capture.Frame{
		Image:     gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3),
		Index:     s.next,
		Timestamp: time.Now(),
	}, nil
}

// scriptedEmbedder returns the detections scripted for each frame, in call
// order. A nil entry in errs means success.
type scriptedEmbedder struct {
	frames [][]embed.Detection
	errs   []error
	calls  int
}

func (e *scriptedEmbedder) Embed(gocv.Mat) ([]embed.Detection, error) {
	i := e.calls
	e.calls++
	if i < len(e.errs) && e.errs[i] != nil {
		return nil, e.errs[i]
	}
	if i < len(e.frames) {
		return e.frames[i], nil
	}
	return nil, nil
}

func vec(v float64) window.Embedding {
	e := make(window.Embedding, 8)
	for i := range e {
		e[i] = v
	}
	return e
}

func det(v float64) embed.Detection {
	return embed.Detection{Box: image.Rect(2, 2, 20, 20), Embedding: vec(v)}
}

type failingEstimator struct{}

func (failingEstimator) Estimate([]window.Embedding) (int, error) {
	return 0, errors.New("boom")
}

type constEstimator int

func (c constEstimator) Estimate([]window.Embedding) (int, error) { return int(c), nil }

type recordingStore struct {
	mu     sync.Mutex
	counts []int
}

func (s *recordingStore) Update(_ context.Context, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = append(s.counts, count)
	return nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alert.Event
}

func (a *recordingAlerter) Dispatch(ev alert.Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return true
}

type fixture struct {
	opts  Options
	store *occupancy.Store
	mem   *occupancy.MemoryPersistence
	alert *recordingAlerter
	hub   *stream.Hub
}

func newFixture(t *testing.T, src FrameSource, emb embed.Embedder, capacity, maxOccupancy int) *fixture {
	t.Helper()

	win, err := window.New(capacity)
	require.NoError(t, err)
	est, err := cluster.New(cluster.DefaultConfig())
	require.NoError(t, err)
	ann, err := annotate.New(annotate.DefaultQuality)
	require.NoError(t, err)

	mem := occupancy.NewMemoryPersistence()
	alerter := &recordingAlerter{}
	store, err := occupancy.NewStore(context.Background(), occupancy.Options{
		MaxOccupancy: maxOccupancy,
		Persistence:  mem,
		Alerter:      alerter,
		Logger:       discardLogger(),
	})
	require.NoError(t, err)

	hub := stream.NewHub(2)
	t.Cleanup(hub.Close)

	return &fixture{
		opts: Options{
			Source:    src,
			Embedder:  emb,
			Window:    win,
			Estimator: est,
			Store:     store,
			Renderer:  ann,
			Output:    hub,
			Logger:    discardLogger(),
		},
		store: store,
		mem:   mem,
		alert: alerter,
		hub:   hub,
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestLoop_EstimatesDistinctPeople(t *testing.T) {
	// Two people: A seen three times, B twice, across three frames.
	emb := &scriptedEmbedder{frames: [][]embed.Detection{
		{det(0), det(0)},
		{det(0), det(10)},
		{det(10)},
	}}
	f := newFixture(t, &fakeSource{n: 3}, emb, window.DefaultCapacity, 10)
	sub := f.hub.Subscribe()
	defer sub.Close()

	loop, err := New(f.opts)
	require.NoError(t, err)
	assert.Equal(t, Idle, loop.State())

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, Stopped, loop.State())
	assert.True(t, loop.Exhausted())

	assert.Equal(t, occupancy.Snapshot{Occupancy: 2, MaxOccupancy: 10}, f.store.Snapshot())
	persisted, err := f.store.Persisted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, persisted)

	m := loop.Metrics()
	assert.Equal(t, int64(3), m.FramesProcessed())
	assert.Equal(t, int64(5), m.FacesDetected())
	assert.Equal(t, int64(2), m.LastEstimate())
	assert.Equal(t, 5, f.opts.Window.Len())

	// Every frame was rendered; the subscriber keeps the newest two.
	assert.Equal(t, uint64(3), f.hub.Published())
	assert.Equal(t, 2, sub.Len())
	jpeg, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, jpeg[:2])
}

func TestLoop_AlertsAtCapacity(t *testing.T) {
	emb := &scriptedEmbedder{frames: [][]embed.Detection{
		{det(0)},
		{det(10)},
		{det(10)},
	}}
	f := newFixture(t, &fakeSource{n: 3}, emb, window.DefaultCapacity, 2)

	loop, err := New(f.opts)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	// Crossing mode: the count reaches 2 on frame two and stays there.
	require.Len(t, f.alert.events, 1)
	assert.Equal(t, 2, f.alert.events[0].Occupancy)
	assert.Equal(t, 2, f.alert.events[0].MaxOccupancy)
}

func TestLoop_EmbeddingFailureSkipsFrameFaces(t *testing.T) {
	emb := &scriptedEmbedder{
		frames: [][]embed.Detection{{det(0)}, {det(5)}, {det(10)}},
		errs:   []error{nil, embed.ErrEmbedding, nil},
	}
	f := newFixture(t, &fakeSource{n: 3}, emb, window.DefaultCapacity, 10)

	loop, err := New(f.opts)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	m := loop.Metrics()
	assert.Equal(t, int64(3), m.FramesProcessed())
	assert.Equal(t, int64(1), m.EmbedErrors())
	assert.Equal(t, 2, f.opts.Window.Len())
	assert.Equal(t, uint64(3), f.hub.Published(), "a frame without faces is still streamed")
	assert.Equal(t, 2, f.store.Read())
}

func TestLoop_ClusterFailureFallsBackToWindowSize(t *testing.T) {
	emb := &scriptedEmbedder{frames: [][]embed.Detection{{det(0), det(0)}, {det(0)}}}
	f := newFixture(t, &fakeSource{n: 2}, emb, window.DefaultCapacity, 10)
	rec := &recordingStore{}
	f.opts.Estimator = failingEstimator{}
	f.opts.Store = rec

	loop, err := New(f.opts)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, []int{2, 3}, rec.counts)
	assert.Equal(t, int64(2), loop.Metrics().ClusterFallbacks())
}

func TestLoop_PersistenceFailureKeepsRunning(t *testing.T) {
	emb := &scriptedEmbedder{frames: [][]embed.Detection{{det(0)}, {det(10)}}}
	f := newFixture(t, &fakeSource{n: 2}, emb, window.DefaultCapacity, 10)
	f.mem.SetFailure(errors.New("disk full"))

	loop, err := New(f.opts)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, int64(2), loop.Metrics().PersistErrors())
	assert.Equal(t, int64(2), loop.Metrics().FramesProcessed())
	assert.Equal(t, 2, f.store.Read(), "readers see the in-memory value")
}

func TestLoop_RejectedUpdateIsNotAPersistenceError(t *testing.T) {
	f := newFixture(t, &fakeSource{n: 2}, &scriptedEmbedder{}, window.DefaultCapacity, 10)
	f.opts.Estimator = constEstimator(-1)

	loop, err := New(f.opts)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	assert.Zero(t, loop.Metrics().PersistErrors())
	assert.Equal(t, int64(2), loop.Metrics().FramesProcessed())
	assert.Equal(t, 0, f.store.Read())
}

func TestLoop_CaptureFailureStops(t *testing.T) {
	src := &fakeSource{n: 2, end: capture.ErrCapture}
	f := newFixture(t, src, &scriptedEmbedder{}, window.DefaultCapacity, 10)

	loop, err := New(f.opts)
	require.NoError(t, err)

	err = loop.Run(context.Background())
	assert.ErrorIs(t, err, capture.ErrCapture)
	assert.Equal(t, Stopped, loop.State())
	assert.False(t, loop.Exhausted())
	assert.Equal(t, int64(2), loop.Metrics().FramesProcessed())

	assert.ErrorIs(t, loop.Run(context.Background()), ErrStopped)
}

func TestLoop_StopOnCancel(t *testing.T) {
	src := &fakeSource{n: 1, block: true}
	f := newFixture(t, src, &scriptedEmbedder{}, window.DefaultCapacity, 10)

	loop, err := New(f.opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return loop.Metrics().FramesProcessed() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, Running, loop.State())
	assert.ErrorIs(t, loop.Run(context.Background()), ErrRunning)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, Stopped, loop.State())
	assert.False(t, loop.Exhausted())
}

func TestLoop_SlowConsumerDoesNotStall(t *testing.T) {
	const frames = 40
	f := newFixture(t, &fakeSource{n: frames}, &scriptedEmbedder{}, window.DefaultCapacity, 10)
	// Never read from this subscriber.
	stalled := f.hub.Subscribe()
	defer stalled.Close()

	loop, err := New(f.opts)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline stalled on a slow consumer")
	}

	assert.Equal(t, int64(frames), loop.Metrics().FramesProcessed())
	assert.Equal(t, 2, stalled.Len())
	assert.Equal(t, uint64(frames-2), stalled.Dropped())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestMetrics_ProcessingTimeAverage(t *testing.T) {
	var m Metrics
	assert.Zero(t, m.LastFrameAge())

	m.updateProcessingTime(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, m.AvgProcessingTime())

	m.updateProcessingTime(200 * time.Millisecond)
	assert.InDelta(t, float64(110*time.Millisecond), float64(m.AvgProcessingTime()), float64(time.Microsecond))
}

// BenchmarkMetricsUpdate measures the per-frame cost of metrics tracking.
func BenchmarkMetricsUpdate(b *testing.B) {
	metrics := &Metrics{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.framesProcessed.Add(1)
		metrics.facesDetected.Add(2)
		metrics.lastFrameTime.Store(time.Now().UnixNano())
		metrics.updateProcessingTime(time.Millisecond * 100)
	}
}
