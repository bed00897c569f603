package conference

import (
	"context"
	"errors"
	"sync"
	"time"
)

// mockHandle counts disposals so tests can assert the no-dangling-handle
// property.
type mockHandle struct {
	mu       sync.Mutex
	key      StreamKey
	surface  string
	disposed int
}

func (h *mockHandle) Dispose() {
	h.mu.Lock()
	h.disposed++
	h.mu.Unlock()
}

func (h *mockHandle) disposeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

// mockBinder records every handle it created. failNext makes the next Bind
// fail once; failAll makes every Bind fail.
type mockBinder struct {
	mu       sync.Mutex
	handles  []*mockHandle
	failNext bool
	failAll  bool
	attempts int
}

func (b *mockBinder) Bind(key StreamKey, surface RenderSurface) (RenderHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.failAll {
		return nil, errors.New("bind failed")
	}
	if b.failNext {
		b.failNext = false
		return nil, errors.New("bind failed")
	}
	h := &mockHandle{key: key, surface: surface.ID()}
	b.handles = append(b.handles, h)
	return h, nil
}

func (b *mockBinder) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *mockBinder) created() []*mockHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*mockHandle(nil), b.handles...)
}

// undisposed returns handles that are still live. The registry invariant
// allows at most one per stream key.
func (b *mockBinder) undisposed() []*mockHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	var live []*mockHandle
	for _, h := range b.handles {
		if h.disposeCount() == 0 {
			live = append(live, h)
		}
	}
	return live
}

type mockSurface struct{ id string }

func (s *mockSurface) ID() string { return s.id }

// mockSurfaceProvider hands out one featured surface and per-identity
// thumbnail surfaces.
type mockSurfaceProvider struct{}

func (mockSurfaceProvider) FeaturedSurface() RenderSurface { return &mockSurface{id: "featured"} }
func (mockSurfaceProvider) ThumbnailSurface(id Identity) RenderSurface {
	return &mockSurface{id: "thumb-" + string(id)}
}

// mockTransport drives the session controller from tests. Commands record
// their arguments; injected errors exercise the revert paths.
type mockTransport struct {
	mu             sync.Mutex
	events         chan TransportEvent
	connectErr     error
	muteErr        error
	videoErr       error
	screenShareErr error
	mutedCalls     []bool
	videoCalls     []bool
	screenCalls    []bool
	disconnects    int
	closeOnce      sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{events: make(chan TransportEvent, 64)}
}

func (t *mockTransport) Connect(ctx context.Context) error { return t.connectErr }

func (t *mockTransport) Events() <-chan TransportEvent { return t.events }

func (t *mockTransport) SetMuted(muted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.muteErr != nil {
		return t.muteErr
	}
	t.mutedCalls = append(t.mutedCalls, muted)
	return nil
}

func (t *mockTransport) SetVideoEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.videoErr != nil {
		return t.videoErr
	}
	t.videoCalls = append(t.videoCalls, enabled)
	return nil
}

func (t *mockTransport) SetScreenShare(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.screenShareErr != nil {
		return t.screenShareErr
	}
	t.screenCalls = append(t.screenCalls, enabled)
	return nil
}

func (t *mockTransport) Disconnect() error {
	t.mu.Lock()
	t.disconnects++
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.events) })
	return nil
}

// deliver pushes an event and waits for the dispatch goroutine to drain the
// channel, approximating the single cooperative loop's turn boundary.
func (t *mockTransport) deliver(ev TransportEvent) {
	t.events <- ev
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(t.events) == 0 {
			// One more yield so the handler finishes the turn.
			time.Sleep(5 * time.Millisecond)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// mockCaptureStream reports a configurable number of audio tracks.
type mockCaptureStream struct {
	mu          sync.Mutex
	audioTracks int
	stops       int
}

func (s *mockCaptureStream) AudioTracks() int { return s.audioTracks }

func (s *mockCaptureStream) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func (s *mockCaptureStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// mockCaptureSource returns a prepared stream or a denial error.
type mockCaptureSource struct {
	stream *mockCaptureStream
	err    error
}

func (c *mockCaptureSource) Acquire(ctx context.Context, withAudio bool) (CaptureStream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

// mockEncoderSession flushes configured trailing chunks on Stop.
type mockEncoderSession struct {
	mu          sync.Mutex
	onChunk     func([]byte)
	flushOnStop [][]byte
	stops       int
}

func (s *mockEncoderSession) Stop() error {
	s.mu.Lock()
	s.stops++
	flush := s.flushOnStop
	s.flushOnStop = nil
	s.mu.Unlock()
	for _, c := range flush {
		s.onChunk(c)
	}
	return nil
}

func (s *mockEncoderSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// mockEncoder records the capability queries it received, in order, and the
// profile chosen by negotiation.
type mockEncoder struct {
	mu        sync.Mutex
	supported map[string]bool
	fallback  CodecProfile
	queried   []string
	started   CodecProfile
	startErr  error
	session   *mockEncoderSession
	onChunk   func([]byte)
	onError   func(error)
}

func (e *mockEncoder) SupportsProfile(p CodecProfile) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queried = append(e.queried, p.EncodingMimeType())
	return e.supported[p.EncodingMimeType()]
}

func (e *mockEncoder) DefaultProfile() CodecProfile {
	if e.fallback.Container == "" {
		return CodecProfile{Container: "webm", VideoMime: "video/VP8", AudioMime: "audio/opus", Extension: "webm"}
	}
	return e.fallback
}

func (e *mockEncoder) Start(stream CaptureStream, profile CodecProfile, interval time.Duration,
	onChunk func([]byte), onError func(error)) (EncoderSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.started = profile
	e.onChunk = onChunk
	e.onError = onError
	if e.session == nil {
		e.session = &mockEncoderSession{}
	}
	e.session.onChunk = onChunk
	return e.session, nil
}

// mockTranscoder converts by prefixing a marker, or fails. A non-nil block
// channel parks Convert until the test closes it.
type mockTranscoder struct {
	err    error
	calls  int
	target CodecProfile
	block  chan struct{}
}

func (t *mockTranscoder) Convert(ctx context.Context, data []byte, source, target CodecProfile) ([]byte, error) {
	t.calls++
	t.target = target
	if t.block != nil {
		<-t.block
	}
	if t.err != nil {
		return nil, t.err
	}
	return append([]byte("converted:"), data...), nil
}

// nopLogger silences component logging in tests.
type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{}) {}
func (nopLogger) Info(msg string, fields ...interface{})  {}
func (nopLogger) Warn(msg string, fields ...interface{})  {}
func (nopLogger) Error(msg string, fields ...interface{}) {}
