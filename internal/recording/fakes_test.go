package recording

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/boardcast/recorder/internal/capture"
	"github.com/boardcast/recorder/internal/ingest"
	"github.com/boardcast/recorder/pkg/api"
)

type fakeTrack struct {
	id   string
	kind string

	mu        sync.Mutex
	stopped   bool
	listeners []func()
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) OnEnded(fn func()) func() {
	t.mu.Lock()
	idx := len(t.listeners)
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.listeners[idx] = nil
		t.mu.Unlock()
	}
}

func (t *fakeTrack) End() {
	t.mu.Lock()
	fns := append([]func(){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

func (t *fakeTrack) listenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, fn := range t.listeners {
		if fn != nil {
			n++
		}
	}
	return n
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeStream struct {
	id     string
	tracks []capture.Track
}

func (s *fakeStream) ID() string              { return s.id }
func (s *fakeStream) Tracks() []capture.Track { return s.tracks }

type fakePublisher struct {
	screen *fakeStream
	video  *fakeTrack
	done   chan struct{}
	once   sync.Once
}

func newFakePublisher() *fakePublisher {
	v := &fakeTrack{id: "screen-video", kind: "video"}
	return &fakePublisher{
		screen: &fakeStream{id: "screen", tracks: []capture.Track{v}},
		video:  v,
		done:   make(chan struct{}),
	}
}

func (p *fakePublisher) Screen() capture.Stream { return p.screen }
func (p *fakePublisher) Camera() capture.Stream { return nil }
func (p *fakePublisher) Done() <-chan struct{}  { return p.done }
func (p *fakePublisher) Close()                 { p.once.Do(func() { close(p.done) }) }

func (p *fakePublisher) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// negotiator hands out publishers and optionally withholds readiness.
type negotiator struct {
	mu      sync.Mutex
	pubs    []*fakePublisher
	offers  []ingest.Offer
	noReady bool
	err     error
}

func (n *negotiator) negotiate(ctx context.Context, offer ingest.Offer, onReady func(Publisher)) (Publisher, string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, "", n.err
	}
	p := newFakePublisher()
	n.pubs = append(n.pubs, p)
	n.offers = append(n.offers, offer)
	if !n.noReady {
		go onReady(p)
	}
	return p, "v=0 answer", nil
}

func (n *negotiator) last() *fakePublisher {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pubs[len(n.pubs)-1]
}

// fakeRecorder emits chunks on demand and acknowledges Stop asynchronously.
type fakeRecorder struct {
	mu     sync.Mutex
	state  capture.RecorderState
	onData func([]byte)
	onStop func()
}

func (r *fakeRecorder) Start(onData func([]byte), onStop func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onData, r.onStop = onData, onStop
	r.state = capture.RecorderRecording
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	was := r.state
	r.state = capture.RecorderInactive
	onStop := r.onStop
	r.mu.Unlock()
	if was != capture.RecorderInactive {
		go onStop()
	}
	return nil
}

func (r *fakeRecorder) State() capture.RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = capture.RecorderPaused
	return nil
}

func (r *fakeRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = capture.RecorderRecording
	return nil
}

func (r *fakeRecorder) started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onData != nil
}

func (r *fakeRecorder) emit(chunk []byte) {
	r.mu.Lock()
	onData := r.onData
	r.mu.Unlock()
	onData(chunk)
}

type recorders struct {
	mu   sync.Mutex
	recs []*fakeRecorder
}

func (q *recorders) factory(screen, camera capture.Stream) (capture.Recorder, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := &fakeRecorder{}
	q.recs = append(q.recs, r)
	return r, nil
}

func (q *recorders) last() *fakeRecorder {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recs[len(q.recs)-1]
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) Name() string { return "memory" }

func (m *memStorage) Upload(ctx context.Context, localPath, remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.objects[remotePath] = data
	return nil
}

func (m *memStorage) Download(ctx context.Context, remotePath, localPath string) error {
	return errors.New("not implemented")
}

func (m *memStorage) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memStorage) Delete(ctx context.Context, remotePath string) error { return nil }

func (m *memStorage) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *memStorage) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

type fakeBoard struct {
	mu   sync.Mutex
	reqs []api.RecordingRequest
}

func (b *fakeBoard) CreateRecording(ctx context.Context, req *api.RecordingRequest) (*api.RecordingSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, *req)
	return &api.RecordingSession{ID: "session-1", Title: req.Title}, nil
}

func (b *fakeBoard) requests() []api.RecordingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.RecordingRequest(nil), b.reqs...)
}
