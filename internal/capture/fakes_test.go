package capture

import (
	"errors"
	"sync"
)

type fakeTrack struct {
	id   string
	kind string

	mu        sync.Mutex
	stops     int
	released  int
	stopErr   error
	panicStop bool
	// gate, when set, holds Stop until it is closed.
	gate      chan struct{}
	listeners map[int]func()
	nextID    int
}

func newFakeTrack(id, kind string) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, listeners: make(map[int]func())}
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stops++
	panicStop, err, gate := t.panicStop, t.stopErr, t.gate
	t.mu.Unlock()
	if panicStop {
		panic("device gone")
	}
	if gate != nil {
		<-gate
	}
	t.mu.Lock()
	t.released++
	t.mu.Unlock()
	return err
}

func (t *fakeTrack) releasedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

func (t *fakeTrack) OnEnded(fn func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// End simulates the user revoking the capture from outside the app.
func (t *fakeTrack) End() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *fakeTrack) listenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

type fakeStream struct {
	id     string
	tracks []Track
}

func (s *fakeStream) ID() string      { return s.id }
func (s *fakeStream) Tracks() []Track { return s.tracks }

// growingStream gains tracks after the recording started.
type growingStream struct {
	id string

	mu     sync.Mutex
	tracks []Track
	added  map[int]func(Track)
	nextID int
}

func (s *growingStream) ID() string { return s.id }

func (s *growingStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

func (s *growingStream) OnTrackAdded(fn func(Track)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.added == nil {
		s.added = make(map[int]func(Track))
	}
	id := s.nextID
	s.nextID++
	s.added[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.added, id)
		s.mu.Unlock()
	}
}

func (s *growingStream) add(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	fns := make([]func(Track), 0, len(s.added))
	for _, fn := range s.added {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

func (s *growingStream) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.added)
}

func newScreen() (*fakeStream, *fakeTrack, *fakeTrack) {
	v := newFakeTrack("screen-video", "video")
	a := newFakeTrack("screen-audio", "audio")
	return &fakeStream{id: "screen", tracks: []Track{v, a}}, v, a
}

func newCamera() (*fakeStream, *fakeTrack) {
	v := newFakeTrack("camera-video", "video")
	return &fakeStream{id: "camera", tracks: []Track{v}}, v
}

type fakeRecorder struct {
	mu       sync.Mutex
	state    RecorderState
	onData   func([]byte)
	onStop   func()
	startErr error
	stopErr  error
	// ack controls whether Stop acknowledges asynchronously.
	ack bool
	// tail is emitted between Stop and the acknowledgment.
	tail      [][]byte
	stopCalls int
	pauses    int
	resumes   int
	// started runs after Start succeeded, outside the recorder lock.
	started func()
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{ack: true}
}

func (r *fakeRecorder) Start(onData func([]byte), onStop func()) error {
	r.mu.Lock()
	if r.startErr != nil {
		r.mu.Unlock()
		return r.startErr
	}
	r.onData, r.onStop = onData, onStop
	r.state = RecorderRecording
	started := r.started
	r.mu.Unlock()
	if started != nil {
		started()
	}
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	r.stopCalls++
	if r.stopErr != nil {
		r.mu.Unlock()
		return r.stopErr
	}
	wasActive := r.state != RecorderInactive
	r.state = RecorderInactive
	ack, tail, onData, onStop := r.ack, r.tail, r.onData, r.onStop
	r.mu.Unlock()

	if wasActive && ack {
		go func() {
			for _, c := range tail {
				onData(c)
			}
			onStop()
		}()
	}
	return nil
}

func (r *fakeRecorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses++
	r.state = RecorderPaused
	return nil
}

func (r *fakeRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes++
	r.state = RecorderRecording
	return nil
}

// Emit delivers a chunk through the callback bound at Start.
func (r *fakeRecorder) Emit(chunk []byte) {
	r.mu.Lock()
	onData := r.onData
	r.mu.Unlock()
	onData(chunk)
}

// Ack fires the stop acknowledgment bound at Start.
func (r *fakeRecorder) Ack() {
	r.mu.Lock()
	onStop := r.onStop
	r.mu.Unlock()
	onStop()
}

func (r *fakeRecorder) stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCalls
}

// recorderQueue hands out pre-built recorders in order.
type recorderQueue struct {
	mu   sync.Mutex
	recs []*fakeRecorder
	err  error
}

func (q *recorderQueue) factory(screen, camera Stream) (Recorder, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	if len(q.recs) == 0 {
		return nil, errors.New("no recorder queued")
	}
	r := q.recs[0]
	q.recs = q.recs[1:]
	return r, nil
}

// plainRecorder has no pause support.
type plainRecorder struct{ r *fakeRecorder }

func (p plainRecorder) Start(onData func([]byte), onStop func()) error {
	return p.r.Start(onData, onStop)
}
func (p plainRecorder) Stop() error          { return p.r.Stop() }
func (p plainRecorder) State() RecorderState { return p.r.State() }
