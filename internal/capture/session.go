// Package capture implements the capture session state machine: one
// screen (plus optional camera) recording at a time, buffered chunks, a final
// WebM blob on stop, and guaranteed release of every stream on every exit path.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boardcast/recorder/internal/logging"
)

var log = logging.L("capture")

// Status is the lifecycle state of a Session.
type Status int

const (
	StatusIdle Status = iota
	StatusRecording
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusRecording:
		return "recording"
	case StatusStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Snapshot is a point-in-time view of a Session for display.
type Snapshot struct {
	Status    Status
	StartedAt time.Time
	Elapsed   time.Duration
	Paused    bool
	Chunks    int
	Bytes     int64
	HasCamera bool
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithStateListener registers fn to receive a snapshot after every
// transition. fn runs outside the session lock and may call back into it.
func WithStateListener(fn func(Snapshot)) Option {
	return func(s *Session) { s.listener = fn }
}

type stopCall struct {
	done chan struct{}
	blob *Blob
	err  error
}

// Session owns at most one active capture. The zero value is not usable; use
// NewSession.
type Session struct {
	newRecorder RecorderFactory
	now         func() time.Time
	listener    func(Snapshot)

	mu        sync.Mutex
	status    Status
	starting  bool
	gen       uint64 // bumped on every Start; callbacks carry the gen they were bound to
	screen    Stream
	camera    Stream
	recorder  Recorder
	chunks    [][]byte
	size      int64
	startedAt time.Time
	paused    bool
	pausedAt  time.Time
	pausedFor time.Duration
	unsubs    []func()
	finalized chan struct{} // closed by the recorder's stop acknowledgment
	released  chan struct{} // closed once cleanup released the streams
	stop      *stopCall
}

// NewSession returns an idle session that builds recorders with factory.
func NewSession(factory RecorderFactory, opts ...Option) *Session {
	s := &Session{
		newRecorder: factory,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start moves an idle session to Recording. The session takes ownership of
// both streams on success; on error they remain the caller's to release.
func (s *Session) Start(screen, camera Stream) error {
	if screen == nil {
		return ErrNoScreenStream
	}

	s.mu.Lock()
	if s.status != StatusIdle || s.starting {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.starting = true
	s.mu.Unlock()

	rec, err := s.newRecorder(screen, camera)
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return fmt.Errorf("create recorder: %w", err)
	}

	s.mu.Lock()
	s.starting = false
	s.gen++
	gen := s.gen
	s.status = StatusRecording
	s.screen, s.camera = screen, camera
	s.recorder = rec
	s.chunks = nil
	s.size = 0
	s.startedAt = s.now()
	s.paused = false
	s.pausedFor = 0
	s.finalized = make(chan struct{})
	s.released = make(chan struct{})
	s.mu.Unlock()

	// Listeners go in before the recorder starts so an ended track is never
	// missed.
	s.watchScreen(gen, screen)

	onData := func(chunk []byte) { s.addChunk(gen, chunk) }
	onStop := func() { s.finalize(gen) }
	if err := rec.Start(onData, onStop); err != nil {
		var unsubs []func()
		s.mu.Lock()
		if s.gen == gen && s.status != StatusIdle {
			released := s.released
			unsubs = s.unsubs
			s.resetLocked()
			close(released)
		}
		s.mu.Unlock()
		for _, unsubscribe := range unsubs {
			unsubscribe()
		}
		return fmt.Errorf("start recorder: %w", err)
	}

	s.mu.Lock()
	live := s.gen == gen && s.status != StatusIdle
	s.mu.Unlock()
	if !live {
		// The screen ended while the recorder was starting; cleanup already
		// released the streams.
		if rec.State() != RecorderInactive {
			if err := rec.Stop(); err != nil {
				log.Warn("recorder stop failed", logging.KeyError, err)
			}
		}
		log.Info("screen ended before recording started", logging.KeyStream, screen.ID())
		return nil
	}

	cameraID := ""
	if camera != nil {
		cameraID = camera.ID()
	}
	log.Info("recording started", logging.KeyStream, screen.ID(), "camera", cameraID)
	s.notify()
	return nil
}

// watchScreen subscribes to the end of every screen track, including tracks
// the stream gains later when it implements TrackNotifier.
func (s *Session) watchScreen(gen uint64, screen Stream) {
	if n, ok := screen.(TrackNotifier); ok {
		s.keep(gen, n.OnTrackAdded(func(t Track) { s.watchTrack(gen, t) }))
	}
	for _, t := range screen.Tracks() {
		s.watchTrack(gen, t)
	}
}

func (s *Session) watchTrack(gen uint64, t Track) {
	s.keep(gen, t.OnEnded(func() { s.trackEnded(gen, t) }))
}

// keep holds unsubscribe until cleanup, or runs it at once when generation
// gen is already gone.
func (s *Session) keep(gen uint64, unsubscribe func()) {
	s.mu.Lock()
	if s.gen == gen && s.status != StatusIdle {
		s.unsubs = append(s.unsubs, unsubscribe)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	unsubscribe()
}

// AddChunk appends one encoded segment. Segments are kept in call order.
// Calls while idle are ignored.
func (s *Session) AddChunk(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusIdle {
		log.Debug("chunk dropped, session idle", logging.KeyBytes, len(chunk))
		return
	}
	s.appendLocked(chunk)
}

func (s *Session) addChunk(gen uint64, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.status == StatusIdle {
		return
	}
	s.appendLocked(chunk)
}

func (s *Session) appendLocked(chunk []byte) {
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.chunks = append(s.chunks, c)
	s.size += int64(len(c))
}

// Stop finalizes the recording. With a live recorder it waits for the
// recorder's stop acknowledgment, assembles the chunks into one blob, releases
// every stream and returns the blob. Without one it releases everything and
// returns (nil, nil). A Stop issued while another is in flight receives the
// same result. If ctx ends first the session is cleaned up and ctx.Err() is
// returned.
func (s *Session) Stop(ctx context.Context) (*Blob, error) {
	s.mu.Lock()
	if call := s.stop; s.status == StatusStopping && call != nil {
		s.mu.Unlock()
		return awaitStop(ctx, call)
	}
	if s.status == StatusIdle || s.recorder == nil {
		s.mu.Unlock()
		s.Cleanup()
		return nil, nil
	}
	gen, rec := s.gen, s.recorder
	s.mu.Unlock()

	if rec.State() == RecorderInactive {
		// Another Stop may have deactivated the recorder in the meantime.
		s.mu.Lock()
		call := s.stop
		s.mu.Unlock()
		if call != nil {
			return awaitStop(ctx, call)
		}
		s.cleanupAndWait(gen)
		return nil, nil
	}

	s.mu.Lock()
	if s.gen != gen || s.status != StatusRecording {
		call := s.stop
		s.mu.Unlock()
		if call != nil {
			return awaitStop(ctx, call)
		}
		s.cleanupAndWait(gen)
		return nil, nil
	}
	call := &stopCall{done: make(chan struct{})}
	s.stop = call
	s.status = StatusStopping
	finalized, released := s.finalized, s.released
	s.mu.Unlock()
	s.notify()

	if err := rec.Stop(); err != nil {
		s.cleanup(gen)
		<-released
		s.complete(call, nil, fmt.Errorf("stop recorder: %w", err))
		return call.blob, call.err
	}

	var err error
	select {
	case <-finalized:
		s.cleanup(gen)
	case <-released:
	case <-ctx.Done():
		s.cleanup(gen)
		err = ctx.Err()
	}
	// cleanup returns early when another goroutine is already releasing the
	// streams; the result waits for that release too.
	<-released

	s.mu.Lock()
	blob := call.blob
	s.mu.Unlock()
	if err != nil {
		blob = nil
	}
	if blob != nil {
		log.Info("recording stopped",
			logging.KeyBytes, blob.Size(),
			logging.KeyDurationMs, blob.Duration.Milliseconds(),
		)
	}
	s.complete(call, blob, err)
	return blob, err
}

func awaitStop(ctx context.Context, call *stopCall) (*Blob, error) {
	select {
	case <-call.done:
		return call.blob, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) complete(call *stopCall, blob *Blob, err error) {
	s.mu.Lock()
	call.blob = blob
	call.err = err
	s.mu.Unlock()
	close(call.done)
}

// finalize handles the recorder's stop acknowledgment for generation gen.
func (s *Session) finalize(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.finalized == nil {
		return
	}
	select {
	case <-s.finalized:
		return
	default:
	}
	if s.status == StatusStopping && s.stop != nil {
		s.stop.blob = s.assembleLocked()
	}
	close(s.finalized)
}

func (s *Session) assembleLocked() *Blob {
	data := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		data = append(data, c...)
	}
	return &Blob{
		MIMEType:  ContainerWebM,
		Data:      data,
		StartedAt: s.startedAt,
		Duration:  s.elapsedLocked(),
	}
}

func (s *Session) trackEnded(gen uint64, t Track) {
	s.mu.Lock()
	active := gen == s.gen && s.status != StatusIdle
	s.mu.Unlock()
	if !active {
		return
	}
	log.Info("screen track ended, discarding recording", logging.KeyTrack, t.ID())
	s.cleanup(gen)
}

// Cleanup releases every held resource and returns the session to Idle. It is
// idempotent and safe to call from any goroutine. It returns once the streams
// are released, even when a concurrent cleanup is doing the releasing.
func (s *Session) Cleanup() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.cleanupAndWait(gen)
}

// cleanupAndWait runs cleanup for gen and returns once the streams of that
// generation are released, by this call or by a concurrent one.
func (s *Session) cleanupAndWait(gen uint64) {
	s.mu.Lock()
	var released chan struct{}
	if gen == s.gen {
		released = s.released
	}
	s.mu.Unlock()
	s.cleanup(gen)
	if released != nil {
		<-released
	}
}

func (s *Session) cleanup(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || (s.status == StatusIdle && s.recorder == nil && s.screen == nil && s.camera == nil) {
		s.mu.Unlock()
		return
	}
	screen, camera, rec := s.screen, s.camera, s.recorder
	unsubs, released := s.unsubs, s.released
	s.resetLocked()
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if rec != nil && rec.State() != RecorderInactive {
		if err := rec.Stop(); err != nil {
			log.Warn("recorder stop failed during cleanup", logging.KeyError, err)
		}
	}
	if err := releaseStreams(screen, camera); err != nil {
		log.Warn("some tracks failed to stop", logging.KeyError, err)
	}
	if released != nil {
		close(released)
	}
	s.notify()
}

func (s *Session) resetLocked() {
	s.status = StatusIdle
	s.screen = nil
	s.camera = nil
	s.recorder = nil
	s.chunks = nil
	s.size = 0
	s.startedAt = time.Time{}
	s.paused = false
	s.pausedAt = time.Time{}
	s.pausedFor = 0
	s.unsubs = nil
	s.finalized = nil
	s.stop = nil
	// released stays set so late callers can wait on the release in flight.
}

// releaseStreams stops every track of every stream. A failing track never
// prevents the remaining tracks from being stopped.
func releaseStreams(streams ...Stream) error {
	var errs []error
	for _, stream := range streams {
		if stream == nil {
			continue
		}
		for _, t := range stream.Tracks() {
			if err := stopTrack(t); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func stopTrack(t Track) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("track %s: panic during stop: %v", t.ID(), r)
		}
	}()
	if err := t.Stop(); err != nil {
		return fmt.Errorf("track %s: %w", t.ID(), err)
	}
	return nil
}

// Pause suspends the recorder. Paused time is excluded from Elapsed.
func (s *Session) Pause() error {
	return s.setPaused(true)
}

// Resume continues a paused recording.
func (s *Session) Resume() error {
	return s.setPaused(false)
}

func (s *Session) setPaused(pause bool) error {
	s.mu.Lock()
	if s.status != StatusRecording {
		s.mu.Unlock()
		return ErrNotRecording
	}
	p, ok := s.recorder.(Pauser)
	if !ok {
		s.mu.Unlock()
		return ErrPauseUnsupported
	}
	if s.paused == pause {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	s.mu.Unlock()

	var err error
	if pause {
		err = p.Pause()
	} else {
		err = p.Resume()
	}
	if err != nil {
		return fmt.Errorf("toggle pause: %w", err)
	}

	s.mu.Lock()
	if s.gen == gen && s.status == StatusRecording && s.paused != pause {
		now := s.now()
		if pause {
			s.pausedAt = now
		} else {
			s.pausedFor += now.Sub(s.pausedAt)
			s.pausedAt = time.Time{}
		}
		s.paused = pause
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns the current state for display.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:    s.status,
		StartedAt: s.startedAt,
		Elapsed:   s.elapsedLocked(),
		Paused:    s.paused,
		Chunks:    len(s.chunks),
		Bytes:     s.size,
		HasCamera: s.camera != nil,
	}
}

func (s *Session) elapsedLocked() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	end := s.now()
	if s.paused {
		end = s.pausedAt
	}
	d := end.Sub(s.startedAt) - s.pausedFor
	if d < 0 {
		return 0
	}
	return d
}

func (s *Session) notify() {
	if s.listener != nil {
		s.listener(s.Snapshot())
	}
}
