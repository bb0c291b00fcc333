// Package media adapts incoming RTP tracks to the capture package and muxes
// them into WebM.
package media

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/boardcast/recorder/internal/capture"
	"github.com/boardcast/recorder/internal/logging"
)

var log = logging.L("media")

const (
	KindVideo = "video"
	KindAudio = "audio"
)

// ReadFunc returns the next RTP packet of a source. Any error ends the track.
type ReadFunc func() (*rtp.Packet, error)

// TrackConfig describes one media line.
type TrackConfig struct {
	ID        string
	Kind      string
	MimeType  string
	ClockRate uint32
	Read      ReadFunc
	// Release frees the underlying receiver. It should make Read fail.
	Release func() error
	// Keyframe asks the sender for a fresh keyframe. Optional.
	Keyframe func() error
}

// Track fans packets from a ReadFunc out to sinks and reports external
// termination to OnEnded listeners. It implements capture.Track.
type Track struct {
	cfg TrackConfig

	mu        sync.Mutex
	sinks     map[int]func(*rtp.Packet)
	listeners map[int]func()
	nextID    int
	stopped   bool
	ended     bool

	startOnce   sync.Once
	releaseOnce sync.Once
	releaseErr  error
	done        chan struct{}
}

var _ capture.Track = (*Track)(nil)

// NewTrack returns a track that is not reading yet; call Start.
func NewTrack(cfg TrackConfig) *Track {
	return &Track{
		cfg:       cfg,
		sinks:     make(map[int]func(*rtp.Packet)),
		listeners: make(map[int]func()),
		done:      make(chan struct{}),
	}
}

// NewRemoteTrack wraps a pion remote track. A read that sees no packet for
// idle (when > 0) ends the track, which is how a revoked share shows up.
func NewRemoteTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, idle time.Duration, keyframe func() error) *Track {
	kind := KindVideo
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		kind = KindAudio
	}
	codec := remote.Codec()
	return NewTrack(TrackConfig{
		ID:        remote.ID(),
		Kind:      kind,
		MimeType:  codec.MimeType,
		ClockRate: codec.ClockRate,
		Read: func() (*rtp.Packet, error) {
			if idle > 0 {
				if err := remote.SetReadDeadline(time.Now().Add(idle)); err != nil {
					return nil, err
				}
			}
			pkt, _, err := remote.ReadRTP()
			return pkt, err
		},
		Release: func() error {
			if receiver == nil {
				return nil
			}
			return receiver.Stop()
		},
		Keyframe: keyframe,
	})
}

func (t *Track) ID() string            { return t.cfg.ID }
func (t *Track) Kind() string          { return t.cfg.Kind }
func (t *Track) MimeType() string      { return t.cfg.MimeType }
func (t *Track) ClockRate() uint32     { return t.cfg.ClockRate }
func (t *Track) Done() <-chan struct{} { return t.done }

// Start launches the read loop. Further calls are no-ops.
func (t *Track) Start() {
	t.startOnce.Do(func() {
		go t.readLoop()
	})
}

func (t *Track) readLoop() {
	defer close(t.done)
	for {
		pkt, err := t.cfg.Read()
		if err != nil {
			t.finish(err)
			return
		}
		t.mu.Lock()
		sinks := make([]func(*rtp.Packet), 0, len(t.sinks))
		for _, fn := range t.sinks {
			sinks = append(sinks, fn)
		}
		t.mu.Unlock()
		for _, fn := range sinks {
			fn(pkt)
		}
	}
}

func (t *Track) finish(err error) {
	t.mu.Lock()
	if t.stopped || t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := make([]func(), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	log.Info("track ended", logging.KeyTrack, t.cfg.ID, "kind", t.cfg.Kind, logging.KeyError, err)
	for _, fn := range fns {
		fn()
	}
}

// End marks the track as terminated from outside (peer closed) and notifies
// listeners. It does nothing after a local Stop.
func (t *Track) End() {
	t.finish(errors.New("source closed"))
}

// AddSink registers fn for every packet read from now on. fn runs on the read
// goroutine and must not block.
func (t *Track) AddSink(fn func(*rtp.Packet)) (remove func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.sinks[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.sinks, id)
		t.mu.Unlock()
	}
}

// OnEnded implements capture.Track.
func (t *Track) OnEnded(fn func()) func() {
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

// Stop releases the source without firing OnEnded. Idempotent.
func (t *Track) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.releaseOnce.Do(func() {
		if t.cfg.Release != nil {
			t.releaseErr = t.cfg.Release()
		}
	})
	return t.releaseErr
}

// RequestKeyframe asks the remote sender for a keyframe when supported.
func (t *Track) RequestKeyframe() error {
	if t.cfg.Keyframe == nil {
		return nil
	}
	return t.cfg.Keyframe()
}

// Stream is a named group of tracks. It implements capture.Stream.
type Stream struct {
	id string

	mu      sync.Mutex
	tracks  []*Track
	added   map[int]func(capture.Track)
	nextSub int
}

var (
	_ capture.Stream        = (*Stream)(nil)
	_ capture.TrackNotifier = (*Stream)(nil)
)

func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Add appends a track and tells OnTrackAdded subscribers about it.
func (s *Stream) Add(t *Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	fns := make([]func(capture.Track), 0, len(s.added))
	for _, fn := range s.added {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

// OnTrackAdded implements capture.TrackNotifier.
func (s *Stream) OnTrackAdded(fn func(capture.Track)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.added == nil {
		s.added = make(map[int]func(capture.Track))
	}
	id := s.nextSub
	s.nextSub++
	s.added[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.added, id)
		s.mu.Unlock()
	}
}

// Tracks implements capture.Stream.
func (s *Stream) Tracks() []capture.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capture.Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// Media returns the concrete tracks.
func (s *Stream) Media() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Track(nil), s.tracks...)
}

// First returns the first track of kind, or nil.
func (s *Stream) First(kind string) *Track {
	for _, t := range s.Media() {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}
