package media

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/boardcast/recorder/internal/capture"
	"github.com/boardcast/recorder/internal/logging"
)

var (
	ErrNoVideoTrack    = errors.New("media: screen stream has no VP8 video track")
	ErrForeignTrack    = errors.New("media: track was not created by this package")
	ErrRecorderStarted = errors.New("media: recorder already started")
)

const (
	DefaultTimeslice = 100 * time.Millisecond
	defaultMaxLate   = 128
)

// RecorderOptions tune the WebM recorder.
type RecorderOptions struct {
	// Timeslice is how often buffered container bytes are emitted as a chunk.
	Timeslice time.Duration
	// Used when the first keyframe header cannot be parsed.
	DefaultWidth  int
	DefaultHeight int
	// MaxLate is the reorder window of the sample builders, in packets.
	MaxLate uint16
}

// DefaultRecorderOptions returns a 100ms timeslice and a 1080p fallback size.
func DefaultRecorderOptions() RecorderOptions {
	return RecorderOptions{
		Timeslice:     DefaultTimeslice,
		DefaultWidth:  1920,
		DefaultHeight: 1080,
		MaxLate:       defaultMaxLate,
	}
}

// NewRecorderFactory returns a capture.RecorderFactory producing WebM
// recorders.
func NewRecorderFactory(opts RecorderOptions) capture.RecorderFactory {
	return func(screen, camera capture.Stream) (capture.Recorder, error) {
		return NewWebMRecorder(screen, camera, opts)
	}
}

// WebMRecorder muxes the screen's VP8 video and one Opus audio line into WebM.
// The container header is written on the first video keyframe. It is single
// use: once stopped it cannot be started again.
type WebMRecorder struct {
	opts  RecorderOptions
	video *Track
	audio *Track

	state atomic.Int32

	mu            sync.Mutex
	started       bool
	out           *chunkWriter
	videoSB       *samplebuilder.SampleBuilder
	audioSB       *samplebuilder.SampleBuilder
	videoW        webm.BlockWriteCloser
	audioW        webm.BlockWriteCloser
	videoTS       time.Duration
	audioTS       time.Duration
	awaitKeyframe bool
	detach        []func()
}

var (
	_ capture.Recorder = (*WebMRecorder)(nil)
	_ capture.Pauser   = (*WebMRecorder)(nil)
)

// NewWebMRecorder selects the first VP8 track of screen and the first Opus
// track of screen, falling back to camera. Other tracks are not recorded.
func NewWebMRecorder(screen, camera capture.Stream, opts RecorderOptions) (*WebMRecorder, error) {
	if opts.Timeslice <= 0 {
		opts.Timeslice = DefaultTimeslice
	}
	if opts.MaxLate == 0 {
		opts.MaxLate = defaultMaxLate
	}

	video, err := pick(screen, KindVideo, webrtc.MimeTypeVP8)
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, ErrNoVideoTrack
	}
	audio, err := pick(screen, KindAudio, webrtc.MimeTypeOpus)
	if err != nil {
		return nil, err
	}
	if audio == nil && camera != nil {
		if audio, err = pick(camera, KindAudio, webrtc.MimeTypeOpus); err != nil {
			return nil, err
		}
	}
	return &WebMRecorder{opts: opts, video: video, audio: audio}, nil
}

func pick(s capture.Stream, kind, mime string) (*Track, error) {
	for _, t := range s.Tracks() {
		if t.Kind() != kind {
			continue
		}
		mt, ok := t.(*Track)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrForeignTrack, t.ID())
		}
		if strings.EqualFold(mt.MimeType(), mime) {
			return mt, nil
		}
	}
	return nil, nil
}

// Start implements capture.Recorder.
func (r *WebMRecorder) Start(onData func([]byte), onStop func()) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrRecorderStarted
	}
	r.started = true
	r.out = newChunkWriter(r.opts.Timeslice, onData, onStop)
	r.videoSB = samplebuilder.New(r.opts.MaxLate, &codecs.VP8Packet{}, r.video.ClockRate())
	if r.audio != nil {
		r.audioSB = samplebuilder.New(r.opts.MaxLate, &codecs.OpusPacket{}, r.audio.ClockRate())
	}
	r.mu.Unlock()

	r.state.Store(int32(capture.RecorderRecording))
	detach := []func(){r.video.AddSink(r.pushVideo)}
	if r.audio != nil {
		detach = append(detach, r.audio.AddSink(r.pushAudio))
	}
	r.mu.Lock()
	r.detach = detach
	r.mu.Unlock()

	if err := r.video.RequestKeyframe(); err != nil {
		log.Debug("keyframe request failed", logging.KeyTrack, r.video.ID(), logging.KeyError, err)
	}
	log.Debug("webm recorder started", logging.KeyTrack, r.video.ID(), "audio", r.audio != nil)
	return nil
}

// Stop implements capture.Recorder. The remaining bytes are flushed and
// onStop fires on another goroutine.
func (r *WebMRecorder) Stop() error {
	if !r.transition(capture.RecorderRecording, capture.RecorderInactive) &&
		!r.transition(capture.RecorderPaused, capture.RecorderInactive) {
		return nil
	}
	r.mu.Lock()
	detach := r.detach
	r.detach = nil
	r.mu.Unlock()
	for _, fn := range detach {
		fn()
	}
	go r.finish()
	return nil
}

func (r *WebMRecorder) finish() {
	r.mu.Lock()
	writers := make([]webm.BlockWriteCloser, 0, 2)
	for _, w := range []webm.BlockWriteCloser{r.videoW, r.audioW} {
		if w != nil {
			writers = append(writers, w)
		}
	}
	out := r.out
	r.videoW, r.audioW = nil, nil
	r.videoSB, r.audioSB = nil, nil
	r.mu.Unlock()

	if len(writers) == 0 {
		// Nothing was muxed; there is no container to finalize.
		_ = out.Close()
		return
	}
	// The muxer closes out once its last track is closed.
	for _, w := range writers {
		if err := w.Close(); err != nil {
			log.Warn("closing webm track failed", logging.KeyError, err)
		}
	}
}

// State implements capture.Recorder.
func (r *WebMRecorder) State() capture.RecorderState {
	return capture.RecorderState(r.state.Load())
}

// Pause drops incoming samples until Resume. Paused time does not advance the
// container timeline.
func (r *WebMRecorder) Pause() error {
	if !r.transition(capture.RecorderRecording, capture.RecorderPaused) {
		return capture.ErrNotRecording
	}
	return nil
}

// Resume continues recording from the next video keyframe.
func (r *WebMRecorder) Resume() error {
	r.mu.Lock()
	if !r.transition(capture.RecorderPaused, capture.RecorderRecording) {
		r.mu.Unlock()
		return capture.ErrNotRecording
	}
	r.videoSB = samplebuilder.New(r.opts.MaxLate, &codecs.VP8Packet{}, r.video.ClockRate())
	if r.audio != nil {
		r.audioSB = samplebuilder.New(r.opts.MaxLate, &codecs.OpusPacket{}, r.audio.ClockRate())
	}
	r.awaitKeyframe = true
	r.mu.Unlock()

	if err := r.video.RequestKeyframe(); err != nil {
		log.Debug("keyframe request failed", logging.KeyTrack, r.video.ID(), logging.KeyError, err)
	}
	return nil
}

func (r *WebMRecorder) transition(from, to capture.RecorderState) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

func (r *WebMRecorder) recording() bool {
	return r.State() == capture.RecorderRecording
}

func (r *WebMRecorder) pushVideo(pkt *rtp.Packet) {
	if !r.recording() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.videoSB == nil {
		return
	}
	r.videoSB.Push(pkt)
	for s := r.videoSB.Pop(); s != nil; s = r.videoSB.Pop() {
		r.writeVideoLocked(s)
	}
}

func (r *WebMRecorder) pushAudio(pkt *rtp.Packet) {
	if !r.recording() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audioSB == nil {
		return
	}
	r.audioSB.Push(pkt)
	for s := r.audioSB.Pop(); s != nil; s = r.audioSB.Pop() {
		if r.audioW == nil {
			continue
		}
		if _, err := r.audioW.Write(true, r.audioTS.Milliseconds(), s.Data); err != nil {
			log.Warn("writing audio block failed", logging.KeyError, err)
			continue
		}
		r.audioTS += s.Duration
	}
}

func (r *WebMRecorder) writeVideoLocked(s *pionmedia.Sample) {
	key := isVP8Keyframe(s.Data)
	if r.videoW == nil || r.awaitKeyframe {
		if !key {
			return
		}
		if r.videoW == nil {
			if err := r.openMuxerLocked(s.Data); err != nil {
				log.Warn("creating webm muxer failed", logging.KeyError, err)
				return
			}
		}
		r.awaitKeyframe = false
	}
	if _, err := r.videoW.Write(key, r.videoTS.Milliseconds(), s.Data); err != nil {
		log.Warn("writing video block failed", logging.KeyError, err)
		return
	}
	r.videoTS += s.Duration
}

func (r *WebMRecorder) openMuxerLocked(keyframe []byte) error {
	width, height, ok := vp8Dimensions(keyframe)
	if !ok {
		width, height = r.opts.DefaultWidth, r.opts.DefaultHeight
	}
	tracks := []webm.TrackEntry{{
		Name:        "Video",
		TrackNumber: 1,
		TrackUID:    1,
		CodecID:     "V_VP8",
		TrackType:   1,
		Video: &webm.Video{
			PixelWidth:  uint64(width),
			PixelHeight: uint64(height),
		},
	}}
	if r.audio != nil {
		tracks = append(tracks, webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: 2,
			TrackUID:    2,
			CodecID:     "A_OPUS",
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(r.audio.ClockRate()),
				Channels:          2,
			},
		})
	}
	writers, err := webm.NewSimpleBlockWriter(r.out, tracks)
	if err != nil {
		return fmt.Errorf("new block writer: %w", err)
	}
	r.videoW = writers[0]
	if len(writers) > 1 {
		r.audioW = writers[1]
	}
	log.Info("webm muxer opened", "width", width, "height", height, "audio", r.audio != nil)
	return nil
}
