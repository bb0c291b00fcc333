package capture

import "time"

// ContainerWebM is the MIME type of every blob produced by a session.
const ContainerWebM = "video/webm"

// Track is one media line (video or audio) within a stream. Stopping a track
// releases the underlying capture resource.
type Track interface {
	ID() string
	Kind() string
	Stop() error
	// OnEnded registers fn to run when the track is terminated externally.
	// A local Stop does not fire it. The returned func removes the listener.
	OnEnded(fn func()) (unsubscribe func())
}

// Stream groups the tracks of one capture source (screen share or camera).
type Stream interface {
	ID() string
	Tracks() []Track
}

// TrackNotifier is implemented by streams that can gain tracks after a
// recording started, such as a late-arriving WebRTC track.
type TrackNotifier interface {
	OnTrackAdded(fn func(Track)) (unsubscribe func())
}

// RecorderState mirrors the lifecycle of the underlying encoder.
type RecorderState int

const (
	RecorderInactive RecorderState = iota
	RecorderRecording
	RecorderPaused
)

func (s RecorderState) String() string {
	switch s {
	case RecorderRecording:
		return "recording"
	case RecorderPaused:
		return "paused"
	default:
		return "inactive"
	}
}

// Recorder encodes the active streams into container bytes.
//
// Start begins encoding; onData receives each encoded segment in capture order
// and onStop fires exactly once after Stop has flushed everything (the
// finalize acknowledgment). Neither callback may be invoked synchronously from
// Start or Stop.
type Recorder interface {
	Start(onData func(chunk []byte), onStop func()) error
	Stop() error
	State() RecorderState
}

// Pauser is implemented by recorders that can suspend encoding.
type Pauser interface {
	Pause() error
	Resume() error
}

// RecorderFactory binds a new recorder to a stream pair. camera may be nil.
type RecorderFactory func(screen, camera Stream) (Recorder, error)

// Blob is the finished media of one capture session.
type Blob struct {
	MIMEType  string
	Data      []byte
	StartedAt time.Time
	Duration  time.Duration
}

// Size returns the payload length in bytes.
func (b *Blob) Size() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.Data))
}
