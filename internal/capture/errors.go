package capture

import "errors"

var (
	ErrSessionActive    = errors.New("capture: a session is already active")
	ErrNoScreenStream   = errors.New("capture: screen stream is required")
	ErrNotRecording     = errors.New("capture: no active recording")
	ErrPauseUnsupported = errors.New("capture: recorder does not support pause")
)
