// Package ingest receives the browser's screen and camera streams over WebRTC
// and exposes them as media streams.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/boardcast/recorder/internal/capture"
	"github.com/boardcast/recorder/internal/logging"
	"github.com/boardcast/recorder/internal/media"
)

var log = logging.L("ingest")

var (
	ErrEmptyOffer    = errors.New("ingest: offer SDP is empty")
	ErrNoScreenVideo = errors.New("ingest: screen video did not arrive")
	ErrPeerClosed    = errors.New("ingest: peer closed during negotiation")
)

const (
	iceGatherTimeout        = 20 * time.Second
	defaultReadyTimeout     = 10 * time.Second
	defaultKeyframeInterval = 3 * time.Second
)

// NewAPI returns a pion API that accepts VP8 video and Opus audio with the
// default NACK, RTCP report and TWCC interceptors.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	videoFeedback := []webrtc.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register VP8: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register Opus: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)), nil
}

// Offer is a publish request from the browser.
type Offer struct {
	SDP            string
	ScreenStreamID string
	// CameraStreamID is empty when no camera is shared.
	CameraStreamID string
	ICEServers     []webrtc.ICEServer
	// IdleTimeout ends a track that delivers no packets for this long.
	IdleTimeout      time.Duration
	ReadyTimeout     time.Duration
	KeyframeInterval time.Duration
}

// Peer is one publishing browser connection.
type Peer struct {
	pc    *webrtc.PeerConnection
	offer Offer

	screen *media.Stream
	camera *media.Stream

	mu       sync.Mutex
	expected int
	arrived  int
	tracks   []*media.Track

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Accept answers offer. onReady runs once, on its own goroutine, when every
// offered track has arrived, or when ReadyTimeout passes with at least the
// screen video present. If the screen video never arrives the peer closes
// itself and onReady is not called.
func Accept(ctx context.Context, api *webrtc.API, offer Offer, onReady func(*Peer)) (_ *Peer, answer string, err error) {
	if offer.SDP == "" {
		return nil, "", ErrEmptyOffer
	}
	if offer.ReadyTimeout <= 0 {
		offer.ReadyTimeout = defaultReadyTimeout
	}
	if offer.KeyframeInterval <= 0 {
		offer.KeyframeInterval = defaultKeyframeInterval
	}
	if len(offer.ICEServers) == 0 {
		offer.ICEServers = ParseICEServers(nil)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: offer.ICEServers})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		pc:     pc,
		offer:  offer,
		screen: media.NewStream(offer.ScreenStreamID),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	if offer.CameraStreamID != "" {
		p.camera = media.NewStream(offer.CameraStreamID)
	}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("ingest connection state", logging.KeyStream, offer.ScreenStreamID, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			p.endTracks()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return nil, "", fmt.Errorf("failed to set remote description: %w", err)
	}

	expected := 0
	for _, tr := range pc.GetTransceivers() {
		switch tr.Direction() {
		case webrtc.RTPTransceiverDirectionRecvonly, webrtc.RTPTransceiverDirectionSendrecv:
			expected++
		}
	}
	p.mu.Lock()
	p.expected = expected
	p.mu.Unlock()

	pcAnswer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(pcAnswer); err != nil {
		return nil, "", fmt.Errorf("failed to set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return nil, "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-p.done:
		return nil, "", ErrPeerClosed
	}

	ld := pc.LocalDescription()
	if ld == nil {
		return nil, "", fmt.Errorf("local description not available")
	}

	go p.awaitReady(onReady)
	log.Info("ingest offer accepted", logging.KeyStream, offer.ScreenStreamID, "expectedTracks", expected)
	return p, ld.SDP, nil
}

func (p *Peer) awaitReady(onReady func(*Peer)) {
	timer := time.NewTimer(p.offer.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-p.ready:
	case <-timer.C:
		if p.screen.First(media.KindVideo) == nil {
			log.Warn("screen video never arrived, closing peer", logging.KeyStream, p.offer.ScreenStreamID)
			p.Close()
			return
		}
		p.mu.Lock()
		log.Warn("starting with partial tracks", "arrived", p.arrived, "expected", p.expected)
		p.mu.Unlock()
	case <-p.done:
		return
	}
	if onReady != nil {
		onReady(p)
	}
}

// route decides which stream a remote stream id belongs to.
func route(streamID, screenID, cameraID string) (camera bool, ok bool) {
	switch {
	case cameraID != "" && streamID == cameraID:
		return true, true
	case screenID == "" || streamID == screenID:
		return false, true
	default:
		return false, false
	}
}

func (p *Peer) handleTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	isCamera, ok := route(remote.StreamID(), p.offer.ScreenStreamID, p.offer.CameraStreamID)
	if !ok {
		log.Warn("ignoring track from unknown stream", logging.KeyStream, remote.StreamID(), logging.KeyTrack, remote.ID())
		_ = receiver.Stop()
		return
	}

	ssrc := uint32(remote.SSRC())
	keyframe := func() error {
		return p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
	}
	track := media.NewRemoteTrack(remote, receiver, p.offer.IdleTimeout, keyframe)

	target := p.screen
	if isCamera {
		target = p.camera
	}
	target.Add(track)
	track.Start()

	if track.Kind() == media.KindVideo {
		go p.keyframeLoop(track)
	}

	p.mu.Lock()
	p.tracks = append(p.tracks, track)
	p.arrived++
	complete := p.expected > 0 && p.arrived >= p.expected
	p.mu.Unlock()

	log.Info("track received",
		logging.KeyStream, remote.StreamID(),
		logging.KeyTrack, remote.ID(),
		"codec", remote.Codec().MimeType,
	)
	if complete {
		p.readyOnce.Do(func() { close(p.ready) })
	}
}

// keyframeLoop sends a PLI on an interval so a late recorder start or a lost
// keyframe recovers quickly.
func (p *Peer) keyframeLoop(t *media.Track) {
	ticker := time.NewTicker(p.offer.KeyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.RequestKeyframe(); err != nil {
				log.Debug("PLI failed", logging.KeyTrack, t.ID(), logging.KeyError, err)
			}
		case <-t.Done():
			return
		case <-p.done:
			return
		}
	}
}

func (p *Peer) endTracks() {
	p.mu.Lock()
	tracks := append([]*media.Track(nil), p.tracks...)
	p.mu.Unlock()
	for _, t := range tracks {
		t.End()
	}
}

// Screen returns the screen stream.
func (p *Peer) Screen() capture.Stream { return p.screen }

// Camera returns the camera stream, or nil when no camera track arrived.
func (p *Peer) Camera() capture.Stream {
	if p.camera == nil || len(p.camera.Media()) == 0 {
		return nil
	}
	return p.camera
}

// Done is closed when the peer is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Close tears down the connection. Idempotent.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if err := p.pc.Close(); err != nil {
			log.Warn("closing peer connection failed", logging.KeyError, err)
		}
	})
}
