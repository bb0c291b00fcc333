// Package recording drives one capture at a time: it negotiates the browser
// connection, runs the capture session, and hands finished recordings to
// storage and the board API.
package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/boardcast/recorder/internal/capture"
	"github.com/boardcast/recorder/internal/config"
	"github.com/boardcast/recorder/internal/health"
	"github.com/boardcast/recorder/internal/ingest"
	"github.com/boardcast/recorder/internal/logging"
	"github.com/boardcast/recorder/internal/media"
	"github.com/boardcast/recorder/internal/storage"
	"github.com/boardcast/recorder/internal/workerpool"
	"github.com/boardcast/recorder/pkg/api"
)

var log = logging.L("recording")

var (
	ErrBusy            = errors.New("recording: a recording is already in progress")
	ErrLowDisk         = errors.New("recording: not enough free disk space")
	ErrNothingRecorded = errors.New("recording: nothing was recorded")
	ErrClosed          = errors.New("recording: controller is closed")
	ErrNegotiation     = errors.New("recording: offer negotiation failed")
)

const bytesPerMB = 1024 * 1024

// Publisher is a connected browser offering screen and camera streams.
type Publisher interface {
	Screen() capture.Stream
	// Camera returns nil when no camera is shared.
	Camera() capture.Stream
	Done() <-chan struct{}
	Close()
}

// Negotiator answers an offer. onReady runs on its own goroutine once the
// publisher's tracks are available.
type Negotiator func(ctx context.Context, offer ingest.Offer, onReady func(Publisher)) (Publisher, string, error)

// Registrar records finished recordings with the board application.
type Registrar interface {
	CreateRecording(ctx context.Context, req *api.RecordingRequest) (*api.RecordingSession, error)
}

// IngestNegotiator negotiates real WebRTC peers with webrtcAPI.
func IngestNegotiator(webrtcAPI *webrtc.API) Negotiator {
	return func(ctx context.Context, offer ingest.Offer, onReady func(Publisher)) (Publisher, string, error) {
		peer, answer, err := ingest.Accept(ctx, webrtcAPI, offer, func(p *ingest.Peer) { onReady(p) })
		if err != nil {
			return nil, "", err
		}
		return peer, answer, nil
	}
}

type Options struct {
	SpoolDir         string
	MinFreeSpaceMB   int
	StoragePrefix    string
	Recorder         media.RecorderOptions
	ICEServers       []webrtc.ICEServer
	IdleTimeout      time.Duration
	ReadyTimeout     time.Duration
	KeyframeInterval time.Duration
	StopTimeout      time.Duration
	UploadWorkers    int
	UploadQueueSize  int
}

// OptionsFromConfig maps the recorder config onto controller options.
func OptionsFromConfig(cfg *config.Config) Options {
	r := cfg.Recording
	return Options{
		SpoolDir:       cfg.SpoolDir,
		MinFreeSpaceMB: cfg.MinFreeSpaceMB,
		StoragePrefix:  cfg.Storage.Prefix,
		Recorder: media.RecorderOptions{
			Timeslice:     time.Duration(r.TimesliceMs) * time.Millisecond,
			DefaultWidth:  r.DefaultWidth,
			DefaultHeight: r.DefaultHeight,
		},
		ICEServers:       ingest.ParseICEServers(cfg.ICEServers),
		IdleTimeout:      time.Duration(r.TrackIdleTimeoutSeconds) * time.Second,
		ReadyTimeout:     time.Duration(r.ReadyTimeoutSeconds) * time.Second,
		KeyframeInterval: time.Duration(r.KeyframeIntervalSeconds) * time.Second,
		StopTimeout:      time.Duration(r.StopTimeoutSeconds) * time.Second,
		UploadWorkers:    cfg.UploadWorkers,
		UploadQueueSize:  cfg.UploadQueueSize,
	}
}

// Deps are the controller's collaborators. Nil fields get production
// defaults, except Board which stays disabled when nil.
type Deps struct {
	Storage         storage.Provider
	Board           Registrar
	Health          *health.Monitor
	Negotiate       Negotiator
	RecorderFactory capture.RecorderFactory
	FreeSpace       func(path string) (uint64, error)
	Now             func() time.Time
}

// BeginRequest is a browser's request to start recording.
type BeginRequest struct {
	SDP            string
	ScreenStreamID string
	CameraStreamID string
	ICEServers     []ingest.ICEServerConfig
	BoardID        string
	WorkspaceID    string
	Title          string
}

// Result describes a finished recording.
type Result struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	Filename  string        `json:"filename"`
	Title     string        `json:"title"`
	MIMEType  string        `json:"mimeType"`
	Size      int64         `json:"size"`
	SizeText  string        `json:"sizeText"`
	Duration  time.Duration `json:"durationNs"`
	StartedAt time.Time     `json:"startedAt"`
	Queued    bool          `json:"queued"`
}

// StatusView is a JSON-friendly snapshot of the controller.
type StatusView struct {
	State       string     `json:"state"`
	RecordingID string     `json:"recordingId,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	ElapsedMs   int64      `json:"elapsedMs"`
	Elapsed     string     `json:"elapsed"`
	Bytes       int64      `json:"bytes"`
	Chunks      int        `json:"chunks"`
	HasCamera   bool       `json:"hasCamera"`
	PendingJobs int        `json:"pendingUploads"`
}

// active is the recording currently being negotiated or captured.
type active struct {
	id      string
	req     BeginRequest
	peer    Publisher
	started bool
}

type Controller struct {
	opts      Options
	session   *capture.Session
	storage   storage.Provider
	board     Registrar
	health    *health.Monitor
	negotiate Negotiator
	freeSpace func(string) (uint64, error)
	now       func() time.Time
	pool      *workerpool.Pool
	events    *hub

	mu        sync.Mutex
	current   *active
	closed    bool
	closeOnce sync.Once
}

func New(opts Options, deps Deps) (*Controller, error) {
	if opts.SpoolDir == "" {
		return nil, fmt.Errorf("recording: spool dir is required")
	}
	if deps.Storage == nil {
		return nil, fmt.Errorf("recording: storage provider is required")
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 15 * time.Second
	}
	if opts.UploadWorkers <= 0 {
		opts.UploadWorkers = 2
	}
	if opts.UploadQueueSize <= 0 {
		opts.UploadQueueSize = 32
	}

	c := &Controller{
		opts:      opts,
		storage:   deps.Storage,
		board:     deps.Board,
		health:    deps.Health,
		negotiate: deps.Negotiate,
		freeSpace: deps.FreeSpace,
		now:       deps.Now,
		events:    newHub(),
	}
	if c.health == nil {
		c.health = health.NewMonitor()
	}
	if c.freeSpace == nil {
		c.freeSpace = diskFree
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.negotiate == nil {
		webrtcAPI, err := ingest.NewAPI()
		if err != nil {
			return nil, err
		}
		c.negotiate = IngestNegotiator(webrtcAPI)
	}
	factory := deps.RecorderFactory
	if factory == nil {
		factory = media.NewRecorderFactory(opts.Recorder)
	}

	if err := os.MkdirAll(opts.SpoolDir, 0700); err != nil {
		return nil, fmt.Errorf("recording: create spool dir: %w", err)
	}

	c.session = capture.NewSession(factory,
		capture.WithClock(c.now),
		capture.WithStateListener(c.onSessionState),
	)
	c.pool = workerpool.New("uploads", opts.UploadWorkers, opts.UploadQueueSize)

	c.health.Update(health.ComponentCapture, health.Healthy, "idle")
	return c, nil
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// CheckDisk reports the free space on the spool volume and whether it meets
// the configured minimum.
func (c *Controller) CheckDisk() (free uint64, ok bool, err error) {
	free, err = c.freeSpace(c.opts.SpoolDir)
	if err != nil {
		c.health.Update(health.ComponentDisk, health.Unknown, err.Error())
		return 0, false, err
	}
	need := uint64(c.opts.MinFreeSpaceMB) * bytesPerMB
	if free < need {
		c.health.Update(health.ComponentDisk, health.Degraded,
			fmt.Sprintf("%s free, %s required", FormatSize(int64(free)), FormatSize(int64(need))))
		return free, false, nil
	}
	c.health.Update(health.ComponentDisk, health.Healthy, FormatSize(int64(free))+" free")
	return free, true, nil
}

// Begin negotiates a new publisher and returns the SDP answer. Recording
// starts once the publisher's tracks arrive.
func (c *Controller) Begin(ctx context.Context, req BeginRequest) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.current != nil || c.session.Status() != capture.StatusIdle {
		c.mu.Unlock()
		return "", ErrBusy
	}
	rec := &active{id: uuid.NewString(), req: req}
	c.current = rec
	c.mu.Unlock()

	answer, err := c.begin(ctx, rec)
	if err != nil {
		c.mu.Lock()
		if c.current == rec {
			c.current = nil
		}
		c.mu.Unlock()
		return "", err
	}
	return answer, nil
}

func (c *Controller) begin(ctx context.Context, rec *active) (string, error) {
	rlog := logging.WithRecording(log, rec.id)

	_, ok, err := c.CheckDisk()
	if err != nil {
		rlog.Warn("disk space check failed", logging.KeyError, err)
	} else if !ok {
		return "", ErrLowDisk
	}

	iceServers := c.opts.ICEServers
	if len(rec.req.ICEServers) > 0 {
		iceServers = ingest.ParseICEServers(rec.req.ICEServers)
	}
	offer := ingest.Offer{
		SDP:              rec.req.SDP,
		ScreenStreamID:   rec.req.ScreenStreamID,
		CameraStreamID:   rec.req.CameraStreamID,
		ICEServers:       iceServers,
		IdleTimeout:      c.opts.IdleTimeout,
		ReadyTimeout:     c.opts.ReadyTimeout,
		KeyframeInterval: c.opts.KeyframeInterval,
	}

	peer, answer, err := c.negotiate(ctx, offer, func(p Publisher) { c.onReady(rec, p) })
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNegotiation, err)
	}

	c.mu.Lock()
	if c.current != rec {
		// Aborted while negotiating.
		c.mu.Unlock()
		peer.Close()
		return "", ErrNothingRecorded
	}
	if rec.peer == nil {
		rec.peer = peer
	}
	c.mu.Unlock()

	go c.watchPeer(rec, peer)
	rlog.Info("capture negotiated", logging.KeyStream, rec.req.ScreenStreamID)
	return answer, nil
}

func (c *Controller) onReady(rec *active, p Publisher) {
	rlog := logging.WithRecording(log, rec.id)

	c.mu.Lock()
	if c.current != rec {
		c.mu.Unlock()
		p.Close()
		return
	}
	rec.peer = p
	rec.started = true
	c.mu.Unlock()

	screen, camera := p.Screen(), p.Camera()
	if err := c.session.Start(screen, camera); err != nil {
		rlog.Error("failed to start capture", logging.KeyError, err)
		releaseStreams(screen, camera)
		c.detach(rec)
		c.health.Update(health.ComponentCapture, health.Degraded, err.Error())
		c.events.publish(Event{Type: EventError, At: c.now(), Error: err.Error()})
		return
	}
	c.health.Update(health.ComponentCapture, health.Healthy, "recording")
	rlog.Info("recording started", "camera", camera != nil)
}

// watchPeer drops a publisher that disconnects before recording starts.
func (c *Controller) watchPeer(rec *active, p Publisher) {
	<-p.Done()
	c.mu.Lock()
	stale := c.current == rec && !rec.started
	c.mu.Unlock()
	if stale {
		logging.WithRecording(log, rec.id).Warn("publisher left before recording started")
		c.detach(rec)
		c.events.publish(Event{Type: EventStatus, At: c.now(), Status: c.statusView()})
	}
}

// detach forgets rec and closes its publisher.
func (c *Controller) detach(rec *active) {
	c.mu.Lock()
	if c.current == rec {
		c.current = nil
	}
	p := rec.peer
	c.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

func (c *Controller) onSessionState(snap capture.Snapshot) {
	if snap.Status == capture.StatusIdle {
		c.mu.Lock()
		rec := c.current
		started := rec != nil && rec.started
		c.mu.Unlock()
		if started {
			c.detach(rec)
		}
	}
	c.events.publish(Event{Type: EventStatus, At: c.now(), Status: c.viewFromSnapshot(snap)})
}

func releaseStreams(streams ...capture.Stream) {
	for _, s := range streams {
		if s == nil {
			continue
		}
		for _, t := range s.Tracks() {
			if err := t.Stop(); err != nil {
				log.Warn("failed to release track", logging.KeyTrack, t.ID(), logging.KeyError, err)
			}
		}
	}
}

// Finish stops the capture and queues the recording for upload.
func (c *Controller) Finish(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	rec := c.current
	pending := rec != nil && !rec.started
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
	defer cancel()

	blob, err := c.session.Stop(ctx)
	if pending {
		c.detach(rec)
	}
	if err != nil {
		c.health.Update(health.ComponentCapture, health.Degraded, err.Error())
		return nil, err
	}
	if blob == nil || blob.Size() == 0 {
		return nil, ErrNothingRecorded
	}
	if rec == nil {
		rec = &active{id: uuid.NewString()}
	}
	c.health.Update(health.ComponentCapture, health.Healthy, "idle")

	res := &Result{
		ID:        rec.id,
		Key:       objectKey(c.opts.StoragePrefix, rec.id, blob.StartedAt),
		Filename:  DefaultFilename(blob.StartedAt),
		Title:     rec.req.Title,
		MIMEType:  blob.MIMEType,
		Size:      blob.Size(),
		SizeText:  FormatSize(blob.Size()),
		Duration:  blob.Duration,
		StartedAt: blob.StartedAt,
	}
	if res.Title == "" {
		res.Title = DefaultTitle
	}

	spoolPath := c.spoolPath(rec.id)
	if err := writeSpool(spoolPath, blob.Data); err != nil {
		return nil, fmt.Errorf("spool recording: %w", err)
	}

	rlog := logging.WithRecording(log, rec.id)
	rlog.Info("recording finished",
		logging.KeyBytes, res.Size,
		logging.KeyDurationMs, res.Duration.Milliseconds(),
	)

	job := uploadJob{
		result:      *res,
		spoolPath:   spoolPath,
		boardID:     rec.req.BoardID,
		workspaceID: rec.req.WorkspaceID,
		register:    true,
	}
	res.Queued = c.pool.Submit(func(ctx context.Context) { c.upload(ctx, job) })
	if !res.Queued {
		rlog.Warn("upload queue full, recording kept in spool", "path", spoolPath)
		c.health.Update(health.ComponentStorage, health.Degraded, "upload queue full")
	}
	return res, nil
}

// writeSpool writes data next to path and renames it into place, so a crash
// mid-write never leaves a truncated recording for RecoverSpool.
func writeSpool(path string, data []byte) error {
	tmp := path + tmpExt
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (c *Controller) spoolPath(id string) string {
	return filepath.Join(c.opts.SpoolDir, id+fileExt)
}

// Pause suspends the active recording.
func (c *Controller) Pause() error {
	return c.session.Pause()
}

// Resume continues a paused recording.
func (c *Controller) Resume() error {
	return c.session.Resume()
}

// Abort discards any capture in progress and releases the publisher.
func (c *Controller) Abort() {
	c.mu.Lock()
	rec := c.current
	c.mu.Unlock()

	c.session.Cleanup()
	if rec != nil {
		c.detach(rec)
		logging.WithRecording(log, rec.id).Info("recording aborted")
	}
}

// Status returns the controller state for display.
func (c *Controller) Status() StatusView {
	return *c.statusView()
}

func (c *Controller) statusView() *StatusView {
	return c.viewFromSnapshot(c.session.Snapshot())
}

func (c *Controller) viewFromSnapshot(snap capture.Snapshot) *StatusView {
	v := &StatusView{
		State:       snap.Status.String(),
		ElapsedMs:   snap.Elapsed.Milliseconds(),
		Elapsed:     FormatElapsed(snap.Elapsed),
		Bytes:       snap.Bytes,
		Chunks:      snap.Chunks,
		HasCamera:   snap.HasCamera,
		PendingJobs: c.pool.Pending(),
	}
	if snap.Status == capture.StatusRecording && snap.Paused {
		v.State = "paused"
	}
	if !snap.StartedAt.IsZero() && snap.Status != capture.StatusIdle {
		started := snap.StartedAt
		v.StartedAt = &started
	}

	c.mu.Lock()
	if rec := c.current; rec != nil {
		v.RecordingID = rec.id
		if !rec.started && snap.Status == capture.StatusIdle {
			v.State = "negotiating"
		}
	}
	c.mu.Unlock()
	return v
}

// Subscribe returns a channel of controller events and a func that ends the
// subscription.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// List returns the keys of stored recordings.
func (c *Controller) List(ctx context.Context) ([]string, error) {
	return c.storage.List(ctx, listPrefix(c.opts.StoragePrefix))
}

// Health returns the monitor the controller reports into.
func (c *Controller) Health() *health.Monitor { return c.health }

// Close aborts any capture, then waits for queued uploads until ctx ends.
func (c *Controller) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.Abort()
		c.pool.Shutdown(ctx)
		c.events.close()
	})
}
