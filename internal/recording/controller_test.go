package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boardcast/recorder/internal/capture"
	"github.com/boardcast/recorder/internal/health"
	"github.com/boardcast/recorder/internal/ingest"
)

type harness struct {
	ctrl    *Controller
	neg     *negotiator
	recs    *recorders
	storage *memStorage
	board   *fakeBoard
	spool   string
	free    uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		neg:     &negotiator{},
		recs:    &recorders{},
		storage: newMemStorage(),
		board:   &fakeBoard{},
		spool:   filepath.Join(t.TempDir(), "spool"),
		free:    10 << 30,
	}
	ctrl, err := New(Options{
		SpoolDir:       h.spool,
		MinFreeSpaceMB: 100,
		StoragePrefix:  "boards",
		StopTimeout:    2 * time.Second,
	}, Deps{
		Storage:         h.storage,
		Board:           h.board,
		Negotiate:       h.neg.negotiate,
		RecorderFactory: h.recs.factory,
		FreeSpace:       func(string) (uint64, error) { return h.free, nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ctrl.Close(ctx)
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) begin(t *testing.T, req BeginRequest) {
	t.Helper()
	if req.SDP == "" {
		req.SDP = "v=0 offer"
	}
	answer, err := h.ctrl.Begin(context.Background(), req)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if answer == "" {
		t.Fatal("empty answer")
	}
}

// recording waits until the session has started and subscribed to the
// publisher's tracks.
func (h *harness) recording(t *testing.T) {
	t.Helper()
	waitFor(t, "recording", func() bool {
		if h.ctrl.Status().State != "recording" {
			return false
		}
		h.recs.mu.Lock()
		n := len(h.recs.recs)
		h.recs.mu.Unlock()
		return n > 0 && h.recs.last().started() && h.neg.last().video.listenerCount() > 0
	})
}

func TestBeginFinishUploadsAndRegisters(t *testing.T) {
	h := newHarness(t)
	events, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	h.begin(t, BeginRequest{BoardID: "b1", WorkspaceID: "w1", Title: "Roadmap"})
	h.recording(t)
	rec := h.recs.last()
	rec.emit([]byte("abc"))
	rec.emit([]byte("def"))

	res, err := h.ctrl.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if res.Size != 6 || res.MIMEType != capture.ContainerWebM || res.Title != "Roadmap" || !res.Queued {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got, want := filepath.Dir(res.Key), filepath.Join("boards", "recordings", res.StartedAt.UTC().Format("2006/01/02")); got != want {
		t.Fatalf("key dir = %q, want %q", got, want)
	}

	var done *Event
	timeout := time.After(2 * time.Second)
	for done == nil {
		select {
		case ev := <-events:
			if ev.Type == EventUploadComplete {
				done = &ev
			}
		case <-timeout:
			t.Fatal("no upload_complete event")
		}
	}
	if done.Result.ID != res.ID {
		t.Fatalf("event for %q, want %q", done.Result.ID, res.ID)
	}

	data, ok := h.storage.get(res.Key)
	if !ok || string(data) != "abcdef" {
		t.Fatalf("stored %q (ok=%v), want abcdef", data, ok)
	}
	if _, err := os.Stat(filepath.Join(h.spool, res.ID+".webm")); !os.IsNotExist(err) {
		t.Fatalf("spool file still present: %v", err)
	}
	reqs := h.board.requests()
	if len(reqs) != 1 {
		t.Fatalf("registrations = %d, want 1", len(reqs))
	}
	if reqs[0].BoardID != "b1" || reqs[0].VideoURL == nil || *reqs[0].VideoURL != res.Key {
		t.Fatalf("unexpected registration: %+v", reqs[0])
	}
	if !h.neg.last().closed() {
		t.Fatal("publisher not closed after finish")
	}
	if c, _ := h.ctrl.Health().Get(health.ComponentStorage); c.Status != health.Healthy {
		t.Fatalf("storage health = %s", c.Status)
	}
}

func TestBeginWhileBusy(t *testing.T) {
	h := newHarness(t)
	h.begin(t, BeginRequest{})
	h.recording(t)

	if _, err := h.ctrl.Begin(context.Background(), BeginRequest{SDP: "x"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestBeginWhileNegotiatingIsBusy(t *testing.T) {
	h := newHarness(t)
	h.neg.noReady = true
	h.begin(t, BeginRequest{})
	if got := h.ctrl.Status().State; got != "negotiating" {
		t.Fatalf("state = %q, want negotiating", got)
	}
	if _, err := h.ctrl.Begin(context.Background(), BeginRequest{SDP: "x"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestBeginLowDisk(t *testing.T) {
	h := newHarness(t)
	h.free = 10 << 20
	if _, err := h.ctrl.Begin(context.Background(), BeginRequest{SDP: "x"}); !errors.Is(err, ErrLowDisk) {
		t.Fatalf("err = %v, want ErrLowDisk", err)
	}
	if c, _ := h.ctrl.Health().Get(health.ComponentDisk); c.Status != health.Degraded {
		t.Fatalf("disk health = %s, want degraded", c.Status)
	}

	h.free = 10 << 30
	h.begin(t, BeginRequest{})
}

func TestBeginNegotiationFailureFreesSlot(t *testing.T) {
	h := newHarness(t)
	h.neg.err = errors.New("bad sdp")
	if _, err := h.ctrl.Begin(context.Background(), BeginRequest{SDP: "x"}); err == nil {
		t.Fatal("expected negotiation error")
	}
	h.neg.err = nil
	h.begin(t, BeginRequest{})
}

func TestFinishWithoutRecording(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ctrl.Finish(context.Background()); !errors.Is(err, ErrNothingRecorded) {
		t.Fatalf("err = %v, want ErrNothingRecorded", err)
	}
}

func TestFinishBeforeReadyClosesPublisher(t *testing.T) {
	h := newHarness(t)
	h.neg.noReady = true
	h.begin(t, BeginRequest{})

	if _, err := h.ctrl.Finish(context.Background()); !errors.Is(err, ErrNothingRecorded) {
		t.Fatalf("err = %v, want ErrNothingRecorded", err)
	}
	if !h.neg.last().closed() {
		t.Fatal("pending publisher not closed")
	}
	h.neg.noReady = false
	h.begin(t, BeginRequest{})
}

func TestScreenTrackEndedDiscardsAndClosesPublisher(t *testing.T) {
	h := newHarness(t)
	h.begin(t, BeginRequest{})
	h.recording(t)
	h.recs.last().emit([]byte("data"))

	pub := h.neg.last()
	pub.video.End()

	waitFor(t, "publisher close", pub.closed)
	if got := h.ctrl.Status().State; got != "idle" {
		t.Fatalf("state = %q, want idle", got)
	}
	if !pub.video.isStopped() {
		t.Fatal("track not released")
	}
	if _, err := h.ctrl.Finish(context.Background()); !errors.Is(err, ErrNothingRecorded) {
		t.Fatalf("err = %v, want ErrNothingRecorded", err)
	}
}

func TestPublisherLeavesBeforeReady(t *testing.T) {
	h := newHarness(t)
	h.neg.noReady = true
	h.begin(t, BeginRequest{})
	h.neg.last().Close()

	waitFor(t, "slot release", func() bool { return h.ctrl.Status().State == "idle" })
	h.begin(t, BeginRequest{})
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	h.begin(t, BeginRequest{})
	h.recording(t)
	h.recs.last().emit([]byte("data"))

	h.ctrl.Abort()
	pub := h.neg.last()
	if !pub.closed() || !pub.video.isStopped() {
		t.Fatal("abort did not release the publisher")
	}
	if got := h.ctrl.Status().State; got != "idle" {
		t.Fatalf("state = %q, want idle", got)
	}
}

func TestPauseResumeStatus(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Pause(); !errors.Is(err, capture.ErrNotRecording) {
		t.Fatalf("Pause while idle err = %v", err)
	}
	h.begin(t, BeginRequest{})
	h.recording(t)

	if err := h.ctrl.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := h.ctrl.Status().State; got != "paused" {
		t.Fatalf("state = %q, want paused", got)
	}
	if err := h.ctrl.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := h.ctrl.Status().State; got != "recording" {
		t.Fatalf("state = %q, want recording", got)
	}
}

func TestUploadFailureKeepsSpoolForRecovery(t *testing.T) {
	h := newHarness(t)
	h.storage.setErr(errors.New("bucket gone"))
	events, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	h.begin(t, BeginRequest{})
	h.recording(t)
	h.recs.last().emit([]byte("payload"))
	res, err := h.ctrl.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for failed := false; !failed; {
		select {
		case ev := <-events:
			failed = ev.Type == EventUploadFailed
		case <-timeout:
			t.Fatal("no upload_failed event")
		}
	}
	spooled := filepath.Join(h.spool, res.ID+".webm")
	if _, err := os.Stat(spooled); err != nil {
		t.Fatalf("spool file missing after failed upload: %v", err)
	}
	if c, _ := h.ctrl.Health().Get(health.ComponentStorage); c.Status != health.Unhealthy {
		t.Fatalf("storage health = %s, want unhealthy", c.Status)
	}

	h.storage.setErr(nil)
	n, err := h.ctrl.RecoverSpool()
	if err != nil || n != 1 {
		t.Fatalf("RecoverSpool = %d, %v", n, err)
	}
	waitFor(t, "spool drained", func() bool {
		_, err := os.Stat(spooled)
		return os.IsNotExist(err)
	})
	if len(h.board.requests()) != 0 {
		t.Fatal("recovered upload should not register with the board")
	}
}

func TestBeginUsesRequestICEServers(t *testing.T) {
	h := newHarness(t)
	h.neg.noReady = true
	h.begin(t, BeginRequest{
		ScreenStreamID: "screen-1",
		ICEServers: []ingest.ICEServerConfig{
			{URLs: "turn:turn.example.com:3478", Username: "u", Credential: "p"},
		},
	})

	h.neg.mu.Lock()
	offer := h.neg.offers[0]
	h.neg.mu.Unlock()
	if offer.ScreenStreamID != "screen-1" {
		t.Fatalf("ScreenStreamID = %q", offer.ScreenStreamID)
	}
	if len(offer.ICEServers) != 1 || offer.ICEServers[0].URLs[0] != "turn:turn.example.com:3478" || offer.ICEServers[0].Username != "u" {
		t.Fatalf("ICEServers = %+v", offer.ICEServers)
	}
}

func TestWriteSpoolLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec-1.webm")
	if err := writeSpool(path, []byte("webm bytes")); err != nil {
		t.Fatalf("writeSpool: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "webm bytes" {
		t.Fatalf("spool file = %q, %v", data, err)
	}
	if _, err := os.Stat(path + tmpExt); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestRecoverSpoolSkipsPartialWrites(t *testing.T) {
	h := newHarness(t)
	partial := filepath.Join(h.spool, "crashed.webm"+tmpExt)
	if err := os.WriteFile(partial, []byte("trunc"), 0600); err != nil {
		t.Fatal(err)
	}
	complete := filepath.Join(h.spool, "done.webm")
	if err := os.WriteFile(complete, []byte("full recording"), 0600); err != nil {
		t.Fatal(err)
	}

	n, err := h.ctrl.RecoverSpool()
	if err != nil || n != 1 {
		t.Fatalf("RecoverSpool = %d, %v, want 1", n, err)
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatalf("partial spool file not removed: %v", err)
	}
	waitFor(t, "complete spool file uploaded", func() bool {
		_, err := os.Stat(complete)
		return os.IsNotExist(err)
	})
}
