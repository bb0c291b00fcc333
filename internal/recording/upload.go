package recording

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boardcast/recorder/internal/capture"
	"github.com/boardcast/recorder/internal/health"
	"github.com/boardcast/recorder/internal/logging"
	"github.com/boardcast/recorder/pkg/api"
)

type uploadJob struct {
	result      Result
	spoolPath   string
	boardID     string
	workspaceID string
	// register is false for recovered spool files, whose board is unknown.
	register bool
}

// upload stores a spooled recording, registers it with the board API and
// removes the spool file. A failed storage upload leaves the file in place
// for RecoverSpool.
func (c *Controller) upload(ctx context.Context, job uploadJob) {
	rlog := logging.WithRecording(log, job.result.ID)
	start := time.Now()

	if err := c.storage.Upload(ctx, job.spoolPath, job.result.Key); err != nil {
		rlog.Error("upload failed", "provider", c.storage.Name(), logging.KeyError, err)
		c.health.Update(health.ComponentStorage, health.Unhealthy, err.Error())
		res := job.result
		c.events.publish(Event{Type: EventUploadFailed, At: c.now(), Result: &res, Error: err.Error()})
		return
	}
	c.health.Update(health.ComponentStorage, health.Healthy, "")
	rlog.Info("recording uploaded",
		"provider", c.storage.Name(),
		"key", job.result.Key,
		logging.KeyBytes, job.result.Size,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)

	var regErr error
	if job.register && c.board != nil {
		regErr = c.register(ctx, job)
		if regErr != nil {
			rlog.Warn("board registration failed", logging.KeyError, regErr)
			c.health.Update(health.ComponentBoardAPI, health.Degraded, regErr.Error())
		} else {
			c.health.Update(health.ComponentBoardAPI, health.Healthy, "")
		}
	}

	if err := os.Remove(job.spoolPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		rlog.Warn("failed to remove spool file", "path", job.spoolPath, logging.KeyError, err)
	}

	res := job.result
	ev := Event{Type: EventUploadComplete, At: c.now(), Result: &res}
	if regErr != nil {
		ev.Error = regErr.Error()
	}
	c.events.publish(ev)
}

func (c *Controller) register(ctx context.Context, job uploadJob) error {
	videoURL := job.result.Key
	_, err := c.board.CreateRecording(ctx, &api.RecordingRequest{
		BoardID:     job.boardID,
		WorkspaceID: job.workspaceID,
		Title:       job.result.Title,
		DurationSec: int(math.Round(job.result.Duration.Seconds())),
		VideoURL:    &videoURL,
		SizeBytes:   job.result.Size,
		MIMEType:    job.result.MIMEType,
	})
	return err
}

// RecoverSpool queues uploads for recordings left in the spool directory by
// an earlier run. It returns the number of files queued.
func (c *Controller) RecoverSpool() (int, error) {
	entries, err := os.ReadDir(c.opts.SpoolDir)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasSuffix(name, fileExt+tmpExt) {
			// Interrupted spool write.
			if err := os.Remove(filepath.Join(c.opts.SpoolDir, name)); err != nil {
				log.Warn("could not remove partial spool file", "path", name, logging.KeyError, err)
			}
			continue
		}
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		job := uploadJob{
			result: Result{
				ID:        id,
				Key:       objectKey(c.opts.StoragePrefix, id, info.ModTime()),
				Filename:  name,
				Title:     DefaultTitle,
				MIMEType:  capture.ContainerWebM,
				Size:      info.Size(),
				SizeText:  FormatSize(info.Size()),
				StartedAt: info.ModTime(),
			},
			spoolPath: filepath.Join(c.opts.SpoolDir, name),
		}
		if !c.pool.Submit(func(ctx context.Context) { c.upload(ctx, job) }) {
			log.Warn("upload queue full, leaving spool file", "path", job.spoolPath)
			break
		}
		queued++
	}
	if queued > 0 {
		log.Info("recovered spooled recordings", "count", queued)
	}
	return queued, nil
}
