package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"unicode"

	"github.com/boardcast/recorder/internal/storage"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits problems into fatals, which must stop startup, and
// warnings, which were logged and usually corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Err joins the fatal errors, or returns nil.
func (r ValidationResult) Err() error {
	return errors.Join(r.Fatals...)
}

// clampInt keeps *v within [lo, hi] and reports a warning when it moved.
func clampInt(res *ValidationResult, name string, v *int, lo, hi int) {
	switch {
	case *v < lo:
		res.Warnings = append(res.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
		*v = lo
	case *v > hi:
		res.Warnings = append(res.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
		*v = hi
	}
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// ValidateTiered checks the config. Out-of-range numbers are clamped to safe
// values and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var res ValidationResult

	if c.ListenAddr == "" {
		res.Fatals = append(res.Fatals, fmt.Errorf("listen_addr is required"))
	} else if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		res.Fatals = append(res.Fatals, fmt.Errorf("listen_addr %q is not host:port: %w", c.ListenAddr, err))
	}

	if hasControl(c.APIToken) {
		res.Fatals = append(res.Fatals, fmt.Errorf("api_token contains control characters"))
	}

	if c.BoardAPI.URL != "" {
		u, err := url.Parse(c.BoardAPI.URL)
		if err != nil {
			res.Fatals = append(res.Fatals, fmt.Errorf("board_api.url %q is not a valid URL: %w", c.BoardAPI.URL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			res.Fatals = append(res.Fatals, fmt.Errorf("board_api.url scheme must be http or https, got %q", u.Scheme))
		}
	}
	if hasControl(c.BoardAPI.Token) {
		res.Fatals = append(res.Fatals, fmt.Errorf("board_api.token contains control characters"))
	}

	if c.SpoolDir == "" {
		res.Fatals = append(res.Fatals, fmt.Errorf("spool_dir is required"))
	}

	provider := strings.ToLower(c.Storage.Provider)
	known := provider == ""
	for _, p := range storage.Providers {
		if provider == p {
			known = true
		}
	}
	if !known {
		res.Fatals = append(res.Fatals, fmt.Errorf("storage.provider %q is not one of %s", c.Storage.Provider, strings.Join(storage.Providers, ", ")))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		res.Warnings = append(res.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		res.Warnings = append(res.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	clampInt(&res, "log_max_size_mb", &c.LogMaxSizeMB, 1, 1024)
	clampInt(&res, "log_max_backups", &c.LogMaxBackups, 0, 100)
	if c.MinFreeSpaceMB < 0 {
		res.Warnings = append(res.Warnings, fmt.Errorf("min_free_space_mb %d is negative, using 0", c.MinFreeSpaceMB))
		c.MinFreeSpaceMB = 0
	}
	clampInt(&res, "upload_workers", &c.UploadWorkers, 1, 16)
	clampInt(&res, "upload_queue_size", &c.UploadQueueSize, 1, 1000)

	r := &c.Recording
	clampInt(&res, "recording.timeslice_ms", &r.TimesliceMs, 10, 10000)
	clampInt(&res, "recording.default_width", &r.DefaultWidth, 16, 7680)
	clampInt(&res, "recording.default_height", &r.DefaultHeight, 16, 4320)
	clampInt(&res, "recording.keyframe_interval_seconds", &r.KeyframeIntervalSeconds, 1, 60)
	clampInt(&res, "recording.track_idle_timeout_seconds", &r.TrackIdleTimeoutSeconds, 1, 300)
	clampInt(&res, "recording.ready_timeout_seconds", &r.ReadyTimeoutSeconds, 1, 120)
	clampInt(&res, "recording.stop_timeout_seconds", &r.StopTimeoutSeconds, 1, 300)

	for _, err := range res.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return res
}
