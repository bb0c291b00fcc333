package recording

import (
	"testing"
	"time"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 Bytes"},
		{1, "1 Bytes"},
		{1023, "1023 Bytes"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{1024 * 1024, "1 MB"},
		{5*1024*1024 + 300*1024, "5.29 MB"},
		{3 * 1024 * 1024 * 1024, "3 GB"},
		{2048 * 1024 * 1024 * 1024, "2048 GB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.bytes); got != tt.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{61*time.Second + 900*time.Millisecond, "01:01"},
		{75 * time.Minute, "75:00"},
		{-time.Second, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatElapsed(tt.d); got != tt.want {
			t.Errorf("FormatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestDefaultFilename(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got, want := DefaultFilename(ts), "recording-2026-03-04T05-06-07.webm"; got != want {
		t.Fatalf("DefaultFilename = %q, want %q", got, want)
	}
}

func TestObjectKey(t *testing.T) {
	ts := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)
	if got, want := objectKey("", "abc", ts), "recordings/2026/03/04/abc.webm"; got != want {
		t.Fatalf("objectKey = %q, want %q", got, want)
	}
	if got, want := objectKey("tenant/", "abc", ts), "tenant/recordings/2026/03/04/abc.webm"; got != want {
		t.Fatalf("objectKey = %q, want %q", got, want)
	}
}
