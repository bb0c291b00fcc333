package recording

import (
	"fmt"
	"math"
	"path"
	"strconv"
	"time"
)

const (
	DefaultTitle = "Board Recording"
	fileExt      = ".webm"
	tmpExt       = ".tmp"
)

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// FormatSize renders a byte count with binary units and at most two
// decimals, e.g. "1.5 KB".
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizeUnits) {
		i = len(sizeUnits) - 1
	}
	v := math.Round(float64(bytes)/math.Pow(1024, float64(i))*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + sizeUnits[i]
}

// FormatElapsed renders d as MM:SS. Minutes are not wrapped into hours.
func FormatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// DefaultFilename is the download name for a recording started at t.
func DefaultFilename(t time.Time) string {
	return "recording-" + t.UTC().Format("2006-01-02T15-04-05") + fileExt
}

// objectKey places a recording under prefix/recordings/YYYY/MM/DD/.
func objectKey(prefix, id string, t time.Time) string {
	t = t.UTC()
	return path.Join(prefix, "recordings", t.Format("2006"), t.Format("01"), t.Format("02"), id+fileExt)
}

// listPrefix is the storage prefix holding every recording.
func listPrefix(prefix string) string {
	return path.Join(prefix, "recordings")
}
