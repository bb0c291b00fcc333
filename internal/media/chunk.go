package media

import (
	"bytes"
	"os"
	"sync"
	"time"
)

// chunkWriter buffers muxer output and hands it out as chunks, once per
// timeslice and once more on Close. Close fires onClose after the last chunk.
type chunkWriter struct {
	emit    func([]byte)
	onClose func()

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func newChunkWriter(timeslice time.Duration, emit func([]byte), onClose func()) *chunkWriter {
	w := &chunkWriter{
		emit:    emit,
		onClose: onClose,
		stop:    make(chan struct{}),
	}
	if timeslice > 0 {
		w.wg.Add(1)
		go w.tick(timeslice)
	}
	return w
}

func (w *chunkWriter) tick(every time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-w.stop:
			return
		}
	}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

// Flush emits the buffered bytes, if any, as one chunk.
func (w *chunkWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *chunkWriter) flushLocked() {
	if w.buf.Len() == 0 {
		return
	}
	chunk := make([]byte, w.buf.Len())
	copy(chunk, w.buf.Bytes())
	w.buf.Reset()
	w.emit(chunk)
}

// Close flushes the remainder and fires onClose. Idempotent.
func (w *chunkWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.stop)
	w.flushLocked()
	w.mu.Unlock()

	w.wg.Wait()
	if w.onClose != nil {
		w.onClose()
	}
	return nil
}
