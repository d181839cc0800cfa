package httphandler

import (
	"fmt"
	"net/http"
	"sync"
)

// sseWriter writes server-sent events to a response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	closed  bool
}

func newSSEWriter(w http.ResponseWriter, flusher http.Flusher) *sseWriter {
	return &sseWriter{w: w, flusher: flusher}
}

// sendEvent sends a named event with JSON data. A non-empty id is sent as
// the event id, which the client echoes in Last-Event-ID on reconnect.
func (t *sseWriter) sendEvent(event, id string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	if id != "" {
		if _, err := fmt.Fprintf(t.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// sendComment sends an SSE comment (used for keep-alive).
func (t *sseWriter) sendComment(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	fmt.Fprintf(t.w, ": %s\n\n", text)
	t.flusher.Flush()
}

func (t *sseWriter) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}
