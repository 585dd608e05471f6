package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/parleyhq/parley/internal/protocol"
)

// EventWriter frames protocol events as NDJSON on an http.ResponseWriter.
// Every event is written as one line and flushed immediately so perceived
// latency tracks generation latency; nothing is ever batched.
type EventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewEventWriter prepares the response for streaming: the NDJSON content
// type, cache and proxy-buffering opt-outs, and a priming pad of at least
// padBytes so intermediaries with buffering thresholds pass the first real
// event through immediately. Returns an error if the ResponseWriter cannot
// flush, since an unflushable stream would batch the whole turn.
func NewEventWriter(w http.ResponseWriter, padBytes int) (*EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", protocol.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // nginx

	ew := &EventWriter{w: w, flusher: flusher}
	if padBytes > 0 {
		// A comment-style line: it does not start with "{" so the classifier
		// drops it without parsing.
		pad := ": " + strings.Repeat(" ", padBytes) + "\n"
		if _, err := fmt.Fprint(w, pad); err != nil {
			return nil, fmt.Errorf("write stream pad: %w", err)
		}
	}
	flusher.Flush()
	return ew, nil
}

// Emit serializes one event to one line and flushes it.
func (ew *EventWriter) Emit(ev protocol.Event) error {
	line, err := protocol.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := ew.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	ew.flusher.Flush()
	return nil
}
