// Package stream writes run events to clients as server-sent events. A
// creation stream forwards a run's events as they are produced; a join
// stream reconnects to a run by id and reconstructs its state first.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Response headers of every event stream.
const (
	ContentType  = "text/event-stream; charset=utf-8"
	CacheControl = "no-store"
)

// Writer encodes events in the text/event-stream wire format:
//
//	event: <type>
//	data: <json>
//
// with a blank line after each event. Each event is flushed immediately.
type Writer struct {
	w     io.Writer
	flush func()
	buf   bytes.Buffer
}

// NewWriter wraps w, flushing after each event when w is an http.Flusher.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		sw.flush = f.Flush
	}
	return sw
}

// WriteEvent writes one event. A nil data writes an empty data line, which
// is how the end event is framed.
func (w *Writer) WriteEvent(event string, data any) error {
	w.buf.Reset()
	w.buf.WriteString("event: ")
	w.buf.WriteString(event)
	w.buf.WriteString("\ndata: ")
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", event, err)
		}
		// compact JSON never contains a raw newline, so one data line suffices
		w.buf.Write(payload)
	}
	w.buf.WriteString("\n\n")

	if _, err := w.w.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	w.flush()
	return nil
}

// SetHeaders prepares an event stream response. With a thread id the
// locations point at the thread-scoped run; without one at the stateless
// run paths.
func SetHeaders(h http.Header, threadID, runID string) {
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", CacheControl)
	h.Set("X-Accel-Buffering", "no")
	stream, resource := Locations(threadID, runID)
	h.Set("Location", stream)
	h.Set("Content-Location", resource)
}

// Locations returns the canonical stream and resource paths of a run.
func Locations(threadID, runID string) (stream, resource string) {
	if threadID == "" {
		resource = "/runs/" + runID
	} else {
		resource = "/threads/" + threadID + "/runs/" + runID
	}
	return resource + "/stream", resource
}
