package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/model"
)

type flusher interface {
	Flush()
}

// NDJSONSink writes one JSON object per line. If the writer can flush
// (http.Flusher, bufio.Writer) it is flushed after every event.
type NDJSONSink struct {
	w   io.Writer
	enc *json.Encoder
}

// NewNDJSONSink creates a sink writing newline-delimited JSON to w.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: w, enc: json.NewEncoder(w)}
}

// Send implements Sink.
func (s *NDJSONSink) Send(env model.Envelope) error {
	if err := s.enc.Encode(env); err != nil {
		return eris.Wrap(err, "progress: write ndjson")
	}
	flush(s.w)
	return nil
}

// SSESink writes events as server-sent events.
type SSESink struct {
	w http.ResponseWriter
}

// NewSSESink prepares w for an event stream and returns a sink over it.
func NewSSESink(w http.ResponseWriter) *SSESink {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSESink{w: w}
}

// Send implements Sink.
func (s *SSESink) Send(env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return eris.Wrap(err, "progress: marshal event")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", env.Type, data); err != nil {
		return eris.Wrap(err, "progress: write sse")
	}
	flush(s.w)
	return nil
}

// WebSocketSink writes each event as one JSON text frame.
type WebSocketSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocketSink creates a sink over an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

// Send implements Sink.
func (s *WebSocketSink) Send(env model.Envelope) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return eris.Wrap(err, "progress: set write deadline")
		}
	}
	if err := s.conn.WriteJSON(env); err != nil {
		return eris.Wrap(err, "progress: write websocket")
	}
	return nil
}

// FuncSink adapts a function to a Sink.
type FuncSink func(env model.Envelope) error

// Send implements Sink.
func (f FuncSink) Send(env model.Envelope) error { return f(env) }

// Recorder keeps every event in memory. Safe for concurrent readers.
type Recorder struct {
	mu     sync.Mutex
	events []model.Envelope
}

// Send implements Sink.
func (r *Recorder) Send(env model.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Envelope(nil), r.events...)
}

// Multi fans one stream out to several sinks. The first error stops the
// fan-out and is returned.
func Multi(sinks ...Sink) Sink {
	return FuncSink(func(env model.Envelope) error {
		for _, s := range sinks {
			if err := s.Send(env); err != nil {
				return err
			}
		}
		return nil
	})
}

func flush(w io.Writer) {
	switch f := w.(type) {
	case flusher:
		f.Flush()
	case interface{ Flush() error }:
		_ = f.Flush()
	}
}

// TextSink renders events as human-readable lines.
type TextSink struct {
	w io.Writer
}

// NewTextSink creates a sink printing one line per event to w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

// Send implements Sink.
func (s *TextSink) Send(env model.Envelope) error {
	var err error
	switch {
	case env.Progress < 0:
		_, err = fmt.Fprintf(s.w, "[ ERR] %s\n", env.Message)
	case env.Type == model.EventCostUpdate:
		_, err = fmt.Fprintf(s.w, "       %s\n", env.Message)
	default:
		_, err = fmt.Fprintf(s.w, "[%3.0f%%] %s\n", env.Progress, env.Message)
	}
	if err != nil {
		return eris.Wrap(err, "progress: write text")
	}
	flush(s.w)
	return nil
}
