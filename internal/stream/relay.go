// Package stream relays generated chunks to one HTTP response as
// Server-Sent Events.
//
// A Relay moves NotStarted -> Streaming -> Ended. Whether a failure can
// still be reported with an HTTP status is decided only by that state:
// before the first byte it is a JSON error response, afterwards an in-band
// error event followed by the end of the stream.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

import (
	"github.com/google/uuid"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/metrics"
)

// State of a relay.
type State int

const (
	NotStarted State = iota
	Streaming
	Ended
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Streaming:
		return "streaming"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrClosed is returned by Write once the stream ended or the client left.
// Callers may ignore it; it only tells the producer to stop.
var ErrClosed = errors.New("stream closed")

// chunkFrame is the payload of one data event.
type chunkFrame struct {
	Text string `json:"text"`
}

// errorFrame is the payload of the terminal error event and of the JSON
// error response.
type errorFrame struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	ID      string `json:"id,omitempty"`
}

// Relay is the single writer of one streamed response. It is not meant to
// be shared between producers; the mutex only orders the producer against
// Finish from the handler.
type Relay struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	ctx     context.Context
	cancel  context.CancelFunc
	id      string
	metrics *metrics.Collector
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	gone    bool
	failed  bool
	written int
}

type Option func(*Relay)

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// New prepares a relay for w. The returned context is handed to the
// producer; it is cancelled when the client goes away or the relay ends.
func New(w http.ResponseWriter, req *http.Request, opts ...Option) (*Relay, context.Context) {
	ctx, cancel := context.WithCancel(req.Context())
	r := &Relay{
		w:      w,
		rc:     http.NewResponseController(w),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "stream", "stream_id", r.id)
	return r, ctx
}

// ID identifies the stream in logs and error frames.
func (r *Relay) ID() string { return r.id }

// State returns the current state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// HeadersSent reports whether the status line has been committed.
func (r *Relay) HeadersSent() bool {
	return r.State() != NotStarted
}

// Open commits the stream headers and a 200 status. Calling it again is a
// no-op.
func (r *Relay) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openLocked()
}

func (r *Relay) openLocked() error {
	if r.state != NotStarted {
		return nil
	}
	h := r.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Stream-Id", r.id)
	r.w.WriteHeader(http.StatusOK)
	r.state = Streaming
	r.metrics.StreamOpened()
	if err := r.rc.Flush(); err != nil {
		r.dropLocked(err)
		return ErrClosed
	}
	return nil
}

// Write sends one chunk as a data event and flushes it. The first Write
// opens the stream. After the client left or the stream ended the chunk is
// dropped and ErrClosed returned.
func (r *Relay) Write(chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Ended || r.gone {
		return ErrClosed
	}
	if err := r.ctx.Err(); err != nil {
		r.dropLocked(err)
		return ErrClosed
	}
	if err := r.openLocked(); err != nil {
		return err
	}
	data, err := json.Marshal(chunkFrame{Text: chunk})
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	if err := r.frameLocked("", data); err != nil {
		return ErrClosed
	}
	r.written++
	r.metrics.Chunk()
	return nil
}

// Complete writes the [DONE] event and ends the stream. With nothing
// written yet it opens the stream first so the client still sees a
// well-formed empty stream.
func (r *Relay) Complete() {
	r.mu.Lock()
	if r.state != Ended && !r.gone {
		if err := r.openLocked(); err == nil {
			_ = r.frameLocked("", []byte("[DONE]"))
		}
	}
	r.mu.Unlock()
	r.Finish()
}

// Fail reports err to the client. Before the stream opened it writes a
// single JSON error with status; afterwards it writes an error event and
// ends the stream, leaving the 200 in place.
func (r *Relay) Fail(status int, err error) {
	r.mu.Lock()
	r.failed = true
	state := r.state
	gone := r.gone
	written := r.written
	r.mu.Unlock()

	switch {
	case state == Ended:
		return
	case state == NotStarted:
		r.logger.Warn("generation failed before first chunk", "status", status, "err", err)
		r.writeJSONError(status, err)
		r.metrics.StreamRejected("error_before_stream")
		r.mu.Lock()
		r.state = Ended
		r.mu.Unlock()
		r.cancel()
		return
	case gone:
		r.Finish()
		return
	}

	r.logger.Warn("generation failed mid-stream", "chunks", written, "err", err)
	data, _ := json.Marshal(errorFrame{Error: "generation failed", Message: errMessage(err), ID: r.id})
	r.mu.Lock()
	_ = r.frameLocked("error", data)
	r.mu.Unlock()
	r.Finish()
}

// Finish ends the stream. It is idempotent.
func (r *Relay) Finish() {
	r.mu.Lock()
	if r.state == Ended {
		r.mu.Unlock()
		return
	}
	wasStreaming := r.state == Streaming
	r.state = Ended
	outcome := "completed"
	switch {
	case r.gone:
		outcome = "client_gone"
	case r.failed:
		outcome = "failed"
	}
	written := r.written
	r.mu.Unlock()

	r.cancel()
	if wasStreaming {
		r.metrics.StreamClosed(outcome)
	}
	r.logger.Debug("stream finished", "outcome", outcome, "chunks", written)
}

// frameLocked writes one SSE event. Caller holds r.mu and the stream is
// open.
func (r *Relay) frameLocked(event string, data []byte) error {
	var err error
	if event != "" {
		_, err = fmt.Fprintf(r.w, "event: %s\ndata: %s\n\n", event, data)
	} else {
		_, err = fmt.Fprintf(r.w, "data: %s\n\n", data)
	}
	if err == nil {
		err = r.rc.Flush()
	}
	if err != nil {
		r.dropLocked(err)
	}
	return err
}

// dropLocked marks the client as gone and stops the producer.
func (r *Relay) dropLocked(err error) {
	if r.gone {
		return
	}
	r.gone = true
	r.cancel()
	r.logger.Info("client went away, dropping stream", "err", err)
}

func (r *Relay) writeJSONError(status int, err error) {
	if status < 400 {
		status = http.StatusBadGateway
	}
	r.w.Header().Set("Content-Type", "application/json")
	r.w.WriteHeader(status)
	_ = json.NewEncoder(r.w).Encode(errorFrame{Error: "generation failed", Message: errMessage(err), ID: r.id})
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
