// Package rpc implements the line-delimited JSON request/response/event
// multiplexer (spec.md §4.9): one reader goroutine classifies incoming
// requests as synchronous or asynchronous, the Job Manager enforces
// at-most-one concurrent media pipeline, and a single mutex-guarded writer
// serializes every outgoing line. Modeled on the teacher's internal/api
// Handler (deps-holding struct, small per-method functions) adapted from an
// HTTP router + SSE stream to a stdio line protocol.
package rpc

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/gwlsn/mediasidecar/internal/sidecarerr"
)

// Request is one client-to-server message (spec.md §4.9).
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type successResponse struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result"`
}

type errorResponse struct {
	ID    uint64             `json:"id"`
	Error sidecarerr.Payload `json:"error"`
}

type event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// ProgressPayload is the media.job.progress event payload.
type ProgressPayload struct {
	JobID    uint64  `json:"jobId"`
	Kind     string  `json:"kind"`
	Progress float64 `json:"progress"`
	Step     string  `json:"step,omitempty"`
}

// ErrorPayload is the media.job.error event payload.
type ErrorPayload struct {
	JobID   uint64 `json:"jobId"`
	Kind    string `json:"kind"`
	Summary string `json:"summary"`
	Detail  string `json:"detail"`
}

// CompletePayload is the media.job.complete event payload.
type CompletePayload struct {
	JobID uint64 `json:"jobId"`
	Kind  string `json:"kind"`
}

// Writer serializes every outgoing line behind one mutex (spec.md §5: "the
// output channel has a single exclusive writer; line interleaving is
// impossible").
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter returns a Writer that encodes one JSON value per line onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

func (w *Writer) writeLocked(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

// Result writes a success response for request id.
func (w *Writer) Result(id uint64, result any) error {
	if result == nil {
		result = struct{}{}
	}
	return w.writeLocked(successResponse{ID: id, Result: result})
}

// Error writes an error response for request id, classifying err per
// spec.md §7's taxonomy.
func (w *Writer) Error(id uint64, err error) error {
	return w.writeLocked(errorResponse{ID: id, Error: sidecarerr.Classify(err)})
}

// Event writes a server-initiated event (no request id).
func (w *Writer) Event(name string, payload any) error {
	return w.writeLocked(event{Event: name, Payload: payload})
}
