// Package transfer implements the data channel application protocol:
// one JSON metadata control message followed by fixed-size binary
// chunks, with sender-side backpressure against the channel's buffered
// byte count.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// ChunkSize is the fixed size of binary frames.
	ChunkSize = 16 * 1024

	// HighWaterMark is the buffered byte count above which sending
	// pauses.
	HighWaterMark = 1024 * 1024

	// backpressureDelay is how long a saturated sender waits before
	// re-checking the buffer.
	backpressureDelay = 50 * time.Millisecond
)

// Status values published on the engine's event channel.
const (
	StatusSending   = "sending"
	StatusReceiving = "receiving"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Channel is the slice of the data channel the engine needs.
type Channel interface {
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
}

// Artifact is a fully received file, delivered in memory.
type Artifact struct {
	Name string
	Mime string
	Data []byte
}

// Event is published for status changes, progress, and completed
// receives. Progress is a percentage in [0, 100]. Name and Size are
// set when a receive starts.
type Event struct {
	Status   string
	Progress int
	Bytes    int64
	Name     string
	Size     int64
	File     *Artifact
	Err      string
}

// record accumulates one in-flight receive. Only one is supported at a
// time; a new metadata message replaces it.
type record struct {
	meta     Metadata
	chunks   [][]byte
	received int64
}

// Engine multiplexes the send and receive protocols over one channel.
type Engine struct {
	ch     Channel
	events chan Event

	pollInterval time.Duration

	mu      sync.Mutex
	sending bool
	rec     *record
}

// NewEngine creates an engine on an open channel.
func NewEngine(ch Channel) *Engine {
	return &Engine{
		ch:           ch,
		events:       make(chan Event, 128),
		pollInterval: backpressureDelay,
	}
}

// Events returns the engine's event channel.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// SendFile streams size bytes from r as one transfer. Only one send
// may be in flight; a concurrent call is rejected.
func (e *Engine) SendFile(ctx context.Context, name, mime string, size int64, r io.Reader) error {
	e.mu.Lock()
	if e.sending {
		e.mu.Unlock()
		return NewFileError("send", name, ErrTransferInFlight)
	}
	e.sending = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.sending = false
		e.mu.Unlock()
	}()

	control, err := encodeMetadata(name, mime, size)
	if err != nil {
		return NewFileError("send metadata", name, err)
	}
	if err := e.ch.SendText(string(control)); err != nil {
		return NewFileError("send metadata", name, err)
	}

	e.publish(Event{Status: StatusSending, Progress: 0})

	if size == 0 {
		// An empty file is complete after the metadata alone.
		e.deliver(Event{Status: StatusCompleted, Progress: 100})
		return nil
	}

	buf := make([]byte, ChunkSize)
	var sent int64

	for sent < size {
		if err := e.waitForWindow(ctx); err != nil {
			return NewFileError("send", name, err)
		}

		n, err := io.ReadFull(r, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return NewFileError("read", name, err)
		}
		if n == 0 {
			return WrapError("read", io.ErrUnexpectedEOF, fmt.Sprintf("source ended at %d of %d bytes", sent, size))
		}

		if remaining := size - sent; int64(n) > remaining {
			n = int(remaining)
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		if err := e.ch.Send(chunk); err != nil {
			return NewFileError("send chunk", name, err)
		}

		sent += int64(n)
		e.publish(Event{Status: StatusSending, Progress: percent(sent, size), Bytes: sent})
	}

	e.deliver(Event{Status: StatusCompleted, Progress: 100})
	return nil
}

// waitForWindow pauses while the channel's outstanding buffered bytes
// sit above the high-water mark, re-checking on a short delay instead
// of blocking indefinitely.
func (e *Engine) waitForWindow(ctx context.Context) error {
	for e.ch.BufferedAmount() >= HighWaterMark {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
	return nil
}

// HandleMessage consumes one frame from the data channel. String
// frames are control messages; binary frames are chunks of the most
// recently announced file. Malformed input is reported and ignored
// without aborting the session.
func (e *Engine) HandleMessage(isString bool, data []byte) {
	if isString {
		e.handleControl(data)
		return
	}
	e.handleChunk(data)
}

func (e *Engine) handleControl(data []byte) {
	meta, err := decodeControl(data)
	if err != nil {
		e.publish(Event{Status: StatusError, Err: "malformed control message"})
		return
	}

	if meta.Type != ControlMetadata {
		e.publish(Event{Status: StatusError, Err: "unknown control message: " + meta.Type})
		return
	}

	if meta.Size < 0 {
		e.publish(Event{Status: StatusError, Err: "negative declared size"})
		return
	}

	e.mu.Lock()
	// A new metadata message silently resets any in-flight receive.
	e.rec = &record{meta: *meta}
	rec := e.rec
	e.mu.Unlock()

	e.publish(Event{Status: StatusReceiving, Progress: 0, Name: meta.Name, Size: meta.Size})

	if rec.meta.Size == 0 {
		e.complete(rec)
	}
}

func (e *Engine) handleChunk(data []byte) {
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()

	if rec == nil {
		e.publish(Event{Status: StatusError, Err: ErrNoMetadata.Error()})
		return
	}

	if rec.received+int64(len(data)) > rec.meta.Size {
		// Overrun past the declared size: report and discard the
		// transfer, the session itself stays usable.
		e.mu.Lock()
		e.rec = nil
		e.mu.Unlock()
		e.publish(Event{Status: StatusError, Err: ErrByteOverrun.Error()})
		return
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)
	rec.chunks = append(rec.chunks, chunk)
	rec.received += int64(len(data))

	e.publish(Event{Status: StatusReceiving, Progress: percent(rec.received, rec.meta.Size), Bytes: rec.received})

	if rec.received == rec.meta.Size {
		e.complete(rec)
	}
}

// complete concatenates the buffered chunks in arrival order, emits
// the artifact, and resets receive state.
func (e *Engine) complete(rec *record) {
	e.mu.Lock()
	if e.rec == rec {
		e.rec = nil
	}
	e.mu.Unlock()

	e.deliver(Event{
		Status:   StatusCompleted,
		Progress: 100,
		File: &Artifact{
			Name: rec.meta.Name,
			Mime: rec.meta.Mime,
			Data: bytes.Join(rec.chunks, nil),
		},
	})
}

// publish emits an event without ever blocking the transfer path; if
// the consumer lags far enough to fill the buffer, intermediate events
// are dropped.
func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// deliver emits a terminal event that must not be lost, without ever
// blocking the channel's read loop: when the buffer is full, the
// oldest stale event is discarded to make room.
func (e *Engine) deliver(ev Event) {
	for {
		select {
		case e.events <- ev:
			return
		default:
			select {
			case <-e.events:
			default:
			}
		}
	}
}

func percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(done * 100 / total)
}
