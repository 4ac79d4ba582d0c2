package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel records frames and lets tests script the buffered amount.
type fakeChannel struct {
	mu       sync.Mutex
	texts    []string
	binaries [][]byte
	buffered []uint64
	sendErr  error
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.binaries = append(c.binaries, cp)
	return nil
}

func (c *fakeChannel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.texts = append(c.texts, text)
	return nil
}

// BufferedAmount pops the next scripted value, or returns zero once the
// script runs out.
func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffered) == 0 {
		return 0
	}
	v := c.buffered[0]
	c.buffered = c.buffered[1:]
	return v
}

func drainEvents(e *Engine) []Event {
	var evs []Event
	for {
		select {
		case ev := <-e.Events():
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func TestSendFileFramesAndReassembly(t *testing.T) {
	payload := make([]byte, 2*ChunkSize+1234)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	ch := &fakeChannel{}
	e := NewEngine(ch)

	err = e.SendFile(context.Background(), "blob.bin", "application/octet-stream", int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)

	require.Len(t, ch.texts, 1)
	var meta Metadata
	require.NoError(t, json.Unmarshal([]byte(ch.texts[0]), &meta))
	assert.Equal(t, ControlMetadata, meta.Type)
	assert.Equal(t, "blob.bin", meta.Name)
	assert.Equal(t, int64(len(payload)), meta.Size)
	assert.Equal(t, "application/octet-stream", meta.Mime)

	require.Len(t, ch.binaries, 3)
	assert.Len(t, ch.binaries[0], ChunkSize)
	assert.Len(t, ch.binaries[1], ChunkSize)
	assert.Len(t, ch.binaries[2], 1234)
	assert.Equal(t, payload, bytes.Join(ch.binaries, nil))
}

func TestSendEmptyFile(t *testing.T) {
	ch := &fakeChannel{}
	e := NewEngine(ch)

	err := e.SendFile(context.Background(), "empty.txt", "text/plain", 0, bytes.NewReader(nil))
	require.NoError(t, err)

	require.Len(t, ch.texts, 1)
	assert.Empty(t, ch.binaries)

	evs := drainEvents(e)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
}

func TestSendRejectsConcurrentTransfer(t *testing.T) {
	ch := &fakeChannel{}
	e := NewEngine(ch)

	e.mu.Lock()
	e.sending = true
	e.mu.Unlock()

	err := e.SendFile(context.Background(), "late.bin", "application/octet-stream", 4, bytes.NewReader([]byte("late")))
	require.ErrorIs(t, err, ErrTransferInFlight)
	assert.Empty(t, ch.texts)
}

func TestSendBackpressurePausesUntilDrained(t *testing.T) {
	payload := []byte("hello")
	ch := &fakeChannel{buffered: []uint64{HighWaterMark, HighWaterMark + 1, 0}}
	e := NewEngine(ch)
	e.pollInterval = time.Millisecond

	err := e.SendFile(context.Background(), "hi.txt", "text/plain", int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)
	require.Len(t, ch.binaries, 1)
	assert.Equal(t, payload, ch.binaries[0])
}

func TestSendCanceledUnderBackpressure(t *testing.T) {
	ch := &fakeChannel{buffered: []uint64{HighWaterMark, HighWaterMark, HighWaterMark, HighWaterMark}}
	e := NewEngine(ch)
	e.pollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.SendFile(ctx, "big.bin", "application/octet-stream", 10, bytes.NewReader(make([]byte, 10)))
	require.ErrorIs(t, err, context.Canceled)
}

func sendMetadata(t *testing.T, e *Engine, name, mime string, size int64) {
	t.Helper()
	control, err := encodeMetadata(name, mime, size)
	require.NoError(t, err)
	e.HandleMessage(true, control)
}

func TestReceiveReassemblesExactly(t *testing.T) {
	payload := make([]byte, ChunkSize+999)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	e := NewEngine(&fakeChannel{})
	sendMetadata(t, e, "photo.jpg", "image/jpeg", int64(len(payload)))
	e.HandleMessage(false, payload[:ChunkSize])

	done := make(chan Event, 1)
	go func() {
		for ev := range e.Events() {
			if ev.Status == StatusCompleted && ev.File != nil {
				done <- ev
				return
			}
		}
	}()

	e.HandleMessage(false, payload[ChunkSize:])

	select {
	case ev := <-done:
		require.NotNil(t, ev.File)
		assert.Equal(t, "photo.jpg", ev.File.Name)
		assert.Equal(t, "image/jpeg", ev.File.Mime)
		assert.Equal(t, payload, ev.File.Data)
		assert.Equal(t, 100, ev.Progress)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

func TestReceiveProgressIsMonotonic(t *testing.T) {
	size := int64(4 * ChunkSize)
	e := NewEngine(&fakeChannel{})
	sendMetadata(t, e, "clip.mp4", "video/mp4", size)

	go func() {
		for range e.Events() {
		}
	}()

	last := -1
	for sent := int64(0); sent < size; sent += ChunkSize {
		e.HandleMessage(false, make([]byte, ChunkSize))
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if rec != nil {
			p := percent(rec.received, size)
			assert.GreaterOrEqual(t, p, last)
			last = p
		}
	}
}

func TestReceiveZeroSizeCompletesImmediately(t *testing.T) {
	e := NewEngine(&fakeChannel{})

	done := make(chan Event, 1)
	go func() {
		for ev := range e.Events() {
			if ev.Status == StatusCompleted && ev.File != nil {
				done <- ev
				return
			}
		}
	}()

	sendMetadata(t, e, "empty.txt", "text/plain", 0)

	select {
	case ev := <-done:
		assert.Equal(t, "empty.txt", ev.File.Name)
		assert.Empty(t, ev.File.Data)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

func TestReceiveOverrunDiscardsTransfer(t *testing.T) {
	e := NewEngine(&fakeChannel{})
	sendMetadata(t, e, "tiny.txt", "text/plain", 4)
	drainEvents(e)

	e.HandleMessage(false, make([]byte, 16))

	evs := drainEvents(e)
	require.NotEmpty(t, evs)
	assert.Equal(t, StatusError, evs[0].Status)
	assert.Equal(t, ErrByteOverrun.Error(), evs[0].Err)

	// The overrun dropped the record, so a further chunk has no home.
	e.HandleMessage(false, []byte("more"))
	evs = drainEvents(e)
	require.NotEmpty(t, evs)
	assert.Equal(t, ErrNoMetadata.Error(), evs[0].Err)
}

func TestReceiveChunkBeforeMetadata(t *testing.T) {
	e := NewEngine(&fakeChannel{})
	e.HandleMessage(false, []byte("orphan"))

	evs := drainEvents(e)
	require.NotEmpty(t, evs)
	assert.Equal(t, StatusError, evs[0].Status)
	assert.Equal(t, ErrNoMetadata.Error(), evs[0].Err)
}

func TestReceiveNewMetadataResetsInFlight(t *testing.T) {
	e := NewEngine(&fakeChannel{})
	sendMetadata(t, e, "first.bin", "application/octet-stream", int64(2*ChunkSize))
	e.HandleMessage(false, make([]byte, ChunkSize))
	drainEvents(e)

	done := make(chan Event, 1)
	go func() {
		for ev := range e.Events() {
			if ev.Status == StatusCompleted && ev.File != nil {
				done <- ev
				return
			}
		}
	}()

	// Replacement announcement abandons the half-received first file.
	sendMetadata(t, e, "second.txt", "text/plain", 5)
	e.HandleMessage(false, []byte("hello"))

	select {
	case ev := <-done:
		assert.Equal(t, "second.txt", ev.File.Name)
		assert.Equal(t, []byte("hello"), ev.File.Data)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

func TestReceiveMalformedControlIgnored(t *testing.T) {
	e := NewEngine(&fakeChannel{})
	e.HandleMessage(true, []byte("{not json"))

	evs := drainEvents(e)
	require.NotEmpty(t, evs)
	assert.Equal(t, StatusError, evs[0].Status)

	// The engine keeps working after the bad frame.
	done := make(chan Event, 1)
	go func() {
		for ev := range e.Events() {
			if ev.Status == StatusCompleted && ev.File != nil {
				done <- ev
				return
			}
		}
	}()
	sendMetadata(t, e, "ok.txt", "text/plain", 2)
	e.HandleMessage(false, []byte("ok"))

	select {
	case ev := <-done:
		assert.Equal(t, []byte("ok"), ev.File.Data)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

func TestReceiveUnknownControlType(t *testing.T) {
	e := NewEngine(&fakeChannel{})
	e.HandleMessage(true, []byte(`{"type":"ack"}`))

	evs := drainEvents(e)
	require.NotEmpty(t, evs)
	assert.Equal(t, StatusError, evs[0].Status)
	assert.Contains(t, evs[0].Err, "ack")
}

func TestReceiveNegativeSizeRejected(t *testing.T) {
	e := NewEngine(&fakeChannel{})
	e.HandleMessage(true, []byte(`{"type":"metadata","name":"x","size":-1,"mime":"text/plain"}`))

	evs := drainEvents(e)
	require.NotEmpty(t, evs)
	assert.Equal(t, StatusError, evs[0].Status)
}

func TestCompletionSurvivesStalledConsumer(t *testing.T) {
	e := NewEngine(&fakeChannel{})

	// Nobody drains the event channel: far more frames than the buffer
	// holds must still never block the channel's read path, and the
	// artifact must still come out.
	size := int64(4 * cap(e.events))
	done := make(chan struct{})
	go func() {
		defer close(done)
		sendMetadata(t, e, "flood.bin", "application/octet-stream", size)
		for i := int64(0); i < size; i++ {
			e.HandleMessage(false, []byte{byte(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("receive path wedged on an un-drained event channel")
	}

	var artifact *Artifact
	for _, ev := range drainEvents(e) {
		if ev.Status == StatusCompleted && ev.File != nil {
			artifact = ev.File
		}
	}
	require.NotNil(t, artifact, "completion event was lost")
	assert.Equal(t, "flood.bin", artifact.Name)
	assert.Len(t, artifact.Data, int(size))
}

// loopbackChannel feeds every frame straight into a peer engine,
// exercising both halves of the protocol together.
type loopbackChannel struct {
	peer *Engine
}

func (c *loopbackChannel) Send(data []byte) error {
	c.peer.HandleMessage(false, data)
	return nil
}

func (c *loopbackChannel) SendText(text string) error {
	c.peer.HandleMessage(true, []byte(text))
	return nil
}

func (c *loopbackChannel) BufferedAmount() uint64 { return 0 }

func TestLoopbackTransfer(t *testing.T) {
	payload := make([]byte, 3*ChunkSize+17)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	receiver := NewEngine(&fakeChannel{})
	sender := NewEngine(&loopbackChannel{peer: receiver})

	done := make(chan Event, 1)
	go func() {
		for ev := range receiver.Events() {
			if ev.Status == StatusCompleted && ev.File != nil {
				done <- ev
				return
			}
		}
	}()

	err = sender.SendFile(context.Background(), "dump.tar", "application/x-tar", int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)

	select {
	case ev := <-done:
		assert.Equal(t, "dump.tar", ev.File.Name)
		assert.Equal(t, payload, ev.File.Data)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}
