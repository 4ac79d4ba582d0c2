// Package ice wraps the pion WebRTC stack behind the small surface the
// session state machine drives: describe, connect, and exchange opaque
// candidates and binary frames.
package ice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/beamlink/beamlink/internal/config"
)

var (
	ErrDescriptorReplaced  = errors.New("session descriptor already set")
	ErrNoRemoteDescription = errors.New("no remote description")
	ErrChannelExists       = errors.New("data channel already created")
)

// Kind values for a Description.
const (
	KindOffer  = "offer"
	KindAnswer = "answer"
)

// Description holds one side's connection parameters.
type Description struct {
	Kind string
	SDP  string
}

// Candidate is an opaque connectivity descriptor, carried as the JSON
// form of an ICE candidate.
type Candidate = json.RawMessage

// State is the connectivity state reported by the agent.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DataChannel is the ordered, reliable byte-stream the transfer engine
// runs on.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
	OnOpen(fn func())
	OnMessage(fn func(isString bool, data []byte))
	Close() error
}

// Agent owns one peer connection. Exactly one local and one remote
// description may be set over its lifetime, and at most one data
// channel is created locally.
type Agent struct {
	pc *pion.PeerConnection

	mu             sync.Mutex
	localSet       bool
	remoteSet      bool
	channelCreated bool
	closed         bool
	gatherDone     <-chan struct{}
}

// NewAgent builds a peer connection from the configured ICE servers.
func NewAgent(cfg *config.Config) (*Agent, error) {
	iceServers := []pion.ICEServer{{URLs: cfg.GetSTUNServers()}}

	if turnServers := cfg.GetTURNServers(); turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := pion.ICETransportPolicyAll
	if cfg.ForceRelay {
		policy = pion.ICETransportPolicyRelay
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, err
	}

	return &Agent{pc: pc}, nil
}

// OnLocalCandidate registers the callback invoked for each gathered
// local candidate.
func (a *Agent) OnLocalCandidate(fn func(Candidate)) {
	a.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(Candidate(data))
	})
}

// OnConnectivityChange registers the callback for connection state
// transitions. Duplicate identical-state events are possible; callers
// must be idempotent.
func (a *Agent) OnConnectivityChange(fn func(State)) {
	a.pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		fn(mapState(s))
	})
}

// OnIncomingDataChannel registers the callback for the channel the
// remote peer created.
func (a *Agent) OnIncomingDataChannel(fn func(DataChannel)) {
	a.pc.OnDataChannel(func(dc *pion.DataChannel) {
		fn(newDataChannel(dc))
	})
}

// CreateDataChannel creates the session's single ordered, reliable
// channel. Calling it twice is a protocol violation.
func (a *Agent) CreateDataChannel(label string) (DataChannel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.channelCreated {
		return nil, ErrChannelExists
	}

	ordered := true
	dc, err := a.pc.CreateDataChannel(label, &pion.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, err
	}

	a.channelCreated = true
	return newDataChannel(dc), nil
}

// CreateLocalOffer produces the local offer and starts candidate
// gathering.
func (a *Agent) CreateLocalOffer() (Description, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.localSet {
		return Description{}, ErrDescriptorReplaced
	}

	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}

	// The promise must be created before the local description is set
	// so no gathering transition is missed.
	gatherDone := pion.GatheringCompletePromise(a.pc)
	if err := a.pc.SetLocalDescription(offer); err != nil {
		return Description{}, err
	}

	a.localSet = true
	a.gatherDone = gatherDone
	return Description{Kind: KindOffer, SDP: offer.SDP}, nil
}

// CreateLocalAnswer produces the local answer. The remote offer must
// already be applied.
func (a *Agent) CreateLocalAnswer() (Description, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.localSet {
		return Description{}, ErrDescriptorReplaced
	}
	if !a.remoteSet {
		return Description{}, ErrNoRemoteDescription
	}

	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}

	gatherDone := pion.GatheringCompletePromise(a.pc)
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return Description{}, err
	}

	a.localSet = true
	a.gatherDone = gatherDone
	return Description{Kind: KindAnswer, SDP: answer.SDP}, nil
}

// ApplyRemoteDescription applies the peer's description. Re-setting it
// is a protocol violation.
func (a *Agent) ApplyRemoteDescription(desc Description) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.remoteSet {
		return ErrDescriptorReplaced
	}

	var sdpType pion.SDPType
	switch desc.Kind {
	case KindOffer:
		sdpType = pion.SDPTypeOffer
	case KindAnswer:
		sdpType = pion.SDPTypeAnswer
	default:
		return errors.New("unknown description kind: " + desc.Kind)
	}

	if err := a.pc.SetRemoteDescription(pion.SessionDescription{
		Type: sdpType,
		SDP:  desc.SDP,
	}); err != nil {
		return err
	}

	a.remoteSet = true
	return nil
}

// ApplyRemoteCandidate feeds one peer candidate into the connection.
// The remote description must already be applied.
func (a *Agent) ApplyRemoteCandidate(candidate Candidate) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return err
	}
	return a.pc.AddICECandidate(init)
}

// AwaitGathering blocks until candidate gathering completes or the
// timeout elapses, then returns the local description with whatever
// candidates were gathered. Used by the offline exchange, which cannot
// trickle candidates.
func (a *Agent) AwaitGathering(ctx context.Context, timeout time.Duration) (Description, error) {
	a.mu.Lock()
	gatherDone := a.gatherDone
	a.mu.Unlock()

	if gatherDone == nil {
		return Description{}, errors.New("no local description set")
	}

	select {
	case <-gatherDone:
	case <-time.After(timeout):
	case <-ctx.Done():
		return Description{}, ctx.Err()
	}

	local := a.pc.LocalDescription()
	if local == nil {
		return Description{}, errors.New("no local description set")
	}

	kind := KindOffer
	if local.Type == pion.SDPTypeAnswer {
		kind = KindAnswer
	}
	return Description{Kind: kind, SDP: local.SDP}, nil
}

// Close tears down the peer connection. Safe to call more than once.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.pc.Close()
}

func mapState(s pion.PeerConnectionState) State {
	switch s {
	case pion.PeerConnectionStateNew:
		return StateNew
	case pion.PeerConnectionStateConnecting:
		return StateConnecting
	case pion.PeerConnectionStateConnected:
		return StateConnected
	case pion.PeerConnectionStateDisconnected:
		return StateDisconnected
	case pion.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

// dataChannel adapts *pion.DataChannel to the DataChannel interface.
// pion starts the channel's read loop the moment the channel opens and
// drops frames that have no handler, so the adapter subscribes
// immediately and buffers every frame arriving before the consumer
// registers its own handler.
type dataChannel struct {
	dc *pion.DataChannel

	mu      sync.Mutex
	handler func(isString bool, data []byte)
	backlog []frame
}

type frame struct {
	isString bool
	data     []byte
}

func newDataChannel(dc *pion.DataChannel) *dataChannel {
	d := &dataChannel{dc: dc}
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.handler == nil {
			d.backlog = append(d.backlog, frame{isString: msg.IsString, data: msg.Data})
			return
		}
		d.handler(msg.IsString, msg.Data)
	})
	return d
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) Send(data []byte) error { return d.dc.Send(data) }

func (d *dataChannel) SendText(text string) error { return d.dc.SendText(text) }

func (d *dataChannel) BufferedAmount() uint64 { return d.dc.BufferedAmount() }

func (d *dataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

// OnMessage installs the consumer handler. Buffered frames are replayed
// first, in arrival order, under the same lock that serializes live
// delivery, so no frame is reordered or lost around the handover.
func (d *dataChannel) OnMessage(fn func(isString bool, data []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.backlog {
		fn(f.isString, f.data)
	}
	d.backlog = nil
	d.handler = fn
}

func (d *dataChannel) Close() error { return d.dc.Close() }
