// Package session implements the peer session state machine: it owns
// one connectivity agent, drives it with messages arriving from the
// relay or from offline tokens, and publishes status events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beamlink/beamlink/internal/ice"
	"github.com/beamlink/beamlink/internal/signaling"
	"github.com/beamlink/beamlink/internal/token"
)

// gatheringTimeout bounds the wait for candidate gathering in offline
// mode, which cannot exchange candidates incrementally.
const gatheringTimeout = 3 * time.Second

// channelLabel is the label of the session's single data channel.
const channelLabel = "file"

var (
	ErrSessionClosed = errors.New("session closed")
	ErrWrongState    = errors.New("operation not valid in current state")
)

// Role of this peer in the session.
type Role int

const (
	RoleUnset Role = iota
	RoleHost
	RoleGuest
)

// State of the session. Disconnected and Failed are terminal; a fresh
// session is required to retry.
type State int

const (
	StateNew State = iota
	StateSignaling
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSignaling:
		return "signaling"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// Caller-facing status vocabulary (stable contract).
const (
	StatusWaiting      = "waiting"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusFailed       = "failed"
	StatusError        = "error"
)

// Event is published on every observable session change.
type Event struct {
	Status string
	State  State
	Err    string
}

// Connector is the slice of the connectivity facade the session
// drives.
type Connector interface {
	OnLocalCandidate(fn func(ice.Candidate))
	OnConnectivityChange(fn func(ice.State))
	OnIncomingDataChannel(fn func(ice.DataChannel))
	CreateDataChannel(label string) (ice.DataChannel, error)
	CreateLocalOffer() (ice.Description, error)
	CreateLocalAnswer() (ice.Description, error)
	ApplyRemoteDescription(desc ice.Description) error
	ApplyRemoteCandidate(candidate ice.Candidate) error
	AwaitGathering(ctx context.Context, timeout time.Duration) (ice.Description, error)
	Close() error
}

// Session is the central state machine. All transitions happen on the
// single goroutine running the event loop; callbacks and intents only
// append to its queues.
type Session struct {
	conn    Connector
	client  *signaling.Client  // nil in offline mode
	handler *signaling.Handler // nil in offline mode

	role     Role
	roomCode string
	state    State

	// pendingRemoteCandidates buffers candidates arriving before the
	// remote description; drained exactly once, in arrival order.
	pendingRemoteCandidates []ice.Candidate
	remoteApplied           bool

	events  chan Event
	dcReady chan ice.DataChannel
	dcMu    sync.Mutex
	dc      ice.DataChannel

	// event loop inputs
	candidates chan ice.Candidate
	connStates chan ice.State
	incomingDC chan ice.DataChannel
	intents    chan func()

	done      chan struct{}
	closeOnce sync.Once
	loopOnce  sync.Once
}

// NewRelaySession creates a session negotiated through the relay.
func NewRelaySession(conn Connector, client *signaling.Client, handler *signaling.Handler) *Session {
	s := newSession(conn)
	s.client = client
	s.handler = handler
	conn.OnLocalCandidate(func(c ice.Candidate) {
		select {
		case s.candidates <- c:
		case <-s.done:
		}
	})
	return s
}

// NewOfflineSession creates a session negotiated by token exchange.
// Candidates are embedded in the tokens, so none are trickled.
func NewOfflineSession(conn Connector) *Session {
	return newSession(conn)
}

func newSession(conn Connector) *Session {
	s := &Session{
		conn:       conn,
		state:      StateNew,
		events:     make(chan Event, 32),
		dcReady:    make(chan ice.DataChannel, 1),
		candidates: make(chan ice.Candidate, 32),
		connStates: make(chan ice.State, 8),
		incomingDC: make(chan ice.DataChannel, 1),
		intents:    make(chan func(), 8),
		done:       make(chan struct{}),
	}

	conn.OnConnectivityChange(func(st ice.State) {
		select {
		case s.connStates <- st:
		case <-s.done:
		}
	})
	conn.OnIncomingDataChannel(func(dc ice.DataChannel) {
		select {
		case s.incomingDC <- dc:
		case <-s.done:
		}
	})

	return s
}

// Events returns the session's event channel.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the last state set by the event loop. Once the loop is
// running it must only be read from loop-delivered events.
func (s *Session) State() State {
	return s.state
}

// HostRoom creates a relay room and starts the event loop. Returns the
// room code to share with the guest.
func (s *Session) HostRoom(ctx context.Context) (string, error) {
	if s.handler == nil {
		return "", fmt.Errorf("host room: %w", ErrWrongState)
	}
	if s.state != StateNew {
		return "", fmt.Errorf("host room: %w", ErrWrongState)
	}

	code, err := s.handler.CreateRoom(ctx)
	if err != nil {
		s.fail(err.Error())
		return "", fmt.Errorf("host room: %w", err)
	}

	s.role = RoleHost
	s.roomCode = code
	s.setState(StateSignaling, StatusWaiting, "")
	s.startLoop()
	return code, nil
}

// JoinRoom joins an existing relay room and starts the event loop.
func (s *Session) JoinRoom(ctx context.Context, code string) error {
	if s.handler == nil {
		return fmt.Errorf("join room: %w", ErrWrongState)
	}
	if s.state != StateNew {
		return fmt.Errorf("join room: %w", ErrWrongState)
	}

	if err := s.handler.JoinRoom(ctx, code); err != nil {
		s.fail(err.Error())
		return fmt.Errorf("join room: %w", err)
	}

	s.role = RoleGuest
	s.roomCode = code
	s.setState(StateSignaling, StatusConnecting, "")
	s.startLoop()
	return nil
}

// CreateOfferToken produces the encoded offer for the offline path.
// It blocks until candidate gathering settles (bounded), because all
// candidates must ride in the one exchanged descriptor.
func (s *Session) CreateOfferToken(ctx context.Context) (string, error) {
	if s.state != StateNew {
		return "", fmt.Errorf("create offer: %w", ErrWrongState)
	}

	s.role = RoleHost

	dc, err := s.conn.CreateDataChannel(channelLabel)
	if err != nil {
		s.fail(err.Error())
		return "", fmt.Errorf("create offer: %w", err)
	}
	s.setChannel(dc)

	if _, err := s.conn.CreateLocalOffer(); err != nil {
		s.fail(err.Error())
		return "", fmt.Errorf("create offer: %w", err)
	}

	desc, err := s.conn.AwaitGathering(ctx, gatheringTimeout)
	if err != nil {
		s.fail(err.Error())
		return "", fmt.Errorf("create offer: %w", err)
	}

	tok, err := token.Encode(desc)
	if err != nil {
		s.fail(err.Error())
		return "", fmt.Errorf("create offer: %w", err)
	}

	s.setState(StateSignaling, StatusWaiting, "")
	s.startLoop()
	return tok, nil
}

// AcceptOfferToken decodes the host's offer, applies it, and returns
// the encoded answer token.
func (s *Session) AcceptOfferToken(ctx context.Context, tok string) (string, error) {
	if s.state != StateNew {
		return "", fmt.Errorf("accept offer: %w", ErrWrongState)
	}

	s.role = RoleGuest

	desc, err := token.Decode(tok)
	if err != nil {
		return "", fmt.Errorf("accept offer: %w", err)
	}
	if desc.Kind != ice.KindOffer {
		return "", fmt.Errorf("accept offer: %w: expected an offer token", token.ErrInvalidToken)
	}

	if err := s.conn.ApplyRemoteDescription(desc); err != nil {
		s.fail(err.Error())
		return "", fmt.Errorf("accept offer: %w", err)
	}
	s.remoteApplied = true

	if _, err := s.conn.CreateLocalAnswer(); err != nil {
		s.fail(err.Error())
		return "", fmt.Errorf("accept offer: %w", err)
	}

	answer, err := s.conn.AwaitGathering(ctx, gatheringTimeout)
	if err != nil {
		s.fail(err.Error())
		return "", fmt.Errorf("accept offer: %w", err)
	}

	answerTok, err := token.Encode(answer)
	if err != nil {
		s.fail(err.Error())
		return "", fmt.Errorf("accept offer: %w", err)
	}

	s.setState(StateNegotiating, StatusConnecting, "")
	s.startLoop()
	return answerTok, nil
}

// AcceptAnswerToken decodes and applies the guest's answer on the
// host side.
func (s *Session) AcceptAnswerToken(tok string) error {
	desc, err := token.Decode(tok)
	if err != nil {
		return fmt.Errorf("accept answer: %w", err)
	}
	if desc.Kind != ice.KindAnswer {
		return fmt.Errorf("accept answer: %w: expected an answer token", token.ErrInvalidToken)
	}

	errCh := make(chan error, 1)
	if !s.post(func() {
		if err := s.conn.ApplyRemoteDescription(desc); err != nil {
			s.fail(err.Error())
			errCh <- err
			return
		}
		s.remoteApplied = true
		s.setState(StateNegotiating, StatusConnecting, "")
		errCh <- nil
	}) {
		return fmt.Errorf("accept answer: %w", ErrSessionClosed)
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("accept answer: %w", err)
		}
		return nil
	case <-s.done:
		return fmt.Errorf("accept answer: %w", ErrSessionClosed)
	}
}

// DataChannel returns the session's data channel once it exists: the
// host gets it at creation time, the guest once the peer's channel
// arrives.
func (s *Session) DataChannel(ctx context.Context) (ice.DataChannel, error) {
	select {
	case dc := <-s.dcReady:
		return dc, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// post queues fn for the event loop.
func (s *Session) post(fn func()) bool {
	select {
	case s.intents <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) startLoop() {
	s.loopOnce.Do(func() {
		go s.run()
	})
}

// run is the session's single-consumer event loop. Concurrent sources
// race to append to the input channels but transitions never
// interleave.
func (s *Session) run() {
	var (
		signalCh  <-chan *signaling.SignalData
		guestCh   <-chan struct{}
		peerGone  <-chan struct{}
		serverErr <-chan string
	)
	if s.handler != nil {
		signalCh = s.handler.Signal
		guestCh = s.handler.GuestJoined
		peerGone = s.handler.PeerDisconnected
		serverErr = s.handler.Error
	}

	for {
		select {
		case <-s.done:
			return

		case fn := <-s.intents:
			fn()

		case c := <-s.candidates:
			s.sendLocalCandidate(c)

		case st := <-s.connStates:
			s.onConnectivity(st)

		case dc := <-s.incomingDC:
			s.onIncomingChannel(dc)

		case sig, ok := <-signalCh:
			if !ok {
				signalCh = nil
				s.onSignalingLost()
				continue
			}
			s.onSignal(sig)

		case _, ok := <-guestCh:
			if !ok {
				guestCh = nil
				s.onSignalingLost()
				continue
			}
			s.onGuestJoined()

		case _, ok := <-peerGone:
			if !ok {
				peerGone = nil
				s.onSignalingLost()
				continue
			}
			s.onPeerDisconnected()

		case msg, ok := <-serverErr:
			if !ok {
				serverErr = nil
				s.onSignalingLost()
				continue
			}
			s.onSignalingError(msg)
		}
	}
}

// sendLocalCandidate forwards a gathered candidate through the relay.
func (s *Session) sendLocalCandidate(c ice.Candidate) {
	if s.handler == nil || s.state.terminal() {
		return
	}
	s.handler.SendSignal(s.roomCode, &signaling.SignalData{
		Type:      signaling.SignalCandidate,
		Candidate: c,
	})
}

// onGuestJoined runs on the host when the relay reports the guest: it
// creates the data channel, produces the offer, and transmits it.
func (s *Session) onGuestJoined() {
	if s.role != RoleHost || s.state != StateSignaling {
		return
	}

	dc, err := s.conn.CreateDataChannel(channelLabel)
	if err != nil {
		s.fail(err.Error())
		return
	}
	s.setChannel(dc)

	offer, err := s.conn.CreateLocalOffer()
	if err != nil {
		s.fail(err.Error())
		return
	}

	s.handler.SendSignal(s.roomCode, &signaling.SignalData{
		Type: signaling.SignalOffer,
		SDP:  offer.SDP,
	})
	s.setState(StateNegotiating, StatusConnecting, "")
}

// onSignal processes one relayed negotiation message, in arrival
// order.
func (s *Session) onSignal(sig *signaling.SignalData) {
	if s.state.terminal() {
		return
	}

	switch sig.Type {
	case signaling.SignalOffer:
		s.onRemoteOffer(sig.SDP)
	case signaling.SignalAnswer:
		s.onRemoteAnswer(sig.SDP)
	case signaling.SignalCandidate:
		s.onRemoteCandidate(ice.Candidate(sig.Candidate))
	default:
		// A single malformed signal is absorbed without terminating
		// the session.
		slog.Warn("unexpected signal type", "type", sig.Type)
		s.publish(Event{Status: StatusError, State: s.state, Err: "unexpected signal type: " + sig.Type})
	}
}

func (s *Session) onRemoteOffer(sdp string) {
	if s.role != RoleGuest {
		s.publish(Event{Status: StatusError, State: s.state, Err: "unexpected offer"})
		return
	}

	if err := s.conn.ApplyRemoteDescription(ice.Description{Kind: ice.KindOffer, SDP: sdp}); err != nil {
		s.fail(err.Error())
		return
	}
	s.drainPendingCandidates()

	answer, err := s.conn.CreateLocalAnswer()
	if err != nil {
		s.fail(err.Error())
		return
	}

	s.handler.SendSignal(s.roomCode, &signaling.SignalData{
		Type: signaling.SignalAnswer,
		SDP:  answer.SDP,
	})
	s.setState(StateNegotiating, StatusConnecting, "")
}

func (s *Session) onRemoteAnswer(sdp string) {
	if s.role != RoleHost {
		s.publish(Event{Status: StatusError, State: s.state, Err: "unexpected answer"})
		return
	}

	if err := s.conn.ApplyRemoteDescription(ice.Description{Kind: ice.KindAnswer, SDP: sdp}); err != nil {
		s.fail(err.Error())
		return
	}
	s.drainPendingCandidates()
	s.setState(StateNegotiating, StatusConnecting, "")
}

// onRemoteCandidate applies a candidate immediately when the remote
// description exists, otherwise queues it.
func (s *Session) onRemoteCandidate(c ice.Candidate) {
	if !s.remoteApplied {
		s.pendingRemoteCandidates = append(s.pendingRemoteCandidates, c)
		return
	}
	if err := s.conn.ApplyRemoteCandidate(c); err != nil {
		slog.Warn("apply remote candidate failed", "err", err)
	}
}

// drainPendingCandidates replays queued candidates in arrival order,
// exactly once, immediately after the remote description is applied.
func (s *Session) drainPendingCandidates() {
	s.remoteApplied = true
	for _, c := range s.pendingRemoteCandidates {
		if err := s.conn.ApplyRemoteCandidate(c); err != nil {
			slog.Warn("apply queued candidate failed", "err", err)
		}
	}
	s.pendingRemoteCandidates = nil
}

func (s *Session) onIncomingChannel(dc ice.DataChannel) {
	s.dcMu.Lock()
	if s.dc != nil {
		s.dcMu.Unlock()
		// The session never holds a second channel.
		slog.Warn("duplicate data channel ignored", "label", dc.Label())
		return
	}
	s.dc = dc
	s.dcMu.Unlock()
	s.dcReady <- dc
}

func (s *Session) setChannel(dc ice.DataChannel) {
	s.dcMu.Lock()
	s.dc = dc
	s.dcMu.Unlock()
	s.dcReady <- dc
}

// onConnectivity maps agent state transitions onto session states.
// Duplicate identical-state events are tolerated.
func (s *Session) onConnectivity(st ice.State) {
	if s.state.terminal() {
		return
	}

	switch st {
	case ice.StateConnected:
		if s.state != StateConnected {
			s.setState(StateConnected, StatusConnected, "")
		}
	case ice.StateFailed:
		s.fail("connectivity failed")
	case ice.StateDisconnected, ice.StateClosed:
		if s.state == StateConnected {
			s.setState(StateDisconnected, StatusDisconnected, "")
		}
	}
}

func (s *Session) onPeerDisconnected() {
	if s.state.terminal() {
		return
	}
	if s.state == StateConnected {
		s.setState(StateDisconnected, StatusDisconnected, "")
		return
	}
	s.fail("peer disconnected")
}

func (s *Session) onSignalingError(msg string) {
	if s.state.terminal() {
		return
	}
	s.fail(msg)
}

// onSignalingLost runs when the relay connection is gone for good.
// Before the peers are connected that is fatal; afterwards the
// transfer no longer needs the relay.
func (s *Session) onSignalingLost() {
	if s.state.terminal() || s.state == StateConnected {
		return
	}
	s.fail("signaling connection lost")
}

func (s *Session) fail(reason string) {
	if s.state.terminal() {
		return
	}
	s.state = StateFailed
	s.publish(Event{Status: StatusFailed, State: StateFailed, Err: reason})
}

func (s *Session) setState(state State, status, errMsg string) {
	s.state = state
	s.publish(Event{Status: status, State: state, Err: errMsg})
}

// publish never blocks the event loop; a lagging consumer loses
// intermediate events.
func (s *Session) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// Close releases every resource unconditionally: the relay connection,
// the data channel, and the connectivity agent. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.dcMu.Lock()
		dc := s.dc
		s.dcMu.Unlock()
		if dc != nil {
			dc.Close()
		}

		if err := s.conn.Close(); err != nil {
			slog.Debug("agent close", "err", err)
		}
		if s.client != nil {
			s.client.Close()
		}
	})
}
