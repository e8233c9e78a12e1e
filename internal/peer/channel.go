// Package peer streams microphone audio to the backend over a WebRTC media
// channel, negotiated through the transport link. The link stays the
// signaling path; only the audio itself travels peer-to-peer.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/auravoice/aura/internal/capture"
	"github.com/auravoice/aura/internal/link"
	"github.com/auravoice/aura/internal/logging"
	"github.com/auravoice/aura/internal/protocol"
)

var (
	// ErrNotStreaming is returned when a send is attempted without a
	// connected media channel. The caller falls back to chunked upload.
	ErrNotStreaming = errors.New("peer: not streaming")

	// ErrNegotiationFailed is returned when offer/answer exchange cannot
	// complete.
	ErrNegotiationFailed = errors.New("peer: negotiation failed")
)

// answerWait bounds how long an offer waits for the remote answer before the
// session is declared failed.
const answerWait = 10 * time.Second

// State is the media channel lifecycle.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingAnswer
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// conn is the slice of the pion peer connection the channel drives. Tests
// substitute a fake.
type conn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// Dialer creates a peer connection carrying the given outbound track.
type Dialer func(track webrtc.TrackLocal) (conn, error)

func defaultDialer(track webrtc.TrackLocal) (conn, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return nil, err
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, err
	}
	return pc, nil
}

// Channel is the peer streaming session. One session exists per Open/Close
// cycle; a new Open after a failure starts negotiation from scratch.
type Channel struct {
	link *link.Link
	dial Dialer

	// OnStreamClosed is invoked exactly once per session when the media
	// path ends, whether by failure, a backend close or a local Close.
	OnStreamClosed func(reason string)

	mu        sync.Mutex
	state     State
	gen       int
	pc        conn
	track     *webrtc.TrackLocalStaticSample
	writer    *trackWriter
	closeOnce *sync.Once
}

// New creates a peer channel signaling over the given link.
func New(l *link.Link, dial Dialer) *Channel {
	if dial == nil {
		dial = defaultDialer
	}
	c := &Channel{link: l, dial: dial, writer: &trackWriter{}}
	l.On(protocol.KindWebRTCAnswer, c.handleAnswer)
	l.On(protocol.KindWebRTCOffer, c.handleRemoteOffer)
	l.On(protocol.KindWebRTCICECandidate, c.handleCandidate)
	l.On(protocol.KindWebRTCClose, c.handleRemoteClose)
	return c
}

// State reports the current session state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the media path is live.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// Sink returns the live frame sink feeding the outbound track. Frames written
// while the channel is not streaming are dropped.
func (c *Channel) Sink() capture.FrameSink { return c.writer }

// Probe reports whether this host can create a peer connection at all. Used
// at startup to decide whether peer streaming is even attempted.
func (c *Channel) Probe() bool {
	track, err := newTrack()
	if err != nil {
		return false
	}
	pc, err := c.dial(track)
	if err != nil {
		return false
	}
	pc.Close()
	return true
}

// Open negotiates a new media session: create the connection and track, send
// an offer over the link, then wait for the answer and ICE to connect. Open
// while a session is live is a no-op.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOffering || c.state == StateAwaitingAnswer || c.state == StateConnected {
		c.mu.Unlock()
		logging.Debug("[peer] open ignored, session already active")
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = StateOffering
	c.closeOnce = &sync.Once{}
	c.mu.Unlock()

	track, err := newTrack()
	if err != nil {
		c.fail(gen, fmt.Sprintf("create track: %v", err))
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	pc, err := c.dial(track)
	if err != nil {
		c.fail(gen, fmt.Sprintf("create connection: %v", err))
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		pc.Close()
		return nil
	}
	c.pc = pc
	c.track = track
	c.mu.Unlock()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		err := c.link.Send(&protocol.WebRTCICECandidate{
			Candidate: cand.ToJSON().Candidate,
			Target:    "server",
		})
		if err != nil {
			logging.Warnf("[peer] failed to send ICE candidate: %v", err)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.onConnectionState(gen, s)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.fail(gen, fmt.Sprintf("create offer: %v", err))
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.fail(gen, fmt.Sprintf("set local description: %v", err))
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	if err := c.link.Send(&protocol.WebRTCOffer{SDP: offer.SDP, Target: "server"}); err != nil {
		c.fail(gen, fmt.Sprintf("send offer: %v", err))
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	c.mu.Lock()
	if gen == c.gen && c.state == StateOffering {
		c.state = StateAwaitingAnswer
	}
	c.mu.Unlock()
	logging.Info("[peer] offer sent, awaiting answer")

	// the answer may never come; a stale session must not linger
	go c.answerTimeout(gen)
	return nil
}

func (c *Channel) answerTimeout(gen int) {
	time.Sleep(answerWait)
	c.mu.Lock()
	stale := gen != c.gen || c.state != StateAwaitingAnswer
	c.mu.Unlock()
	if stale {
		return
	}
	logging.Warnf("[peer] no answer within %s", answerWait)
	c.fail(gen, "answer timeout")
}

// Close tears the session down locally and tells the backend. A closed or
// idle channel is a no-op. OnStreamClosed fires if the session had not
// already ended; the per-session once prevents a double emit.
func (c *Channel) Close(reason string) {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = StateClosed
	pc := c.pc
	c.pc = nil
	once := c.closeOnce
	c.mu.Unlock()

	c.writer.detach()
	if err := c.link.Send(&protocol.WebRTCClose{Reason: reason}); err != nil {
		logging.Debugf("[peer] close notify skipped: %v", err)
	}
	if pc != nil {
		pc.Close()
	}
	logging.Infof("[peer] session closed: %s", reason)
	if once != nil && c.OnStreamClosed != nil {
		once.Do(func() { c.OnStreamClosed(reason) })
	}
}

// Name identifies this transport in logs and turn records.
func (c *Channel) Name() string { return "peer" }

// Send completes a turn whose audio already streamed live over the track.
// There is nothing left to transmit, so it only validates the stream state
// and releases the recording file.
func (c *Channel) Send(ctx context.Context, res capture.Result) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotStreaming
	}
	res.Release()
	return nil
}

// onConnectionState tracks the underlying ICE/DTLS state. Only transitions
// belonging to the current generation are honored.
func (c *Channel) onConnectionState(gen int, s webrtc.PeerConnectionState) {
	logging.Debugf("[peer] connection state: %s", s)
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.state = StateConnected
		c.mu.Unlock()

		c.writer.attach(c.trackOfCurrent())
		err := c.link.Send(&protocol.WebRTCStreamReady{
			AudioConfig: protocol.AudioConfig{SampleRate: trackRate, Channels: 1, Encoding: "pcmu"},
		})
		if err != nil {
			logging.Warnf("[peer] stream_ready not delivered: %v", err)
		}
		logging.Info("[peer] media channel connected")

	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		c.fail(gen, fmt.Sprintf("connection %s", s))
	}
}

// trackOfCurrent returns the sample writer for the active session. The track
// is recreated on every Open, so the writer must be re-pointed each time.
func (c *Channel) trackOfCurrent() sampleWriter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track
}

// fail ends the session and reports it upward exactly once per session.
func (c *Channel) fail(gen int, reason string) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	pc := c.pc
	c.pc = nil
	once := c.closeOnce
	c.mu.Unlock()

	c.writer.detach()
	if pc != nil {
		pc.Close()
	}
	logging.Warnf("[peer] stream closed: %s", reason)
	if once != nil && c.OnStreamClosed != nil {
		once.Do(func() { c.OnStreamClosed(reason) })
	}
}

// handleAnswer installs the backend's answer to our offer.
func (c *Channel) handleAnswer(m protocol.Message) {
	answer := m.(*protocol.WebRTCAnswer)

	c.mu.Lock()
	pc := c.pc
	gen := c.gen
	awaiting := c.state == StateAwaitingAnswer
	c.mu.Unlock()

	if pc == nil || !awaiting {
		logging.Warn("[peer] dropping answer with no pending offer")
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := pc.SetRemoteDescription(desc); err != nil {
		c.fail(gen, fmt.Sprintf("apply answer: %v", err))
	}
}

// handleRemoteOffer answers a backend-initiated offer. Once the channel is
// connected a renegotiation offer is ignored; the existing media path keeps
// flowing.
func (c *Channel) handleRemoteOffer(m protocol.Message) {
	offer := m.(*protocol.WebRTCOffer)

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		logging.Debug("[peer] ignoring renegotiation offer, already connected")
		return
	}
	pc := c.pc
	gen := c.gen
	c.mu.Unlock()

	if pc == nil {
		logging.Warn("[peer] dropping remote offer with no session open")
		return
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(desc); err != nil {
		c.fail(gen, fmt.Sprintf("apply remote offer: %v", err))
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.fail(gen, fmt.Sprintf("create answer: %v", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.fail(gen, fmt.Sprintf("set local answer: %v", err))
		return
	}
	if err := c.link.Send(&protocol.WebRTCAnswer{SDP: answer.SDP, Target: offer.From}); err != nil {
		c.fail(gen, fmt.Sprintf("send answer: %v", err))
		return
	}

	c.mu.Lock()
	if gen == c.gen && c.state != StateConnected {
		c.state = StateAwaitingAnswer
	}
	c.mu.Unlock()
	logging.Info("[peer] answered remote offer")
}

// handleCandidate adds a relayed ICE candidate. A candidate with no open
// session is an orphan: logged and dropped, never an error.
func (c *Channel) handleCandidate(m protocol.Message) {
	cand := m.(*protocol.WebRTCICECandidate)

	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()

	if pc == nil {
		logging.Warnf("[peer] dropping orphan ICE candidate from %s", cand.From)
		return
	}
	if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: cand.Candidate}); err != nil {
		// bad candidates are common during renegotiation races, not fatal
		logging.Warnf("[peer] rejected ICE candidate: %v", err)
	}
}

// handleRemoteClose tears down the session at the backend's request.
func (c *Channel) handleRemoteClose(m protocol.Message) {
	closeMsg := m.(*protocol.WebRTCClose)

	c.mu.Lock()
	gen := c.gen
	active := c.state != StateIdle && c.state != StateClosed && c.state != StateFailed
	c.mu.Unlock()
	if !active {
		return
	}
	reason := closeMsg.Reason
	if reason == "" {
		reason = "closed by backend"
	}
	c.fail(gen, reason)
}
