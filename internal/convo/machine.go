// Package convo orchestrates the conversation turn lifecycle. The machine
// owns exactly one turn at a time and drives capture, transport and playback
// through narrow interfaces; everything asynchronous reports back through
// generation-guarded completions so a cancelled turn can never act on a state
// the machine has already left.
package convo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/auravoice/aura/internal/capture"
	"github.com/auravoice/aura/internal/link"
	"github.com/auravoice/aura/internal/logging"
	"github.com/auravoice/aura/internal/protocol"
	"github.com/auravoice/aura/internal/store"
)

// ErrBackendUnavailable is returned by Activate when the readiness poll
// exhausts its attempt budget.
var ErrBackendUnavailable = link.ErrBackendUnavailable

// State is the conversation lifecycle.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateResponding
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateResponding:
		return "responding"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Strategy transmits one completed recording to the backend. Implementations
// own the recording file from the moment Send is called.
type Strategy interface {
	Name() string
	Send(ctx context.Context, res capture.Result) error
}

// Streamer is the peer media channel as the machine sees it.
type Streamer interface {
	Strategy
	Open(ctx context.Context) error
	Close(reason string)
	Connected() bool
	Probe() bool
}

// Recorder is the capture pipeline as the machine sees it.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() (*capture.Result, error)
	Cleanup()
}

// Player is the playback pipeline as the machine sees it.
type Player interface {
	Play(ctx context.Context, payload []byte) error
	Stop()
}

// Signaler is the transport link as the machine sees it.
type Signaler interface {
	CheckHealth(ctx context.Context) error
	Connect(ctx context.Context) error
	Close() error
	On(kind protocol.Kind, fn link.Handler) int
	OnState(fn link.StateFunc)
}

// TurnStore receives completed turns at turn boundaries.
type TurnStore interface {
	Save(t store.Turn) error
}

// Observer is notified of every state transition, with the error that caused
// it when there is one.
type Observer func(state State, err error)

// Options configures the machine.
type Options struct {
	ActivateAttempts int           // readiness poll budget
	ActivateDelay    time.Duration // delay between readiness polls
	ResumeDelay      time.Duration // debounce before re-listening after playback
	Greeting         []byte        // optional audio played on StartTurn
	HistoryLimit     int           // in-memory turn history cap
}

// Machine is the conversation orchestrator.
type Machine struct {
	link     Signaler
	rec      Recorder
	player   Player
	peer     Streamer // may be nil when the host cannot stream
	fallback Strategy
	turns    TurnStore // may be nil
	opts     Options

	// OnProgress surfaces backend pipeline progress (transcribing,
	// generating, synthesizing) to the presentation layer.
	OnProgress func(stage, message string)

	mu        sync.Mutex
	state     State
	gen       int // bumps on every turn start and every Stop
	turn      *store.Turn
	history   []string // recent turn ids, capped
	peerOK    bool
	active    bool
	ctx       context.Context
	cancel    context.CancelFunc
	observers []Observer
}

// New creates a machine. The peer streamer may be nil.
func New(l Signaler, rec Recorder, player Player, peerCh Streamer, fb Strategy, turns TurnStore, opts Options) *Machine {
	if opts.ActivateAttempts == 0 {
		opts.ActivateAttempts = 5
	}
	if opts.ActivateDelay == 0 {
		opts.ActivateDelay = time.Second
	}
	if opts.ResumeDelay == 0 {
		opts.ResumeDelay = 300 * time.Millisecond
	}
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = 50
	}
	m := &Machine{
		link:     l,
		rec:      rec,
		player:   player,
		peer:     peerCh,
		fallback: fb,
		turns:    turns,
		opts:     opts,
		state:    StateIdle,
	}

	// inbound handlers are registered once for the machine's lifetime;
	// the state guards make them inert while deactivated, and a
	// Stop/Activate cycle must not stack duplicates
	l.On(protocol.KindTranscription, m.onTranscription)
	l.On(protocol.KindResponse, m.onResponse)
	l.On(protocol.KindErrorMessage, m.onErrorMessage)
	l.On(protocol.KindProcessingStatus, m.onProcessingStatus)
	l.OnState(m.onLinkState)
	return m
}

// AddObserver registers a transition observer.
func (m *Machine) AddObserver(fn Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// State reports the current conversation state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Activate waits for the backend to become ready, connects the link and
// wires the inbound handlers. It fails with ErrBackendUnavailable when the
// bounded readiness poll is exhausted.
func (m *Machine) Activate(ctx context.Context) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		logging.Debug("[convo] activate ignored, already active")
		return nil
	}
	m.mu.Unlock()

	backoff := retry.WithMaxRetries(uint64(m.opts.ActivateAttempts-1),
		retry.NewConstant(m.opts.ActivateDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if herr := m.link.CheckHealth(ctx); herr != nil {
			logging.Infof("[convo] backend not ready yet: %v", herr)
			return retry.RetryableError(herr)
		}
		return nil
	})
	if err != nil {
		return ErrBackendUnavailable
	}

	if err := m.link.Connect(ctx); err != nil {
		return err
	}

	mctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.active = true
	m.ctx = mctx
	m.cancel = cancel
	m.peerOK = m.peer != nil && m.peer.Probe()
	m.mu.Unlock()

	if m.peerOK {
		logging.Info("[convo] peer streaming available")
	} else {
		logging.Info("[convo] peer streaming unavailable, chunked fallback only")
	}
	m.notify(StateIdle, nil)
	return nil
}

// StartTurn begins a new turn from Idle: a brief greeting phase, then
// listening. Any other state makes it a logged no-op.
func (m *Machine) StartTurn() {
	m.mu.Lock()
	if !m.active || m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		logging.Warnf("[convo] startTurn ignored in state %s", state)
		return
	}
	m.gen++
	gen := m.gen
	m.turn = &store.Turn{ID: uuid.NewString(), StartedAt: time.Now()}
	ctx := m.ctx
	m.mu.Unlock()

	m.setState(StateResponding, nil)
	go m.beginTurn(ctx, gen)
}

func (m *Machine) beginTurn(ctx context.Context, gen int) {
	defer m.recoverFault()
	if len(m.opts.Greeting) > 0 {
		if err := m.player.Play(ctx, m.opts.Greeting); err != nil {
			logging.Warnf("[convo] greeting playback failed: %v", err)
		}
	}
	if m.stale(gen) {
		return
	}

	// negotiate the media path in the background; the turn proceeds over
	// fallback if it is not connected by the time capture stops
	m.mu.Lock()
	peerOK := m.peerOK
	m.mu.Unlock()
	if peerOK && !m.peer.Connected() {
		go func() {
			if err := m.peer.Open(ctx); err != nil {
				logging.Warnf("[convo] peer negotiation failed, staying on fallback: %v", err)
			}
		}()
	}

	m.setStateIfCurrent(gen, StateListening, nil)
	if err := m.rec.Start(ctx); err != nil {
		logging.Errorf("[convo] capture start failed: %v", err)
		m.setStateIfCurrent(gen, StateIdle, err)
	}
}

// OnCaptureStopped hands the finished recording to the active transport.
// Valid only while Listening; any other state releases the recording and
// ignores the call.
func (m *Machine) OnCaptureStopped(res capture.Result) {
	m.mu.Lock()
	if m.state != StateListening {
		state := m.state
		m.mu.Unlock()
		logging.Warnf("[convo] captureStopped ignored in state %s", state)
		res.Release()
		return
	}
	gen := m.gen
	ctx := m.ctx
	strategy := m.fallback
	if m.peerOK && m.peer != nil && m.peer.Connected() {
		strategy = m.peer
	}
	if m.turn != nil {
		m.turn.Transport = strategy.Name()
		m.turn.DurationMS = res.DurationMS
	}
	m.mu.Unlock()

	m.setState(StateProcessing, nil)
	logging.Infof("[convo] sending %d bytes via %s", res.SizeBytes, strategy.Name())
	go func() {
		defer m.recoverFault()
		err := strategy.Send(ctx, res)
		if m.stale(gen) {
			return
		}
		if err != nil {
			// transport failure is recoverable; back to Idle for a retry
			logging.Warnf("[convo] transport failed: %v", err)
			m.setStateIfCurrent(gen, StateIdle, err)
		}
	}()
}

// OnCaptureFailed reports a recording that stopped but could not be
// finalized. Valid only while Listening; the turn is abandoned and the
// machine returns to Idle so the user can retry.
func (m *Machine) OnCaptureFailed(err error) {
	m.mu.Lock()
	if m.state != StateListening {
		state := m.state
		m.mu.Unlock()
		logging.Warnf("[convo] captureFailed ignored in state %s", state)
		return
	}
	gen := m.gen
	m.turn = nil
	m.mu.Unlock()

	logging.Warnf("[convo] capture failed, abandoning turn: %v", err)
	m.setStateIfCurrent(gen, StateIdle, err)
}

// StopListening ends the current capture manually and hands the recording to
// the transport. The safety-timer/manual-stop race resolves silently.
func (m *Machine) StopListening() {
	res, err := m.rec.Stop()
	if err != nil {
		logging.Warnf("[convo] stop recording failed: %v", err)
		return
	}
	if res == nil {
		return // already stopped by silence detection or the safety timer
	}
	m.OnCaptureStopped(*res)
}

// onResponse handles the backend reply for the in-flight turn.
func (m *Machine) onResponse(msg protocol.Message) {
	r := msg.(*protocol.Response)

	m.mu.Lock()
	if m.state != StateProcessing {
		state := m.state
		m.mu.Unlock()
		logging.Warnf("[convo] response ignored in state %s", state)
		return
	}
	gen := m.gen
	ctx := m.ctx
	if m.turn != nil {
		m.turn.ReplyText = r.Text
	}
	m.mu.Unlock()

	payload, err := base64.StdEncoding.DecodeString(r.Audio)
	if r.Audio == "" || err != nil {
		if err != nil {
			logging.Warnf("[convo] reply audio undecodable, treating as text-only: %v", err)
		}
		// text-only reply: skip Responding entirely
		m.finishTurn()
		go m.resumeListening(ctx, gen, 0)
		return
	}

	m.setStateIfCurrent(gen, StateResponding, nil)
	go func() {
		defer m.recoverFault()
		if perr := m.player.Play(ctx, payload); perr != nil {
			// playback failure abandons the reply, not the conversation
			logging.Warnf("[convo] reply playback failed: %v", perr)
		}
		if m.stale(gen) {
			return
		}
		m.OnPlaybackComplete()
	}()
}

// OnPlaybackComplete closes out a Responding turn and resumes listening after
// a short debounce so the microphone does not catch the speaker tail.
func (m *Machine) OnPlaybackComplete() {
	m.mu.Lock()
	if m.state != StateResponding {
		state := m.state
		m.mu.Unlock()
		logging.Warnf("[convo] playbackComplete ignored in state %s", state)
		return
	}
	gen := m.gen
	ctx := m.ctx
	m.mu.Unlock()

	m.finishTurn()
	go m.resumeListening(ctx, gen, m.opts.ResumeDelay)
}

func (m *Machine) resumeListening(ctx context.Context, gen int, delay time.Duration) {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
	if m.stale(gen) {
		return
	}
	m.setStateIfCurrent(gen, StateListening, nil)

	m.mu.Lock()
	m.turn = &store.Turn{ID: uuid.NewString(), StartedAt: time.Now()}
	m.mu.Unlock()

	if err := m.rec.Start(ctx); err != nil {
		logging.Errorf("[convo] capture restart failed: %v", err)
		m.setStateIfCurrent(gen, StateIdle, err)
	}
}

// finishTurn seals the current turn and hands it to storage.
func (m *Machine) finishTurn() {
	m.mu.Lock()
	turn := m.turn
	m.turn = nil
	if turn != nil {
		m.history = append(m.history, turn.ID)
		if len(m.history) > m.opts.HistoryLimit {
			m.history = m.history[len(m.history)-m.opts.HistoryLimit:]
		}
	}
	turns := m.turns
	m.mu.Unlock()

	if turn == nil {
		return
	}
	turn.EndedAt = time.Now()
	if turns != nil {
		if err := turns.Save(*turn); err != nil {
			logging.Warnf("[convo] turn not persisted: %v", err)
		}
	}
}

// Stop deactivates the whole session: cancels in-flight work, releases
// capture and playback, closes the media channel and the link. Valid from
// any state.
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.gen++
	cancel := m.cancel
	m.cancel = nil
	m.turn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.rec.Cleanup()
	m.player.Stop()
	if m.peer != nil {
		m.peer.Close("session ended")
	}
	if err := m.link.Close(); err != nil {
		logging.Warnf("[convo] link close: %v", err)
	}
	m.setState(StateIdle, nil)
	logging.Info("[convo] session stopped")
}

// recoverFault catches a panic in a turn goroutine and escalates it. Unlike
// transport or capture failures these are invariant violations, so they land
// in Error rather than Idle.
func (m *Machine) recoverFault() {
	if r := recover(); r != nil {
		logging.Errorf("[convo] internal fault: %v", r)
		m.escalate(fmt.Errorf("internal fault: %v", r))
	}
}

// escalate moves the machine to Error. Only an explicit Reset re-arms it;
// the generation bump silences every in-flight completion.
func (m *Machine) escalate(err error) {
	m.mu.Lock()
	m.gen++
	m.turn = nil
	m.mu.Unlock()
	m.setState(StateError, err)
}

// Reset re-arms the machine after an Error state.
func (m *Machine) Reset() {
	m.mu.Lock()
	if m.state != StateError {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.setState(StateIdle, nil)
}

func (m *Machine) onTranscription(msg protocol.Message) {
	tr := msg.(*protocol.Transcription)
	logging.Infof("[convo] transcript: %s", tr.Text)
	m.mu.Lock()
	if m.turn != nil {
		m.turn.Transcript = tr.Text
	}
	m.mu.Unlock()
}

func (m *Machine) onErrorMessage(msg protocol.Message) {
	em := msg.(*protocol.ErrorMessage)
	logging.Warnf("[convo] backend error: %s %s", em.Message, em.Details)

	m.mu.Lock()
	inTurn := m.state == StateProcessing
	gen := m.gen
	m.mu.Unlock()
	if inTurn {
		m.setStateIfCurrent(gen, StateIdle, errors.New(em.Message))
	}
}

func (m *Machine) onProcessingStatus(msg protocol.Message) {
	ps := msg.(*protocol.ProcessingStatus)
	logging.Debugf("[convo] backend progress: %s %s", ps.Stage, ps.Message)
	if m.OnProgress != nil {
		m.OnProgress(ps.Stage, ps.Message)
	}
}

// onLinkState reacts to link drops. A resumed link invalidates any peer
// session; a mid-turn drop returns the machine to Idle so the user retries.
func (m *Machine) onLinkState(up, resumed bool, err error) {
	if up && resumed {
		logging.Info("[convo] link resumed, peer session must renegotiate")
		if m.peer != nil {
			m.peer.Close("link resumed")
		}
		return
	}
	if !up {
		m.mu.Lock()
		midTurn := m.state == StateProcessing || m.state == StateListening
		gen := m.gen
		m.mu.Unlock()
		if midTurn {
			m.rec.Cleanup()
			m.setStateIfCurrent(gen, StateIdle, link.ErrNotConnected)
		}
	}
}

// stale reports whether gen belongs to a superseded turn or session.
func (m *Machine) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.gen || !m.active
}

func (m *Machine) setState(s State, err error) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.notify(s, err)
}

// setStateIfCurrent transitions only when gen is still the live generation,
// so stale async completions cannot move the machine.
func (m *Machine) setStateIfCurrent(gen int, s State, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.notify(s, err)
}

// notify reports one transition to every observer. A panicking observer is
// logged and must not break the machine or the other observers.
func (m *Machine) notify(s State, err error) {
	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Errorf("[convo] observer panic: %v", r)
				}
			}()
			fn(s, err)
		}()
	}
}
