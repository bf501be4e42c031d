package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"unitynets-realtime/internal/domain/signal"
	"unitynets-realtime/internal/domain/user"
	unity_errors "unitynets-realtime/pkg/errors"
	"unitynets-realtime/pkg/logger"
)

// State is the controller's position in the call lifecycle.
type State string

const (
	StateIdle      State = "IDLE"
	StateCalling   State = "CALLING"   // outgoing, pre-answer
	StateRinging   State = "RINGING"   // incoming, pre-answer
	StateConnected State = "CONNECTED"
	StateEnded     State = "ENDED" // transient; the controller resets to IDLE after cleanup
)

// SignalChannel is the durable mailbox contract the controller drives.
// Implemented by signaling.Channel.
type SignalChannel interface {
	CreateSignal(ctx context.Context, conversationID, callerID, receiverID uuid.UUID, callType signal.CallType) (uuid.UUID, error)
	GetSignal(ctx context.Context, signalID uuid.UUID) (signal.CallSignal, error)
	WriteOffer(ctx context.Context, signalID uuid.UUID, offer signal.SessionDescription) error
	WriteAnswer(ctx context.Context, signalID uuid.UUID, answer signal.SessionDescription) error
	AppendCandidate(ctx context.Context, signalID uuid.UUID, candidate signal.ICECandidate) error
	UpdateStatus(ctx context.Context, signalID uuid.UUID, status signal.Status) error
	ObserveForUser(ctx context.Context, userID uuid.UUID, handler func(eventType string, s signal.CallSignal)) error
}

// ProfileLookup resolves a user id to display metadata.
type ProfileLookup interface {
	Profile(ctx context.Context, id uuid.UUID) (user.Profile, error)
}

// Config tunes one controller. RingTimeout of zero disables the timeout and
// leaves an unanswered call ringing until one side acts.
type Config struct {
	STUNServers []string
	RingTimeout time.Duration
}

// CallInfo is the observable snapshot of the active call.
type CallInfo struct {
	SignalID       uuid.UUID
	ConversationID uuid.UUID
	PeerID         uuid.UUID
	PeerProfile    user.Profile
	CallType       signal.CallType
	State          State
	Duration       time.Duration
}

type eventKind int

const (
	evStart eventKind = iota
	evAccept
	evReject
	evHangup
	evSignal
	evConnState
	evLocalCandidate
	evRingTimeout
)

type event struct {
	kind eventKind

	// command arguments
	conversationID uuid.UUID
	receiverID     uuid.UUID
	callType       signal.CallType
	reply          chan error

	// remote signal event
	sigType string
	sig     signal.CallSignal

	// session callbacks
	connState webrtc.PeerConnectionState
	candidate signal.ICECandidate
	signalID  uuid.UUID
}

type active struct {
	signalID       uuid.UUID
	conversationID uuid.UUID
	peerID         uuid.UUID
	callType       signal.CallType
	session        *Session
	peerProfile    user.Profile
	connectedOnce  bool
	answerApplied  bool
	candCursor     int
	ringTimer      *time.Timer
}

// Controller drives a call from idle through calling/ringing to connected to
// ended. Every input (local user action, remote signal event, connection
// state change, ring timeout) is funneled through one event queue consumed
// by a single goroutine, so ordering is deterministic and no transition races
// another.
type Controller struct {
	selfID   uuid.UUID
	signals  SignalChannel
	devices  MediaDevices
	profiles ProfileLookup
	cfg      Config
	log      *logger.Logger

	events chan event
	done   chan struct{}
	once   sync.Once

	mu       sync.RWMutex
	state    State
	cur      *active
	onChange func(State)
}

func NewController(selfID uuid.UUID, signals SignalChannel, devices MediaDevices, profiles ProfileLookup, cfg Config, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.NewNop()
	}
	return &Controller{
		selfID:   selfID,
		signals:  signals,
		devices:  devices,
		profiles: profiles,
		cfg:      cfg,
		log:      log,
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
}

// OnStateChange registers a listener fired on every state transition. Must be
// set before Run.
func (c *Controller) OnStateChange(fn func(State)) {
	c.onChange = fn
}

// Run subscribes to the user's signal events and starts the event loop.
func (c *Controller) Run(ctx context.Context) error {
	err := c.signals.ObserveForUser(ctx, c.selfID, func(eventType string, s signal.CallSignal) {
		c.post(event{kind: evSignal, sigType: eventType, sig: s})
	})
	if err != nil {
		return err
	}
	go c.loop(ctx)
	return nil
}

// Close stops the event loop and tears down any active session.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Controller) loop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			c.cleanup(ctx, nil)
			return
		case <-ctx.Done():
			c.cleanup(context.Background(), nil)
			return
		case ev := <-c.events:
			c.dispatch(ctx, ev)
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, ev event) {
	var err error
	switch ev.kind {
	case evStart:
		err = c.handleStart(ctx, ev)
	case evAccept:
		err = c.handleAccept(ctx)
	case evReject:
		err = c.handleReject(ctx)
	case evHangup:
		err = c.handleHangup(ctx)
	case evSignal:
		c.handleSignal(ctx, ev.sigType, ev.sig)
	case evConnState:
		c.handleConnState(ctx, ev.connState)
	case evLocalCandidate:
		c.handleLocalCandidate(ctx, ev)
	case evRingTimeout:
		c.handleRingTimeout(ctx, ev.signalID)
	}
	if ev.reply != nil {
		ev.reply <- err
	}
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) command(ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case c.events <- ev:
	case <-c.done:
		return unity_errors.ErrSessionClosed
	}
	select {
	case err := <-ev.reply:
		return err
	case <-c.done:
		return unity_errors.ErrSessionClosed
	}
}

// StartCall acquires media, creates the signal row, and persists an offer.
// Any failure along the way rolls back to idle and tears down whatever was
// partially created.
func (c *Controller) StartCall(conversationID, receiverID uuid.UUID, callType signal.CallType) error {
	return c.command(event{kind: evStart, conversationID: conversationID, receiverID: receiverID, callType: callType})
}

// Accept answers the incoming call: acquires media, applies the buffered
// offer, persists an answer, and advances to connected optimistically. True
// connectivity is confirmed by the connection-state callback.
func (c *Controller) Accept() error {
	return c.command(event{kind: evAccept})
}

// Reject declines the incoming call without ever acquiring media.
func (c *Controller) Reject() error {
	return c.command(event{kind: evReject})
}

// Hangup ends the call from any state. The terminal status persisted depends
// on who acted and whether the call ever connected.
func (c *Controller) Hangup() error {
	return c.command(event{kind: evHangup})
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CurrentCall returns a snapshot of the active call, if any.
func (c *Controller) CurrentCall() (CallInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return CallInfo{}, false
	}
	info := CallInfo{
		SignalID:       c.cur.signalID,
		ConversationID: c.cur.conversationID,
		PeerID:         c.cur.peerID,
		PeerProfile:    c.cur.peerProfile,
		CallType:       c.cur.callType,
		State:          c.state,
	}
	if c.cur.session != nil {
		info.Duration = c.cur.session.Duration()
	}
	return info, true
}

// ToggleAudio flips the local microphone. Local only.
func (c *Controller) ToggleAudio() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil || c.cur.session == nil {
		return false
	}
	return c.cur.session.ToggleAudio()
}

// ToggleVideo flips the local camera. Local only.
func (c *Controller) ToggleVideo() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil || c.cur.session == nil {
		return false
	}
	return c.cur.session.ToggleVideo()
}

// --- transitions, executed only on the loop goroutine ---

func (c *Controller) handleStart(ctx context.Context, ev event) error {
	if c.State() != StateIdle {
		return unity_errors.ErrCallInProgress
	}

	media, err := c.devices.AcquireMedia(ctx, ev.callType)
	if err != nil {
		return err
	}

	signalID, err := c.signals.CreateSignal(ctx, ev.conversationID, c.selfID, ev.receiverID, ev.callType)
	if err != nil {
		media.Stop()
		return err
	}

	session, err := c.newSession(signalID, media)
	if err != nil {
		media.Stop()
		c.persistTerminal(ctx, signalID, signal.StatusEnded)
		return err
	}

	offer, err := session.CreateOffer()
	if err == nil {
		err = c.signals.WriteOffer(ctx, signalID, offer)
	}
	if err != nil {
		session.Teardown()
		c.persistTerminal(ctx, signalID, signal.StatusEnded)
		return err
	}

	profile := c.lookupProfile(ctx, ev.receiverID)

	c.mu.Lock()
	c.cur = &active{
		signalID:       signalID,
		conversationID: ev.conversationID,
		peerID:         ev.receiverID,
		callType:       ev.callType,
		session:        session,
		peerProfile:    profile,
		ringTimer:      c.startRingTimer(signalID),
	}
	c.mu.Unlock()
	c.setState(StateCalling)
	return nil
}

func (c *Controller) handleSignal(ctx context.Context, eventType string, s signal.CallSignal) {
	switch eventType {
	case "signal.created":
		c.handleIncoming(ctx, s)
	case "signal.updated":
		c.handleRemoteUpdate(ctx, s)
	}
}

func (c *Controller) handleIncoming(ctx context.Context, s signal.CallSignal) {
	if s.ReceiverID != c.selfID || s.Status != signal.StatusRinging {
		return
	}
	if c.State() != StateIdle {
		// Exactly one session at a time; call waiting is not supported.
		c.log.Infof("call: busy, ignoring incoming signal %s", s.ID)
		return
	}

	profile := c.lookupProfile(ctx, s.CallerID)

	c.mu.Lock()
	c.cur = &active{
		signalID:       s.ID,
		conversationID: s.ConversationID,
		peerID:         s.CallerID,
		callType:       s.CallType,
		peerProfile:    profile,
		ringTimer:      c.startRingTimer(s.ID),
	}
	c.mu.Unlock()
	c.setState(StateRinging)
}

func (c *Controller) handleRemoteUpdate(ctx context.Context, s signal.CallSignal) {
	c.mu.RLock()
	cur := c.cur
	state := c.state
	c.mu.RUnlock()
	if cur == nil || s.ID != cur.signalID {
		return
	}

	if s.Status.IsTerminal() {
		// Remote side already persisted the terminal status; just clean up.
		c.cleanup(ctx, nil)
		return
	}

	if state == StateCalling && s.Status == signal.StatusAccepted && s.SignalData.Answer != nil && !cur.answerApplied {
		if err := cur.session.ApplyRemoteDescription(*s.SignalData.Answer); err != nil {
			c.log.Errorf("call: applying remote answer: %v", err)
			c.cleanup(ctx, statusPtr(signal.StatusEnded))
			return
		}
		cur.answerApplied = true
		c.stopRingTimer(cur)
		c.setState(StateConnected)
	}

	c.applyNewCandidates(cur, s)
}

// applyNewCandidates walks the accumulating candidate list past the cursor
// and hands the remote side's additions to the session. The session buffers
// them if the remote description is not set yet.
func (c *Controller) applyNewCandidates(cur *active, s signal.CallSignal) {
	if cur.session == nil {
		// Still ringing, no session to hand them to. The cursor must not
		// move: the accept path replays everything accumulated so far.
		return
	}
	for ; cur.candCursor < len(s.SignalData.Candidates); cur.candCursor++ {
		cand := s.SignalData.Candidates[cur.candCursor]
		if cand.SenderID == c.selfID.String() {
			continue
		}
		cur.session.AddRemoteCandidate(cand)
	}
}

func (c *Controller) handleAccept(ctx context.Context) error {
	c.mu.RLock()
	cur := c.cur
	state := c.state
	c.mu.RUnlock()
	if state != StateRinging || cur == nil {
		return unity_errors.ErrInvalidTransition
	}

	s, err := c.signals.GetSignal(ctx, cur.signalID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		c.cleanup(ctx, nil)
		return unity_errors.ErrTerminalSignal
	}
	if s.SignalData.Offer == nil {
		// Offer not written yet; stay ringing, the user can retry.
		return unity_errors.ErrInvalidInput
	}

	media, err := c.devices.AcquireMedia(ctx, cur.callType)
	if err != nil {
		c.cleanup(ctx, statusPtr(signal.StatusEnded))
		return err
	}

	session, err := c.newSession(cur.signalID, media)
	if err != nil {
		media.Stop()
		c.cleanup(ctx, statusPtr(signal.StatusEnded))
		return err
	}

	if err := session.ApplyRemoteDescription(*s.SignalData.Offer); err != nil {
		session.Teardown()
		c.cleanup(ctx, statusPtr(signal.StatusEnded))
		return err
	}

	answer, err := session.CreateAnswer()
	if err == nil {
		err = c.signals.WriteAnswer(ctx, cur.signalID, answer)
	}
	if err == nil {
		err = c.signals.UpdateStatus(ctx, cur.signalID, signal.StatusAccepted)
	}
	if err != nil {
		session.Teardown()
		if errors.Is(err, unity_errors.ErrTerminalSignal) {
			c.cleanup(ctx, nil)
		} else {
			c.cleanup(ctx, statusPtr(signal.StatusEnded))
		}
		return err
	}

	c.mu.Lock()
	cur.session = session
	c.mu.Unlock()

	// Candidates the caller accumulated before we answered.
	c.applyNewCandidates(cur, s)

	c.stopRingTimer(cur)
	c.setState(StateConnected)
	return nil
}

func (c *Controller) handleReject(ctx context.Context) error {
	if c.State() != StateRinging {
		return unity_errors.ErrInvalidTransition
	}
	c.cleanup(ctx, statusPtr(signal.StatusRejected))
	return nil
}

func (c *Controller) handleHangup(ctx context.Context) error {
	c.mu.RLock()
	state := c.state
	cur := c.cur
	c.mu.RUnlock()

	if cur == nil || state == StateIdle {
		return nil
	}

	var status signal.Status
	switch {
	case cur.connectedOnce || state == StateConnected:
		status = signal.StatusEnded
	case state == StateRinging:
		status = signal.StatusRejected
	default:
		// Caller gave up before the receiver ever answered.
		status = signal.StatusMissed
	}
	c.cleanup(ctx, &status)
	return nil
}

func (c *Controller) handleConnState(ctx context.Context, st webrtc.PeerConnectionState) {
	c.mu.Lock()
	cur := c.cur
	if cur != nil && st == webrtc.PeerConnectionStateConnected {
		cur.connectedOnce = true
	}
	c.mu.Unlock()
	if cur == nil {
		return
	}

	switch st {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		// Silent network death: same end path as an explicit remote hangup.
		c.cleanup(ctx, statusPtr(signal.StatusEnded))
	}
}

func (c *Controller) handleLocalCandidate(ctx context.Context, ev event) {
	c.mu.RLock()
	cur := c.cur
	c.mu.RUnlock()
	if cur == nil || cur.signalID != ev.signalID {
		return
	}
	if err := c.signals.AppendCandidate(ctx, ev.signalID, ev.candidate); err != nil {
		if errors.Is(err, unity_errors.ErrTerminalSignal) {
			return
		}
		// A dropped signal write mid-call is fatal for the attempt; no retry.
		c.log.Errorf("call: candidate write failed, aborting: %v", err)
		c.cleanup(ctx, statusPtr(signal.StatusEnded))
	}
}

func (c *Controller) handleRingTimeout(ctx context.Context, signalID uuid.UUID) {
	c.mu.RLock()
	cur := c.cur
	state := c.state
	c.mu.RUnlock()
	if cur == nil || cur.signalID != signalID {
		return
	}
	if state != StateCalling && state != StateRinging {
		return
	}
	c.log.Infof("call: ring timeout on %s", signalID)
	c.cleanup(ctx, statusPtr(signal.StatusMissed))
}

// cleanup persists the terminal status when asked, tears the session down,
// and resets to idle. Runs on every exit path.
func (c *Controller) cleanup(ctx context.Context, status *signal.Status) {
	c.mu.Lock()
	cur := c.cur
	c.cur = nil
	c.mu.Unlock()
	if cur == nil {
		return
	}

	c.stopRingTimer(cur)
	if status != nil {
		c.persistTerminal(ctx, cur.signalID, *status)
	}
	if cur.session != nil {
		cur.session.Teardown()
	}
	c.setState(StateEnded)
	c.setState(StateIdle)
}

func (c *Controller) persistTerminal(ctx context.Context, signalID uuid.UUID, status signal.Status) {
	if err := c.signals.UpdateStatus(ctx, signalID, status); err != nil {
		if !errors.Is(err, unity_errors.ErrTerminalSignal) {
			c.log.Errorf("call: persisting terminal status %s: %v", status, err)
		}
	}
}

func (c *Controller) newSession(signalID uuid.UUID, media LocalMedia) (*Session, error) {
	return NewSession(c.cfg.STUNServers, media, SessionCallbacks{
		OnLocalCandidate: func(cand signal.ICECandidate) {
			cand.SenderID = c.selfID.String()
			c.post(event{kind: evLocalCandidate, signalID: signalID, candidate: cand})
		},
		OnConnectionStateChange: func(st webrtc.PeerConnectionState) {
			c.post(event{kind: evConnState, connState: st})
		},
	}, c.log)
}

func (c *Controller) startRingTimer(signalID uuid.UUID) *time.Timer {
	if c.cfg.RingTimeout <= 0 {
		return nil
	}
	return time.AfterFunc(c.cfg.RingTimeout, func() {
		c.post(event{kind: evRingTimeout, signalID: signalID})
	})
}

func (c *Controller) stopRingTimer(cur *active) {
	if cur.ringTimer != nil {
		cur.ringTimer.Stop()
		cur.ringTimer = nil
	}
}

func (c *Controller) lookupProfile(ctx context.Context, id uuid.UUID) user.Profile {
	if c.profiles == nil {
		return user.Profile{ID: id, DisplayName: "Unknown user"}
	}
	p, err := c.profiles.Profile(ctx, id)
	if err != nil {
		c.log.Warnf("call: profile lookup for %s failed: %v", id, err)
		return user.Profile{ID: id, DisplayName: "Unknown user"}
	}
	return p
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func statusPtr(s signal.Status) *signal.Status {
	return &s
}
