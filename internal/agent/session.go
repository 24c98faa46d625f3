package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openacd/openacd/internal/common/errors"
	"github.com/openacd/openacd/internal/common/logger"
	"github.com/openacd/openacd/internal/media"
)

// ErrSessionStopped is returned for operations against a terminated session.
var ErrSessionStopped = stderrors.New("agent session stopped")

// Timers bounds the session's own timer and its synchronous media calls.
type Timers struct {
	Ringout      time.Duration
	MediaTimeout time.Duration
}

// DefaultTimers returns the production defaults.
func DefaultTimers() Timers {
	return Timers{
		Ringout:      30 * time.Second,
		MediaTimeout: 10 * time.Second,
	}
}

// Spec carries the directory attributes a session is created with.
type Spec struct {
	ID       string
	Login    string
	Profile  string
	Security SecurityLevel
	Skills   []Skill
	Endpoint string
}

// SessionLookup resolves peer sessions by login. The registry implements it.
type SessionLookup interface {
	Query(login string) (*Session, bool)
}

// Deps are the collaborators injected into a session.
type Deps struct {
	Lookup   SessionLookup
	Outbound *media.FactoryRegistry
	Timers   Timers
	Logger   *logger.Logger
}

// Snapshot is a read-only copy of session state for external readers.
type Snapshot struct {
	ID         string
	Login      string
	Profile    string
	Security   SecurityLevel
	Skills     []Skill
	Endpoint   string
	State      State
	LastChange time.Time
}

// Session is the authoritative state machine for a single agent. All inputs
// are funneled through a command channel and handled to completion by one
// goroutine, so no two handlers ever run concurrently.
type Session struct {
	id       string
	login    string
	security SecurityLevel

	cmds     chan func()
	done     chan struct{}
	stopOnce sync.Once

	reasonMu   sync.Mutex
	stopReason string

	// Owned by the run goroutine.
	profile       string
	skills        []Skill
	endpoint      string
	state         State
	lastChange    time.Time
	queuedRelease *ReleaseReason
	prevRelease   *ReleaseReason
	expectSpy     bool
	ringTimer     *time.Timer
	ringSeq       int
	sink          EventSink

	lookup   SessionLookup
	outbound *media.FactoryRegistry
	timers   Timers
	logger   *logger.Logger
}

// New creates a session in idle and starts its goroutine.
func New(spec Spec, deps Deps) *Session {
	if deps.Timers.Ringout <= 0 {
		deps.Timers = DefaultTimers()
	}
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}

	s := &Session{
		id:         spec.ID,
		login:      spec.Login,
		security:   spec.Security,
		profile:    spec.Profile,
		skills:     append([]Skill(nil), spec.Skills...),
		endpoint:   spec.Endpoint,
		state:      Idle(),
		lastChange: time.Now(),
		cmds:       make(chan func(), 16),
		done:       make(chan struct{}),
		lookup:     deps.Lookup,
		outbound:   deps.Outbound,
		timers:     deps.Timers,
		logger:     log.WithFields(zap.String("component", "agent-session"), zap.String("agent", spec.Login)),
	}

	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			return
		}
	}
}

// ID returns the opaque agent id.
func (s *Session) ID() string { return s.id }

// Login returns the unique agent login.
func (s *Session) Login() string { return s.login }

// Security returns the session's security level.
func (s *Session) Security() SecurityLevel { return s.security }

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// StopReason reports why the session terminated; empty while it is live.
func (s *Session) StopReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.stopReason
}

// Stop terminates the session. Safe to call more than once.
func (s *Session) Stop(reason string) {
	s.stopOnce.Do(func() {
		s.reasonMu.Lock()
		s.stopReason = reason
		s.reasonMu.Unlock()
		close(s.done)
		s.logger.Info("session stopped", zap.String("reason", reason))
	})
}

// call runs fn on the session goroutine and waits for it to complete.
func (s *Session) call(fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		defer close(ran)
		fn()
	}
	select {
	case s.cmds <- wrapped:
	case <-s.done:
		return ErrSessionStopped
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		// The handler may still run; callers only learn the session died.
		return ErrSessionStopped
	}
}

// cast posts fn to the session goroutine without waiting.
func (s *Session) cast(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// SetSink registers the event sink (the web gateway). Events emitted before
// a sink is registered are dropped.
func (s *Session) SetSink(sink EventSink) {
	_ = s.call(func() { s.sink = sink })
}

func (s *Session) emit(ev Event) {
	ev.Timestamp = time.Now()
	if s.sink != nil {
		s.sink.Push(ev)
	}
}

// mediaCtx bounds a synchronous media call.
func (s *Session) mediaCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timers.MediaTimeout)
}

// transition applies an already-validated state change and emits astate.
func (s *Session) transition(to State) {
	if s.state.Kind == StateRinging && to.Kind != StateRinging {
		s.cancelRingTimer()
	}

	from := s.state.Kind
	s.state = to
	s.lastChange = time.Now()

	s.logger.Debug("state change",
		zap.String("from", string(from)),
		zap.String("to", string(to.Kind)))

	snap := s.state
	s.emit(Event{Type: EventAgentState, State: &snap})

	// Non-voice media carries its own client pane.
	if to.Kind == StateOncall && to.Call != nil && to.Call.Type != media.TypeVoice {
		s.emit(Event{
			Type:     EventMediaLoad,
			Media:    string(to.Call.Type),
			FullPane: true,
		})
	}
}

// idleOrQueuedRelease is the landing state wherever the machine would go
// idle: a release queued during the call wins.
func (s *Session) idleOrQueuedRelease() State {
	if s.queuedRelease != nil {
		r := *s.queuedRelease
		s.queuedRelease = nil
		return Released(r)
	}
	return Idle()
}

func (s *Session) cancelRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	s.ringSeq++
}

// SetState requests an explicit transition from the client. For a release
// requested while a call is in progress the request is not rejected: it is
// recorded and applied when the call ends, and queued is returned true.
func (s *Session) SetState(kind StateKind, release *ReleaseReason) (queued bool, err error) {
	callErr := s.call(func() {
		queued, err = s.handleSetState(kind, release)
	})
	if callErr != nil {
		return false, errors.Unknown("session unavailable", callErr)
	}
	return queued, err
}

func (s *Session) handleSetState(kind StateKind, release *ReleaseReason) (bool, error) {
	from := s.state.Kind

	switch kind {
	case StateIdle:
		if !CanTransition(from, StateIdle) {
			return false, invalidChange(from, kind)
		}
		switch from {
		case StateRinging:
			// Caller went away or client gave up on the ring.
			if s.state.Call != nil {
				ctx, cancel := s.mediaCtx()
				_ = s.state.Call.Source.Unring(ctx, s.state.Call.ID)
				cancel()
			}
			s.transition(s.idleOrQueuedRelease())
		case StateWrapup:
			s.transition(s.idleOrQueuedRelease())
		default:
			s.transition(Idle())
		}
		return false, nil

	case StateReleased:
		reason := DefaultRelease()
		if release != nil {
			reason = *release
		}
		switch from {
		case StateIdle, StateReleased, StateWrapup, StatePrecall:
			s.transition(Released(reason))
			return false, nil
		case StateRinging, StateOncall, StateOutgoing, StateWarmTransfer:
			// Applied when the call ends.
			s.queuedRelease = &reason
			return true, nil
		default:
			return false, invalidChange(from, kind)
		}

	case StateOncall:
		// Answer: ring or outbound leg connected.
		if from != StateRinging && from != StateOutgoing {
			return false, invalidChange(from, kind)
		}
		s.transition(State{Kind: StateOncall, Call: s.state.Call})
		return false, nil

	case StateWrapup:
		switch from {
		case StateOncall, StateOutgoing, StateWarmTransfer:
			s.transition(State{Kind: StateWrapup, Call: s.state.Call})
			return false, nil
		default:
			return false, invalidChange(from, kind)
		}

	default:
		// ringing, precall, outgoing, warmtransfer and offline are entered
		// through their own operations, never by a raw set_state.
		return false, invalidChange(from, kind)
	}
}

func invalidChange(from, to StateKind) error {
	return errors.InvalidStateChange(fmt.Sprintf("cannot change state %s -> %s", from, to))
}

// SetEndpoint updates the address future rings will reach the agent at.
func (s *Session) SetEndpoint(endpoint string) error {
	var err error
	callErr := s.call(func() {
		if s.state.Kind != StateIdle && s.state.Kind != StateReleased {
			err = errors.InvalidStateChange("endpoint can only change while idle or released")
			return
		}
		s.endpoint = endpoint
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// ChangeProfile moves the agent to a new profile. Always allowed.
func (s *Session) ChangeProfile(profile string) error {
	callErr := s.call(func() {
		s.profile = profile
		s.emit(Event{Type: EventProfile, Profile: profile})
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return nil
}

// Dial forwards the number to the outbound call created by InitOutbound;
// the media advances the session to outgoing.
func (s *Session) Dial(number string) error {
	var err error
	callErr := s.call(func() {
		if s.state.Kind != StatePrecall || s.state.Call == nil {
			err = errors.InvalidStateChange("dial requires a precall outbound call")
			return
		}
		if s.state.Call.Direction != media.Outbound {
			err = errors.InvalidMediaCall("current call is not outbound")
			return
		}
		ctx, cancel := s.mediaCtx()
		defer cancel()
		if derr := s.state.Call.Source.Dial(ctx, number); derr != nil {
			err = errors.InvalidMediaCall("dial rejected: " + derr.Error())
			return
		}
		s.transition(State{Kind: StateOutgoing, Call: s.state.Call})
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// AgentTransfer hands the current call to another agent, with an optional
// case id carried along for the receiving side. The target must exist and be
// idle or released; on media ack this agent moves to wrapup.
func (s *Session) AgentTransfer(target, caseID string) error {
	var err error
	callErr := s.call(func() {
		if s.state.Kind != StateOncall || s.state.Call == nil {
			err = errors.InvalidStateChange("agent transfer requires oncall")
			return
		}
		if s.lookup == nil {
			err = errors.AgentNoExists(target)
			return
		}
		peer, ok := s.lookup.Query(target)
		if !ok {
			err = errors.AgentNoExists(target)
			return
		}
		snap, serr := peer.DumpState()
		if serr != nil {
			err = errors.AgentNoExists(target)
			return
		}
		if snap.State.Kind != StateIdle && snap.State.Kind != StateReleased {
			err = errors.InvalidStateChange("target agent is not available")
			return
		}
		ctx, cancel := s.mediaCtx()
		defer cancel()
		if terr := s.state.Call.Source.AgentTransfer(ctx, target, caseID); terr != nil {
			err = errors.InvalidMediaCall("transfer rejected: " + terr.Error())
			return
		}
		s.transition(State{Kind: StateWrapup, Call: s.state.Call})
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// QueueTransfer pushes vars and skills into the media and requeues it; this
// agent moves to wrapup.
func (s *Session) QueueTransfer(queue string, vars map[string]string, skills []string) error {
	var err error
	callErr := s.call(func() {
		if s.state.Kind != StateOncall || s.state.Call == nil {
			err = errors.InvalidStateChange("queue transfer requires oncall")
			return
		}
		ctx, cancel := s.mediaCtx()
		defer cancel()
		if terr := s.state.Call.Source.QueueTransfer(ctx, queue, vars, skills); terr != nil {
			err = errors.InvalidMediaCall("queue transfer rejected: " + terr.Error())
			return
		}
		s.transition(State{Kind: StateWrapup, Call: s.state.Call})
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// WarmTransfer starts a third-party consult; the customer is parked.
func (s *Session) WarmTransfer(destination string) error {
	var err error
	callErr := s.call(func() {
		if s.state.Kind != StateOncall || s.state.Call == nil {
			err = errors.InvalidStateChange("warm transfer requires oncall")
			return
		}
		ctx, cancel := s.mediaCtx()
		defer cancel()
		if terr := s.state.Call.Source.WarmTransfer(ctx, destination); terr != nil {
			err = errors.InvalidMediaCall("warm transfer rejected: " + terr.Error())
			return
		}
		s.transition(State{Kind: StateWarmTransfer, Call: s.state.Call, Calling: destination})
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// WarmTransferComplete bridges the parked party to the consulted party.
func (s *Session) WarmTransferComplete() error {
	var err error
	callErr := s.call(func() {
		if s.state.Kind != StateWarmTransfer {
			err = errors.InvalidStateChange("no warm transfer in progress")
			return
		}
		ctx, cancel := s.mediaCtx()
		defer cancel()
		if terr := s.state.Call.Source.WarmTransferComplete(ctx); terr != nil {
			err = errors.InvalidMediaCall("warm transfer complete rejected: " + terr.Error())
			return
		}
		s.transition(State{Kind: StateWrapup, Call: s.state.Call})
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// WarmTransferCancel abandons the consult and resumes the original call.
func (s *Session) WarmTransferCancel() error {
	var err error
	callErr := s.call(func() {
		if s.state.Kind != StateWarmTransfer {
			err = errors.InvalidStateChange("no warm transfer in progress")
			return
		}
		ctx, cancel := s.mediaCtx()
		defer cancel()
		if terr := s.state.Call.Source.WarmTransferCancel(ctx); terr != nil {
			err = errors.InvalidMediaCall("warm transfer cancel rejected: " + terr.Error())
			return
		}
		s.transition(State{Kind: StateOncall, Call: s.state.Call})
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// MediaCommand forwards a media-specific command. In cast mode it returns
// immediately; otherwise it returns the media result.
func (s *Session) MediaCommand(name string, castMode bool, args []interface{}) (interface{}, error) {
	var result interface{}
	var err error
	callErr := s.call(func() {
		if s.state.Call == nil {
			err = errors.InvalidMediaCall("no current call")
			return
		}
		if castMode {
			s.state.Call.Source.Cast(name, args)
			return
		}
		ctx, cancel := s.mediaCtx()
		defer cancel()
		res, cerr := s.state.Call.Source.Command(ctx, name, args)
		if cerr != nil {
			err = errors.InvalidMediaCall("media rejected command: " + cerr.Error())
			return
		}
		result = res
	})
	if callErr != nil {
		return nil, errors.Unknown("session unavailable", callErr)
	}
	return result, err
}

// MediaHangup asks the media to terminate the current call. On confirmation
// a connected call moves to wrapup; a never-connected call is dropped.
func (s *Session) MediaHangup() error {
	var err error
	callErr := s.call(func() {
		if s.state.Call == nil {
			err = errors.InvalidMediaCall("no current call")
			return
		}
		ctx, cancel := s.mediaCtx()
		defer cancel()
		if herr := s.state.Call.Source.Hangup(ctx); herr != nil {
			err = errors.InvalidMediaCall("hangup rejected: " + herr.Error())
			return
		}
		switch s.state.Kind {
		case StateOncall, StateOutgoing, StateWarmTransfer:
			s.transition(State{Kind: StateWrapup, Call: s.state.Call})
		default:
			s.transition(s.idleOrQueuedRelease())
		}
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// InitOutbound asks the outbound media factory for a fresh call and enters
// precall. Allowed from idle or released; the release reason is restored if
// the precall falls through.
func (s *Session) InitOutbound(clientID string, mtype media.Type) error {
	var err error
	callErr := s.call(func() {
		if s.state.Kind != StateIdle && s.state.Kind != StateReleased {
			err = errors.InvalidStateChange("outbound requires idle or released")
			return
		}
		if s.outbound == nil {
			err = errors.MediaNoExists("no outbound media configured")
			return
		}
		ctx, cancel := s.mediaCtx()
		defer cancel()
		call, ferr := s.outbound.New(ctx, mtype, clientID, s.login)
		if ferr != nil {
			err = errors.As(ferr)
			return
		}
		if s.state.Kind == StateReleased {
			r := s.state.Release
			s.prevRelease = &r
		} else {
			s.prevRelease = nil
		}
		s.transition(State{Kind: StatePrecall, Call: call})
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// PrecallAbort drops a precall that never dialed, restoring the prior
// released reason when there was one.
func (s *Session) PrecallAbort() error {
	var err error
	callErr := s.call(func() {
		if s.state.Kind != StatePrecall {
			err = errors.InvalidStateChange("no precall to abort")
			return
		}
		if s.prevRelease != nil {
			r := *s.prevRelease
			s.prevRelease = nil
			s.transition(Released(r))
			return
		}
		s.transition(Idle())
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// Ring offers a queued call to the agent. Only an idle agent can be rung; a
// call arriving during wrapup is rejected until wrapup ends.
func (s *Session) Ring(call *media.Call) error {
	var err error
	callErr := s.call(func() {
		if s.state.Kind != StateIdle {
			err = errors.InvalidStateChange("agent is not idle")
			return
		}
		s.transition(State{Kind: StateRinging, Call: call})
		s.armRingTimer(call.ID)
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

func (s *Session) armRingTimer(callID string) {
	s.ringSeq++
	seq := s.ringSeq
	s.ringTimer = time.AfterFunc(s.timers.Ringout, func() {
		s.cast(func() { s.onRingTimeout(seq, callID) })
	})
}

func (s *Session) onRingTimeout(seq int, callID string) {
	if s.ringSeq != seq {
		return // a newer ring or an answer superseded this timer
	}
	if s.state.Kind != StateRinging || s.state.Call == nil || s.state.Call.ID != callID {
		return
	}
	s.logger.Info("ring timeout", zap.String("call_id", callID))
	ctx, cancel := s.mediaCtx()
	_ = s.state.Call.Source.Unring(ctx, callID)
	cancel()
	s.transition(s.idleOrQueuedRelease())
}

// Spy asks the target's media to open a read-only leg toward this
// supervisor. The pending call record arrives later via AttachSpiedCall.
func (s *Session) Spy(target *Session) error {
	if !s.security.AtLeast(SecuritySupervisor) {
		return errors.Forbidden("spy requires supervisor privileges")
	}
	if target == nil {
		return errors.AgentNoExists("")
	}
	snap, serr := target.DumpState()
	if serr != nil {
		return errors.AgentNoExists(target.Login())
	}
	if snap.State.Kind != StateOncall || snap.State.Call == nil {
		return errors.InvalidStateChange("target agent is not oncall")
	}

	var err error
	callErr := s.call(func() {
		if s.state.Call != nil {
			err = errors.InvalidStateChange("supervisor already has a call")
			return
		}
		ctx, cancel := s.mediaCtx()
		defer cancel()
		if serr := snap.State.Call.Source.Spy(ctx, s.login); serr != nil {
			err = errors.InvalidMediaCall("spy rejected: " + serr.Error())
			return
		}
		s.expectSpy = true
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// AttachSpiedCall fulfills a pending spy with the actual call record. The
// supervisor joins outside the normal transition table and does not occupy
// a queue slot.
func (s *Session) AttachSpiedCall(call *media.Call) error {
	var err error
	callErr := s.call(func() {
		if !s.expectSpy {
			err = errors.InvalidMediaCall("no spy expected")
			return
		}
		s.expectSpy = false
		s.transition(State{Kind: StateOncall, Call: call})
	})
	if callErr != nil {
		return errors.Unknown("session unavailable", callErr)
	}
	return err
}

// Logout releases the current call if any and terminates the session.
func (s *Session) Logout() error {
	_ = s.call(func() {
		if s.state.Call != nil {
			ctx, cancel := s.mediaCtx()
			_ = s.state.Call.Source.Hangup(ctx)
			cancel()
		}
		s.state = State{Kind: StateOffline}
	})
	s.Stop("agent_logout")
	return nil
}

// Blab delivers a supervisor broadcast to this agent's client.
func (s *Session) Blab(text string) {
	s.cast(func() {
		s.emit(Event{Type: EventBlab, Text: text})
	})
}

// URLPop asks the client to open a named viewport.
func (s *Session) URLPop(url, name string) {
	s.cast(func() {
		s.emit(Event{Type: EventURLPop, URL: url, Name: name})
	})
}

// PushMediaEvent forwards an asynchronous media event to the client.
func (s *Session) PushMediaEvent(mediaType string, data map[string]interface{}) {
	s.cast(func() {
		s.emit(Event{Type: EventMediaEvent, Media: mediaType, Data: data})
	})
}

// PushSupervisorTab forwards a monitor tree mutation to a supervisor client.
func (s *Session) PushSupervisorTab(action, tabType, id string, details map[string]interface{}) {
	s.cast(func() {
		s.emit(Event{Type: EventSupervisorTab, Action: action, TabType: tabType, TabID: id, Details: details})
	})
}

// HandleMediaDeath reacts to the attached media dying underneath the call.
func (s *Session) HandleMediaDeath() {
	s.cast(func() {
		if s.state.Call == nil {
			return
		}
		s.logger.Warn("media died while attached", zap.String("call_id", s.state.Call.ID))
		if CanTransition(s.state.Kind, StateWrapup) {
			s.transition(State{Kind: StateWrapup, Call: s.state.Call})
			return
		}
		s.transition(s.idleOrQueuedRelease())
	})
}

// DumpState returns a read-only snapshot for dashboards and peers.
func (s *Session) DumpState() (Snapshot, error) {
	var snap Snapshot
	callErr := s.call(func() {
		snap = Snapshot{
			ID:         s.id,
			Login:      s.login,
			Profile:    s.profile,
			Security:   s.security,
			Skills:     append([]Skill(nil), s.skills...),
			Endpoint:   s.endpoint,
			State:      s.state,
			LastChange: s.lastChange,
		}
	})
	if callErr != nil {
		return Snapshot{}, ErrSessionStopped
	}
	return snap, nil
}
