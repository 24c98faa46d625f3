package agent

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openacd/openacd/internal/common/errors"
	"github.com/openacd/openacd/internal/common/logger"
	"github.com/openacd/openacd/internal/media"
)

type eventCollector struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventCollector() *eventCollector {
	return &eventCollector{ch: make(chan Event, 64)}
}

func (c *eventCollector) Push(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.ch <- ev
}

// wait blocks until an event of the given type arrives or the timeout fires.
func (c *eventCollector) wait(t *testing.T, typ EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return Event{}
		}
	}
}

func (c *eventCollector) countType(typ EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type lookupFunc func(login string) (*Session, bool)

func (f lookupFunc) Query(login string) (*Session, bool) { return f(login) }

func newTestSession(t *testing.T, spec Spec, deps Deps) (*Session, *eventCollector) {
	t.Helper()
	if spec.Login == "" {
		spec.Login = "alice"
	}
	if spec.ID == "" {
		spec.ID = "agent-" + spec.Login
	}
	if spec.Security == "" {
		spec.Security = SecurityAgent
	}
	if deps.Timers.Ringout == 0 {
		deps.Timers = Timers{Ringout: 40 * time.Millisecond, MediaTimeout: time.Second}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	s := New(spec, deps)
	t.Cleanup(func() { s.Stop("test_teardown") })
	col := newEventCollector()
	s.SetSink(col)
	return s, col
}

func appCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr), "expected AppError, got %v", err)
	return appErr.Code
}

func TestSessionStartsIdle(t *testing.T) {
	s, _ := newTestSession(t, Spec{}, Deps{})
	snap, err := s.DumpState()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State.Kind)
	assert.Nil(t, snap.State.Call)
}

func TestSessionReleaseAndBack(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})

	reason := ReleaseReason{ID: "lunch", Label: "Lunch", Bias: -1}
	queued, err := s.SetState(StateReleased, &reason)
	require.NoError(t, err)
	assert.False(t, queued)

	ev := col.wait(t, EventAgentState, time.Second)
	require.NotNil(t, ev.State)
	assert.Equal(t, StateReleased, ev.State.Kind)
	assert.Equal(t, "lunch", ev.State.Release.ID)

	queued, err = s.SetState(StateIdle, nil)
	require.NoError(t, err)
	assert.False(t, queued)

	ev = col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateIdle, ev.State.Kind)
}

func TestSessionReleaseDefaultReason(t *testing.T) {
	s, _ := newTestSession(t, Spec{}, Deps{})

	_, err := s.SetState(StateReleased, nil)
	require.NoError(t, err)

	snap, err := s.DumpState()
	require.NoError(t, err)
	assert.True(t, snap.State.Release.IsDefault())
}

func TestSessionRingAnswerHangup(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})
	call, driver := media.NewDummyCall("call-1")

	require.NoError(t, s.Ring(call))
	ev := col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateRinging, ev.State.Kind)

	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)
	ev = col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateOncall, ev.State.Kind)
	require.NotNil(t, ev.State.Call)
	assert.Equal(t, "call-1", ev.State.Call.ID)

	require.NoError(t, s.MediaHangup())
	ev = col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateWrapup, ev.State.Kind)
	assert.True(t, driver.HungUp)
	// Wrapup keeps the call record around for the client.
	assert.Equal(t, "call-1", ev.State.Call.ID)

	_, err = s.SetState(StateIdle, nil)
	require.NoError(t, err)
	ev = col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateIdle, ev.State.Kind)
	assert.Nil(t, ev.State.Call)
}

func TestSessionRingTimeout(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{
		Timers: Timers{Ringout: 30 * time.Millisecond, MediaTimeout: time.Second},
	})
	call, driver := media.NewDummyCall("call-rt")

	require.NoError(t, s.Ring(call))
	ev := col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateRinging, ev.State.Kind)

	ev = col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateIdle, ev.State.Kind)
	assert.Contains(t, driver.Unrung, "call-rt")

	// The expired timer must not fire a second transition later.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 2, col.countType(EventAgentState))
}

func TestSessionAnswerCancelsRingTimer(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{
		Timers: Timers{Ringout: 30 * time.Millisecond, MediaTimeout: time.Second},
	})
	call, driver := media.NewDummyCall("call-ans")

	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)

	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)
	col.wait(t, EventAgentState, time.Second)

	time.Sleep(80 * time.Millisecond)
	snap, err := s.DumpState()
	require.NoError(t, err)
	assert.Equal(t, StateOncall, snap.State.Kind)
	assert.Empty(t, driver.Unrung)
}

func TestSessionQueuedRelease(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})
	call, _ := media.NewDummyCall("call-q")

	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)
	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)
	col.wait(t, EventAgentState, time.Second)

	reason := ReleaseReason{ID: "eod", Label: "End of day", Bias: -1}
	queued, err := s.SetState(StateReleased, &reason)
	require.NoError(t, err)
	assert.True(t, queued)

	// Still oncall; the release waits for the call to end.
	snap, err := s.DumpState()
	require.NoError(t, err)
	assert.Equal(t, StateOncall, snap.State.Kind)

	require.NoError(t, s.MediaHangup())
	ev := col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateWrapup, ev.State.Kind)

	_, err = s.SetState(StateIdle, nil)
	require.NoError(t, err)
	ev = col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateReleased, ev.State.Kind)
	assert.Equal(t, "eod", ev.State.Release.ID)
}

func TestSessionWarmTransferRoundTrip(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})
	call, driver := media.NewDummyCall("call-wt")

	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)
	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)
	col.wait(t, EventAgentState, time.Second)

	require.NoError(t, s.WarmTransfer("19005551234"))
	ev := col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateWarmTransfer, ev.State.Kind)
	assert.Equal(t, "19005551234", ev.State.Calling)
	require.NotNil(t, ev.State.Call)
	assert.Equal(t, "call-wt", ev.State.Call.ID)

	require.NoError(t, s.WarmTransferCancel())
	ev = col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateOncall, ev.State.Kind)
	assert.Equal(t, "call-wt", ev.State.Call.ID)
	assert.True(t, driver.Cancelled)

	require.NoError(t, s.WarmTransfer("19005551234"))
	col.wait(t, EventAgentState, time.Second)
	require.NoError(t, s.WarmTransferComplete())
	ev = col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateWrapup, ev.State.Kind)
	assert.True(t, driver.Completed)
}

func TestSessionInvalidTransitions(t *testing.T) {
	s, _ := newTestSession(t, Spec{}, Deps{})

	_, err := s.SetState(StateOutgoing, nil)
	assert.Equal(t, errors.ErrCodeInvalidStateChange, appCode(t, err))

	_, err = s.SetState(StateOncall, nil)
	assert.Equal(t, errors.ErrCodeInvalidStateChange, appCode(t, err))

	_, err = s.SetState(StateWrapup, nil)
	assert.Equal(t, errors.ErrCodeInvalidStateChange, appCode(t, err))

	err = s.Dial("5551234")
	assert.Equal(t, errors.ErrCodeInvalidStateChange, appCode(t, err))

	err = s.WarmTransferComplete()
	assert.Equal(t, errors.ErrCodeInvalidStateChange, appCode(t, err))

	err = s.MediaHangup()
	assert.Equal(t, errors.ErrCodeInvalidMediaCall, appCode(t, err))
}

func TestSessionRingRejectedOutsideIdle(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})
	call, _ := media.NewDummyCall("call-a")

	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)
	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)
	col.wait(t, EventAgentState, time.Second)
	require.NoError(t, s.MediaHangup())
	col.wait(t, EventAgentState, time.Second)

	// Wrapup refuses a fresh ring until the agent goes idle again.
	second, _ := media.NewDummyCall("call-b")
	err = s.Ring(second)
	assert.Equal(t, errors.ErrCodeInvalidStateChange, appCode(t, err))
}

func TestSessionOutboundFlow(t *testing.T) {
	reg := media.NewFactoryRegistry(logger.Default())
	reg.Register(media.TypeVoice, media.DummyOutboundFactory(media.TypeVoice))

	s, col := newTestSession(t, Spec{}, Deps{Outbound: reg})

	require.NoError(t, s.InitOutbound("client-9", media.TypeVoice))
	ev := col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StatePrecall, ev.State.Kind)
	require.NotNil(t, ev.State.Call)
	assert.Equal(t, media.Outbound, ev.State.Call.Direction)

	require.NoError(t, s.Dial("5550001111"))
	ev = col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateOutgoing, ev.State.Kind)

	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)
	ev = col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateOncall, ev.State.Kind)

	require.NoError(t, s.MediaHangup())
	ev = col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateWrapup, ev.State.Kind)
}

func TestSessionOutboundUnknownMedia(t *testing.T) {
	reg := media.NewFactoryRegistry(logger.Default())
	s, _ := newTestSession(t, Spec{}, Deps{Outbound: reg})

	err := s.InitOutbound("client-9", media.TypeVoice)
	assert.Equal(t, errors.ErrCodeMediaNoExists, appCode(t, err))

	err = s.InitOutbound("client-9", media.Type("fax"))
	assert.Equal(t, errors.ErrCodeMediaNoExists, appCode(t, err))
}

func TestSessionPrecallAbortRestoresRelease(t *testing.T) {
	reg := media.NewFactoryRegistry(logger.Default())
	reg.Register(media.TypeVoice, media.DummyOutboundFactory(media.TypeVoice))
	s, col := newTestSession(t, Spec{}, Deps{Outbound: reg})

	reason := ReleaseReason{ID: "followup", Label: "Follow up", Bias: 1}
	_, err := s.SetState(StateReleased, &reason)
	require.NoError(t, err)
	col.wait(t, EventAgentState, time.Second)

	require.NoError(t, s.InitOutbound("client-1", media.TypeVoice))
	col.wait(t, EventAgentState, time.Second)

	require.NoError(t, s.PrecallAbort())
	ev := col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateReleased, ev.State.Kind)
	assert.Equal(t, "followup", ev.State.Release.ID)
}

func TestSessionAgentTransfer(t *testing.T) {
	target, _ := newTestSession(t, Spec{Login: "bob"}, Deps{})

	lookup := lookupFunc(func(login string) (*Session, bool) {
		if login == "bob" {
			return target, true
		}
		return nil, false
	})

	s, col := newTestSession(t, Spec{Login: "alice"}, Deps{Lookup: lookup})
	call, driver := media.NewDummyCall("call-xfer")

	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)
	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)
	col.wait(t, EventAgentState, time.Second)

	err = s.AgentTransfer("nobody", "")
	assert.Equal(t, errors.ErrCodeAgentNoExists, appCode(t, err))

	require.NoError(t, s.AgentTransfer("bob", "case-42"))
	ev := col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateWrapup, ev.State.Kind)
	assert.Contains(t, driver.Transfers, "bob")
	assert.Contains(t, driver.TransferCases, "case-42")
}

func TestSessionQueueTransfer(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})
	call, driver := media.NewDummyCall("call-qx")

	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)
	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)
	col.wait(t, EventAgentState, time.Second)

	err = s.QueueTransfer("support", map[string]string{"priority": "high"}, []string{"english"})
	require.NoError(t, err)
	ev := col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateWrapup, ev.State.Kind)
	assert.Contains(t, driver.QueuedTo, "support")
}

func TestSessionMediaCommand(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})
	call, driver := media.NewDummyCall("call-mc")
	driver.CommandReply = map[string]interface{}{"held": true}

	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)
	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)
	col.wait(t, EventAgentState, time.Second)

	res, err := s.MediaCommand("hold", false, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"held": true}, res)

	res, err = s.MediaCommand("notify", true, []interface{}{"x"})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Len(t, driver.Commands, 2)
	assert.True(t, driver.Commands[1].Cast)
}

func TestSessionMediaDeath(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})
	call, _ := media.NewDummyCall("call-dead")

	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)
	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)
	col.wait(t, EventAgentState, time.Second)

	s.HandleMediaDeath()
	ev := col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateWrapup, ev.State.Kind)
}

func TestSessionMediaDeathWhileRinging(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})
	call, _ := media.NewDummyCall("call-dead2")

	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)

	s.HandleMediaDeath()
	ev := col.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateIdle, ev.State.Kind)
}

func TestSessionChangeProfile(t *testing.T) {
	s, col := newTestSession(t, Spec{Profile: "default"}, Deps{})

	require.NoError(t, s.ChangeProfile("tier2"))
	ev := col.wait(t, EventProfile, time.Second)
	assert.Equal(t, "tier2", ev.Profile)

	snap, err := s.DumpState()
	require.NoError(t, err)
	assert.Equal(t, "tier2", snap.Profile)
}

func TestSessionSetEndpoint(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})

	require.NoError(t, s.SetEndpoint("sip:alice@pbx"))
	snap, err := s.DumpState()
	require.NoError(t, err)
	assert.Equal(t, "sip:alice@pbx", snap.Endpoint)

	call, _ := media.NewDummyCall("call-ep")
	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)

	err = s.SetEndpoint("sip:alice@home")
	assert.Equal(t, errors.ErrCodeInvalidStateChange, appCode(t, err))
}

func TestSessionBlabAndURLPop(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})

	s.Blab("team meeting at 3")
	ev := col.wait(t, EventBlab, time.Second)
	assert.Equal(t, "team meeting at 3", ev.Text)

	s.URLPop("https://crm.example/case/42", "case")
	ev = col.wait(t, EventURLPop, time.Second)
	assert.Equal(t, "https://crm.example/case/42", ev.URL)
	assert.Equal(t, "case", ev.Name)
}

func TestSessionSpy(t *testing.T) {
	target, tcol := newTestSession(t, Spec{Login: "bob"}, Deps{})
	call, driver := media.NewDummyCall("call-spy")
	require.NoError(t, target.Ring(call))
	tcol.wait(t, EventAgentState, time.Second)
	_, err := target.SetState(StateOncall, nil)
	require.NoError(t, err)
	tcol.wait(t, EventAgentState, time.Second)

	agent, _ := newTestSession(t, Spec{Login: "carol"}, Deps{})
	err = agent.Spy(target)
	assert.Equal(t, errors.ErrCodeForbidden, appCode(t, err))

	sup, scol := newTestSession(t, Spec{Login: "sue", Security: SecuritySupervisor}, Deps{})
	require.NoError(t, sup.Spy(target))
	assert.Contains(t, driver.SpiedBy, "sue")

	spyCall, _ := media.NewDummyCall("call-spy-leg")
	require.NoError(t, sup.AttachSpiedCall(spyCall))
	ev := scol.wait(t, EventAgentState, time.Second)
	assert.Equal(t, StateOncall, ev.State.Kind)
}

func TestSessionSpyRequiresOncallTarget(t *testing.T) {
	target, _ := newTestSession(t, Spec{Login: "bob"}, Deps{})
	sup, _ := newTestSession(t, Spec{Login: "sue", Security: SecuritySupervisor}, Deps{})

	err := sup.Spy(target)
	assert.Equal(t, errors.ErrCodeInvalidStateChange, appCode(t, err))
}

func TestSessionLogout(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})
	call, driver := media.NewDummyCall("call-lo")

	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)
	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)
	col.wait(t, EventAgentState, time.Second)

	require.NoError(t, s.Logout())
	assert.True(t, driver.HungUp)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not stop after logout")
	}
	assert.Equal(t, "agent_logout", s.StopReason())

	_, err = s.SetState(StateIdle, nil)
	assert.Equal(t, errors.ErrCodeUnknownError, appCode(t, err))
}

func TestSessionMediaLoadForNonVoice(t *testing.T) {
	s, col := newTestSession(t, Spec{}, Deps{})
	call, _ := media.NewDummyCall("call-email")
	call.Type = media.TypeEmail

	require.NoError(t, s.Ring(call))
	col.wait(t, EventAgentState, time.Second)
	_, err := s.SetState(StateOncall, nil)
	require.NoError(t, err)

	ev := col.wait(t, EventMediaLoad, time.Second)
	assert.Equal(t, "email", ev.Media)
	assert.True(t, ev.FullPane)
}
