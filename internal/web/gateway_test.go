package web

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openacd/openacd/internal/agent"
	"github.com/openacd/openacd/internal/common/errors"
	"github.com/openacd/openacd/internal/common/logger"
)

func newTestGateway(t *testing.T, timers PollTimers) (*agent.Session, *Gateway) {
	t.Helper()
	sess := agent.New(agent.Spec{ID: "a1", Login: "alice"}, agent.Deps{
		Timers: agent.Timers{Ringout: time.Second, MediaTimeout: time.Second},
		Logger: logger.Default(),
	})
	gw := NewGateway(sess, timers, logger.Default())
	t.Cleanup(func() {
		gw.Stop()
		sess.Stop("test_teardown")
	})
	return sess, gw
}

// quickTimers keeps flushes fast but liveness generous so tests that do not
// poll continuously do not lose their session.
func quickTimers() PollTimers {
	return PollTimers{
		Flush:     20 * time.Millisecond,
		KeepAlive: 5 * time.Second,
		Liveness:  30 * time.Second,
	}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	return appErr.Code
}

func TestPollDrainsBufferedEvents(t *testing.T) {
	sess, gw := newTestGateway(t, quickTimers())

	require.NoError(t, sess.ChangeProfile("tier2"))

	// The aprofile event is buffered before the poll arrives, so the poll
	// returns at once.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		events, err := gw.Poll(ctx)
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev["command"] == "aprofile" && ev["profile"] == "tier2" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestPollParksUntilEventsFlush(t *testing.T) {
	sess, gw := newTestGateway(t, quickTimers())

	type pollOut struct {
		events []map[string]interface{}
		err    error
	}
	out := make(chan pollOut, 1)
	go func() {
		events, err := gw.Poll(context.Background())
		out <- pollOut{events, err}
	}()

	time.Sleep(30 * time.Millisecond) // let the poll park

	_, err := sess.SetState(agent.StateReleased, nil)
	require.NoError(t, err)

	select {
	case res := <-out:
		require.NoError(t, res.err)
		require.NotEmpty(t, res.events)
		assert.Equal(t, "astate", res.events[0]["command"])
		assert.Equal(t, "released", res.events[0]["state"])
	case <-time.After(time.Second):
		t.Fatal("poll never flushed")
	}
}

func TestPollCoalescesCloselySpacedEvents(t *testing.T) {
	sess, gw := newTestGateway(t, quickTimers())

	out := make(chan []map[string]interface{}, 1)
	go func() {
		events, err := gw.Poll(context.Background())
		if err == nil {
			out <- events
		}
	}()
	time.Sleep(30 * time.Millisecond)

	// Two transitions inside one flush window arrive in one response.
	_, err := sess.SetState(agent.StateReleased, nil)
	require.NoError(t, err)
	_, err = sess.SetState(agent.StateIdle, nil)
	require.NoError(t, err)

	select {
	case events := <-out:
		require.Len(t, events, 2)
		assert.Equal(t, "released", events[0]["state"])
		assert.Equal(t, "idle", events[1]["state"])
	case <-time.After(time.Second):
		t.Fatal("poll never flushed")
	}
}

func TestNewerPollEvictsOlder(t *testing.T) {
	_, gw := newTestGateway(t, quickTimers())

	firstErr := make(chan error, 1)
	go func() {
		_, err := gw.Poll(context.Background())
		firstErr <- err
	}()
	time.Sleep(30 * time.Millisecond)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, _ = gw.Poll(ctx)
	}()

	select {
	case err := <-firstErr:
		assert.Equal(t, errors.ErrCodePollPidReplaced, errCode(t, err))
	case <-time.After(time.Second):
		t.Fatal("displaced poll never returned")
	}
}

func TestKeepAlivePong(t *testing.T) {
	liveness := 120 * time.Millisecond
	_, gw := newTestGateway(t, PollTimers{
		Flush:     20 * time.Millisecond,
		KeepAlive: 30 * time.Millisecond,
		Liveness:  liveness,
	})

	start := time.Now()
	events, err := gw.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pong", events[0]["command"])
	assert.NotZero(t, events[0]["timestamp"])

	// The keepalive tick alone never pongs; the poll must first sit idle
	// for the liveness bound.
	assert.GreaterOrEqual(t, time.Since(start), liveness)
}

func TestParkedPollKeepsSessionAlive(t *testing.T) {
	sess, gw := newTestGateway(t, PollTimers{
		Flush:     20 * time.Millisecond,
		KeepAlive: 5 * time.Second,
		Liveness:  80 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = gw.Poll(ctx)
	}()

	// Well past the liveness bound, the parked poll still counts as a
	// live client.
	select {
	case <-sess.Done():
		t.Fatalf("session terminated under a parked poll: %s", sess.StopReason())
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLivenessTerminatesSession(t *testing.T) {
	sess, _ := newTestGateway(t, PollTimers{
		Flush:     20 * time.Millisecond,
		KeepAlive: 5 * time.Second,
		Liveness:  80 * time.Millisecond,
	})

	select {
	case <-sess.Done():
		assert.Equal(t, "missed_polls", sess.StopReason())
	case <-time.After(2 * time.Second):
		t.Fatal("session survived without polls")
	}
}

func TestPollFailsAfterSessionDeath(t *testing.T) {
	sess, gw := newTestGateway(t, quickTimers())

	sess.Stop("agent_logout")

	select {
	case <-gw.Done():
	case <-time.After(time.Second):
		t.Fatal("gateway survived session death")
	}

	_, err := gw.Poll(context.Background())
	assert.Equal(t, errors.ErrCodeAgentNoExists, errCode(t, err))
}

func TestPollContextCancel(t *testing.T) {
	_, gw := newTestGateway(t, quickTimers())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := gw.Poll(ctx)
	assert.Equal(t, errors.ErrCodeUnknownError, errCode(t, err))
}
