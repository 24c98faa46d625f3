package web

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openacd/openacd/internal/agent"
	"github.com/openacd/openacd/internal/common/errors"
	"github.com/openacd/openacd/internal/common/logger"
)

// PollTimers governs the long-poll channel of one gateway.
type PollTimers struct {
	// Flush is how long buffered events coalesce before an outstanding
	// poll is answered.
	Flush time.Duration
	// KeepAlive is how often a parked poll is checked for the synthetic
	// pong; the pong itself fires only once the poll has sat idle for the
	// Liveness bound.
	KeepAlive time.Duration
	// Liveness is how long the gateway tolerates no poll at all before it
	// declares the client gone and terminates the session. A parked poll
	// counts as a live client.
	Liveness time.Duration
}

// DefaultPollTimers returns the production defaults.
func DefaultPollTimers() PollTimers {
	return PollTimers{
		Flush:     500 * time.Millisecond,
		KeepAlive: 11 * time.Second,
		Liveness:  20 * time.Second,
	}
}

type pollResult struct {
	events []map[string]interface{}
	err    error
}

// Gateway owns the event channel between one agent session and its client.
// Events are buffered FIFO; at most one long poll waits at a time, and a
// newer poll evicts the older one. Like the session, all state is owned by
// a single goroutine fed through a command channel.
type Gateway struct {
	sess   *agent.Session
	timers PollTimers

	cmds     chan func()
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the run goroutine.
	buffer      []map[string]interface{}
	waiter      chan pollResult
	waiterSince time.Time
	flushArmed  bool
	lastPoll    time.Time

	logger *logger.Logger
}

// NewGateway wires a gateway to a session and registers it as the session's
// event sink.
func NewGateway(sess *agent.Session, timers PollTimers, log *logger.Logger) *Gateway {
	if timers.Flush <= 0 {
		timers = DefaultPollTimers()
	}
	if log == nil {
		log = logger.Default()
	}

	g := &Gateway{
		sess:     sess,
		timers:   timers,
		cmds:     make(chan func(), 64),
		done:     make(chan struct{}),
		lastPoll: time.Now(),
		logger:   log.WithFields(zap.String("component", "web-gateway"), zap.String("agent", sess.Login())),
	}

	go g.run()
	sess.SetSink(g)
	return g
}

// Session returns the session this gateway fronts.
func (g *Gateway) Session() *agent.Session { return g.sess }

// Done is closed when the gateway terminates.
func (g *Gateway) Done() <-chan struct{} { return g.done }

// Stop terminates the gateway without touching the session.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.done) })
}

func (g *Gateway) run() {
	keepalive := time.NewTicker(g.timers.KeepAlive)
	defer keepalive.Stop()

	checkEvery := g.timers.Liveness / 4
	if checkEvery < 10*time.Millisecond {
		checkEvery = 10 * time.Millisecond
	}
	liveness := time.NewTicker(checkEvery)
	defer liveness.Stop()

	for {
		select {
		case fn := <-g.cmds:
			fn()
		case <-keepalive.C:
			g.handleKeepAlive()
		case <-liveness.C:
			if g.waiter == nil && time.Since(g.lastPoll) > g.timers.Liveness {
				g.logger.Info("client stopped polling, terminating session")
				g.resolveWaiter(pollResult{err: errors.AgentNoExists(g.sess.Login())})
				g.sess.Stop("missed_polls")
				g.Stop()
				return
			}
		case <-g.sess.Done():
			g.resolveWaiter(pollResult{err: errors.AgentNoExists(g.sess.Login())})
			g.Stop()
			return
		case <-g.done:
			g.resolveWaiter(pollResult{err: errors.AgentNoExists(g.sess.Login())})
			return
		}
	}
}

func (g *Gateway) call(fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		defer close(ran)
		fn()
	}
	select {
	case g.cmds <- wrapped:
	case <-g.done:
		return errors.AgentNoExists(g.sess.Login())
	}
	select {
	case <-ran:
		return nil
	case <-g.done:
		return errors.AgentNoExists(g.sess.Login())
	}
}

func (g *Gateway) cast(fn func()) {
	select {
	case g.cmds <- fn:
	case <-g.done:
	}
}

// Push implements agent.EventSink. Called from the session goroutine.
func (g *Gateway) Push(ev agent.Event) {
	encoded := EncodeEvent(ev)
	g.cast(func() { g.handlePush(encoded) })
}

func (g *Gateway) handlePush(encoded map[string]interface{}) {
	g.buffer = append(g.buffer, encoded)
	if g.waiter != nil && !g.flushArmed {
		// Let closely spaced events ride the same poll response.
		g.flushArmed = true
		time.AfterFunc(g.timers.Flush, func() {
			g.cast(g.flush)
		})
	}
}

func (g *Gateway) flush() {
	g.flushArmed = false
	if g.waiter == nil || len(g.buffer) == 0 {
		return
	}
	g.resolveWaiter(pollResult{events: g.buffer})
	g.buffer = nil
}

func (g *Gateway) handleKeepAlive() {
	if g.waiter == nil || len(g.buffer) > 0 {
		return
	}
	// Only a poll that has sat idle for the full liveness bound gets the
	// synthetic pong; the keepalive tick is just the check cadence.
	if time.Since(g.waiterSince) < g.timers.Liveness {
		return
	}
	g.resolveWaiter(pollResult{events: []map[string]interface{}{pongEvent(time.Now())}})
}

func (g *Gateway) resolveWaiter(res pollResult) {
	if g.waiter == nil {
		return
	}
	g.waiter <- res
	g.waiter = nil
}

// Poll is the long-poll entry point. It returns buffered events right away
// when there are any; otherwise it parks until events flush, a keepalive
// pong fires, a newer poll displaces it, or the client context ends.
func (g *Gateway) Poll(ctx context.Context) ([]map[string]interface{}, error) {
	result := make(chan pollResult, 1)

	if err := g.call(func() {
		g.lastPoll = time.Now()
		g.resolveWaiter(pollResult{err: errors.PollReplaced()})
		if len(g.buffer) > 0 {
			result <- pollResult{events: g.buffer}
			g.buffer = nil
			return
		}
		g.waiter = result
		g.waiterSince = time.Now()
	}); err != nil {
		return nil, err
	}

	select {
	case res := <-result:
		return res.events, res.err
	case <-ctx.Done():
		g.cast(func() {
			if g.waiter == result {
				g.waiter = nil
			}
		})
		return nil, errors.Unknown("poll aborted", ctx.Err())
	case <-g.done:
		return nil, errors.AgentNoExists(g.sess.Login())
	}
}
