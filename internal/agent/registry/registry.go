// Package registry is the cluster-facing agent directory. It owns session
// lifecycles, enforces one session per login, and relays presence and
// supervisor broadcasts over the event bus.
package registry

import (
	"context"
	stderrors "errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openacd/openacd/internal/agent"
	"github.com/openacd/openacd/internal/common/logger"
	"github.com/openacd/openacd/internal/events"
	"github.com/openacd/openacd/internal/events/bus"
	"github.com/openacd/openacd/internal/media"
)

// ErrClusterUnavailable is returned when the directory cannot reach the
// cluster bus; callers must not treat the login as started.
var ErrClusterUnavailable = stderrors.New("cluster_unavailable")

// BlabScope selects the audience of a supervisor broadcast.
type BlabScope string

const (
	BlabAll     BlabScope = "all"
	BlabAgent   BlabScope = "agent"
	BlabProfile BlabScope = "profile"
	BlabNode    BlabScope = "node"
)

// Registry maps logins to live sessions on this node and mirrors presence
// onto the bus so peers can see the cluster-wide directory.
type Registry struct {
	mu      sync.RWMutex
	byLogin map[string]*agent.Session
	byID    map[string]*agent.Session

	node        string
	bus         bus.EventBus
	outbound    *media.FactoryRegistry
	timers      agent.Timers
	callTimeout time.Duration
	logger      *logger.Logger

	blabSub bus.Subscription
}

// New creates a registry bound to the given bus and subscribes it to
// cluster blab traffic. callTimeout bounds the registry's publishes to the
// bus; nonpositive selects a 5s default.
func New(b bus.EventBus, outbound *media.FactoryRegistry, timers agent.Timers, callTimeout time.Duration, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.Default()
	}
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	host, _ := os.Hostname()
	if host == "" {
		host = uuid.New().String()
	}

	r := &Registry{
		byLogin:     make(map[string]*agent.Session),
		byID:        make(map[string]*agent.Session),
		node:        host,
		bus:         b,
		outbound:    outbound,
		timers:      timers,
		callTimeout: callTimeout,
		logger:      log.WithFields(zap.String("component", "agent-registry"), zap.String("node", host)),
	}

	sub, err := b.Subscribe(events.SubjectBlab, r.handleBlabEvent)
	if err != nil {
		return nil, err
	}
	r.blabSub = sub
	return r, nil
}

// Node returns this node's name as seen in presence events.
func (r *Registry) Node() string { return r.node }

// StartAgent starts a session for the login, or hands back the live one if
// the login is already connected. existing reports which case occurred.
func (r *Registry) StartAgent(spec agent.Spec) (sess *agent.Session, existing bool, err error) {
	if !r.bus.IsConnected() {
		return nil, false, ErrClusterUnavailable
	}

	r.mu.Lock()
	if live, ok := r.byLogin[spec.Login]; ok {
		r.mu.Unlock()
		return live, true, nil
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	sess = agent.New(spec, agent.Deps{
		Lookup:   r,
		Outbound: r.outbound,
		Timers:   r.timers,
		Logger:   r.logger,
	})
	r.byLogin[spec.Login] = sess
	r.byID[spec.ID] = sess
	r.mu.Unlock()

	go r.monitor(sess)

	r.publishPresence(events.AgentOnline, map[string]interface{}{
		"login":   spec.Login,
		"profile": spec.Profile,
	})
	r.logger.Info("agent started", zap.String("agent", spec.Login), zap.String("profile", spec.Profile))
	return sess, false, nil
}

// Query returns the live session for a login. Implements agent.SessionLookup.
func (r *Registry) Query(login string) (*agent.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byLogin[login]
	return sess, ok
}

// QueryID returns the live session for an opaque agent id.
func (r *Registry) QueryID(id string) (*agent.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byID[id]
	return sess, ok
}

// List snapshots every live session on this node.
func (r *Registry) List() []agent.Snapshot {
	r.mu.RLock()
	sessions := make([]*agent.Session, 0, len(r.byLogin))
	for _, sess := range r.byLogin {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	snaps := make([]agent.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snap, err := sess.DumpState()
		if err != nil {
			continue // raced with a logout
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// Blab publishes a supervisor broadcast. Delivery to matching sessions on
// every node, this one included, happens through the bus subscription.
func (r *Registry) Blab(text string, scope BlabScope, target string) error {
	ev := bus.NewEvent(events.Blab, r.node, map[string]interface{}{
		"text":   text,
		"scope":  string(scope),
		"target": target,
	})
	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()
	return r.bus.Publish(ctx, events.SubjectBlab, ev)
}

func (r *Registry) handleBlabEvent(ctx context.Context, ev *bus.Event) error {
	text, _ := ev.Data["text"].(string)
	scope, _ := ev.Data["scope"].(string)
	target, _ := ev.Data["target"].(string)

	switch BlabScope(scope) {
	case BlabAll:
		for _, snap := range r.List() {
			r.blabTo(snap.Login, text)
		}
	case BlabAgent:
		r.blabTo(target, text)
	case BlabProfile:
		for _, snap := range r.List() {
			if snap.Profile == target {
				r.blabTo(snap.Login, text)
			}
		}
	case BlabNode:
		if target == r.node {
			for _, snap := range r.List() {
				r.blabTo(snap.Login, text)
			}
		}
	default:
		r.logger.Warn("dropping blab with unknown scope", zap.String("scope", scope))
	}
	return nil
}

func (r *Registry) blabTo(login, text string) {
	if sess, ok := r.Query(login); ok {
		sess.Blab(text)
	}
}

// monitor removes a session from the directory once it terminates, whatever
// the reason, so the login can reconnect.
func (r *Registry) monitor(sess *agent.Session) {
	<-sess.Done()

	r.mu.Lock()
	if current, ok := r.byLogin[sess.Login()]; ok && current == sess {
		delete(r.byLogin, sess.Login())
		delete(r.byID, sess.ID())
	}
	r.mu.Unlock()

	r.publishPresence(events.AgentOffline, map[string]interface{}{
		"login":  sess.Login(),
		"reason": sess.StopReason(),
	})
	r.logger.Info("agent removed",
		zap.String("agent", sess.Login()),
		zap.String("reason", sess.StopReason()))
}

func (r *Registry) publishPresence(eventType string, data map[string]interface{}) {
	ev := bus.NewEvent(eventType, r.node, data)
	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, events.SubjectAgentPresence, ev); err != nil {
		r.logger.Warn("presence publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

// Close stops every session and detaches from the bus.
func (r *Registry) Close() {
	if r.blabSub != nil {
		_ = r.blabSub.Unsubscribe()
	}

	r.mu.RLock()
	sessions := make([]*agent.Session, 0, len(r.byLogin))
	for _, sess := range r.byLogin {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	for _, sess := range sessions {
		sess.Stop("shutdown")
	}
}
