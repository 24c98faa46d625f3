package queue

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/openacd/openacd/internal/agent"
	"github.com/openacd/openacd/internal/common/logger"
)

// AgentDirectory is the slice of the registry the dispatcher needs.
type AgentDirectory interface {
	List() []agent.Snapshot
	Query(login string) (*agent.Session, bool)
}

// Dispatcher periodically offers the most urgent waiting calls to idle
// agents whose skills cover the call's requirements.
type Dispatcher struct {
	queue     *CallQueue
	directory AgentDirectory
	interval  time.Duration
	stop      chan struct{}
	logger    *logger.Logger
}

// NewDispatcher creates a dispatcher for one queue. interval bounds how
// long a call waits after an agent becomes available.
func NewDispatcher(q *CallQueue, dir AgentDirectory, interval time.Duration, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{
		queue:     q,
		directory: dir,
		interval:  interval,
		stop:      make(chan struct{}),
		logger:    log.WithFields(zap.String("component", "dispatcher"), zap.String("queue", q.Name())),
	}
}

// Start runs the offer loop until Stop is called.
func (d *Dispatcher) Start() {
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.OfferPass()
			case <-d.stop:
				return
			}
		}
	}()
}

// Stop terminates the offer loop.
func (d *Dispatcher) Stop() {
	close(d.stop)
}

// OfferPass rings idle matching agents with waiting calls, most urgent
// first. Each agent takes at most one call per pass.
func (d *Dispatcher) OfferPass() {
	waiting := d.queue.List()
	if len(waiting) == 0 {
		return
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].Priority != waiting[j].Priority {
			return waiting[i].Priority > waiting[j].Priority
		}
		return waiting[i].QueuedAt.Before(waiting[j].QueuedAt)
	})

	idle := d.idleAgents()
	if len(idle) == 0 {
		return
	}

	for _, qc := range waiting {
		login, ok := pickAgent(idle, qc.Skills)
		if !ok {
			continue
		}
		delete(idle, login)

		sess, found := d.directory.Query(login)
		if !found {
			continue
		}
		if err := sess.Ring(qc.Call); err != nil {
			d.logger.Debug("offer refused",
				zap.String("agent", login),
				zap.String("call_id", qc.CallID),
				zap.Error(err))
			continue
		}
		d.queue.Remove(qc.CallID)
		d.logger.Info("call offered",
			zap.String("agent", login),
			zap.String("call_id", qc.CallID))
	}
}

// Requeue returns a call to the queue after a failed offer, keeping its
// priority so it stays at the front.
func (d *Dispatcher) Requeue(qc *QueuedCall) {
	if err := d.queue.Enqueue(qc.Call, qc.Priority); err != nil && err != ErrCallExists {
		d.logger.Warn("requeue failed", zap.String("call_id", qc.CallID), zap.Error(err))
	}
}

func (d *Dispatcher) idleAgents() map[string][]agent.Skill {
	idle := make(map[string][]agent.Skill)
	for _, snap := range d.directory.List() {
		if snap.State.Kind == agent.StateIdle {
			idle[snap.Login] = snap.Skills
		}
	}
	return idle
}

// pickAgent returns an idle agent whose skills cover every required atom.
func pickAgent(idle map[string][]agent.Skill, required []string) (string, bool) {
	for login, skills := range idle {
		if hasSkills(skills, required) {
			return login, true
		}
	}
	return "", false
}

func hasSkills(have []agent.Skill, required []string) bool {
	for _, want := range required {
		found := false
		for _, s := range have {
			if s.Atom == want || s.String() == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
