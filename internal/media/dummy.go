package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DummyDriver is an in-process media driver for development and tests. It
// accepts every command and records what was asked of it.
type DummyDriver struct {
	mu sync.Mutex

	// Recorded interactions, newest last.
	Unrung        []string
	Dialed        []string
	HungUp        bool
	Commands      []RecordedCommand
	Transfers     []string
	TransferCases []string
	QueuedTo      []string
	Consults      []string
	Completed     bool
	Cancelled     bool
	SpiedBy       []string
	CommandReply  interface{}
	Fail          error // when set, synchronous calls return this error
}

// RecordedCommand captures a Command or Cast invocation.
type RecordedCommand struct {
	Name string
	Args []interface{}
	Cast bool
}

// NewDummyDriver returns a driver that accepts everything.
func NewDummyDriver() *DummyDriver {
	return &DummyDriver{}
}

// NewDummyCall builds a voice call owned by a fresh dummy driver.
func NewDummyCall(id string) (*Call, *DummyDriver) {
	if id == "" {
		id = uuid.New().String()
	}
	d := NewDummyDriver()
	return &Call{
		ID:        id,
		Type:      TypeVoice,
		Source:    d,
		CallerID:  CallerID{Name: "Unknown", Number: "0000000000"},
		Direction: Inbound,
		RingPath:  PathOutband,
		MediaPath: PathInband,
	}, d
}

// DummyOutboundFactory returns an OutboundFactory producing dummy voice calls.
func DummyOutboundFactory(t Type) OutboundFactory {
	return func(ctx context.Context, clientID, agentLogin string) (*Call, error) {
		d := NewDummyDriver()
		return &Call{
			ID:        uuid.New().String(),
			Type:      t,
			Source:    d,
			CallerID:  CallerID{Name: agentLogin, Number: ""},
			Client:    &Client{ID: clientID, Label: clientID},
			Direction: Outbound,
			RingPath:  PathOutband,
			MediaPath: PathInband,
		}, nil
	}
}

func (d *DummyDriver) Unring(ctx context.Context, callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.Unrung = append(d.Unrung, callID)
	return nil
}

func (d *DummyDriver) Dial(ctx context.Context, number string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.Dialed = append(d.Dialed, number)
	return nil
}

func (d *DummyDriver) Hangup(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.HungUp = true
	return nil
}

func (d *DummyDriver) Command(ctx context.Context, name string, args []interface{}) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return nil, d.Fail
	}
	d.Commands = append(d.Commands, RecordedCommand{Name: name, Args: args})
	return d.CommandReply, nil
}

func (d *DummyDriver) Cast(name string, args []interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Commands = append(d.Commands, RecordedCommand{Name: name, Args: args, Cast: true})
}

func (d *DummyDriver) AgentTransfer(ctx context.Context, target, caseID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.Transfers = append(d.Transfers, target)
	if caseID != "" {
		d.TransferCases = append(d.TransferCases, caseID)
	}
	return nil
}

func (d *DummyDriver) QueueTransfer(ctx context.Context, queue string, vars map[string]string, skills []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.QueuedTo = append(d.QueuedTo, queue)
	return nil
}

func (d *DummyDriver) WarmTransfer(ctx context.Context, destination string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.Consults = append(d.Consults, destination)
	return nil
}

func (d *DummyDriver) WarmTransferComplete(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.Completed = true
	return nil
}

func (d *DummyDriver) WarmTransferCancel(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.Cancelled = true
	return nil
}

func (d *DummyDriver) Spy(ctx context.Context, supervisor string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.SpiedBy = append(d.SpiedBy, supervisor)
	return nil
}
