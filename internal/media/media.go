// Package media defines the call record and the driver contract the agent
// session uses to control a contact. Concrete drivers (telephony bridge,
// email, chat) live outside this module; the dummy driver here backs
// development and tests.
package media

import "context"

// Type classifies a contact.
type Type string

const (
	TypeVoice     Type = "voice"
	TypeEmail     Type = "email"
	TypeChat      Type = "chat"
	TypeVoicemail Type = "voicemail"
)

// KnownType reports whether t names a recognized media type.
func KnownType(t Type) bool {
	switch t {
	case TypeVoice, TypeEmail, TypeChat, TypeVoicemail:
		return true
	}
	return false
}

// Direction of a contact relative to the contact center.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Path describes how ringing or media reaches the agent.
type Path string

const (
	PathInband  Path = "inband"
	PathOutband Path = "outband"
)

// CallerID is the presented caller identity, a name/number pair.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Client identifies the brand a contact belongs to.
type Client struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Call is the media record attached to an agent session. It is created by a
// media driver; the session holds a borrowed reference while it owns the
// interaction.
type Call struct {
	ID        string
	Type      Type
	Source    Driver
	CallerID  CallerID
	Client    *Client
	Direction Direction
	RingPath  Path
	MediaPath Path
	Skills    []string
}

// BrandName returns the client label for display, with the documented
// fallback when the call carries no client.
func (c *Call) BrandName() string {
	if c.Client == nil || c.Client.Label == "" {
		return "unknown client"
	}
	return c.Client.Label
}

// Driver is the control surface a session uses on the media owning a call.
// Every method may be called from at most one session at a time; drivers
// serialize internally if they fan in other inputs.
type Driver interface {
	// Unring cancels an in-progress ring (ring timeout or caller hangup).
	Unring(ctx context.Context, callID string) error

	// Dial asks an outbound call in precall to dial the number.
	Dial(ctx context.Context, number string) error

	// Hangup asks the media to terminate the call.
	Hangup(ctx context.Context) error

	// Command forwards a media-specific command. Synchronous commands
	// return the media result; rejected commands return an error.
	Command(ctx context.Context, name string, args []interface{}) (interface{}, error)

	// Cast forwards a media-specific command without waiting for a result.
	Cast(name string, args []interface{})

	// AgentTransfer rings the target agent with this call. caseID is
	// optional caller context carried with the transfer; empty means none.
	AgentTransfer(ctx context.Context, target, caseID string) error

	// QueueTransfer pushes vars and skills into the media and requeues it.
	QueueTransfer(ctx context.Context, queue string, vars map[string]string, skills []string) error

	// WarmTransfer starts a third-party consult toward destination.
	WarmTransfer(ctx context.Context, destination string) error

	// WarmTransferComplete bridges the held party to the consulted party.
	WarmTransferComplete(ctx context.Context) error

	// WarmTransferCancel abandons the consult and resumes the held party.
	WarmTransferCancel(ctx context.Context) error

	// Spy opens a read-only leg toward the named supervisor.
	Spy(ctx context.Context, supervisor string) error
}
