package agent

import "time"

// EventType names the events a session can emit toward its gateway.
type EventType string

const (
	EventAgentState    EventType = "astate"
	EventProfile       EventType = "aprofile"
	EventURLPop        EventType = "urlpop"
	EventBlab          EventType = "blab"
	EventMediaLoad     EventType = "mediaload"
	EventMediaEvent    EventType = "mediaevent"
	EventSupervisorTab EventType = "supervisortab"
)

// Event is a session-emitted notification. Only the fields for the given
// type are populated; the gateway owns the wire encoding.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// astate
	State *State

	// aprofile
	Profile string

	// urlpop
	URL  string
	Name string

	// blab
	Text string

	// mediaload / mediaevent
	Media    string
	FullPane bool
	Data     map[string]interface{}

	// supervisortab
	Action  string
	TabType string
	TabID   string
	Details map[string]interface{}
}

// EventSink receives session events in emission order. Push is called from
// the session goroutine and must not block for long.
type EventSink interface {
	Push(ev Event)
}

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(ev Event)

// Push implements EventSink.
func (f SinkFunc) Push(ev Event) { f(ev) }
