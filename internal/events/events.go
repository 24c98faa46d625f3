// Package events defines the bus subjects and event types shared across the
// cluster.
package events

// Bus subjects.
const (
	SubjectAgentPresence = "acd.agent.presence"
	SubjectBlab          = "acd.blab"
)

// Event types.
const (
	AgentOnline  = "agent.online"
	AgentOffline = "agent.offline"
	Blab         = "blab"
)
