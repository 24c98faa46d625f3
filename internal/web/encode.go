// Package web bridges one agent session to its browser client: it encodes
// session events into the wire vocabulary, buffers them for the long poll,
// and dispatches the client's function calls back into the session.
package web

import (
	"time"

	"github.com/openacd/openacd/internal/agent"
	"github.com/openacd/openacd/internal/media"
)

// encodeCall renders the client-facing call record.
func encodeCall(c *media.Call) map[string]interface{} {
	return map[string]interface{}{
		"callerid":  c.CallerID.Name + " " + c.CallerID.Number,
		"brandname": c.BrandName(),
		"ringpath":  string(c.RingPath),
		"mediapath": string(c.MediaPath),
		"callid":    c.ID,
		"type":      string(c.Type),
	}
}

// encodeRelease keeps the default sentinel distinguishable from explicit
// reasons.
func encodeRelease(r agent.ReleaseReason) interface{} {
	if r.IsDefault() {
		return "default"
	}
	return map[string]interface{}{
		"id":    r.ID,
		"label": r.Label,
		"bias":  r.Bias,
	}
}

// encodeStateData renders the statedata member for an astate event, or nil
// when the state carries none (idle has no statedata member at all).
func encodeStateData(st *agent.State) interface{} {
	switch st.Kind {
	case agent.StateReleased:
		return map[string]interface{}{"reason": encodeRelease(st.Release)}
	case agent.StateWarmTransfer:
		data := map[string]interface{}{"calling": st.Calling}
		if st.Call != nil {
			data["onhold"] = encodeCall(st.Call)
		}
		return data
	default:
		if st.Call != nil {
			return encodeCall(st.Call)
		}
		return nil
	}
}

// EncodeEvent renders a session event as the wire object pushed through the
// poll channel.
func EncodeEvent(ev agent.Event) map[string]interface{} {
	switch ev.Type {
	case agent.EventAgentState:
		out := map[string]interface{}{
			"command": "astate",
			"state":   string(ev.State.Kind),
		}
		if data := encodeStateData(ev.State); data != nil {
			out["statedata"] = data
		}
		return out

	case agent.EventProfile:
		return map[string]interface{}{
			"command": "aprofile",
			"profile": ev.Profile,
		}

	case agent.EventURLPop:
		return map[string]interface{}{
			"command": "urlpop",
			"url":     ev.URL,
			"name":    ev.Name,
		}

	case agent.EventBlab:
		return map[string]interface{}{
			"command": "blab",
			"text":    ev.Text,
		}

	case agent.EventMediaLoad:
		return map[string]interface{}{
			"command":  "mediaload",
			"media":    ev.Media,
			"fullpane": ev.FullPane,
		}

	case agent.EventMediaEvent:
		return map[string]interface{}{
			"command": "mediaevent",
			"media":   ev.Media,
			"event":   ev.Data,
		}

	case agent.EventSupervisorTab:
		return map[string]interface{}{
			"command": "supervisortab",
			"action":  ev.Action,
			"type":    ev.TabType,
			"id":      ev.TabID,
			"details": ev.Details,
		}

	default:
		return map[string]interface{}{"command": string(ev.Type)}
	}
}

// pongEvent is the synthetic keepalive pushed when the poll would otherwise
// sit silent.
func pongEvent(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"command":   "pong",
		"timestamp": now.UnixMilli(),
	}
}
