package web

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/openacd/openacd/internal/agent"
	"github.com/openacd/openacd/internal/agent/registry"
	"github.com/openacd/openacd/internal/common/errors"
	"github.com/openacd/openacd/internal/common/logger"
	"github.com/openacd/openacd/internal/media"
)

// Request is the client's api call shape.
type Request struct {
	Function string        `json:"function"`
	Args     []interface{} `json:"args"`
}

// ParseRequest decodes a raw api request body.
func ParseRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, errors.BadRequest("malformed request: " + err.Error())
	}
	if req.Function == "" {
		return Request{}, errors.BadRequest("missing function")
	}
	return req, nil
}

// Directory is the slice of the registry the dispatcher needs for
// supervisor functions.
type Directory interface {
	Query(login string) (*agent.Session, bool)
	List() []agent.Snapshot
	Blab(text string, scope registry.BlabScope, target string) error
}

type handlerFunc func(gw *Gateway, args []interface{}) (interface{}, error)

type handlerEntry struct {
	minArgs    int
	maxArgs    int // -1 means unbounded
	supervisor bool
	fn         handlerFunc
}

// Dispatcher routes api requests to session operations by function name,
// checking arity and privilege before anything touches the session.
type Dispatcher struct {
	dir      Directory
	handlers map[string]handlerEntry
	logger   *logger.Logger
}

// NewDispatcher builds the function table.
func NewDispatcher(dir Directory, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	d := &Dispatcher{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "web-dispatch")),
	}
	d.handlers = map[string]handlerEntry{
		"set_state":              {minArgs: 1, maxArgs: 2, fn: d.setState},
		"set_endpoint":           {minArgs: 1, maxArgs: 1, fn: d.setEndpoint},
		"change_profile":         {minArgs: 1, maxArgs: 1, fn: d.changeProfile},
		"dial":                   {minArgs: 1, maxArgs: 1, fn: d.dial},
		"agent_transfer":         {minArgs: 1, maxArgs: 2, fn: d.agentTransfer},
		"queue_transfer":         {minArgs: 1, maxArgs: 3, fn: d.queueTransfer},
		"warm_transfer":          {minArgs: 1, maxArgs: 1, fn: d.warmTransfer},
		"warm_transfer_complete": {minArgs: 0, maxArgs: 0, fn: d.warmTransferComplete},
		"warm_transfer_cancel":   {minArgs: 0, maxArgs: 0, fn: d.warmTransferCancel},
		"media_command":          {minArgs: 2, maxArgs: -1, fn: d.mediaCommand},
		"media_hangup":           {minArgs: 0, maxArgs: 0, fn: d.mediaHangup},
		"init_outbound":          {minArgs: 2, maxArgs: 2, fn: d.initOutbound},
		"precall_abort":          {minArgs: 0, maxArgs: 0, fn: d.precallAbort},
		"logout":                 {minArgs: 0, maxArgs: 0, fn: d.logout},
		"blab":                   {minArgs: 3, maxArgs: 3, supervisor: true, fn: d.blab},
		"get_agents":             {minArgs: 0, maxArgs: 0, supervisor: true, fn: d.getAgents},
		"spy":                    {minArgs: 1, maxArgs: 1, supervisor: true, fn: d.spy},
		"urlpop":                 {minArgs: 3, maxArgs: 3, supervisor: true, fn: d.urlPop},
	}
	return d
}

// Dispatch executes one request against the gateway's session and folds the
// outcome into the response envelope.
func (d *Dispatcher) Dispatch(gw *Gateway, req Request) errors.Envelope {
	entry, ok := d.handlers[req.Function]
	if !ok {
		return errors.Fail(errors.BadRequest("unknown function: " + req.Function))
	}
	if len(req.Args) < entry.minArgs || (entry.maxArgs >= 0 && len(req.Args) > entry.maxArgs) {
		return errors.Fail(errors.BadRequest(fmt.Sprintf("wrong argument count for %s", req.Function)))
	}
	if entry.supervisor && !gw.Session().Security().AtLeast(agent.SecuritySupervisor) {
		return errors.Fail(errors.Forbidden(req.Function + " requires supervisor privileges"))
	}

	result, err := entry.fn(gw, req.Args)
	if err != nil {
		d.logger.Debug("request failed",
			zap.String("function", req.Function),
			zap.String("agent", gw.Session().Login()),
			zap.Error(err))
		return errors.Fail(err)
	}
	if result == nil {
		return errors.OK()
	}
	return errors.OKResult(result)
}

func argString(args []interface{}, i int, name string) (string, error) {
	s, ok := args[i].(string)
	if !ok {
		return "", errors.BadRequest(fmt.Sprintf("argument %q must be a string", name))
	}
	return s, nil
}

// parseRelease accepts the sentinel string "default", a bare reason id, or
// a {id,label,bias} object.
func parseRelease(arg interface{}) (*agent.ReleaseReason, error) {
	switch v := arg.(type) {
	case string:
		if v == "default" || v == "" {
			r := agent.DefaultRelease()
			return &r, nil
		}
		return &agent.ReleaseReason{ID: v, Label: v}, nil
	case map[string]interface{}:
		r := agent.ReleaseReason{}
		r.ID, _ = v["id"].(string)
		r.Label, _ = v["label"].(string)
		if bias, ok := v["bias"].(float64); ok {
			r.Bias = int(bias)
		}
		if r.ID == "" {
			return nil, errors.BadRequest("release reason needs an id")
		}
		return &r, nil
	default:
		return nil, errors.BadRequest("unrecognized release reason")
	}
}

func (d *Dispatcher) setState(gw *Gateway, args []interface{}) (interface{}, error) {
	kind, err := argString(args, 0, "state")
	if err != nil {
		return nil, err
	}

	var release *agent.ReleaseReason
	if len(args) == 2 {
		release, err = parseRelease(args[1])
		if err != nil {
			return nil, err
		}
	}

	queued, err := gw.Session().SetState(agent.StateKind(kind), release)
	if err != nil {
		return nil, err
	}
	if queued {
		return "queued", nil
	}
	return nil, nil
}

func (d *Dispatcher) setEndpoint(gw *Gateway, args []interface{}) (interface{}, error) {
	endpoint, err := argString(args, 0, "endpoint")
	if err != nil {
		return nil, err
	}
	return nil, gw.Session().SetEndpoint(endpoint)
}

func (d *Dispatcher) changeProfile(gw *Gateway, args []interface{}) (interface{}, error) {
	profile, err := argString(args, 0, "profile")
	if err != nil {
		return nil, err
	}
	return nil, gw.Session().ChangeProfile(profile)
}

func (d *Dispatcher) dial(gw *Gateway, args []interface{}) (interface{}, error) {
	number, err := argString(args, 0, "number")
	if err != nil {
		return nil, err
	}
	return nil, gw.Session().Dial(number)
}

func (d *Dispatcher) agentTransfer(gw *Gateway, args []interface{}) (interface{}, error) {
	target, err := argString(args, 0, "agent")
	if err != nil {
		return nil, err
	}
	caseID := ""
	if len(args) == 2 {
		if caseID, err = argString(args, 1, "case_id"); err != nil {
			return nil, err
		}
	}
	return nil, gw.Session().AgentTransfer(target, caseID)
}

func (d *Dispatcher) queueTransfer(gw *Gateway, args []interface{}) (interface{}, error) {
	queue, err := argString(args, 0, "queue")
	if err != nil {
		return nil, err
	}

	vars := map[string]string{}
	if len(args) >= 2 {
		obj, ok := args[1].(map[string]interface{})
		if !ok {
			return nil, errors.BadRequest("queue transfer vars must be an object")
		}
		for k, v := range obj {
			vars[k] = fmt.Sprint(v)
		}
	}

	var skills []string
	if len(args) == 3 {
		list, ok := args[2].([]interface{})
		if !ok {
			return nil, errors.BadRequest("queue transfer skills must be a list")
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, errors.BadRequest("queue transfer skills must be strings")
			}
			skills = append(skills, s)
		}
	}

	return nil, gw.Session().QueueTransfer(queue, vars, skills)
}

func (d *Dispatcher) warmTransfer(gw *Gateway, args []interface{}) (interface{}, error) {
	dest, err := argString(args, 0, "destination")
	if err != nil {
		return nil, err
	}
	return nil, gw.Session().WarmTransfer(dest)
}

func (d *Dispatcher) warmTransferComplete(gw *Gateway, args []interface{}) (interface{}, error) {
	return nil, gw.Session().WarmTransferComplete()
}

func (d *Dispatcher) warmTransferCancel(gw *Gateway, args []interface{}) (interface{}, error) {
	return nil, gw.Session().WarmTransferCancel()
}

func (d *Dispatcher) mediaCommand(gw *Gateway, args []interface{}) (interface{}, error) {
	name, err := argString(args, 0, "command")
	if err != nil {
		return nil, err
	}
	mode, err := argString(args, 1, "mode")
	if err != nil {
		return nil, err
	}

	var castMode bool
	switch mode {
	case "call":
		castMode = false
	case "cast":
		castMode = true
	default:
		return nil, errors.BadRequest(`media command mode must be "call" or "cast"`)
	}

	return gw.Session().MediaCommand(name, castMode, args[2:])
}

func (d *Dispatcher) mediaHangup(gw *Gateway, args []interface{}) (interface{}, error) {
	return nil, gw.Session().MediaHangup()
}

func (d *Dispatcher) initOutbound(gw *Gateway, args []interface{}) (interface{}, error) {
	client, err := argString(args, 0, "client")
	if err != nil {
		return nil, err
	}
	mtype, err := argString(args, 1, "type")
	if err != nil {
		return nil, err
	}
	return nil, gw.Session().InitOutbound(client, media.Type(mtype))
}

func (d *Dispatcher) precallAbort(gw *Gateway, args []interface{}) (interface{}, error) {
	return nil, gw.Session().PrecallAbort()
}

func (d *Dispatcher) logout(gw *Gateway, args []interface{}) (interface{}, error) {
	return nil, gw.Session().Logout()
}

func (d *Dispatcher) blab(gw *Gateway, args []interface{}) (interface{}, error) {
	text, err := argString(args, 0, "text")
	if err != nil {
		return nil, err
	}
	scope, err := argString(args, 1, "scope")
	if err != nil {
		return nil, err
	}
	target, err := argString(args, 2, "target")
	if err != nil {
		return nil, err
	}
	return nil, d.dir.Blab(text, registry.BlabScope(scope), target)
}

func (d *Dispatcher) getAgents(gw *Gateway, args []interface{}) (interface{}, error) {
	snaps := d.dir.List()
	out := make([]map[string]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, EncodeSnapshot(snap))
	}
	return out, nil
}

// EncodeSnapshot renders one directory entry for supervisor listings.
func EncodeSnapshot(snap agent.Snapshot) map[string]interface{} {
	skills := make([]string, 0, len(snap.Skills))
	for _, s := range snap.Skills {
		skills = append(skills, s.String())
	}
	entry := map[string]interface{}{
		"login":       snap.Login,
		"profile":     snap.Profile,
		"security":    string(snap.Security),
		"state":       string(snap.State.Kind),
		"skills":      skills,
		"last_change": snap.LastChange.Unix(),
	}
	if data := encodeStateData(&snap.State); data != nil {
		entry["statedata"] = data
	}
	return entry
}

func (d *Dispatcher) spy(gw *Gateway, args []interface{}) (interface{}, error) {
	target, err := argString(args, 0, "agent")
	if err != nil {
		return nil, err
	}
	sess, ok := d.dir.Query(target)
	if !ok {
		return nil, errors.AgentNoExists(target)
	}
	return nil, gw.Session().Spy(sess)
}

func (d *Dispatcher) urlPop(gw *Gateway, args []interface{}) (interface{}, error) {
	target, err := argString(args, 0, "agent")
	if err != nil {
		return nil, err
	}
	url, err := argString(args, 1, "url")
	if err != nil {
		return nil, err
	}
	name, err := argString(args, 2, "name")
	if err != nil {
		return nil, err
	}
	sess, ok := d.dir.Query(target)
	if !ok {
		return nil, errors.AgentNoExists(target)
	}
	sess.URLPop(url, name)
	return nil, nil
}
