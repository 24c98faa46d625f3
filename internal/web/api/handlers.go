package api

import (
	stderrors "errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openacd/openacd/internal/agent"
	"github.com/openacd/openacd/internal/agent/auth"
	"github.com/openacd/openacd/internal/agent/registry"
	"github.com/openacd/openacd/internal/common/errors"
	"github.com/openacd/openacd/internal/common/logger"
	"github.com/openacd/openacd/internal/web"
	"github.com/openacd/openacd/internal/web/ws"
)

const (
	// sessionCookie carries the client's connection id.
	sessionCookie = "cpx_id"

	// deadCookie is the sentinel written after logout so stale tabs see a
	// definitive end instead of an unknown-session error.
	deadCookie = "dead"
)

// Handler contains the HTTP handlers for the agent web channel.
type Handler struct {
	store      auth.Store
	registry   *registry.Registry
	dispatcher *web.Dispatcher
	timers     web.PollTimers
	feed       *ws.Feed
	logger     *logger.Logger

	mu       sync.RWMutex
	gateways map[string]*web.Gateway
}

// NewHandler creates the handler set.
func NewHandler(store auth.Store, reg *registry.Registry, timers web.PollTimers, feed *ws.Feed, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		store:      store,
		registry:   reg,
		dispatcher: web.NewDispatcher(reg, log),
		timers:     timers,
		feed:       feed,
		logger:     log.WithFields(zap.String("component", "web-api")),
		gateways:   make(map[string]*web.Gateway),
	}
}

// Login authenticates the agent and starts its session and gateway.
// POST /login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		appErr := errors.BadRequest("invalid login request: " + err.Error())
		c.JSON(appErr.HTTPStatus, errors.Fail(appErr))
		return
	}

	record, err := h.store.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if stderrors.Is(err, auth.ErrBadCredentials) {
			appErr := errors.Unauthorized("invalid login or password")
			c.JSON(appErr.HTTPStatus, errors.Fail(appErr))
			return
		}
		h.logger.Error("directory lookup failed", zap.String("login", req.Username), zap.Error(err))
		appErr := errors.Unknown("agent directory unavailable", err)
		c.JSON(http.StatusInternalServerError, errors.Fail(appErr))
		return
	}

	endpoint := record.Endpoint
	if req.Endpoint != "" {
		endpoint = req.Endpoint
	}

	sess, existing, err := h.registry.StartAgent(agent.Spec{
		ID:       record.ID,
		Login:    record.Login,
		Profile:  record.Profile,
		Security: record.Security,
		Skills:   record.Skills,
		Endpoint: endpoint,
	})
	if err != nil {
		if stderrors.Is(err, registry.ErrClusterUnavailable) {
			appErr := errors.Unknown("cluster_unavailable", err)
			c.JSON(http.StatusServiceUnavailable, errors.Fail(appErr))
			return
		}
		appErr := errors.Unknown("failed to start agent", err)
		c.JSON(http.StatusInternalServerError, errors.Fail(appErr))
		return
	}

	if existing {
		// The live session keeps its connection; the new attempt aborts.
		appErr := errors.AlreadyLoggedIn(record.Login)
		c.JSON(appErr.HTTPStatus, errors.Fail(appErr))
		return
	}

	gw := web.NewGateway(sess, h.timers, h.logger)
	id := uuid.New().String()

	h.mu.Lock()
	h.gateways[id] = gw
	h.mu.Unlock()
	go h.reap(id, gw)

	c.SetCookie(sessionCookie, id, 0, "/", "", false, true)
	c.JSON(http.StatusOK, errors.OKResult(LoginResponse{
		Login:    sess.Login(),
		Profile:  record.Profile,
		Security: string(record.Security),
	}))
}

// reap drops the cookie mapping once the gateway dies.
func (h *Handler) reap(id string, gw *web.Gateway) {
	<-gw.Done()
	h.mu.Lock()
	if h.gateways[id] == gw {
		delete(h.gateways, id)
	}
	h.mu.Unlock()
}

// gateway resolves the connection behind the session cookie. On failure it
// has already written the error envelope.
func (h *Handler) gateway(c *gin.Context) (*web.Gateway, bool) {
	id, err := c.Cookie(sessionCookie)
	if err != nil || id == "" {
		appErr := errors.BadRequest("no session cookie")
		c.JSON(appErr.HTTPStatus, errors.Fail(appErr))
		return nil, false
	}
	if id == deadCookie {
		appErr := errors.AgentNoExists("")
		c.JSON(appErr.HTTPStatus, errors.Fail(appErr))
		return nil, false
	}

	h.mu.RLock()
	gw, ok := h.gateways[id]
	h.mu.RUnlock()
	if !ok {
		appErr := errors.AgentNoExists("")
		c.JSON(appErr.HTTPStatus, errors.Fail(appErr))
		return nil, false
	}
	return gw, true
}

// Api is the function channel: a form field "request" holding a JSON
// {"function": ..., "args": [...]} object. The envelope carries the outcome;
// the HTTP status stays 200 for business failures.
// POST /api
func (h *Handler) Api(c *gin.Context) {
	gw, ok := h.gateway(c)
	if !ok {
		return
	}

	raw := c.PostForm("request")
	if raw == "" {
		appErr := errors.BadRequest(`missing form field "request"`)
		c.JSON(appErr.HTTPStatus, errors.Fail(appErr))
		return
	}

	req, err := web.ParseRequest([]byte(raw))
	if err != nil {
		c.JSON(errors.GetHTTPStatus(err), errors.Fail(err))
		return
	}

	env := h.dispatcher.Dispatch(gw, req)

	if req.Function == "logout" && env.Success {
		h.endConnection(c, gw)
	}
	c.JSON(http.StatusOK, env)
}

// Poll is the long-poll event channel.
// POST /poll
func (h *Handler) Poll(c *gin.Context) {
	gw, ok := h.gateway(c)
	if !ok {
		return
	}

	events, err := gw.Poll(c.Request.Context())
	if err != nil {
		c.JSON(errors.GetHTTPStatus(err), errors.Fail(err))
		return
	}
	c.JSON(http.StatusOK, errors.OKResult(events))
}

// Logout ends the session and poisons the cookie.
// POST /logout
func (h *Handler) Logout(c *gin.Context) {
	gw, ok := h.gateway(c)
	if !ok {
		return
	}

	_ = gw.Session().Logout()
	h.endConnection(c, gw)
	c.JSON(http.StatusOK, errors.OK())
}

func (h *Handler) endConnection(c *gin.Context, gw *web.Gateway) {
	gw.Stop()
	h.mu.Lock()
	for id, g := range h.gateways {
		if g == gw {
			delete(h.gateways, id)
		}
	}
	h.mu.Unlock()
	c.SetCookie(sessionCookie, deadCookie, 0, "/", "", false, true)
}

// SupervisorAgents lists every agent on the node. Supervisors only.
// GET /supervisor/agents
func (h *Handler) SupervisorAgents(c *gin.Context) {
	gw, ok := h.gateway(c)
	if !ok {
		return
	}
	if !gw.Session().Security().AtLeast(agent.SecuritySupervisor) {
		appErr := errors.Forbidden("supervisor privileges required")
		c.JSON(appErr.HTTPStatus, errors.Fail(appErr))
		return
	}

	snaps := h.registry.List()
	out := make([]map[string]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, web.EncodeSnapshot(snap))
	}
	c.JSON(http.StatusOK, errors.OKResult(out))
}

// EventFeed upgrades to the supervisor WebSocket event stream.
// GET /ws
func (h *Handler) EventFeed(c *gin.Context) {
	gw, ok := h.gateway(c)
	if !ok {
		return
	}
	if !gw.Session().Security().AtLeast(agent.SecuritySupervisor) {
		appErr := errors.Forbidden("supervisor privileges required")
		c.JSON(appErr.HTTPStatus, errors.Fail(appErr))
		return
	}
	if h.feed == nil {
		appErr := errors.NotFound("event feed", "ws")
		c.JSON(appErr.HTTPStatus, errors.Fail(appErr))
		return
	}
	h.feed.ServeHTTP(c.Writer, c.Request)
}
