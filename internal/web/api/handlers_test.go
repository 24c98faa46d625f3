package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openacd/openacd/internal/agent"
	"github.com/openacd/openacd/internal/agent/auth"
	"github.com/openacd/openacd/internal/agent/registry"
	"github.com/openacd/openacd/internal/common/errors"
	"github.com/openacd/openacd/internal/common/logger"
	"github.com/openacd/openacd/internal/events/bus"
	"github.com/openacd/openacd/internal/web"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

type fixture struct {
	router *gin.Engine
	reg    *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newTestLogger()

	b := bus.NewMemoryEventBus(log)
	reg, err := registry.New(b, nil, agent.Timers{Ringout: time.Second, MediaTimeout: time.Second}, time.Second, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		reg.Close()
		b.Close()
	})

	h := NewHandler(auth.NewDevStore(), reg, web.PollTimers{
		Flush:     20 * time.Millisecond,
		KeepAlive: 5 * time.Second,
		Liveness:  30 * time.Second,
	}, nil, log)

	router := gin.New()
	SetupRoutes(router, h, log)
	return &fixture{router: router, reg: reg}
}

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	ErrCode string          `json:"errcode"`
	Message string          `json:"message"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	return env
}

func (f *fixture) login(t *testing.T, username, password string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	for _, c := range w.Result().Cookies() {
		if c.Name == "cpx_id" {
			return w, c.Value
		}
	}
	return w, ""
}

func (f *fixture) api(t *testing.T, cookie, body string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	form.Set("request", body)

	req := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "cpx_id", Value: cookie})
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)

	w, cookie := f.login(t, "agent", "Password123")
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, cookie)

	env := decodeEnvelope(t, w)
	require.True(t, env.Success)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(env.Result, &resp))
	assert.Equal(t, "agent", resp.Login)
	assert.Equal(t, "default", resp.Profile)

	_, ok := f.reg.Query("agent")
	assert.True(t, ok)
}

func TestLoginDuplicateAborts(t *testing.T) {
	f := newFixture(t)

	_, first := f.login(t, "agent", "Password123")
	require.NotEmpty(t, first)

	// The second attempt fails and issues no cookie.
	w, second := f.login(t, "agent", "Password123")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, second)

	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, errors.ErrCodeAlreadyLoggedIn, env.ErrCode)

	// The live connection is untouched.
	w = f.api(t, first, `{"function":"set_state","args":["released","default"]}`)
	env = decodeEnvelope(t, w)
	assert.True(t, env.Success)
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFixture(t)

	w, cookie := f.login(t, "agent", "nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, cookie)

	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, errors.ErrCodeUnauthorized, env.ErrCode)
}

func TestLoginMissingFields(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("username=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, errors.ErrCodeBadRequest, env.ErrCode)
}

func TestApiWithoutCookie(t *testing.T) {
	f := newFixture(t)

	w := f.api(t, "", `{"function":"media_hangup","args":[]}`)
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, errors.ErrCodeBadRequest, env.ErrCode)
}

func TestApiSetState(t *testing.T) {
	f := newFixture(t)
	_, cookie := f.login(t, "agent", "Password123")

	w := f.api(t, cookie, `{"function":"set_state","args":["released","default"]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	assert.True(t, env.Success)

	sess, ok := f.reg.Query("agent")
	require.True(t, ok)
	snap, err := sess.DumpState()
	require.NoError(t, err)
	assert.Equal(t, agent.StateReleased, snap.State.Kind)
}

func TestApiBusinessErrorRidesHTTP200(t *testing.T) {
	f := newFixture(t)
	_, cookie := f.login(t, "agent", "Password123")

	w := f.api(t, cookie, `{"function":"set_state","args":["oncall"]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, errors.ErrCodeInvalidStateChange, env.ErrCode)
}

func TestApiMissingRequestField(t *testing.T) {
	f := newFixture(t)
	_, cookie := f.login(t, "agent", "Password123")

	req := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "cpx_id", Value: cookie})
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, errors.ErrCodeBadRequest, env.ErrCode)
}

func TestApiLogoutPoisonsCookie(t *testing.T) {
	f := newFixture(t)
	_, cookie := f.login(t, "agent", "Password123")

	w := f.api(t, cookie, `{"function":"logout","args":[]}`)
	env := decodeEnvelope(t, w)
	require.True(t, env.Success)

	var dead bool
	for _, c := range w.Result().Cookies() {
		if c.Name == "cpx_id" && c.Value == "dead" {
			dead = true
		}
	}
	assert.True(t, dead, "logout must write the dead cookie sentinel")

	// The old cookie no longer resolves.
	w = f.api(t, cookie, `{"function":"media_hangup","args":[]}`)
	env = decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, errors.ErrCodeAgentNoExists, env.ErrCode)

	// The sentinel itself is rejected the same way.
	w = f.api(t, "dead", `{"function":"media_hangup","args":[]}`)
	env = decodeEnvelope(t, w)
	assert.Equal(t, errors.ErrCodeAgentNoExists, env.ErrCode)
}

func TestPollReturnsEvents(t *testing.T) {
	f := newFixture(t)
	_, cookie := f.login(t, "agent", "Password123")

	w := f.api(t, cookie, `{"function":"set_state","args":["released","default"]}`)
	require.True(t, decodeEnvelope(t, w).Success)

	req := httptest.NewRequest(http.MethodPost, "/poll", nil)
	req.AddCookie(&http.Cookie{Name: "cpx_id", Value: cookie})
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	env := decodeEnvelope(t, w)
	require.True(t, env.Success)

	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Result, &events))
	require.NotEmpty(t, events)
	assert.Equal(t, "astate", events[0]["command"])
	assert.Equal(t, "released", events[0]["state"])
}

func TestSupervisorAgentsForbiddenForAgents(t *testing.T) {
	f := newFixture(t)
	_, cookie := f.login(t, "agent", "Password123")

	req := httptest.NewRequest(http.MethodGet, "/supervisor/agents", nil)
	req.AddCookie(&http.Cookie{Name: "cpx_id", Value: cookie})
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, errors.ErrCodeForbidden, env.ErrCode)
}

func TestSupervisorAgentsListing(t *testing.T) {
	f := newFixture(t)
	_, agentCookie := f.login(t, "agent", "Password123")
	require.NotEmpty(t, agentCookie)
	_, supCookie := f.login(t, "supervisor", "Password123")

	req := httptest.NewRequest(http.MethodGet, "/supervisor/agents", nil)
	req.AddCookie(&http.Cookie{Name: "cpx_id", Value: supCookie})
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	require.True(t, env.Success)

	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Result, &list))
	assert.Len(t, list, 2)
}

func TestSupervisorApiFunction(t *testing.T) {
	f := newFixture(t)
	_, supCookie := f.login(t, "supervisor", "Password123")

	w := f.api(t, supCookie, `{"function":"get_agents","args":[]}`)
	env := decodeEnvelope(t, w)
	assert.True(t, env.Success)
}
