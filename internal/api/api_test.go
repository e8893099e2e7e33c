package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/aigc-gateway/internal/admission"
	"github.com/ChuLiYu/aigc-gateway/internal/engine"
	"github.com/ChuLiYu/aigc-gateway/internal/push"
	"github.com/ChuLiYu/aigc-gateway/internal/transport/local"
	"github.com/ChuLiYu/aigc-gateway/internal/worker"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

const testToken = "tok-123"

type testEnv struct {
	handler http.Handler
	engine  *engine.Engine
	hub     *push.Hub
}

func setup(t *testing.T, adm admission.Controller) *testEnv {
	t.Helper()
	hub := push.NewHub(8)
	e := engine.New(engine.Config{}, engine.Deps{Admission: adm, Publisher: hub})
	t.Cleanup(e.Stop)

	node := worker.NewNode(worker.NodeConfig{ID: "sim", Workers: 2},
		worker.SimulatedHandlers(worker.SimConfig{Delay: 10 * time.Millisecond}))
	detach, err := local.Attach(e.Gateway(), node)
	require.NoError(t, err)
	t.Cleanup(detach)

	return &testEnv{handler: NewHandler(Deps{Engine: e, Hub: hub}), engine: e, hub: hub}
}

func (env *testEnv) do(method, url, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body = %s", rr.Body.String())
	return v
}

func errorKind(t *testing.T, rr *httptest.ResponseRecorder) types.ErrorKind {
	t.Helper()
	body := decode[errorBody](t, rr)
	require.NotNil(t, body.Error)
	return body.Error.Kind
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind types.ErrorKind
		want int
	}{
		{types.ErrInvalidParameter, 400},
		{types.ErrNoToken, 401},
		{types.ErrInconsistentToken, 403},
		{types.ErrNotFound, 404},
		{types.ErrBusy, 409},
		{types.ErrConflict, 409},
		{types.ErrRateLimited, 429},
		{types.ErrInternal, 500},
		{types.ErrTransport, 502},
		{types.ErrWorker, 502},
		{types.ErrNoCapableWorker, 503},
		{types.ErrTimeout, 504},
		{types.ErrorKind("something_new"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.kind), tt.kind)
	}
}

func TestCallerIdentity(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		token   string
		ip      string
	}{
		{"bearer and remote", map[string]string{"Authorization": "Bearer abc"}, "10.1.1.1:5555", "abc", "10.1.1.1"},
		{"x-token", map[string]string{"X-Token": " xyz "}, "10.1.1.1:5555", "xyz", "10.1.1.1"},
		{"forwarded", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "10.1.1.1:5555", "", "203.0.113.9"},
		{"basic auth ignored", map[string]string{"Authorization": "Basic Zm9v"}, "[::1]:80", "", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.token, callerToken(req))
			assert.Equal(t, tt.ip, callerIP(req))
		})
	}
}

func TestSubmitAsyncThenPoll(t *testing.T) {
	env := setup(t, nil)

	rr := env.do(http.MethodPost, "/v1/jobs", `{"operation":"asr","resource_key":"f1"}`, testToken)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	res := decode[engine.SubmitResult](t, rr)
	assert.Equal(t, "f1", res.Key)
	assert.NotZero(t, res.Sequence)

	require.Eventually(t, func() bool {
		rr := env.do(http.MethodGet, "/v1/jobs/f1", "", "")
		return rr.Code == http.StatusOK && decode[types.JobFuture](t, rr).State == types.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	rr = env.do(http.MethodPost, "/v1/jobs/f1/consume", "", testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(http.MethodPost, "/v1/jobs/f1/consume", "", testToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSubmitRejections(t *testing.T) {
	env := setup(t, nil)

	tests := []struct {
		name  string
		body  string
		token string
		code  int
		kind  types.ErrorKind
	}{
		{"no token", `{"operation":"asr","resource_key":"f1"}`, "", 401, types.ErrNoToken},
		{"unknown operation", `{"operation":"teleport","resource_key":"f1"}`, testToken, 400, types.ErrInvalidParameter},
		{"missing key", `{"operation":"asr"}`, testToken, 400, types.ErrInvalidParameter},
		{"malformed body", `{"operation":`, testToken, 400, types.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(http.MethodPost, "/v1/jobs", tt.body, tt.token)
			assert.Equal(t, tt.code, rr.Code)
			assert.Equal(t, tt.kind, errorKind(t, rr))
		})
	}
}

func TestRateLimitedIs429(t *testing.T) {
	env := setup(t, admission.NewLimiter(map[string]int64{"asr": 60_000}, 0))

	rr := env.do(http.MethodPost, "/v1/jobs", `{"operation":"asr","resource_key":"a"}`, testToken)
	require.Equal(t, http.StatusAccepted, rr.Code)
	rr = env.do(http.MethodPost, "/v1/jobs", `{"operation":"asr","resource_key":"b"}`, testToken)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, types.ErrRateLimited, errorKind(t, rr))
}

func TestChannelLifecycle(t *testing.T) {
	env := setup(t, nil)

	rr := env.do(http.MethodPost, "/v1/channels", `{"code":"room","participant":"alice"}`, testToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "room", decode[types.ChannelView](t, rr).Code)

	rr = env.do(http.MethodPost, "/v1/jobs",
		`{"operation":"text_generation","channel":"room","payload":{"query":"hi"},"mode":"sync"}`, testToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, types.StateCompleted, decode[engine.SubmitResult](t, rr).State)

	rr = env.do(http.MethodGet, "/v1/channels/room/history?limit=5", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	hist := decode[struct {
		History []types.HistoryEntry `json:"history"`
	}](t, rr)
	require.Len(t, hist.History, 1)
	assert.JSONEq(t, `{"query":"hi"}`, string(hist.History[0].Query))

	rr = env.do(http.MethodGet, "/v1/channels/room/history?limit=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// stopping an idle channel is a no-op
	rr = env.do(http.MethodPost, "/v1/channels/room/stop", "", testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[types.ChannelView](t, rr).Busy)

	rr = env.do(http.MethodPost, "/v1/channels/room/keepalive", "", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.do(http.MethodDelete, "/v1/channels/room", "", "someone-else")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(http.MethodDelete, "/v1/channels/room", "", testToken)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.do(http.MethodGet, "/v1/channels/room", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = env.do(http.MethodPost, "/v1/channels/room/stop", "", testToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReplyWebhook(t *testing.T) {
	env := setup(t, nil)

	rr := env.do(http.MethodPost, "/v1/replies", `{"resource_key":"nobody","sn":7,"status":"success"}`, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]bool{"matched": false}, decode[map[string]bool](t, rr))

	rr = env.do(http.MethodPost, "/v1/replies", `{"resource_key":"x","sn":7,"status":"maybe"}`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWorkersAndStatus(t *testing.T) {
	env := setup(t, nil)

	rr := env.do(http.MethodGet, "/v1/workers", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Workers []struct {
			ID string `json:"id"`
		} `json:"workers"`
	}](t, rr)
	require.Len(t, body.Workers, 1)
	assert.Equal(t, "sim", body.Workers[0].ID)

	rr = env.do(http.MethodGet, "/v1/status", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWatchChannel(t *testing.T) {
	env := setup(t, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	_, err := env.engine.OpenChannel("room", testToken, "")
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/channels/room/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Subscribers("room") == 1 },
		2*time.Second, 10*time.Millisecond)

	rr := env.do(http.MethodPost, "/v1/jobs",
		`{"operation":"text_generation","channel":"room","payload":{"query":"hi"}}`, testToken)
	require.Equal(t, http.StatusAccepted, rr.Code)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f types.JobFuture
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "room", f.Channel)
	assert.Equal(t, types.StateCompleted, f.State)

	conn.Close()
	assert.Eventually(t, func() bool { return env.hub.Subscribers("room") == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestWatchWithoutHub(t *testing.T) {
	e := engine.New(engine.Config{}, engine.Deps{})
	t.Cleanup(e.Stop)
	h := NewHandler(Deps{Engine: e})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/channels/room/watch", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
