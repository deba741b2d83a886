package cloudmock

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.APIKey == "" {
		cfg.APIKey = "key-123"
	}
	if cfg.DeploymentID == 0 {
		cfg.DeploymentID = 51
	}
	s := NewServer(cfg, logr.Discard())
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func do(t *testing.T, method, url, auth string, body any) (int, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func sessionBody() map[string]any {
	return map[string]any{"deploymentId": 51, "externalId": "test@example.com", "isEphemeral": true}
}

func embedToken(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	status, out := do(t, http.MethodPost, ts.URL+"/api/v1/embed/generate-session", "Api-Key key-123", sessionBody())
	require.Equal(t, http.StatusOK, status)

	status, out = do(t, http.MethodPost, ts.URL+"/api/v1/embed/session/token", "", map[string]any{"sessionId": out["sessionId"]})
	require.Equal(t, http.StatusOK, status)
	return out["token"].(string)
}

func TestServer_FullFlow(t *testing.T) {
	s, ts := newTestServer(t, Config{DeploymentName: "acme"})

	status, out := do(t, http.MethodPost, ts.URL+"/api/v1/embed/generate-session", "Api-Key key-123", sessionBody())
	require.Equal(t, http.StatusOK, status)
	sessionID, _ := out["sessionId"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, 1, s.PendingSessions())

	status, out = do(t, http.MethodPost, ts.URL+"/api/v1/embed/session/token", "", map[string]any{"sessionId": sessionID})
	require.Equal(t, http.StatusOK, status)
	token, _ := out["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, 0, s.PendingSessions())

	c, err := s.verify(token)
	require.NoError(t, err)
	assert.Equal(t, "test@example.com", c.Subject)
	assert.Equal(t, 51, c.DeploymentID)
	assert.True(t, c.Ephemeral)

	status, out = do(t, http.MethodGet, ts.URL+"/api/v1/deployments/51", "Embed-Token "+token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, ts.URL, out["deploymentUrl"])
	assert.Equal(t, "acme", out["name"])

	status, out = do(t, http.MethodPost, ts.URL+"/api/v1/deployments/51/token", "Embed-Token "+token, nil)
	require.Equal(t, http.StatusOK, status)
	apiToken, _ := out["cubeApiToken"].(string)
	require.NotEmpty(t, apiToken)

	status, out = do(t, http.MethodGet, ts.URL+"/cubejs-api/v1/meta", apiToken, nil)
	require.Equal(t, http.StatusOK, status)
	cubes, _ := out["cubes"].([]any)
	assert.Len(t, cubes, 1)

	for _, route := range []string{RouteGenerateSession, RouteSessionToken, RouteDeployment, RouteDeploymentToken, RouteMeta} {
		assert.Equal(t, 1, s.Requests(route), route)
	}
}

func TestServer_GenerateSessionRejections(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	url := ts.URL + "/api/v1/embed/generate-session"

	status, _ := do(t, http.MethodPost, url, "", sessionBody())
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodPost, url, "Api-Key wrong", sessionBody())
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodPost, url, "Api-Key key-123", map[string]any{"deploymentId": 7, "externalId": "x"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodPost, url, "Api-Key key-123", map[string]any{"deploymentId": 51})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServer_SessionsAreSingleUse(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	_, out := do(t, http.MethodPost, ts.URL+"/api/v1/embed/generate-session", "Api-Key key-123", sessionBody())
	body := map[string]any{"sessionId": out["sessionId"]}

	status, _ := do(t, http.MethodPost, ts.URL+"/api/v1/embed/session/token", "", body)
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, http.MethodPost, ts.URL+"/api/v1/embed/session/token", "", body)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_DeploymentAuthorization(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	_, ts := newTestServer(t, Config{Now: clock, TokenTTL: time.Minute})
	token := embedToken(t, ts)

	status, _ := do(t, http.MethodGet, ts.URL+"/api/v1/deployments/51", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, ts.URL+"/api/v1/deployments/51", "Embed-Token garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, ts.URL+"/api/v1/deployments/52", "Embed-Token "+token, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// a token signed by another server is rejected
	_, other := newTestServer(t, Config{})
	status, _ = do(t, http.MethodGet, ts.URL+"/api/v1/deployments/51", "Embed-Token "+embedToken(t, other), nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	status, _ = do(t, http.MethodPost, ts.URL+"/api/v1/deployments/51/token", "Embed-Token "+token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestServer_MetaRequiresIssuedAPIToken(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	token := embedToken(t, ts)

	// an embed token is not an API token
	status, _ := do(t, http.MethodGet, ts.URL+"/cubejs-api/v1/meta", token, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestServer_FailNext(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	s.FailNext(RouteGenerateSession, http.StatusServiceUnavailable)
	s.FailNext(RouteGenerateSession, http.StatusTooManyRequests)

	url := ts.URL + "/api/v1/embed/generate-session"
	status, out := do(t, http.MethodPost, url, "Api-Key key-123", sessionBody())
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "injected failure", out["error"])

	status, _ = do(t, http.MethodPost, url, "Api-Key key-123", sessionBody())
	assert.Equal(t, http.StatusTooManyRequests, status)

	status, _ = do(t, http.MethodPost, url, "Api-Key key-123", sessionBody())
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, s.Requests(RouteGenerateSession))
}
