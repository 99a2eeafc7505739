package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trendnet/cmd/internal/client"
	v1 "trendnet/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := configFromEnv()
	cfg.DatabaseURL = ""
	cfg.PasetoPublicKeyHex = ""
	cfg.AMQPURL = ""
	cfg.OTLPEndpoint = ""
	cfg.DevLogin = true
	cfg.DevTokens = "tok-alice=alice:Alice"
	cfg.Seed = true
	cfg.WS.OriginRequired = false
	return cfg
}

func startApp(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	a, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestAppHealthAndReady(t *testing.T) {
	ts := startApp(t, testConfig())

	for path, want := range map[string]string{"/healthz": "ok\n", "/readyz": "ready\n"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, want, string(body), path)
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	}
}

func TestAppReadyRequiresDB(t *testing.T) {
	cfg := testConfig()
	cfg.ReadinessRequireDB = true
	ts := startApp(t, cfg)

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAppMetricsEndpoint(t *testing.T) {
	ts := startApp(t, testConfig())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "trendnet_")
}

func TestAppPersonas(t *testing.T) {
	ts := startApp(t, testConfig())

	resp, err := http.Get(ts.URL + "/api/personas")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out personaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Personas, 17)
	for _, p := range out.Personas {
		assert.True(t, p.Automated)
		assert.True(t, strings.HasPrefix(p.ID, "bot-"))
	}
}

func login(t *testing.T, base, username string) (*http.Response, loginResponse) {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: username})
	resp, err := http.Post(base+"/api/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out loginResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestAppDevLoginRules(t *testing.T) {
	ts := startApp(t, testConfig())

	resp, out := login(t, ts.URL, "@Zoe")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "zoe", out.Participant.ID)
	assert.Equal(t, "Zoe", out.Participant.DisplayName)
	assert.NotEmpty(t, out.Token)

	resp, _ = login(t, ts.URL, "bot-glam_gigi")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = login(t, ts.URL, "two words")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/api/login")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAppDevLoginDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.DevLogin = false
	ts := startApp(t, cfg)

	resp, _ := login(t, ts.URL, "zoe")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAppSeededHistoryOverWebSocket(t *testing.T) {
	ts := startApp(t, testConfig())
	_, out := login(t, ts.URL, "zoe")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, err := client.Dial(ctx, url, client.DialOptions{Token: out.Token})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var initial v1.MessageListPayload
	for {
		env, err := conn.Read(ctx)
		require.NoError(t, err)
		if env.Type == v1.TypeHistoryInitial {
			require.NoError(t, json.Unmarshal(env.Payload, &initial))
			break
		}
	}
	assert.NotEmpty(t, initial.Messages)
	assert.LessOrEqual(t, len(initial.Messages), 50)

	_, err = client.Dial(ctx, url, client.DialOptions{Token: "nope"})
	assert.ErrorIs(t, err, client.ErrUnauthorized)

	devConn, err := client.Dial(ctx, url, client.DialOptions{Token: "tok-alice"})
	require.NoError(t, err)
	_ = devConn.Close()
}

func TestAppPresenceRequiresAuth(t *testing.T) {
	ts := startApp(t, testConfig())

	resp, err := http.Get(ts.URL + "/api/presence")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/presence", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNonZeroDefaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5*time.Second, nonZeroDuration(0, 5*time.Second))
	assert.Equal(t, time.Second, nonZeroDuration(time.Second, 5*time.Second))
	assert.Equal(t, 7, nonZeroInt(-1, 7))
	assert.Equal(t, 3, nonZeroInt(3, 7))
}

func TestAppTokenHMACPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.RequireTokenHMAC = true
	_, err := New(context.Background(), cfg, discardLogger())
	require.Error(t, err)

	cfg.TokenHMACKey = "too-short"
	_, err = New(context.Background(), cfg, discardLogger())
	require.Error(t, err)

	cfg.TokenHMACKey = strings.Repeat("k", 32)
	ts := startApp(t, cfg)
	_, out := login(t, ts.URL, "keyed")
	assert.NotEmpty(t, out.Token)
}
