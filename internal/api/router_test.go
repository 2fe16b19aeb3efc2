package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/craftdock/craftdock/internal/auth"
	"github.com/craftdock/craftdock/internal/config"
	"github.com/craftdock/craftdock/internal/console"
	"github.com/craftdock/craftdock/internal/docker"
	"github.com/craftdock/craftdock/internal/domain"
	"github.com/craftdock/craftdock/internal/lifecycle"
	"github.com/craftdock/craftdock/internal/rcon"
	"github.com/craftdock/craftdock/internal/storage"
	"github.com/craftdock/craftdock/internal/stream"
)

// fakeRuntime satisfies lifecycle.ContainerRuntime for gateway tests;
// every operation succeeds and containers report as running.
type fakeRuntime struct{}

func (fakeRuntime) PullImage(ctx context.Context, onProgress func(docker.PullProgress)) error {
	return nil
}

func (fakeRuntime) CreateContainer(ctx context.Context, spec docker.CreateSpec) (string, error) {
	return "container-" + spec.ContainerName, nil
}

func (fakeRuntime) StartContainer(ctx context.Context, id string) error { return nil }

func (fakeRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (fakeRuntime) RestartContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (fakeRuntime) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	return nil
}

func (fakeRuntime) ContainerStatus(ctx context.Context, id string) (domain.InstanceStatus, error) {
	return domain.StatusRunning, nil
}

func (fakeRuntime) ContainerStats(ctx context.Context, id string) (*docker.Stats, error) {
	return &docker.Stats{CPUPercent: 3.5, MemoryUsageMB: 256, MemoryLimitMB: 2048, MemoryPercent: 12.5}, nil
}

func (fakeRuntime) ContainerExists(ctx context.Context, name string) (bool, error) {
	return false, nil
}

// fakeSource feeds canned container output to stream attachments.
type fakeSource struct {
	lines chan string
}

func (f *fakeSource) FollowLogs(ctx context.Context, containerID string, tail int) (<-chan string, error) {
	out := make(chan string, 100)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-f.lines:
				if !ok {
					return
				}
				out <- line
			}
		}
	}()
	return out, nil
}

func (f *fakeSource) RecentLogs(ctx context.Context, containerID string, tail int) ([]string, error) {
	return []string{"earlier line"}, nil
}

func (f *fakeSource) ContainerStats(ctx context.Context, containerID string) (*docker.Stats, error) {
	return &docker.Stats{}, nil
}

type testEnv struct {
	server *httptest.Server
	store  *storage.Store
	auth   *auth.Service
	source *fakeSource
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	manager := lifecycle.NewManager(cfg, store, fakeRuntime{})
	bridge := console.NewBridge(rcon.NewClient(time.Second), "127.0.0.1")
	source := &fakeSource{lines: make(chan string, 100)}
	streams := stream.NewMultiplexer(source, store, time.Hour)
	router := NewRouter(store, manager, bridge, streams, auth.NewService("test-secret", time.Hour), "")

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{server: server, store: store, auth: router.auth, source: source}
}

func (e *testEnv) seedInstance(t *testing.T, status domain.InstanceStatus) *domain.Instance {
	t.Helper()
	inst := &domain.Instance{
		Name: "alpha", Type: domain.TypePaper, Version: "1.21.1",
		Port: 25565, RconPort: 35565, RconPassword: "hunter2hunter2",
		MemoryMB: 2048, ContainerName: "mc_alpha", ContainerID: "c1",
		Status: status, Active: true,
	}
	if err := e.store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("failed to seed instance: %v", err)
	}
	return inst
}

// seedUser creates an account and returns a token for it.
func (e *testEnv) seedUser(t *testing.T, username string, isAdmin bool) (*storage.User, string) {
	t.Helper()
	hash, err := auth.HashPassword("password123")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	user, err := e.store.CreateUser(context.Background(), username, hash, isAdmin)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	token, err := e.auth.GenerateToken(user.ID, user.Username, user.IsAdmin)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return user, token
}

func (e *testEnv) request(t *testing.T, method, path, token string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "admin", true)

	resp := env.request(t, "POST", "/api/auth/login", "", `{"username":"admin","password":"password123"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var login LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if login.Token == "" || !login.IsAdmin {
		t.Errorf("login = %+v, want token for admin", login)
	}

	resp = env.request(t, "POST", "/api/auth/login", "", `{"username":"admin","password":"wrong"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d for bad password, want 401", resp.StatusCode)
	}
}

func TestPermissionLadder(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedInstance(t, domain.StatusRunning)
	viewer, viewerToken := env.seedUser(t, "viewer", false)
	operator, operatorToken := env.seedUser(t, "operator", false)
	_, outsiderToken := env.seedUser(t, "outsider", false)

	ctx := context.Background()
	if err := env.store.GrantPermission(ctx, viewer.ID, inst.ID, string(domain.PermView)); err != nil {
		t.Fatalf("failed to grant permission: %v", err)
	}
	if err := env.store.GrantPermission(ctx, operator.ID, inst.ID, string(domain.PermConsole)); err != nil {
		t.Fatalf("failed to grant permission: %v", err)
	}

	base := fmt.Sprintf("/api/servers/%d", inst.ID)

	if resp := env.request(t, "GET", base, "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}
	if resp := env.request(t, "GET", base, outsiderToken, ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("no grant: status = %d, want 403", resp.StatusCode)
	}

	// VIEW reads but cannot act.
	if resp := env.request(t, "GET", base, viewerToken, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("viewer read: status = %d, want 200", resp.StatusCode)
	}
	if resp := env.request(t, "POST", base+"/command", viewerToken, `{"command":"list"}`); resp.StatusCode != http.StatusForbidden {
		t.Errorf("viewer command: status = %d, want 403", resp.StatusCode)
	}
	if resp := env.request(t, "POST", base+"/start", viewerToken, ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("viewer start: status = %d, want 403", resp.StatusCode)
	}

	// CONSOLE reaches the command endpoint (the RCON call itself fails
	// against the unreachable port, reported inside a 200 result).
	resp := env.request(t, "POST", base+"/command", operatorToken, `{"command":"list"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("operator command: status = %d, want 200", resp.StatusCode)
	}
	var result console.CommandResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Success {
		t.Error("expected success=false with no RCON server listening")
	}
	// CONSOLE still cannot touch power or settings.
	if resp := env.request(t, "POST", base+"/start", operatorToken, ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("operator start: status = %d, want 403", resp.StatusCode)
	}
	if resp := env.request(t, "DELETE", base, operatorToken, ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("operator delete: status = %d, want 403", resp.StatusCode)
	}
}

func dialWS(t *testing.T, env *testEnv, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.StreamEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	var ev domain.StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("failed to decode event %q: %v", data, err)
	}
	return ev
}

func TestWebSocketStatusThenLogs(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedInstance(t, domain.StatusRunning)
	_, token := env.seedUser(t, "admin", true)

	conn, _, err := dialWS(t, env, fmt.Sprintf("/ws/servers/%d?channel=container_logs&token=%s", inst.ID, token))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	// Current status always arrives before any stream output.
	ev := readEvent(t, conn)
	if ev.Type != domain.EventStatusUpdate || ev.Status != string(domain.StatusRunning) {
		t.Fatalf("first event = %+v, want running status_update", ev)
	}

	env.source.lines <- "[12:00:00] [Server thread/INFO]: Done"
	ev = readEvent(t, conn)
	if ev.Type != domain.EventLogLine || ev.Channel != domain.ChannelContainerLogs {
		t.Errorf("event = %+v, want container_logs log_line", ev)
	}
	if ev.Line != "[12:00:00] [Server thread/INFO]: Done" {
		t.Errorf("line = %q", ev.Line)
	}
}

func TestWebSocketPing(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedInstance(t, domain.StatusStopped)
	_, token := env.seedUser(t, "admin", true)

	conn, _, err := dialWS(t, env, fmt.Sprintf("/ws/servers/%d?token=%s", inst.ID, token))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	if ev := readEvent(t, conn); ev.Type != domain.EventStatusUpdate {
		t.Fatalf("first event = %+v, want status_update", ev)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}
	if ev := readEvent(t, conn); ev.Type != domain.EventPong {
		t.Errorf("event = %+v, want pong", ev)
	}
}

func TestWebSocketRejections(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedInstance(t, domain.StatusRunning)
	_, userToken := env.seedUser(t, "outsider", false)
	_, adminToken := env.seedUser(t, "admin", true)

	cases := []struct {
		name string
		path string
		want int
	}{
		{"no token", fmt.Sprintf("/ws/servers/%d", inst.ID), http.StatusUnauthorized},
		{"bad token", fmt.Sprintf("/ws/servers/%d?token=garbage", inst.ID), http.StatusUnauthorized},
		{"no permission", fmt.Sprintf("/ws/servers/%d?token=%s", inst.ID, userToken), http.StatusForbidden},
		{"unknown channel", fmt.Sprintf("/ws/servers/%d?channel=audit_logs&token=%s", inst.ID, adminToken), http.StatusBadRequest},
		{"unknown instance", fmt.Sprintf("/ws/servers/999?token=%s", adminToken), http.StatusNotFound},
	}
	for _, tc := range cases {
		_, resp, err := dialWS(t, env, tc.path)
		if err == nil {
			t.Errorf("%s: handshake unexpectedly succeeded", tc.name)
			continue
		}
		if resp == nil || resp.StatusCode != tc.want {
			t.Errorf("%s: status = %v, want %d", tc.name, resp, tc.want)
		}
	}
}
