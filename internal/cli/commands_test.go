package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueueServer answers the queue server routes the commands use and
// records what it was asked.
type fakeQueueServer struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]map[string]any
	added    int
	allowed  []string
}

func (f *fakeQueueServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	var body map[string]any
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &body)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, route)
	f.bodies[route] = body

	w.Header().Set("Content-Type", "application/json")
	switch route {
	case "GET /status":
		io.WriteString(w, `{"success": true, "manager_state": "idle", "re_state": "idle", "items_in_queue": 1, "items_in_history": 4}`)
	case "GET /queue/get":
		io.WriteString(w, `{"success": true, "items": [{"item_uid": "uid-9", "name": "count", "item_type": "plan", "kwargs": {"detectors": ["det_a"], "num": 3}, "user": "operator"}], "running_item": {}}`)
	case "POST /queue/item/add":
		f.added++
		fmt.Fprintf(w, `{"success": true, "item": {"item_uid": "uid-%d"}}`, f.added)
	case "POST /queue/clear", "POST /queue/item/remove", "POST /re/pause", "POST /re/resume":
		io.WriteString(w, `{"success": true, "msg": ""}`)
	case "GET /plans/allowed":
		plans := make(map[string]any, len(f.allowed))
		for _, name := range f.allowed {
			plans[name] = map[string]any{"name": name}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "plans_allowed": plans})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeQueueServer) seen(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r == route {
			n++
		}
	}
	return n
}

func (f *fakeQueueServer) body(route string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[route]
}

type cliEnv struct {
	config string
	qs     *fakeQueueServer
}

// newCLIEnv writes a config pointing at the test whitelist, a store in a
// temp directory and a fake queue server.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	qs := &fakeQueueServer{
		bodies:  make(map[string]map[string]any),
		allowed: []string{"count", "scan", "rel_scan", "list_scan", "grid_scan"},
	}
	srv := httptest.NewServer(qs)
	t.Cleanup(srv.Close)
	return &cliEnv{config: writeCLIConfig(t, srv.URL), qs: qs}
}

func writeCLIConfig(t *testing.T, qserverURL string) string {
	t.Helper()
	for _, name := range []string{"BAITCHAT_QSERVER_URL", "BAITCHAT_DB", "BAITCHAT_RATE_LIMIT", "BAITCHAT_LLM_PROVIDER"} {
		t.Setenv(name, "")
	}
	wl, err := filepath.Abs(testWhitelistDir)
	require.NoError(t, err)
	dir := t.TempDir()
	cfg := fmt.Sprintf(`registry:
  whitelist_dir: %s
queue_server:
  url: %s
store:
  path: %s
`, wl, qserverURL, filepath.Join(dir, "baitchat.db"))
	path := filepath.Join(dir, "baitchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func (f *fakeQueueServer) allow(plans ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowed = plans
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

type cliOutcome struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Data      struct {
		Status  string `json:"status"`
		Code    string `json:"code"`
		Plan    string `json:"plan"`
		QueueID string `json:"queue_id"`
	} `json:"data"`
	Error *CLIError `json:"error"`
}

func TestTranslateSubmitsAndRecords(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "--format", "json", "translate", "count", "det_a")
	require.NoError(t, err, out)

	var resp cliOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "submitted", resp.Data.Status)
	assert.Equal(t, "count", resp.Data.Plan)
	assert.Equal(t, "uid-1", resp.Data.QueueID)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 1, env.qs.seen("POST /queue/item/add"))

	out, err = env.run(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "uid-1")
	assert.Contains(t, out, "count(")

	out, err = env.run(t, "history", "--outcomes")
	require.NoError(t, err)
	assert.Contains(t, out, "submitted")
}

func TestTranslateDryRunDoesNotSubmit(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "--format", "json", "translate", "--dry-run", "count det_a")
	require.NoError(t, err, out)

	var resp cliOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ready", resp.Data.Status)
	assert.Zero(t, env.qs.seen("POST /queue/item/add"))
}

func TestTranslateRejectionExitsOne(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "translate", "fly_scan det_a motor_x 0 5 11")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ [UNKNOWN_PLAN]")
	assert.Zero(t, env.qs.seen("POST /queue/item/add"))
}

func TestInvalidConfigExitsTwo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry:\n  whitelist_directory: x\n"), 0o644))

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "plans"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out.String(), "Error [CONFIG_INVALID]")
}

func TestPlansListsWhitelist(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "plans")
	require.NoError(t, err)
	assert.Contains(t, out, "PLAN")
	assert.Contains(t, out, "grid_scan")
	assert.Contains(t, out, "[num]")
}

func TestPlansCheckDrift(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "plans", "--check")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ All 5 plans are allowed")

	env.qs.allow("count", "scan", "rel_scan", "list_scan")
	out, err = env.run(t, "plans", "--check")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Not allowed by the queue server: grid_scan")
}

func TestDevicesByCategory(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "devices", "--category", "motor")
	require.NoError(t, err)
	assert.Contains(t, out, "motor_x")
	assert.Contains(t, out, "motor_y")
	assert.NotContains(t, out, "det_a")

	_, err = env.run(t, "devices", "--category", "beamstop")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestQueueStatus(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "queue", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Manager:    idle")
	assert.Contains(t, out, "uid-9")
	assert.Contains(t, out, "count(detectors=[det_a], num=3)")
}

func TestQueueControl(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "queue", "remove", "uid-9")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ removed uid-9")
	assert.Equal(t, "uid-9", env.qs.body("POST /queue/item/remove")["uid"])

	for _, sub := range []string{"clear", "pause", "resume"} {
		_, err := env.run(t, "queue", sub)
		require.NoError(t, err, sub)
	}
	assert.Equal(t, 1, env.qs.seen("POST /queue/clear"))
	assert.Equal(t, 1, env.qs.seen("POST /re/pause"))
	assert.Equal(t, 1, env.qs.seen("POST /re/resume"))
}

func TestQueueUnreachableExitsTwo(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	env := &cliEnv{config: writeCLIConfig(t, dead.URL)}

	out, err := env.run(t, "queue", "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "DOWNSTREAM_UNAVAILABLE")
}
