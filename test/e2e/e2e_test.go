package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "crucible-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "crucible")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/crucible")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T) *serverProc {
	t.Helper()
	binary := getBinary(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"CRUCIBLE_LISTEN_ADDR="+addr,
		"CRUCIBLE_DB_PATH="+dbPath,
		"CRUCIBLE_LOG_LEVEL=info",
		"CRUCIBLE_MONITOR_TICK=1s",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func postJSON(t *testing.T, url, token, payload string) (int, map[string]any) {
	t.Helper()

	req, err := http.NewRequest("POST", url, bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, body
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, body
}

func TestBinaryBuildsAndStarts(t *testing.T) {
	sp := startServer(t)
	if sp == nil {
		t.Fatal("server did not start")
	}

	status, body := getJSON(t, sp.url+"/healthz")
	if status != 200 {
		t.Errorf("healthz status = %d, want 200", status)
	}
	if body["status"] != "ok" {
		t.Errorf("healthz body = %v, want status ok", body)
	}
}

func TestMetricsExposed(t *testing.T) {
	sp := startServer(t)

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)

	for _, metric := range []string{
		"crucible_http_requests_total",
		"crucible_http_request_duration_seconds",
		"crucible_active_instances",
		"crucible_store_queue_depth",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}

// Full control-plane round trip against the real binary: create and publish
// a version, start an instance, execute with the minted token, inspect
// usage.
func TestVersionExecuteRoundTrip(t *testing.T) {
	sp := startServer(t)

	status, created := getCreatedVersion(t, sp, "orders", "1.0.0")
	if status != 201 {
		t.Fatalf("create version status = %d, body = %v", status, created)
	}
	version := created["version"].(map[string]any)
	token := created["token"].(map[string]any)
	versionID := version["id"].(string)
	tokenValue := token["value"].(string)

	if !strings.HasPrefix(tokenValue, "ct_") {
		t.Errorf("token value = %q, want ct_ prefix", tokenValue)
	}

	status, _ = postJSON(t, sp.url+"/v1/versions/"+versionID+"/publish", "", "{}")
	if status != 200 {
		t.Fatalf("publish status = %d", status)
	}

	status, inst := postJSON(t, sp.url+"/v1/apps/orders/instances", "", `{"version":"1.0.0"}`)
	if status != 201 {
		t.Fatalf("create instance status = %d, body = %v", status, inst)
	}
	instanceID := inst["id"].(string)

	waitForRunning(t, sp, instanceID)

	for i := 0; i < 5; i++ {
		status, out := postJSON(t, sp.url+"/v1/apps/orders/execute", tokenValue,
			fmt.Sprintf(`{"method":"POST","path":"/run","body":{"n":%d}}`, i))
		if status != 200 {
			t.Fatalf("execute[%d] status = %d, body = %v", i, status, out)
		}
	}

	_, got := getJSON(t, sp.url+"/v1/instances/"+instanceID)
	instBody := got["instance"].(map[string]any)
	usage := instBody["usage"].(map[string]any)
	if req, _ := usage["requests"].(float64); int(req) != 5 {
		t.Errorf("usage requests = %v, want 5", usage["requests"])
	}
}

func TestExecuteRejectsBadToken(t *testing.T) {
	sp := startServer(t)

	status, created := getCreatedVersion(t, sp, "orders", "1.0.0")
	if status != 201 {
		t.Fatalf("create version status = %d", status)
	}
	versionID := created["version"].(map[string]any)["id"].(string)
	postJSON(t, sp.url+"/v1/versions/"+versionID+"/publish", "", "{}")

	status, _ = postJSON(t, sp.url+"/v1/apps/orders/execute", "ct_bogus", `{"path":"/"}`)
	if status != 401 {
		t.Errorf("status = %d, want 401", status)
	}
}

func TestStructuredJSONLogs(t *testing.T) {
	sp := startServer(t)

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	foundRequestLog := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal([]byte(scanner.Text()), &entry); err != nil {
			continue
		}
		if msg, ok := entry["msg"].(string); ok && msg == "request" {
			foundRequestLog = true
			for _, key := range []string{"method", "path", "status", "duration_ms"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		}
	}
	if !foundRequestLog {
		t.Errorf("no structured request log found in stdout\noutput:\n%s", sp.stdout.String())
	}
}

func getCreatedVersion(t *testing.T, sp *serverProc, app, version string) (int, map[string]any) {
	t.Helper()
	payload := fmt.Sprintf(
		`{"version":%q,"runtime":{"language":"node","memory_mb":256,"cpus":1,"timeout_s":30}}`, version)
	return postJSON(t, sp.url+"/v1/apps/"+app+"/versions", "", payload)
}

func waitForRunning(t *testing.T, sp *serverProc, instanceID string) {
	t.Helper()
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		_, body := getJSON(t, sp.url+"/v1/instances/"+instanceID)
		if inst, ok := body["instance"].(map[string]any); ok {
			if inst["status"] == "running" {
				return
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("instance %s never reached running", instanceID)
}
