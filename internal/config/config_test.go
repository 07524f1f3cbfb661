package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	t.Setenv("MATH_TOKEN", "secret")
	path := writeFile(t, "config.yaml", `
server:
  socket_path: /tmp/test.sock
  db_path: /tmp/test.db
executor:
  call_timeout: 5s
servers:
  - name: math
    command: ["python", "math.py"]
  - name: web
    url: http://localhost:9000
    transport: http
    headers:
      Authorization: Bearer ${MATH_TOKEN}
    require_approval: ["*"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, TransportStdio, cfg.Servers[0].Transport)
	assert.Equal(t, "math", cfg.Servers[0].Alias)
	assert.Equal(t, TransportHTTP, cfg.Servers[1].Transport)
	assert.Equal(t, "Bearer secret", cfg.Servers[1].Headers["Authorization"])
	assert.Equal(t, 5*time.Second, cfg.Executor.CallTimeout.Duration)
	assert.Equal(t, 3, cfg.Executor.MaxAttempts)
	assert.Equal(t, PartialFinal, cfg.Executor.PartialResults)
	assert.Equal(t, 10, cfg.Memory.Threshold)
	assert.Equal(t, 2, cfg.Servers[0].DegradeAfter)
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  socket: /tmp/x.sock\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
[server]
socket_path = "/tmp/test.sock"
db_path = "/tmp/test.db"

[memory]
threshold = 12
keep_recent = 3

[[servers]]
name = "events"
url = "http://localhost:8081/sse"
transport = "sse"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Memory.Threshold)
	assert.Equal(t, 3, cfg.Memory.KeepRecent)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, TransportSSE, cfg.Servers[0].Transport)
}

func TestLoadTOMLRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "config.toml", "[server]\nsockets = \"x\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config keys")
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "server": {"socket_path": "/tmp/a.sock", "db_path": "/tmp/a.db"},
  "loop": {"max_iterations": 3},
  "servers": [{"name": "stream", "url": "http://localhost:1/mcp"}]
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Loop.MaxIterations)
	assert.Equal(t, TransportStreamable, cfg.Servers[0].Transport)

	bad := writeFile(t, "bad.json", `{"servers": [], "extra": true}`)
	_, err = Load(bad)
	require.Error(t, err)
}

func TestValidateRejectsBadServers(t *testing.T) {
	cases := map[string]string{
		"missing command": "servers:\n  - name: a\n    transport: stdio\n",
		"missing url":     "servers:\n  - name: a\n    transport: sse\n",
		"duplicate":       "servers:\n  - name: a\n    url: http://x\n  - name: a\n    url: http://y\n",
		"bad transport":   "servers:\n  - name: a\n    url: http://x\n    transport: carrier-pigeon\n",
		"reserved name":   "servers:\n  - name: a__b\n    url: http://x\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestValidateMemoryLeavesRoomForSummary(t *testing.T) {
	path := writeFile(t, "config.yaml", "memory:\n  threshold: 4\n  keep_recent: 4\nservers: []\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keep_recent")
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := Default()
			require.NoError(t, UpsertServer(cfg, MCPServer{Name: "math", Command: []string{"math-server"}}))
			require.NoError(t, Save(path, cfg))

			loaded, err := Load(path)
			require.NoError(t, err)
			require.Len(t, loaded.Servers, 1)
			assert.Equal(t, TransportStdio, loaded.Servers[0].Transport)
			assert.Equal(t, cfg.Executor.CallTimeout, loaded.Executor.CallTimeout)
		})
	}
}

func TestLoadOrInitCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := LoadOrInit(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestDiffProducesExplicitOperations(t *testing.T) {
	prev := &Config{Servers: []MCPServer{
		{Name: "keep", URL: "http://a", Transport: TransportHTTP},
		{Name: "gone", URL: "http://b", Transport: TransportHTTP},
		{Name: "moved", URL: "http://c", Transport: TransportSSE},
	}}
	next := &Config{Servers: []MCPServer{
		{Name: "keep", URL: "http://a", Transport: TransportHTTP},
		{Name: "moved", URL: "http://c2", Transport: TransportSSE},
		{Name: "new", Command: []string{"srv"}, Transport: TransportStdio},
	}}

	changes := Diff(prev, next)
	require.Len(t, changes, 4)
	assert.Equal(t, Change{Op: ChangeRemove, Server: prev.Servers[1]}, changes[0])
	assert.Equal(t, Change{Op: ChangeRemove, Server: prev.Servers[2]}, changes[1])
	assert.Equal(t, Change{Op: ChangeAdd, Server: next.Servers[1]}, changes[2])
	assert.Equal(t, Change{Op: ChangeAdd, Server: next.Servers[2]}, changes[3])

	assert.Empty(t, Diff(next, next))
}

func TestRemoveServer(t *testing.T) {
	cfg := &Config{Servers: []MCPServer{{Name: "a"}, {Name: "b"}}}
	assert.True(t, RemoveServer(cfg, "a"))
	assert.False(t, RemoveServer(cfg, "a"))
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "b", cfg.Servers[0].Name)
}
