package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/easzlab/eznat/pkg/lvs"
	"github.com/easzlab/eznat/pkg/lvs/lvstest"
	"github.com/easzlab/eznat/pkg/snat"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// testEnv holds a Server wired to in-memory export managers and a temp workspace.
type testEnv struct {
	dir     string
	server  *Server
	lvsMgr  *lvs.Manager
	snatMgr *snat.FakeManager
	opened  int
}

// newTestEnv writes configYAML (with $DIR replaced by a temp dir) and creates a Server.
func newTestEnv(t *testing.T, configYAML string, flags *pflag.FlagSet) *testEnv {
	t.Helper()
	env := &testEnv{dir: t.TempDir()}
	env.lvsMgr = lvs.NewManagerWithHandle(lvstest.NewHandle(), zap.NewNop())
	env.snatMgr = snat.NewFakeManager(zap.NewNop())

	opener := func(*zap.Logger) (*lvs.Manager, snat.Manager, error) {
		env.opened++
		return env.lvsMgr, env.snatMgr, nil
	}

	configPath := env.writeFile(t, "eznat.yaml", strings.ReplaceAll(configYAML, "$DIR", env.dir))
	srv, err := newServer(configPath, flags, zap.NewAtomicLevel(), opener, zap.NewNop())
	if err != nil {
		t.Fatalf("newServer failed: %v", err)
	}
	env.server = srv
	return env
}

func (e *testEnv) path(name string) string {
	return filepath.Join(e.dir, name)
}

func (e *testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := e.path(name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func (e *testEnv) readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(e.path(name))
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

// waitForFile polls until the file named name has content want.
func (e *testEnv) waitForFile(t *testing.T, name, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var got string
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(e.path(name))
		if err == nil {
			got = string(data)
			if got == want {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s\nwant:\n%s\ngot:\n%s", name, want, got)
}

func (e *testEnv) serviceCount(t *testing.T) int {
	t.Helper()
	services, err := e.lvsMgr.GetServices()
	if err != nil {
		t.Fatalf("GetServices failed: %v", err)
	}
	return len(services)
}
