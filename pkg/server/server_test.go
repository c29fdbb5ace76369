package server

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const baseConfig = `
global:
  log_level: info
input:
  rules_file: $DIR/NAT
  flows_file: $DIR/FLOW
  output_file: $DIR/OUTPUT
`

const natRules = `10.0.1.1:8080,192.168.0.1:80
10.0.1.1:*,192.168.0.2:80
*:21,192.168.0.3:8000
10.0.1.2:8080,192.168.0.4:80
10.0.1.3:8080
`

const flowQueries = `10.0.1.1:8080
10.0.1.1:9999
10.0.1.5:21

10.0.1.5:22
10.0.1.*:80
`

const expectedOutput = `10.0.1.1:8080 -> 192.168.0.1:80
10.0.1.1:9999 -> 192.168.0.2:80
10.0.1.5:21 -> 192.168.0.3:8000
No nat match for 10.0.1.5:22
query 10.0.1.*:80 format is incorrect
`

func TestRunOnce_TranslatesFlows(t *testing.T) {
	env := newTestEnv(t, baseConfig, nil)
	env.writeFile(t, "NAT", natRules)
	env.writeFile(t, "FLOW", flowQueries)

	if err := env.server.RunOnce(); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := env.readFile(t, "OUTPUT"); got != expectedOutput {
		t.Errorf("unexpected output\nwant:\n%s\ngot:\n%s", expectedOutput, got)
	}
	if got := env.server.Table().Len(); got != 4 {
		t.Errorf("expected 4 rules in table, got %d", got)
	}
	if env.opened != 0 {
		t.Errorf("export managers opened %d times with export disabled", env.opened)
	}
}

func TestRunOnce_InlineRulesApplyAfterFile(t *testing.T) {
	env := newTestEnv(t, baseConfig+`
rules:
  - "10.0.1.1:8080,192.168.0.9:9090"
  - "10.0.1.9:22,192.168.0.9:22"
`, nil)
	env.writeFile(t, "NAT", natRules)
	env.writeFile(t, "FLOW", "10.0.1.1:8080\n10.0.1.9:22\n")

	if err := env.server.RunOnce(); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	want := "10.0.1.1:8080 -> 192.168.0.9:9090\n10.0.1.9:22 -> 192.168.0.9:22\n"
	if got := env.readFile(t, "OUTPUT"); got != want {
		t.Errorf("unexpected output\nwant:\n%s\ngot:\n%s", want, got)
	}
}

func TestRunOnce_NoRulesFile(t *testing.T) {
	env := newTestEnv(t, `
input:
  rules_file: ""
  flows_file: $DIR/FLOW
  output_file: $DIR/OUTPUT
rules:
  - "*:21,192.168.0.3:8000"
`, nil)
	env.writeFile(t, "FLOW", "10.0.1.5:21\n")

	if err := env.server.RunOnce(); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := env.readFile(t, "OUTPUT"); got != "10.0.1.5:21 -> 192.168.0.3:8000\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestRunOnce_MissingRulesFile(t *testing.T) {
	env := newTestEnv(t, baseConfig, nil)
	env.writeFile(t, "FLOW", flowQueries)

	if err := env.server.RunOnce(); err == nil {
		t.Fatal("expected error for missing rules file, got nil")
	}
}

func TestRunOnce_MissingFlowsFile(t *testing.T) {
	env := newTestEnv(t, baseConfig, nil)
	env.writeFile(t, "NAT", natRules)

	if err := env.server.RunOnce(); err == nil {
		t.Fatal("expected error for missing flows file, got nil")
	}
}

func TestRunOnce_ExportsConcreteRules(t *testing.T) {
	env := newTestEnv(t, baseConfig+`
export:
  enabled: true
  scheduler: wrr
  snat:
    enabled: true
    snat_ip: 10.0.0.254
`, nil)
	env.writeFile(t, "NAT", natRules)
	env.writeFile(t, "FLOW", flowQueries)

	if err := env.server.RunOnce(); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := env.serviceCount(t); got != 2 {
		t.Errorf("expected 2 exported services, got %d", got)
	}
	if got := len(env.snatMgr.GetManaged()); got != 2 {
		t.Errorf("expected 2 SNAT rules, got %d", got)
	}
	if got := env.readFile(t, "OUTPUT"); got != expectedOutput {
		t.Errorf("translation changed by export\nwant:\n%s\ngot:\n%s", expectedOutput, got)
	}
}

func TestRunPass_ExportWithdrawnWhenDisabled(t *testing.T) {
	env := newTestEnv(t, baseConfig+`
export:
  enabled: true
`, nil)
	env.writeFile(t, "NAT", natRules)
	env.writeFile(t, "FLOW", flowQueries)

	cfg := *env.server.Config()
	if err := env.server.runPass(&cfg); err != nil {
		t.Fatalf("runPass failed: %v", err)
	}
	if got := env.serviceCount(t); got != 2 {
		t.Fatalf("expected 2 exported services, got %d", got)
	}

	cfg.Export.Enabled = false
	if err := env.server.runPass(&cfg); err != nil {
		t.Fatalf("runPass failed: %v", err)
	}
	if got := env.serviceCount(t); got != 0 {
		t.Errorf("expected exported services withdrawn, got %d", got)
	}
	if env.opened != 1 {
		t.Errorf("expected export managers opened once, got %d", env.opened)
	}
}

func TestLookup(t *testing.T) {
	env := newTestEnv(t, baseConfig, nil)
	env.writeFile(t, "NAT", natRules)

	var out bytes.Buffer
	queries := []string{"10.0.1.2:8080", "10.0.1.5:22", "*:21"}
	if err := env.server.Lookup(queries, &out); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	want := "10.0.1.2:8080 -> 192.168.0.4:80\nNo nat match for 10.0.1.5:22\nquery *:21 format is incorrect\n"
	if got := out.String(); got != want {
		t.Errorf("unexpected lookup output\nwant:\n%s\ngot:\n%s", want, got)
	}
}

func TestNewServer_FlagsOverrideConfig(t *testing.T) {
	flags := pflag.NewFlagSet("eznat", pflag.ContinueOnError)
	flags.String("output", "", "")
	flags.String("log-level", "", "")

	dir := t.TempDir()
	if err := flags.Parse([]string{"--output", dir + "/RESULT", "--log-level", "debug"}); err != nil {
		t.Fatalf("flag parse failed: %v", err)
	}

	env := newTestEnv(t, baseConfig, flags)
	cfg := env.server.Config()
	if cfg.Input.OutputFile != dir+"/RESULT" {
		t.Errorf("expected output file from flag, got %q", cfg.Input.OutputFile)
	}
	if env.server.level.Level() != zapcore.DebugLevel {
		t.Errorf("expected debug level, got %s", env.server.level.Level())
	}
}

func TestNewServer_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	env := &testEnv{dir: dir}
	path := env.writeFile(t, "eznat.yaml", "export:\n  scheduler: fifo\n")

	if _, err := NewServer(path, nil, zap.NewAtomicLevel(), zap.NewNop()); err == nil {
		t.Fatal("expected error for invalid config, got nil")
	}
}

func TestRun_RerunsOnInputChange(t *testing.T) {
	env := newTestEnv(t, baseConfig, nil)
	env.writeFile(t, "NAT", natRules)
	env.writeFile(t, "FLOW", "10.0.1.9:22\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.server.Run(ctx)
	}()

	env.waitForFile(t, "OUTPUT", "No nat match for 10.0.1.9:22\n")

	env.writeFile(t, "NAT", natRules+"10.0.1.9:22,192.168.0.9:22\n")
	env.waitForFile(t, "OUTPUT", "10.0.1.9:22 -> 192.168.0.9:22\n")

	env.writeFile(t, "FLOW", "10.0.1.9:22\n10.0.1.1:8080\n")
	env.waitForFile(t, "OUTPUT", "10.0.1.9:22 -> 192.168.0.9:22\n10.0.1.1:8080 -> 192.168.0.1:80\n")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_RerunsOnConfigChange(t *testing.T) {
	env := newTestEnv(t, baseConfig, nil)
	env.writeFile(t, "NAT", natRules)
	env.writeFile(t, "FLOW", "10.0.1.9:22\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- env.server.Run(ctx)
	}()

	env.waitForFile(t, "OUTPUT", "No nat match for 10.0.1.9:22\n")

	updated := strings.ReplaceAll(baseConfig, "$DIR", env.dir) + `
rules:
  - "10.0.1.9:22,192.168.0.9:22"
`
	env.writeFile(t, "eznat.yaml", updated)
	env.waitForFile(t, "OUTPUT", "10.0.1.9:22 -> 192.168.0.9:22\n")

	cancel()
	<-done
}
