package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/urfave/cli/v2"

	"github.com/kabili207/camgate/config"
	"github.com/kabili207/camgate/notify"
	"github.com/kabili207/camgate/store/fsstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = ":memory:"
	cfg.Storage.Path = t.TempDir()
	cfg.Metrics.Disabled = true
	return cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuild_Defaults(t *testing.T) {
	ctx := context.Background()
	c, err := build(ctx, testConfig(t), discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()

	if c.Gateway == nil || c.Transport == nil {
		t.Fatal("gateway and transport must be wired")
	}
	if _, ok := c.Objects.(*fsstore.Store); !ok {
		t.Errorf("objects = %T, want *fsstore.Store", c.Objects)
	}
	if _, ok := c.Notifier.(notify.Nop); !ok {
		t.Errorf("notifier = %T, want notify.Nop", c.Notifier)
	}
	if err := c.Check(ctx); err != nil {
		t.Errorf("check: %v", err)
	}
}

func TestBuild_RedisNotifier(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Notify.Type = config.NotifyRedis
	cfg.Notify.URL = "redis://" + mr.Addr()

	ctx := context.Background()
	c, err := build(ctx, cfg, discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()

	if err := c.Check(ctx); err != nil {
		t.Errorf("check: %v", err)
	}
}

func TestBuild_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Type = config.NotifyRedis
	cfg.Notify.URL = "redis://127.0.0.1:1"

	ctx := context.Background()
	c, err := build(ctx, cfg, discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()

	if err := c.Check(ctx); err == nil || !strings.Contains(err.Error(), "notifier") {
		t.Errorf("expected notifier error, got %v", err)
	}
}

func TestBuild_InvalidRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Type = config.NotifyRedis
	cfg.Notify.URL = "not-a-url"

	if _, err := build(context.Background(), cfg, discard()); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestBuild_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "ftp"

	if _, err := build(context.Background(), cfg, discard()); err == nil {
		t.Fatal("expected error for unknown storage backend")
	}
}

func TestBuild_OptionalLoopsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Presence.Disabled = true
	cfg.Commands.Disabled = true

	c, err := build(context.Background(), cfg, discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	content := fmt.Sprintf(`database:
  dsn: %s
storage:
  backend: fs
  path: %s
metrics:
  disabled: true
log:
  level: error
`, filepath.Join(dir, "meta.db"), filepath.Join(dir, "objects"))
	path := filepath.Join(dir, "camgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"camgate"}, args...))
	return out.String(), err
}

func TestCLI_Version(t *testing.T) {
	out, err := runApp(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "camgate "+version) {
		t.Errorf("got %q", out)
	}
}

func TestCLI_Check(t *testing.T) {
	path := writeConfig(t, t.TempDir())

	out, err := runApp(t, "--config", path, "check")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if strings.TrimSpace(out) != "ok" {
		t.Errorf("got %q", out)
	}
}

func TestCLI_MissingConfig(t *testing.T) {
	_, err := runApp(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "check")
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestCLI_Enqueue(t *testing.T) {
	path := writeConfig(t, t.TempDir())

	out, err := runApp(t, "--config", path, "enqueue", "--payload", `{"quality":10}`, "AABBCCDDEEFF", "set_quality")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		t.Error("expected command id on stdout")
	}
}

func TestCLI_EnqueueValidation(t *testing.T) {
	path := writeConfig(t, t.TempDir())

	tests := []struct {
		name string
		args []string
	}{
		{"missing args", []string{"enqueue", "AABBCCDDEEFF"}},
		{"bad payload", []string{"enqueue", "--payload", "{", "AABBCCDDEEFF", "reboot"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runApp(t, append([]string{"--config", path}, tt.args...)...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
