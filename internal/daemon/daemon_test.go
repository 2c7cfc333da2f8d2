package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wpprelay/internal/config"
	"github.com/matheus3301/wpprelay/internal/lock"
	"github.com/matheus3301/wpprelay/internal/notify"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	// Use a short path to avoid macOS 104-char Unix socket limit.
	dir, err := os.MkdirTemp("/tmp", "relay-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.LogLevel = "warn"
	cfg.HTTP.Listen = "127.0.0.1:0"
	cfg.Outbox.Interval = 20 * time.Millisecond
	cfg.Instances = []config.InstanceConfig{{Name: "acme"}}
	return cfg
}

func healthClient(t *testing.T, socketPath string) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error = %v", service, err)
	}
	return resp.Status
}

func postJSON(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)

	var srv *HTTPServer
	app := fxtest.New(t,
		Module(Params{Config: cfg}),
		fx.Populate(&srv),
	)
	app.RequireStart()

	base := "http://" + srv.Addr()
	hc := healthClient(t, cfg.SocketPath())

	if got := check(t, hc, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("daemon health = %v, want SERVING", got)
	}
	if got := check(t, hc, HealthService("acme")); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("instance health = %v, want NOT_SERVING before connection", got)
	}

	code := postJSON(t, base+"/webhook/acme", `{"event":"messages.upsert","data":{
		"key":{"remoteJid":"554191188909@s.whatsapp.net","fromMe":false,"id":"3EB0A1"},
		"pushName":"Ana","message":{"conversation":"Oi"},"messageTimestamp":1700000000}}`)
	if code != http.StatusOK {
		t.Fatalf("webhook status = %d", code)
	}

	resp, err := http.Get(base + "/instances/acme/conversations")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Conversations []notify.ConversationView `json:"conversations"`
	}
	err = json.NewDecoder(resp.Body).Decode(&list)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(list.Conversations))
	}
	if c := list.Conversations[0]; c.UnreadCount != 1 || c.LastMessage != "Oi" {
		t.Errorf("conversation = %+v", c)
	}

	code = postJSON(t, base+"/webhook/acme", `{"event":"connection.update","data":{"state":"open","statusReason":200}}`)
	if code != http.StatusOK {
		t.Fatalf("connection webhook status = %d", code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for check(t, hc, HealthService("acme")) != healthpb.HealthCheckResponse_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("instance health did not follow connection state")
		}
		time.Sleep(10 * time.Millisecond)
	}

	app.RequireStop()

	if _, err := os.Stat(cfg.SocketPath()); !os.IsNotExist(err) {
		t.Error("control socket left behind after stop")
	}
	if owner, err := lock.Read(cfg.DataDir); err != nil || owner != nil {
		t.Errorf("lock after stop = %+v, %v", owner, err)
	}
}

func TestDaemonRefusesHeldDataDir(t *testing.T) {
	cfg := testConfig(t)

	l, err := lock.Acquire(cfg.DataDir, "")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Release() }()

	app := fx.New(Module(Params{Config: cfg}), fx.NopLogger)
	err = app.Err()
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("app error = %v, want HeldError", err)
	}
}

func TestNewControlServerCleansStaleSocket(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.SocketPath(), []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}

	srv, err := NewControlServer(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewControlServer() error = %v", err)
	}
	info, err := os.Stat(cfg.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Error("socket path is not a socket")
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket perm = %o, want 0600", perm)
	}
	srv.Stop()
	if _, err := os.Stat(filepath.Clean(cfg.SocketPath())); !os.IsNotExist(err) {
		t.Error("socket left behind after Stop")
	}
}
