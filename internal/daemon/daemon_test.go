package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/messenger"
	"github.com/matheus3301/chatsync/internal/optimistic"
	"github.com/matheus3301/chatsync/internal/pagination"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote/remotetest"
	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// tempHome points the profile layout at a short /tmp directory to stay
// under the 104-char Unix socket limit on macOS.
func tempHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "chatsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(profile.HomeEnv, dir)
	return dir
}

func waitStatus(t *testing.T, c *rpc.Client, want status.State) *rpc.StatusResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := c.Status(context.Background())
		if err != nil {
			t.Fatalf("Status error = %v", err)
		}
		if resp.State == string(want) {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s (%s), want %s", resp.State, resp.Reason, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStatusRoundTrip(t *testing.T) {
	home := tempHome(t)
	socketPath := filepath.Join(home, "d.sock")

	b := bus.New()
	machine := status.NewMachine(b)
	// Simulate what startWhatsApp does when the device is not paired.
	if err := machine.Transition(status.AuthRequired); err != nil {
		t.Fatal(err)
	}
	be := remotetest.New()
	store := entity.NewStore(b, nil)
	m, err := messenger.New(messenger.Deps{
		Store: store,
		Pages: pagination.NewController(be, store, 10, b, nil),
		Sends: optimistic.NewCoordinator(store, be, optimistic.Author{ID: "u1"}, b, nil),
		Chats: be,
		Bus:   b,
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := rpc.NewService(rpc.ServiceDeps{Profile: "test", Backend: config.BackendWhatsApp, Messenger: m, Machine: machine, Bus: b})

	srv, err := NewServer(Params{Profile: "test", SocketPath: socketPath}, zap.NewNop(), svc)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}

	client, err := rpc.Dial(srv.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	resp := waitStatus(t, client, status.AuthRequired)
	if resp.Profile != "test" || resp.Backend != config.BackendWhatsApp {
		t.Errorf("status = %+v", resp)
	}
}

func TestServerRemovesStaleSocket(t *testing.T) {
	home := tempHome(t)
	socketPath := filepath.Join(home, "d.sock")
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(Params{SocketPath: socketPath}, zap.NewNop(), rpc.NewService(rpc.ServiceDeps{}))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket not removed on stop: %v", err)
	}
}

func newApp(t *testing.T, be *remotetest.Backend) *fx.App {
	t.Helper()
	cfg := (&config.Config{}).Profile("test")
	cfg.Self = config.Self{ID: "u1", Name: "Ada"}
	cfg.LogLevel = "error"
	return fx.New(
		Module(Params{Profile: "test", Config: cfg, Backend: be}),
		fx.NopLogger,
	)
}

func TestModuleLifecycle(t *testing.T) {
	tempHome(t)
	be := remotetest.New()
	be.AddChat(entity.Chat{ID: "c1", CreatedAt: time.Now(), Participants: []entity.Participant{{ID: "u1"}, {ID: "u2", Name: "Bob"}}})
	be.SetHistory("c1", []entity.Message{{ID: "m1", ChatID: "c1", AuthorID: "u2", Text: entity.String("hello world"), CreatedAt: time.Now()}})

	app := newApp(t, be)
	if err := app.Err(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}

	client, err := rpc.Dial(profile.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	resp := waitStatus(t, client, status.Live)
	if resp.ChatCount != 1 {
		t.Errorf("chat count = %d, want 1", resp.ChatCount)
	}

	page, err := client.OpenChat(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if page.Fetched != 1 {
		t.Errorf("fetched = %d, want 1", page.Fetched)
	}

	// The sync engine mirrors the page into the archive asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hits, err := client.Search(ctx, &rpc.SearchRequest{Query: "hello"})
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("search hits = %d, want 1", len(hits))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(profile.SocketPath("test")); !os.IsNotExist(err) {
		t.Error("socket left behind after stop")
	}
}

func TestModuleSecondDaemonRefused(t *testing.T) {
	tempHome(t)
	first := newApp(t, remotetest.New())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Stop(ctx) }()

	second := newApp(t, remotetest.New())
	if err := second.Err(); err == nil {
		t.Error("second daemon on the same profile should fail to acquire the lock")
	}
}

func TestModuleRejectsUnknownBackend(t *testing.T) {
	tempHome(t)
	cfg := (&config.Config{}).Profile("test")
	cfg.Backend = "irc"
	app := fx.New(Module(Params{Profile: "test", Config: cfg}), fx.NopLogger)
	if err := app.Err(); err == nil {
		t.Error("expected error for unknown backend")
	}
}
