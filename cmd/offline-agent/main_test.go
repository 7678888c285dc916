package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/Sternrassler/offline-agent/internal/testutil"
	"github.com/Sternrassler/offline-agent/pkg/cache"
	"github.com/Sternrassler/offline-agent/pkg/config"
	"github.com/Sternrassler/offline-agent/pkg/control"
	"github.com/Sternrassler/offline-agent/pkg/eviction"
	"github.com/Sternrassler/offline-agent/pkg/fetch"
	"github.com/Sternrassler/offline-agent/pkg/lifecycle"
)

func TestServeFlagsBindToConfig(t *testing.T) {
	v := viper.New()
	config.Bind(v)
	cmd := newServeCmd(v)

	err := cmd.ParseFlags([]string{
		"--origin", "https://shop.example.com",
		"--agent-version", "2026.10.2",
		"--store-backend", "sqlite",
		"--static-assets", "/,/offline.html,/css/shop.css",
		"--update-interval", "30s",
	})
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Origin != "https://shop.example.com" {
		t.Errorf("Origin = %q", cfg.Origin)
	}
	if cfg.Version != "2026.10.2" {
		t.Errorf("Version = %q", cfg.Version)
	}
	if cfg.Store.Backend != config.BackendSQLite {
		t.Errorf("Store.Backend = %q", cfg.Store.Backend)
	}
	if len(cfg.StaticAssets) != 3 {
		t.Errorf("StaticAssets = %v", cfg.StaticAssets)
	}
	if cfg.Update.Interval != 30*time.Second {
		t.Errorf("Update.Interval = %v", cfg.Update.Interval)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want default", cfg.Listen)
	}
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StoreConfig
		wantErr bool
	}{
		{"badger in memory", config.StoreConfig{Backend: config.BackendBadger, InMemory: true}, false},
		{"badger on disk", config.StoreConfig{Backend: config.BackendBadger, Dir: t.TempDir()}, false},
		{"sqlite", config.StoreConfig{Backend: config.BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "nested", "c.db")}, false},
		{"unknown", config.StoreConfig{Backend: "tape"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStore(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					store.Close()
					t.Fatal("openStore() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("openStore() error = %v", err)
			}
			defer store.Close()

			if err := store.Open(context.Background(), "static@v1"); err != nil {
				t.Errorf("Open() error = %v", err)
			}
		})
	}
}

func TestMessageCommand(t *testing.T) {
	store, err := cache.NewBadgerStore(cache.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.Put(context.Background(), "static@v1", &cache.Entry{
		Method: http.MethodGet, URL: "https://a.test/app.css", StatusCode: http.StatusOK, Body: []byte("body{}"),
	})

	bus, err := control.Connect(control.BusConfig{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close(time.Second)

	reg := lifecycle.NewRegistration(lifecycle.RegistrationConfig{})
	listener, err := control.Listen(bus.Conn(), "", control.NewHandler(store, reg, zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"message", "get_cache_size", "--nats-url", bus.ClientURL()})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("message command error = %v", err)
	}

	var reply control.Reply
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		t.Fatalf("output is not a reply: %v (%s)", err, out.String())
	}
	if !reply.Success || reply.Size == nil || *reply.Size != 6 {
		t.Errorf("reply = %+v", reply)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().String()
}

// startRun runs the agent until the returned stop function is called.
func startRun(t *testing.T, cfg config.Config) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zerolog.Nop()) }()

	return func() {
		t.Helper()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run() error = %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Fatal("run() did not return after cancel")
		}
	}
}

func waitForVersion(t *testing.T, addr, version string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			json.NewDecoder(resp.Body).Decode(&health)
			resp.Body.Close()
			if health.Version == version {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("agent did not activate %s, health = %+v", version, health)
}

func newRunOrigin(t *testing.T) *testutil.MockOrigin {
	t.Helper()
	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)
	origin.SetResponse("/", testutil.NewHTMLResponse("<h1>home</h1>"))
	origin.SetResponse("/offline.html", testutil.NewHTMLResponse("<h1>offline</h1>"))
	return origin
}

func runConfig(origin *testutil.MockOrigin, addr string, store config.StoreConfig) config.Config {
	cfg := config.Default()
	cfg.Origin = origin.URL()
	cfg.Listen = addr
	cfg.StaticAssets = []string{"/", "/offline.html"}
	cfg.Store = store
	cfg.Control.Enabled = false
	return cfg
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	origin := newRunOrigin(t)
	addr := freeAddr(t)
	stop := startRun(t, runConfig(origin, addr, config.StoreConfig{Backend: config.BackendBadger, InMemory: true}))

	// Wait for startup install to activate v1
	waitForVersion(t, addr, "v1")

	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET / status = %d", resp.StatusCode)
	}

	stop()
}

func TestRun_RestartServesStoredReleaseWhileOriginDown(t *testing.T) {
	origin := newRunOrigin(t)
	storeCfg := config.StoreConfig{Backend: config.BackendBadger, Dir: t.TempDir()}

	addr := freeAddr(t)
	stop := startRun(t, runConfig(origin, addr, storeCfg))
	waitForVersion(t, addr, "v1")
	stop()

	origin.SetOffline(true)
	origin.Reset()

	addr = freeAddr(t)
	stop = startRun(t, runConfig(origin, addr, storeCfg))
	defer stop()
	waitForVersion(t, addr, "v1")

	// Unvisited document: the precached offline page answers
	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/never-visited", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "<h1>offline</h1>" {
		t.Errorf("GET /never-visited = %d %q, want offline page", resp.StatusCode, body)
	}
}

func TestCheckUpdates_RetriesStartupInstall(t *testing.T) {
	defer func(d time.Duration) { startupRetryDelay = d }(startupRetryDelay)
	startupRetryDelay = 20 * time.Millisecond

	origin := newRunOrigin(t)
	origin.SetOffline(true)

	store, err := cache.NewBadgerStore(cache.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	reg := lifecycle.NewRegistration(lifecycle.RegistrationConfig{
		Worker: lifecycle.WorkerConfig{
			Origin:      origin.URL(),
			OfflinePage: "/offline.html",
			Store:       store,
			Fetcher:     fetch.New(fetch.Config{Timeout: time.Second, RetryDelay: time.Millisecond}, origin.Client(), zerolog.Nop()),
			Expirer:     eviction.NewManager(store, eviction.DefaultConfig(), zerolog.Nop()),
			MaxAge:      time.Hour,
			Logger:      zerolog.Nop(),
		},
		Source: lifecycle.StaticSource{Version: "v1", Assets: []string{"/", "/offline.html"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		checkUpdates(ctx, reg, config.UpdateConfig{}, zerolog.Nop())
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	if reg.Active() != nil {
		t.Fatal("release activated while origin was offline")
	}

	origin.SetOffline(false)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("checkUpdates did not finish after the origin came back")
	}
	if w := reg.Active(); w == nil || w.Version() != "v1" {
		t.Errorf("Active() = %v, want v1", w)
	}
}
