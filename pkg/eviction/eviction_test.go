package eviction

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-agent/pkg/cache"
)

func setupStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewBadgerStore(cache.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func put(t *testing.T, store cache.Store, namespace, url string, headers http.Header) {
	t.Helper()
	entry := &cache.Entry{
		Method:     http.MethodGet,
		URL:        url,
		StatusCode: http.StatusOK,
		Headers:    headers,
		Body:       []byte("x"),
	}
	if err := store.Put(context.Background(), namespace, entry); err != nil {
		t.Fatalf("Put %s: %v", url, err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxItems != 50 {
		t.Errorf("MaxItems = %d, want 50", cfg.MaxItems)
	}
	if cfg.MaxAge != 7*24*time.Hour {
		t.Errorf("MaxAge = %v, want 168h", cfg.MaxAge)
	}
	if cfg.TimestampHeader != "Date" {
		t.Errorf("TimestampHeader = %q, want Date", cfg.TimestampHeader)
	}
}

func TestManager_Trim(t *testing.T) {
	tests := []struct {
		name        string
		writes      int
		maxItems    int
		wantDeleted int
		wantFirst   int
	}{
		{name: "under cap", writes: 3, maxItems: 5, wantDeleted: 0, wantFirst: 0},
		{name: "at cap", writes: 5, maxItems: 5, wantDeleted: 0, wantFirst: 0},
		{name: "over cap", writes: 8, maxItems: 5, wantDeleted: 3, wantFirst: 3},
		{name: "default cap", writes: 60, maxItems: 50, wantDeleted: 10, wantFirst: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupStore(t)
			m := NewManager(store, DefaultConfig(), zerolog.Nop())
			ctx := context.Background()

			for i := 0; i < tt.writes; i++ {
				put(t, store, "dynamic@1.0.0", fmt.Sprintf("https://app.example.com/%d", i), http.Header{})
			}

			deleted, err := m.Trim(ctx, "dynamic@1.0.0", tt.maxItems)
			if err != nil {
				t.Fatalf("Trim: %v", err)
			}
			if deleted != tt.wantDeleted {
				t.Errorf("deleted = %d, want %d", deleted, tt.wantDeleted)
			}

			keys, _ := store.Keys(ctx, "dynamic@1.0.0")
			if len(keys) > tt.maxItems {
				t.Errorf("count after trim = %d, exceeds %d", len(keys), tt.maxItems)
			}
			if len(keys) > 0 && keys[0].URL != fmt.Sprintf("https://app.example.com/%d", tt.wantFirst) {
				t.Errorf("oldest surviving key = %s, want index %d", keys[0].URL, tt.wantFirst)
			}
		})
	}
}

func TestManager_Trim_NeverExceedsCap(t *testing.T) {
	store := setupStore(t)
	m := NewManager(store, Config{MaxItems: 4}, zerolog.Nop())
	ctx := context.Background()

	// Overwrites mixed with fresh keys
	for i := 0; i < 30; i++ {
		put(t, store, "dynamic@1.0.0", fmt.Sprintf("https://app.example.com/%d", i%7), http.Header{})
		if _, err := m.Trim(ctx, "dynamic@1.0.0", 4); err != nil {
			t.Fatalf("Trim: %v", err)
		}
		keys, _ := store.Keys(ctx, "dynamic@1.0.0")
		if len(keys) > 4 {
			t.Fatalf("after write %d: count = %d > 4", i, len(keys))
		}
	}
}

func TestManager_Expire(t *testing.T) {
	store := setupStore(t)
	m := NewManager(store, DefaultConfig(), zerolog.Nop())
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	stamp := func(age time.Duration) http.Header {
		return http.Header{"Date": []string{now.Add(-age).Format(http.TimeFormat)}}
	}

	put(t, store, "dynamic@1.0.0", "https://app.example.com/fresh", stamp(time.Hour))
	put(t, store, "dynamic@1.0.0", "https://app.example.com/stale", stamp(8*24*time.Hour))
	put(t, store, "dynamic@1.0.0", "https://app.example.com/edge", stamp(7*24*time.Hour))
	put(t, store, "dynamic@1.0.0", "https://app.example.com/undated", http.Header{})
	put(t, store, "dynamic@1.0.0", "https://app.example.com/garbled", http.Header{"Date": []string{"soon"}})

	deleted, err := m.Expire(ctx, "dynamic@1.0.0", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	keys, _ := store.Keys(ctx, "dynamic@1.0.0")
	remaining := map[string]bool{}
	for _, k := range keys {
		remaining[k.URL] = true
	}

	for _, want := range []string{"fresh", "edge", "undated", "garbled"} {
		if !remaining["https://app.example.com/"+want] {
			t.Errorf("entry %q was removed", want)
		}
	}
	if remaining["https://app.example.com/stale"] {
		t.Error("stale entry survived expiry")
	}
}

func TestManager_Expire_CustomHeader(t *testing.T) {
	store := setupStore(t)
	m := NewManager(store, Config{MaxItems: 50, TimestampHeader: "X-Cached-At"}, zerolog.Nop())
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UTC().Format(http.TimeFormat)
	put(t, store, "dynamic@1.0.0", "https://app.example.com/a", http.Header{"X-Cached-At": []string{old}})
	put(t, store, "dynamic@1.0.0", "https://app.example.com/b", http.Header{"Date": []string{old}})

	deleted, err := m.Expire(ctx, "dynamic@1.0.0", 24*time.Hour)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1 (only the X-Cached-At entry)", deleted)
	}
}

func TestManager_ScheduleTrim(t *testing.T) {
	store := setupStore(t)
	m := NewManager(store, Config{MaxItems: 3}, zerolog.Nop())

	for i := 0; i < 10; i++ {
		put(t, store, "dynamic@1.0.0", fmt.Sprintf("https://app.example.com/%d", i), http.Header{})
		m.ScheduleTrim("dynamic@1.0.0")
	}
	m.Wait()

	keys, _ := store.Keys(context.Background(), "dynamic@1.0.0")
	if len(keys) != 3 {
		t.Fatalf("count = %d, want 3", len(keys))
	}
	if keys[2].URL != "https://app.example.com/9" {
		t.Errorf("newest key = %s, want /9", keys[2].URL)
	}
}
