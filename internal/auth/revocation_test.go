package auth_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-vms/internal/apikey"
	"github.com/technosupport/ts-vms/internal/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type record struct {
	HashB64 string   `json:"hash_b64"`
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

func writeStore(t *testing.T, path string, recs []record) {
	t.Helper()
	b, err := json.Marshal(recs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write store: %v", err)
	}
}

func hashOf(key string) string {
	sum := sha256.Sum256([]byte(key))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// TestRevocationOverlay_AnnouncedRevocationReloadsStore exercises the
// full Announce -> Subscribe -> store.Reload path against an
// in-process miniredis server, so a revoked API key stops
// authenticating shortly after an operator edits the store file and
// announces the change, without waiting for the periodic fsnotify
// reload in watcher.go.
func TestRevocationOverlay_AnnouncedRevocationReloadsStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	storePath := filepath.Join(t.TempDir(), "apikeys.json")
	writeStore(t, storePath, []record{{HashB64: hashOf("key-1"), Subject: "cam-1", Scopes: []string{"detections.write"}}})

	store, err := apikey.NewStore(storePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	a, err := auth.New(nil, store, 16)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}

	if _, err := a.Authenticate(context.Background(), "", "key-1"); err != nil {
		t.Fatalf("expected key-1 to authenticate before revocation, got %v", err)
	}

	overlay := auth.NewRevocationOverlay(client, a, store, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go overlay.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	// Remove key-1 from the on-disk store, then announce the revocation
	// instead of waiting for the next periodic reload.
	writeStore(t, storePath, []record{})
	if err := auth.Announce(context.Background(), client, "cam-1"); err != nil {
		t.Fatalf("announce: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, authErr := a.Authenticate(context.Background(), "", "key-1")
		if errors.Is(authErr, auth.ErrAuthFailure) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected key-1 to stop authenticating after revocation announce")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
