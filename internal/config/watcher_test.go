package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeBackendsFile(t *testing.T, path, key string) {
	t.Helper()
	content := "backends:\n  - key: " + key + "\n    base_url: http://x\n    use_case: agent\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_DetectsReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	writeBackendsFile(t, path, "initial")

	changed := make(chan []BackendConfig, 1)
	w, err := NewWatcher(path, func(old, new []BackendConfig) {
		changed <- new
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if got := w.Current(); len(got) != 1 || got[0].Key != "initial" {
		t.Fatalf("unexpected initial backends: %+v", got)
	}

	time.Sleep(15 * time.Millisecond) // ensure a distinct mtime
	writeBackendsFile(t, path, "updated")

	select {
	case got := <-changed:
		if len(got) != 1 || got[0].Key != "updated" {
			t.Fatalf("unexpected reloaded backends: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatcher_InvalidReloadIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	writeBackendsFile(t, path, "initial")

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	time.Sleep(15 * time.Millisecond)
	if err := os.WriteFile(path, []byte("not: [valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := w.Current(); len(got) != 1 || got[0].Key != "initial" {
		t.Fatalf("expected watcher to keep last good config, got %+v", got)
	}
}
