package lock

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zbu.lock")
	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := Acquire(path); err == nil {
		t.Fatalf("expected second acquire to fail")
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = again.Release()
}

func TestDefaultPathPerDataset(t *testing.T) {
	a := DefaultPath("tank/data")
	b := DefaultPath("tank/other")
	if a == b {
		t.Fatalf("expected distinct lock paths")
	}
	if strings.Contains(filepath.Base(a), "/") || !strings.HasSuffix(a, "zbu-tank_data.lock") {
		t.Fatalf("unexpected lock path: %s", a)
	}
}
