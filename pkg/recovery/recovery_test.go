package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/mergequeue/pkg/storage"
)

func TestParsePolicyDefaultsToWarn(t *testing.T) {
	p, err := ParsePolicy("")
	if err != nil || p != Warn {
		t.Fatalf("expected default Warn, got %v err=%v", p, err)
	}
}

func TestParsePolicyRejectsUnknown(t *testing.T) {
	if _, err := ParsePolicy("yolo"); err == nil {
		t.Fatal("expected an error for an unknown policy")
	}
}

func TestOpenFreshDirectorySucceeds(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Warn).Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
}

func TestOpenRecreatesCorruptedStoreUnderWarn(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("initial Open: %v", err)
	}
	store.Close()

	dbPath := filepath.Join(dir, storage.DBFileName)
	if err := os.WriteFile(dbPath, []byte("not a bolt file"), 0o644); err != nil {
		t.Fatalf("corrupt store: %v", err)
	}

	if _, err := storage.Open(dir); err == nil {
		t.Fatal("expected a corrupted file to fail a plain Open")
	}

	recovered, err := New(Warn).Open(dir)
	if err != nil {
		t.Fatalf("expected Warn policy to recover, got %v", err)
	}
	defer recovered.Close()

	if _, err := os.Stat(filepath.Join(dir, RecoveryLogName)); err != nil {
		t.Fatalf("expected recovery.log to be written: %v", err)
	}
}

func TestOpenFailFastNeverRecreates(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, storage.DBFileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(dbPath, []byte("not a bolt file"), 0o644); err != nil {
		t.Fatalf("corrupt store: %v", err)
	}

	if _, err := New(FailFast).Open(dir); err == nil {
		t.Fatal("expected FailFast to refuse to recreate a corrupted store")
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected the corrupted file to remain untouched: %v", err)
	}
}

func TestOpenRefusesUnreadableFile(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores file permission bits")
	}
	dir := t.TempDir()
	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("initial Open: %v", err)
	}
	store.Close()

	dbPath := filepath.Join(dir, storage.DBFileName)
	if err := os.Chmod(dbPath, 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(dbPath, 0o644)

	if _, err := New(Warn).Open(dir); err == nil {
		t.Fatal("expected a permission-denied file to be refused, not recovered")
	}
}
