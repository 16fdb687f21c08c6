package vcsadapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFakeVCS(t *testing.T, dir, sha string, exitCode int) string {
	t.Helper()
	script := filepath.Join(dir, "fake-vcs.sh")
	content := "#!/bin/sh\n" +
		"if [ \"$1\" = \"log\" ]; then\n" +
		"  echo \"" + sha + "\"\n" +
		"fi\n" +
		"exit " + itoaForTest(exitCode) + "\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatalf("write fake vcs: %v", err)
	}
	return script
}

func itoaForTest(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestMainlineHeadTrimsOutput(t *testing.T) {
	dir := t.TempDir()
	adapter := New(writeFakeVCS(t, dir, "abc123\n", 0), dir, "main")

	sha, err := adapter.MainlineHead(context.Background())
	if err != nil {
		t.Fatalf("MainlineHead: %v", err)
	}
	if sha != "abc123" {
		t.Fatalf("expected trimmed sha abc123, got %q", sha)
	}
}

func TestMainlineHeadEmptyResultIsRemoteError(t *testing.T) {
	dir := t.TempDir()
	adapter := New(writeFakeVCS(t, dir, "", 0), dir, "main")

	if _, err := adapter.MainlineHead(context.Background()); err == nil {
		t.Fatal("expected an error for an empty mainline head result")
	}
}

func TestMainlineHeadCommandFailure(t *testing.T) {
	dir := t.TempDir()
	adapter := New(writeFakeVCS(t, dir, "abc123", 1), dir, "main")

	if _, err := adapter.MainlineHead(context.Background()); err == nil {
		t.Fatal("expected an error when the vcs command exits non-zero")
	}
}
