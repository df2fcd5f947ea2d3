package commit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gwlsn/mediasidecar/internal/sidecarerr"
)

func TestRegisterReturnsUniqueTokens(t *testing.T) {
	r := New()
	a := r.Register("/tmp/a")
	b := r.Register("/tmp/b")
	if a == b {
		t.Error("expected distinct tokens")
	}
}

func TestCommitRenamesFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "temp.mp4")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "final.mp4")

	r := New()
	token := r.Register(src)

	saved, err := r.Commit(token, dst)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if saved != dst {
		t.Errorf("saved = %q, want %q", saved, dst)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Error("destination file should exist")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source temp file should be gone after rename")
	}
}

func TestCommitUnknownToken(t *testing.T) {
	r := New()
	_, err := r.Commit("nonexistent", "/tmp/x")
	if !errors.Is(err, sidecarerr.ErrUnknownToken) {
		t.Errorf("err = %v, want ErrUnknownToken", err)
	}
}

func TestCommitThenCommitAgainFails(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "temp.mp4")
	os.WriteFile(src, []byte("data"), 0o644)
	dst1 := filepath.Join(dir, "a.mp4")
	dst2 := filepath.Join(dir, "b.mp4")

	r := New()
	token := r.Register(src)
	if _, err := r.Commit(token, dst1); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := r.Commit(token, dst2); !errors.Is(err, sidecarerr.ErrUnknownToken) {
		t.Errorf("second commit err = %v, want ErrUnknownToken", err)
	}
}

func TestDiscardRemovesFileAndToken(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "temp.mp4")
	os.WriteFile(src, []byte("data"), 0o644)

	r := New()
	token := r.Register(src)
	if err := r.Discard(token); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("file should be deleted on discard")
	}
	if err := r.Discard(token); !errors.Is(err, sidecarerr.ErrUnknownToken) {
		t.Errorf("second discard err = %v, want ErrUnknownToken", err)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "temp.mp4")
	os.WriteFile(src, []byte("data"), 0o644)

	r := New()
	token := r.Register(src)
	r.mu.Lock()
	e := r.entries[token]
	e.createdAt = time.Now().Add(-48 * time.Hour)
	r.entries[token] = e
	r.mu.Unlock()

	r.Sweep(24 * time.Hour)

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("expired entry's file should be deleted by sweep")
	}
	if _, err := r.Commit(token, filepath.Join(dir, "out.mp4")); !errors.Is(err, sidecarerr.ErrUnknownToken) {
		t.Error("expired token should no longer be committable")
	}
}

func TestCommitFailureReinsertsToken(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "temp.mp4")
	os.WriteFile(src, []byte("data"), 0o644)

	r := New()
	token := r.Register(src)

	// A destination inside a nonexistent directory makes both rename and
	// the copy fallback fail.
	badDst := filepath.Join(dir, "no-such-subdir", "out.mp4")
	if _, err := r.Commit(token, badDst); err == nil {
		t.Fatal("expected commit to fail")
	}

	// The token must still be registered and usable against a good path.
	goodDst := filepath.Join(dir, "out.mp4")
	saved, err := r.Commit(token, goodDst)
	if err != nil {
		t.Fatalf("retry commit: %v", err)
	}
	if saved != goodDst {
		t.Errorf("saved = %q, want %q", saved, goodDst)
	}
}
