// Package commit implements the commit-token registry (spec.md §4.8): a
// map from opaque tokens to pending temp transcode outputs, with an atomic
// rename-or-copy commit and an age-based expiry sweep. The rename/
// copy-fallback move is grounded directly on the teacher's
// internal/ffmpeg/transcode.go FinalizeTranscode (copy-then-delete to
// survive a cross-filesystem move); token generation uses
// github.com/google/uuid rather than the teacher's own wall-clock+counter
// scheme, which spec.md §9 explicitly allows as a substitute.
package commit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gwlsn/mediasidecar/internal/sidecarerr"
)

// DefaultMaxAge is the expiry threshold applied on every register/commit/
// discard sweep pass (spec.md §3: "they expire after 24 hours").
const DefaultMaxAge = 24 * time.Hour

type pending struct {
	path      string
	createdAt time.Time
}

// Registry holds pending commit tokens behind a single mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[string]pending
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]pending)}
}

// Register issues a fresh token for path, sweeping expired entries first.
func (r *Registry) Register(path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(DefaultMaxAge)

	token := uuid.NewString()
	r.entries[token] = pending{path: path, createdAt: time.Now()}
	return token
}

// Commit moves the token's temp file to destination, preferring a rename
// and falling back to copy-then-delete across filesystems. On any failure
// the entry is reinserted under the same token so the client can retry
// with a different destination.
func (r *Registry) Commit(token, destination string) (string, error) {
	r.mu.Lock()
	entry, ok := r.entries[token]
	if ok {
		delete(r.entries, token)
	}
	r.sweepLocked(DefaultMaxAge)
	r.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", sidecarerr.ErrUnknownToken, token)
	}

	if err := os.Rename(entry.path, destination); err == nil {
		return destination, nil
	} else if !isCrossDevice(err) {
		r.reinsert(token, entry)
		return "", fmt.Errorf("%w: commit rename: %v", sidecarerr.ErrIO, err)
	}

	if err := copyThenDelete(entry.path, destination); err != nil {
		r.reinsert(token, entry)
		return "", fmt.Errorf("%w: commit copy fallback: %v", sidecarerr.ErrIO, err)
	}
	return destination, nil
}

func (r *Registry) reinsert(token string, entry pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[token] = entry
}

// Discard removes token and deletes its file, best effort.
func (r *Registry) Discard(token string) error {
	r.mu.Lock()
	entry, ok := r.entries[token]
	if ok {
		delete(r.entries, token)
	}
	r.sweepLocked(DefaultMaxAge)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", sidecarerr.ErrUnknownToken, token)
	}
	_ = os.Remove(entry.path)
	return nil
}

// Sweep removes entries older than maxAge, deleting their files.
func (r *Registry) Sweep(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(maxAge)
}

// Drain removes every pending entry regardless of age, deleting their
// files best-effort. Called on process shutdown (spec.md §4.9): every
// outstanding commit token is discarded along with its temp file.
func (r *Registry) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, entry := range r.entries {
		_ = os.Remove(entry.path)
		delete(r.entries, token)
	}
}

func (r *Registry) sweepLocked(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	for token, entry := range r.entries {
		if entry.createdAt.Before(cutoff) {
			_ = os.Remove(entry.path)
			delete(r.entries, token)
		}
	}
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// copyThenDelete copies src to dst and removes src, for moves rename can't
// perform across filesystems (mirrors the teacher's copyFile helper).
func copyThenDelete(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	if err := dstFile.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
