// Package tempstore allocates uniquely-named scratch files under the OS
// temp directory and sweeps them by age on startup. Grounded on the
// teacher's internal/ffmpeg/transcode.go BuildTempPath/FinalizeTranscode,
// generalized into a stateless factory plus a small amount of process-wide
// bookkeeping (the "current transcode temp" single slot).
package tempstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// namePrefix is the basename prefix every file this package creates uses,
// e.g. "ffmpeg-1699999999999-a3f9c1-preview.mp4" (spec.md §6).
const namePrefix = "ffmpeg"

var counter uint64

// nextToken returns a short, per-process-unique alphanumeric token by
// combining an atomic counter with the process id, avoiding any dependency
// on wall-clock resolution for uniqueness.
func nextToken() string {
	n := atomic.AddUint64(&counter, 1)
	return strconv.FormatUint(uint64(os.Getpid()), 36) + strconv.FormatUint(n, 36)
}

// Store is a stateless factory for temp file paths plus the small amount of
// process-wide state the pipeline needs around them. Construct it with New,
// which defaults Dir to os.TempDir() when empty; Create and Sweep do not
// apply that default themselves.
type Store struct {
	Dir string

	mu          sync.Mutex
	currentTemp string
}

// New returns a Store rooted at dir, or the OS default temp directory if
// dir is empty.
func New(dir string) *Store {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Store{Dir: dir}
}

// Create produces a new path with the given suffix (e.g. "preview.mp4" or
// "transcode.mkv"). If content is non-nil the file is created with that
// content; otherwise the path is returned without creating anything, and
// the caller (typically the process runner, via the transcoder binary) is
// responsible for producing the file.
func (s *Store) Create(suffix string, content []byte) (string, error) {
	name := fmt.Sprintf("%s-%d-%s-%s", namePrefix, time.Now().UnixMilli(), nextToken(), suffix)
	path := filepath.Join(s.Dir, name)
	if content == nil {
		return path, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("tempstore: create %s: %w", path, err)
	}
	return path, nil
}

// SetCurrentTranscodeTemp records the single in-flight transcode temp path,
// for deletion if the job is cancelled.
func (s *Store) SetCurrentTranscodeTemp(path string) {
	s.mu.Lock()
	s.currentTemp = path
	s.mu.Unlock()
}

// ClearCurrentTranscodeTemp clears the slot without touching the file.
func (s *Store) ClearCurrentTranscodeTemp() {
	s.mu.Lock()
	s.currentTemp = ""
	s.mu.Unlock()
}

// CurrentTranscodeTemp returns the recorded path, or "" if none.
func (s *Store) CurrentTranscodeTemp() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTemp
}

// Sweep deletes files in Dir matching this package's naming pattern whose
// modification time is older than maxAge, skipping any path present in
// liveSet (files the cache still references). Per-file errors are
// swallowed; sweeping is best-effort cleanup, not a correctness mechanism.
func (s *Store) Sweep(maxAge time.Duration, liveSet map[string]bool) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), namePrefix+"-") {
			continue
		}
		path := filepath.Join(s.Dir, entry.Name())
		if liveSet[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(path)
	}
}
