package preview

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gwlsn/mediasidecar/internal/cache"
	"github.com/gwlsn/mediasidecar/internal/options"
	"github.com/gwlsn/mediasidecar/internal/probe"
	"github.com/gwlsn/mediasidecar/internal/process"
	"github.com/gwlsn/mediasidecar/internal/tempstore"
)

// writeFakeBinary writes an executable shell script standing in for
// ffmpeg or ffprobe. body runs with $@ set to the real argv; it is
// responsible for producing whatever output the caller expects.
func writeFakeBinary(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// newFakeDeps sets up a Deps wired to shell-script stand-ins: ffprobe
// reports a fixed h264/aac 20s source, ffmpeg counts its invocations in
// countFile and writes dummy bytes to whatever path it's given last.
func newFakeDeps(t *testing.T, allowStreamCopy bool) (Deps, string) {
	t.Helper()
	dir := t.TempDir()
	countFile := filepath.Join(dir, "count")
	if err := os.WriteFile(countFile, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	ffprobe := writeFakeBinary(t, dir, "fake-ffprobe.sh", `cat <<'JSON'
{"format":{"duration":"20.0","bit_rate":"1000000"},"streams":[
  {"codec_type":"video","codec_name":"h264","width":1280,"height":720,"r_frame_rate":"30/1"},
  {"codec_type":"audio","codec_name":"aac","channels":2}
]}
JSON
`)

	ffmpeg := writeFakeBinary(t, dir, "fake-ffmpeg.sh", `
echo x >> "`+countFile+`"
echo 'Duration: 00:00:20.00, start: 0.000000, bitrate: 100 kb/s' 1>&2
echo 'out_time_us=20000000'
echo 'progress=end'
eval out=\${$#}
printf 'dummydata' > "$out"
`)

	deps := Deps{
		FFmpegPath:      ffmpeg,
		Runner:          process.New(),
		TempStore:       tempstore.New(dir),
		Cache:           cache.New(),
		Prober:          probe.New(ffprobe),
		AllowStreamCopy: allowStreamCopy,
	}
	return deps, countFile
}

func countInvocations(t *testing.T, countFile string) int {
	t.Helper()
	b, err := os.ReadFile(countFile)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, c := range b {
		if c == 'x' {
			n++
		}
	}
	return n
}

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.mp4")
	if err := os.WriteFile(path, []byte("source bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunStreamCopyThenEncodeReportsFullProgress(t *testing.T) {
	deps, countFile := newFakeDeps(t, true)
	input := writeInput(t)
	opts := options.Options{Codec: "h264", Quality: 50, Container: "mp4"}
	opts = opts.Normalize()

	var fractions []float64
	var steps []string
	result, err := Run(context.Background(), deps, input, opts, 0, false, func(f float64, step string) {
		fractions = append(fractions, f)
		steps = append(steps, step)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.CompressedPath == "" {
		t.Fatal("expected a compressed output path")
	}
	if len(fractions) == 0 {
		t.Fatal("expected progress callbacks")
	}
	last := fractions[len(fractions)-1]
	if last < 0.999 {
		t.Errorf("final progress = %v, want ~1.0", last)
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] < fractions[i-1] {
			t.Fatalf("progress went backwards: %v", fractions)
		}
	}
	var sawExtract, sawTranscode bool
	for _, s := range steps {
		switch s {
		case "preview_extract":
			sawExtract = true
		case "preview_transcode":
			sawTranscode = true
		}
	}
	if !sawExtract || !sawTranscode {
		t.Errorf("steps = %v, want both preview_extract and preview_transcode", steps)
	}
	if got := countInvocations(t, countFile); got != 2 {
		t.Errorf("ffmpeg invocations = %d, want 2 (segment + encode)", got)
	}
}

func TestRunCacheHitShortCircuitsWithFullProgress(t *testing.T) {
	deps, countFile := newFakeDeps(t, true)
	input := writeInput(t)
	opts := options.Options{Codec: "h264", Quality: 50, Container: "mp4"}
	opts = opts.Normalize()

	first, err := Run(context.Background(), deps, input, opts, 0, false, nil)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before := countInvocations(t, countFile)

	var fractions []float64
	second, err := Run(context.Background(), deps, input, opts, 0, false, func(f float64, step string) {
		fractions = append(fractions, f)
	})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.CompressedPath != first.CompressedPath {
		t.Errorf("cache hit returned a different output: %q vs %q", second.CompressedPath, first.CompressedPath)
	}
	if got := countInvocations(t, countFile); got != before {
		t.Errorf("cache hit invoked ffmpeg again: before=%d after=%d", before, got)
	}
	if len(fractions) == 0 {
		t.Fatal("expected at least one progress callback on cache hit")
	}
	if last := fractions[len(fractions)-1]; last < 0.999 {
		t.Errorf("cache hit final progress = %v, want ~1.0", last)
	}
}

func TestRunSegmentCacheSharedAcrossOptions(t *testing.T) {
	deps, countFile := newFakeDeps(t, true)
	input := writeInput(t)
	opts := options.Options{Codec: "h264", Quality: 50, Container: "mp4"}
	opts = opts.Normalize()

	if _, err := Run(context.Background(), deps, input, opts, 0, false, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	afterFirst := countInvocations(t, countFile)

	// Different quality -> different preview key, same segment key, so the
	// segment extraction step should be skipped on the second call.
	opts2 := opts
	opts2.Quality = 80
	if _, err := Run(context.Background(), deps, input, opts2, 0, false, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	afterSecond := countInvocations(t, countFile)

	if afterSecond-afterFirst != 1 {
		t.Errorf("expected exactly 1 additional ffmpeg invocation (re-encode only), got %d", afterSecond-afterFirst)
	}
}

func TestRunFallsBackToTranscodeWhenStreamCopyDisallowed(t *testing.T) {
	deps, countFile := newFakeDeps(t, false)
	input := writeInput(t)
	opts := options.Options{Codec: "h264", Quality: 50, Container: "mp4"}
	opts = opts.Normalize()

	result, err := Run(context.Background(), deps, input, opts, 0, false, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.CompressedPath == "" {
		t.Fatal("expected a compressed output path")
	}
	if got := countInvocations(t, countFile); got != 2 {
		t.Errorf("ffmpeg invocations = %d, want 2 (transcode segment + encode)", got)
	}
}

func TestRunWithEstimateReachesFullProgress(t *testing.T) {
	deps, _ := newFakeDeps(t, true)
	input := writeInput(t)
	opts := options.Options{Codec: "h264", Quality: 50, Container: "mp4"}
	opts = opts.Normalize()

	var fractions []float64
	var steps []string
	result, err := Run(context.Background(), deps, input, opts, 0, true, func(f float64, step string) {
		fractions = append(fractions, f)
		steps = append(steps, step)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Estimate == nil {
		t.Fatal("expected a size estimate")
	}
	last := fractions[len(fractions)-1]
	if last < 0.999 {
		t.Errorf("final progress = %v, want ~1.0", last)
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] < fractions[i-1] {
			t.Fatalf("progress went backwards: %v", fractions)
		}
	}
	sawEstimate := false
	for _, s := range steps {
		if s == "preview_estimate" {
			sawEstimate = true
		}
	}
	if !sawEstimate {
		t.Errorf("steps = %v, want at least one preview_estimate", steps)
	}
}
