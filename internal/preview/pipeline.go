package preview

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/gwlsn/mediasidecar/internal/args"
	"github.com/gwlsn/mediasidecar/internal/cache"
	"github.com/gwlsn/mediasidecar/internal/options"
	"github.com/gwlsn/mediasidecar/internal/probe"
	"github.com/gwlsn/mediasidecar/internal/process"
	"github.com/gwlsn/mediasidecar/internal/tempstore"
)

// DefaultDuration is the preview length used when Options doesn't specify
// one (spec.md §4.5 step 1).
const DefaultDuration = 3 * time.Second

// streamCopySafeCodecs are source codecs whose elementary stream can be cut
// at an arbitrary offset cleanly enough for the preview player (spec.md
// §4.5 step 3 policy rationale).
var streamCopySafeCodecs = map[string]bool{
	"h264": true,
	"hevc": true,
}

// extractionQuality is the fixed quality setting used for the H.264
// fallback segment extraction; it is independent of the caller's Options
// since the segment is only ever a short reference clip.
const extractionQuality = 70

// Result is the pipeline's output (spec.md §4.5).
type Result struct {
	OriginalPath       string
	CompressedPath     string
	StartOffsetSeconds *float64
	Estimate           *cache.SizeEstimate
}

// Deps are the collaborators the pipeline needs.
type Deps struct {
	FFmpegPath         string
	Runner             *process.Runner
	TempStore          *tempstore.Store
	Cache              *cache.Cache
	Prober             *probe.Prober
	AllowStreamCopy    bool   // platform policy: caller's build permits stream-copy extraction
	EstimateKeyVersion string // config.Config.EstimateCacheVersion; "" uses options.EstimateKeyVersion
}

// Run executes the preview pipeline for inputPath under opts, optionally
// computing a size estimate, reporting progress through onProgress.
func Run(ctx context.Context, deps Deps, inputPath string, opts options.Options, requestedStart time.Duration, withEstimate bool, onProgress func(progress float64, step string)) (*Result, error) {
	sig, err := cache.SignatureOf(inputPath)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}

	meta, err := deps.Prober.Probe(ctx, inputPath)
	if err != nil {
		return nil, fmt.Errorf("probe input: %w", err)
	}

	// Step 1: compute parameters.
	duration := DefaultDuration
	if opts.PreviewDurationSecs > 0 {
		duration = time.Duration(opts.PreviewDurationSecs * float64(time.Second))
	}
	maxStart := meta.Duration - duration
	if maxStart < 0 {
		maxStart = 0
	}
	start := requestedStart
	if start < 0 {
		start = 0
	} else if start > maxStart {
		start = maxStart
	}
	startMs := int64(math.Round(start.Seconds() * 1000))
	durationMs := int64(duration / time.Millisecond)

	previewKey := cache.PreviewKey{
		InputPath:         inputPath,
		PreviewDurationMs: durationMs,
		StartOffsetMs:     startMs,
		OptionFingerprint: opts.PreviewKey(),
		Signature:         sig,
	}

	totalSteps := 2
	estimateSteps := 0
	if withEstimate {
		estimateSteps = 1
		if meta.Duration > 12*time.Second {
			estimateSteps = 5
		}
		totalSteps += estimateSteps
	}
	pc := NewContext(totalSteps, onProgress)
	pc.SetStep("preview_extract")

	// Step 2: cache probe.
	if segPath, outPath, ok := deps.Cache.GetPreview(previewKey); ok {
		startSecs := start.Seconds()
		pc.FillRemaining("preview_complete")
		return &Result{OriginalPath: segPath, CompressedPath: outPath, StartOffsetSeconds: &startSecs}, nil
	}

	// Step 3: segment acquisition.
	segKey := cache.SegmentKey{
		InputPath:         previewKey.InputPath,
		PreviewDurationMs: previewKey.PreviewDurationMs,
		StartOffsetMs:     previewKey.StartOffsetMs,
		Signature:         previewKey.Signature,
	}

	var segmentPaths []string
	if cached, ok := deps.Cache.GetSegments(segKey); ok {
		segmentPaths = cached
		pc.Report(1.0) // segment phase (index 0) already satisfied by the cache hit
	} else {
		segPath, err := deps.acquireSegment(ctx, inputPath, meta, start, duration, pc)
		if err != nil {
			return nil, err
		}
		segmentPaths = []string{segPath}
	}
	pc.Advance("preview_transcode") // move into the encode phase (index 1)

	// Step 4: preview encode.
	previewOpts := opts
	previewOpts.RemoveAudio = true
	outPath, err := deps.TempStore.Create("preview.mp4", nil)
	if err != nil {
		cleanupOnFailure(segmentPaths)
		return nil, err
	}
	argv, err := args.Synthesize(segmentPaths[0], outPath, previewOpts, 0, "mp4", 0)
	if err != nil {
		cleanupOnFailure(segmentPaths)
		return nil, err
	}
	if err := deps.Runner.Run(ctx, deps.FFmpegPath, argv, duration, func(f float64) { pc.Report(f) }); err != nil {
		cleanupOnFailure(segmentPaths)
		return nil, err
	}
	pc.Report(1.0)

	// Step 5: cache insert.
	deps.Cache.SetPreview(previewKey, segmentPaths, outPath)

	result := &Result{OriginalPath: segmentPaths[0], CompressedPath: outPath}
	startSecs := start.Seconds()
	result.StartOffsetSeconds = &startSecs

	// Step 6: optional size estimation. Each sample encode advances its own
	// phase slot as it completes (preview.rs's per-sample
	// ctx.advance() under step label "preview_estimate"); any slots left
	// over once estimation returns are filled in one shot, whether it
	// succeeded or not (spec.md §4.5 step 7: early termination is filled
	// the same way). The estimate table is consulted first so repeated
	// preview requests against an unchanged input and Options skip the
	// sample encodes entirely (spec.md §4.6: "Estimates are cached by
	// estimate key").
	if withEstimate {
		estKey := cache.EstimateKey{
			InputPath:         inputPath,
			PreviewDurationMs: durationMs,
			OptionFingerprint: opts.EstimateKeyWithVersion(deps.EstimateKeyVersion),
			Signature:         sig,
		}
		if cached, ok := deps.Cache.GetEstimate(estKey); ok {
			result.Estimate = &cached
		} else {
			pc.SetStep("preview_estimate")
			if est, err := Estimate(ctx, EstimatorDeps{FFmpegPath: deps.FFmpegPath, Runner: deps.Runner, TempStore: deps.TempStore}, inputPath, estimatorInputSize(inputPath), meta.Duration, opts, pc); err == nil {
				deps.Cache.SetEstimate(estKey, est)
				result.Estimate = &est
			}
		}
		pc.FillRemaining("preview_estimate")
	}

	pc.Report(1.0)
	return result, nil
}

// acquireSegment implements step 3's stream-copy-then-fallback policy. The
// caller has already labeled the current phase slot "preview_extract"
// before calling this (via NewContext/SetStep); acquireSegment only
// reports into that slot, matching both the stream-copy and
// transcode-fallback paths to the single "preview_extract" step label
// (original_source/native/src/preview.rs: run_ffmpeg_with_progress advances
// only after the ffmpeg step completes).
func (d Deps) acquireSegment(ctx context.Context, inputPath string, meta *probe.Result, start, duration time.Duration, pc *Context) (string, error) {
	if d.AllowStreamCopy && streamCopySafeCodecs[meta.VideoCodec] {
		if path, err := d.extractStreamCopy(ctx, inputPath, start, duration); err == nil {
			pc.Report(1.0)
			return path, nil
		}
	}

	path, err := d.extractTranscode(ctx, inputPath, start, duration, meta.FrameRate, func(f float64) { pc.Report(f) })
	if err != nil {
		return "", err
	}
	pc.Report(1.0)
	return path, nil
}

func (d Deps) extractStreamCopy(ctx context.Context, inputPath string, start, duration time.Duration) (string, error) {
	outPath, err := d.TempStore.Create("segment.mkv", nil)
	if err != nil {
		return "", err
	}
	// Stream-copy extraction bypasses the argument synthesizer entirely:
	// it is a remux, not an encode, so none of Options applies.
	argv := []string{
		"-ss", fmt.Sprintf("%.3f", start.Seconds()),
		"-i", inputPath,
		"-t", fmt.Sprintf("%.3f", duration.Seconds()),
		"-c", "copy",
		"-an", "-sn",
		"-y",
		outPath,
	}
	if err := d.Runner.Run(ctx, d.FFmpegPath, argv, duration, nil); err != nil {
		os.Remove(outPath)
		return "", err
	}
	return outPath, nil
}

func (d Deps) extractTranscode(ctx context.Context, inputPath string, start, duration time.Duration, sourceFPS float64, onProgress func(float64)) (string, error) {
	outPath, err := d.TempStore.Create("segment.mp4", nil)
	if err != nil {
		return "", err
	}
	extractOpts := options.Options{Codec: "h264", Quality: extractionQuality, RemoveAudio: true, Container: "mp4", FrameRate: sourceFPS}
	argv, err := args.Synthesize(inputPath, outPath, extractOpts, duration, "mp4", start)
	if err != nil {
		os.Remove(outPath)
		return "", err
	}
	if err := d.Runner.Run(ctx, d.FFmpegPath, argv, duration, onProgress); err != nil {
		os.Remove(outPath)
		return "", err
	}
	return outPath, nil
}

func cleanupOnFailure(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

func estimatorInputSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
