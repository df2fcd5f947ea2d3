// Package preview implements the two-phase preview pipeline and the
// adaptive size estimator (spec.md §4.5, §4.6). The sampling strategy
// (fixed-position windows, stream extraction, early-stop on budget) is
// grounded on the teacher's internal/ffmpeg/vmaf/sample.go
// SamplePositions/ExtractSamples, adapted from VMAF quality sampling to
// byte-per-second size sampling, and from serial extraction to
// golang.org/x/sync/errgroup-bounded concurrent sample encodes.
package preview

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gwlsn/mediasidecar/internal/args"
	"github.com/gwlsn/mediasidecar/internal/cache"
	"github.com/gwlsn/mediasidecar/internal/options"
	"github.com/gwlsn/mediasidecar/internal/process"
	"github.com/gwlsn/mediasidecar/internal/tempstore"
)

// maxSampledSeconds is the 7.5s sampling budget (spec.md §4.6 step 4).
const maxSampledSeconds = 7.5

// shortVideoThreshold is the "whole video is one sample" cutoff.
const shortVideoThreshold = 12 * time.Second

// baseSampleWindow is the width of each base sample (spec.md §4.6 step 2).
const baseSampleWindow = 1500 * time.Millisecond

// EstimatorDeps are the collaborators the estimator needs to encode
// samples; supplied by the caller so this package stays free of any
// concrete binary path or cache instance of its own.
type EstimatorDeps struct {
	FFmpegPath string
	Runner     *process.Runner
	TempStore  *tempstore.Store
}

type sample struct {
	bytesPerSecond float64
	seconds        float64
}

// Estimate runs the adaptive size estimator against inputPath for the
// given Options, returning a SizeEstimate or an error if any sample encode
// fails (the caller treats estimator failure as "no estimate", not a
// pipeline failure). pc, if non-nil, receives one Advance/Report per
// completed sample under whatever step label the caller last set
// (spec.md §6's "preview_estimate"); pc may be nil when no caller wants
// progress for this phase.
func Estimate(ctx context.Context, deps EstimatorDeps, inputPath string, inputSize int64, videoDuration time.Duration, opts options.Options, pc *Context) (cache.SizeEstimate, error) {
	positions, windowFor := samplePlan(videoDuration)

	samples, err := encodeSamples(ctx, deps, inputPath, opts, videoDuration, positions, windowFor, pc)
	if err != nil {
		return cache.SizeEstimate{}, err
	}

	totalSampled := sumSeconds(samples)
	if shouldExtendSampling(videoDuration, samples, totalSampled) {
		extra := []float64{0.25, 0.75}
		extraSamples, err := encodeSamples(ctx, deps, inputPath, opts, videoDuration, extra, windowFor, pc)
		if err != nil {
			return cache.SizeEstimate{}, err
		}
		for _, s := range extraSamples {
			if totalSampled+s.seconds > maxSampledSeconds {
				break
			}
			samples = append(samples, s)
			totalSampled += s.seconds
		}
	}

	aggregate := aggregateBps(samples)
	bestSize := math.Min(aggregate*videoDuration.Seconds(), 2*float64(inputSize))

	cv := coefficientOfVariation(samples)
	band, confidence := confidenceBand(cv)

	lowSize := math.Max(0, bestSize*(1-band))
	highSize := math.Min(bestSize*(1+band), 2*float64(inputSize))

	return cache.SizeEstimate{
		BestSizeBytes:  int64(bestSize),
		LowSizeBytes:   int64(lowSize),
		HighSizeBytes:  int64(highSize),
		Confidence:     confidence,
		Method:         "sampled_bitrate",
		SampleCount:    len(samples),
		SampledSeconds: totalSampled,
	}, nil
}

// samplePlan returns the base sample positions (fraction of duration) and a
// function computing each position's window width, honoring the "entire
// video is the single sample" case for short inputs (spec.md §4.6 step 1).
func samplePlan(videoDuration time.Duration) ([]float64, func(pos float64) time.Duration) {
	if videoDuration <= shortVideoThreshold {
		return []float64{0}, func(float64) time.Duration { return videoDuration }
	}
	windowFor := func(float64) time.Duration {
		if baseSampleWindow < videoDuration {
			return baseSampleWindow
		}
		return videoDuration
	}
	return []float64{0.05, 0.50, 0.95}, windowFor
}

func encodeSamples(ctx context.Context, deps EstimatorDeps, inputPath string, opts options.Options, videoDuration time.Duration, positions []float64, windowFor func(float64) time.Duration, pc *Context) ([]sample, error) {
	results := make([]sample, len(positions))
	g, gctx := errgroup.WithContext(ctx)

	for i, pos := range positions {
		i, pos := i, pos
		g.Go(func() error {
			window := windowFor(pos)
			start := time.Duration(float64(videoDuration) * pos)
			if start+window > videoDuration {
				start = videoDuration - window
			}
			if start < 0 {
				start = 0
			}

			outPath, err := deps.TempStore.Create("estimate-sample.mp4", nil)
			if err != nil {
				return err
			}
			defer os.Remove(outPath)

			argv, err := args.Synthesize(inputPath, outPath, opts, window, "mp4", start)
			if err != nil {
				return err
			}
			var onProgress func(float64)
			if pc != nil {
				onProgress = pc.Report
			}
			if err := deps.Runner.Run(gctx, deps.FFmpegPath, argv, window, onProgress); err != nil {
				return err
			}

			info, err := os.Stat(outPath)
			if err != nil {
				return err
			}
			secs := window.Seconds()
			if secs <= 0 {
				secs = 1
			}
			results[i] = sample{bytesPerSecond: float64(info.Size()) / secs, seconds: secs}
			if pc != nil {
				pc.Advance("preview_estimate")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("estimator sample encode: %w", err)
	}
	return results, nil
}

func shouldExtendSampling(videoDuration time.Duration, samples []sample, totalSampled float64) bool {
	if videoDuration < 30*time.Second {
		return false
	}
	if totalSampled >= maxSampledSeconds {
		return false
	}
	return coefficientOfVariation(samples) > 0.35
}

func sumSeconds(samples []sample) float64 {
	total := 0.0
	for _, s := range samples {
		total += s.seconds
	}
	return total
}

func coefficientOfVariation(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	mean := 0.0
	for _, s := range samples {
		mean += s.bytesPerSecond
	}
	mean /= float64(len(samples))
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, s := range samples {
		d := s.bytesPerSecond - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	return math.Sqrt(variance) / mean
}

// aggregateBps averages sample bytes-per-second, trimming the min and max
// once there are 5 or more samples (spec.md §4.6 step 5).
func aggregateBps(samples []sample) float64 {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.bytesPerSecond
	}
	sort.Float64s(values)

	if len(values) < 5 {
		return mean(values)
	}
	return mean(values[1 : len(values)-1])
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// confidenceBand maps a final coefficient of variation to a confidence
// bucket and its error band (spec.md §4.6 step 7).
func confidenceBand(cv float64) (band float64, confidence string) {
	switch {
	case cv <= 0.15:
		return 0.08, "high"
	case cv <= 0.35:
		return 0.15, "medium"
	default:
		return 0.30, "low"
	}
}
