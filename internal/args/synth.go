// Package args is the argument synthesizer (spec.md §4.3): a pure function
// from an Options value and input/output paths to the transcoder command
// line. Grounded on the teacher's internal/ffmpeg/presets.go BuildPresetArgs
// (scale filter, encoder flag, stream mapping), generalized from a fixed
// preset table to the full Options model and a software-only codec family
// (no hardware encoder detection is in scope here).
package args

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gwlsn/mediasidecar/internal/codec"
	"github.com/gwlsn/mediasidecar/internal/options"
)

// ErrInvalidOptions reports an Options/container combination the
// synthesizer refuses to translate into arguments.
var ErrInvalidOptions = errors.New("invalid options")

// crfRange holds a codec family's usable CRF bounds, low = best quality.
type crfRange struct {
	low, high int
}

var crfRanges = map[string]crfRange{
	"h264": {23, 51},
	"h265": {28, 51},
	"av1":  {24, 63},
	"vp9":  {20, 63},
}

var videoEncoders = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"av1":  "libsvtav1",
	"vp9":  "libvpx-vp9",
}

// presetsSupportingTune are codec families whose encoder accepts -tune.
var presetsSupportingTune = map[string]bool{
	"h264": true,
	"h265": true,
}

// crf maps a 0-100 quality index into a codec family's CRF range; higher
// quality index yields a lower (better) CRF (spec.md §4.3).
func crf(codec string, quality int) (int, bool) {
	r, ok := crfRanges[codec]
	if !ok {
		return 0, false
	}
	if quality < 0 {
		quality = 0
	} else if quality > 100 {
		quality = 100
	}
	span := float64(r.high - r.low)
	v := float64(r.high) - float64(quality)/100*span
	return int(math.Round(v)), true
}

// translatePreset turns a human preset name into the encoder-specific
// value(s). For x264/x265 the name passes through unchanged; AV1 maps to a
// numeric SVT-AV1 speed level; VP9 maps to a deadline + cpu-used pair.
func translatePreset(codec, preset string) []string {
	if preset == "" {
		return nil
	}
	switch codec {
	case "h264", "h265":
		return []string{"-preset", preset}
	case "av1":
		level, ok := av1SpeedLevels[preset]
		if !ok {
			level = "6"
		}
		return []string{"-preset", level}
	case "vp9":
		deadline, cpuUsed := vp9Deadlines(preset)
		return []string{"-deadline", deadline, "-cpu-used", cpuUsed}
	default:
		return nil
	}
}

var av1SpeedLevels = map[string]string{
	"veryslow": "2",
	"slower":   "4",
	"slow":     "6",
	"medium":   "8",
	"fast":     "10",
	"veryfast": "12",
}

func vp9Deadlines(preset string) (deadline, cpuUsed string) {
	switch preset {
	case "veryslow", "slower", "slow":
		return "best", "0"
	case "fast", "veryfast":
		return "realtime", "5"
	default:
		return "good", "2"
	}
}

// Synthesize builds the transcoder argument list for a single invocation.
// outputDuration, containerOverride, and startOffset are optional: a zero
// outputDuration/startOffset means "unset", and an empty containerOverride
// means "use opts.Container".
func Synthesize(inputPath, outputPath string, opts options.Options, outputDuration time.Duration, containerOverride string, startOffset time.Duration) ([]string, error) {
	opts = opts.Normalize()
	container := opts.Container
	if containerOverride != "" {
		container = containerOverride
	}

	if container == "webm" && opts.PreserveSubtitles {
		return nil, fmt.Errorf("%w: webm container does not support subtitle preservation", ErrInvalidOptions)
	}

	// Container compatibility is only checked against the caller's own
	// requested container (spec.md §4.3 "incompatible container/flag
	// combos"), not against containerOverride: the preview and estimate
	// pipelines force their intermediate encodes into mp4 regardless of
	// the user's target container, and that forcing is this package's own
	// choice, not a user-supplied combination to validate.
	if containerOverride == "" && container != "" {
		effectiveCodec := opts.Codec
		if _, ok := videoEncoders[effectiveCodec]; !ok {
			effectiveCodec = "h264"
		}
		if !codec.SupportsContainer(effectiveCodec, container) {
			return nil, fmt.Errorf("%w: codec %q is not compatible with container %q", ErrInvalidOptions, effectiveCodec, container)
		}
	}

	var args []string

	if startOffset > 0 {
		args = append(args, "-ss", formatSeconds(startOffset.Seconds()))
	}
	args = append(args, "-i", inputPath)
	if outputDuration > 0 {
		args = append(args, "-t", formatSeconds(outputDuration.Seconds()))
	}

	if vf := scaleFilter(opts.Scale); vf != "" {
		args = append(args, "-vf", vf)
	}

	encoder, ok := videoEncoders[opts.Codec]
	if !ok {
		encoder = videoEncoders["h264"]
	}
	args = append(args, "-c:v", encoder)

	if c, ok := crf(opts.Codec, opts.Quality); ok {
		args = append(args, "-crf", fmt.Sprintf("%d", c))
	}
	if opts.MaxBitrateKbps > 0 {
		args = append(args, "-maxrate", fmt.Sprintf("%dk", opts.MaxBitrateKbps), "-bufsize", fmt.Sprintf("%dk", 2*opts.MaxBitrateKbps))
	}

	args = append(args, translatePreset(opts.Codec, opts.Preset)...)

	if opts.Tune != "" && presetsSupportingTune[opts.Codec] {
		args = append(args, "-tune", opts.Tune)
	}

	if opts.FrameRate > 0 {
		args = append(args, "-r", fmt.Sprintf("%g", opts.FrameRate))
	}

	args = append(args, audioArgs(opts, container)...)

	if opts.PreserveSubtitles {
		args = append(args, "-c:s", "copy")
	} else {
		args = append(args, "-sn")
	}

	if !opts.PreserveMetadata {
		args = append(args, "-map_metadata", "-1")
	}

	args = append(args, containerArgs(opts.Codec, container)...)

	args = append(args, outputPath)
	return args, nil
}

func audioArgs(opts options.Options, container string) []string {
	if opts.RemoveAudio {
		return []string{"-an"}
	}
	codec := "aac"
	if container == "webm" {
		codec = "libopus"
	}
	args := []string{"-c:a", codec}
	if opts.AudioBitrateKbps > 0 {
		args = append(args, "-b:a", fmt.Sprintf("%dk", opts.AudioBitrateKbps))
	}
	if opts.DownmixToStereo {
		args = append(args, "-ac", "2")
	}
	if !opts.PreserveExtraAudio {
		args = append(args, "-map", "0:v:0", "-map", "0:a:0?")
	}
	return args
}

func containerArgs(codec, container string) []string {
	var args []string
	switch container {
	case "mp4", "m4v", "mov":
		args = append(args, "-movflags", "+faststart")
	}
	switch codec {
	case "av1":
		args = append(args, "-pix_fmt", "yuv420p", "-tag:v", "av01")
	case "h265":
		args = append(args, "-tag:v", "hvc1")
	}
	return args
}

// scaleFilter returns a scale filter expression for scale < 1.0, rounding
// both output dimensions to even as required by most 4:2:0 encoders. No
// filter is emitted at scale >= 1.0 (spec.md §4.3).
func scaleFilter(scale float64) string {
	if scale <= 0 || scale >= 1.0 {
		return ""
	}
	return fmt.Sprintf("scale=trunc(iw*%g/2)*2:trunc(ih*%g/2)*2", scale, scale)
}

func formatSeconds(s float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", s), "0"), ".")
}
