// Package probe wraps ffprobe to extract the handful of source-file facts
// the preview pipeline and argument synthesizer need. Grounded directly on
// the teacher's internal/ffmpeg/probe.go Prober.Probe, trimmed to the
// fields spec.md treats as an external contract (duration, dimensions,
// frame rate, first video/audio codec and stream counts).
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Result is the subset of ffprobe output this sidecar consumes.
type Result struct {
	Path               string
	Duration           time.Duration
	Width              int
	Height             int
	FrameRate          float64
	VideoCodec         string
	AudioCodec         string
	AudioChannels      int
	AudioStreamCount   int
	SubtitleStreamCount int
	Bitrate            int64
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Channels     int    `json:"channels"`
}

// Prober runs ffprobe via exec.CommandContext against a configured binary path.
type Prober struct {
	ffprobePath string
}

// New returns a Prober using the given ffprobe executable path.
func New(ffprobePath string) *Prober {
	return &Prober{ffprobePath: ffprobePath}
}

// Probe extracts metadata about path.
func (p *Prober) Probe(ctx context.Context, path string) (*Result, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("ffprobe failed: %s", string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	result := &Result{Path: path}
	if parsed.Format.Duration != "" {
		secs, _ := strconv.ParseFloat(parsed.Format.Duration, 64)
		result.Duration = time.Duration(secs * float64(time.Second))
	}
	if parsed.Format.BitRate != "" {
		result.Bitrate, _ = strconv.ParseInt(parsed.Format.BitRate, 10, 64)
	}

	for i := range parsed.Streams {
		s := &parsed.Streams[i]
		switch s.CodecType {
		case "video":
			if result.VideoCodec == "" {
				result.VideoCodec = s.CodecName
				result.Width = s.Width
				result.Height = s.Height
				result.FrameRate = parseFrameRate(s.RFrameRate)
				if result.FrameRate == 0 {
					result.FrameRate = parseFrameRate(s.AvgFrameRate)
				}
			}
		case "audio":
			if result.AudioCodec == "" {
				result.AudioCodec = s.CodecName
				result.AudioChannels = s.Channels
			}
			result.AudioStreamCount++
		case "subtitle":
			result.SubtitleStreamCount++
		}
	}

	return result, nil
}

func parseFrameRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den == 0 {
		return 0
	}
	return num / den
}
