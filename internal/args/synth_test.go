package args

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gwlsn/mediasidecar/internal/options"
)

func contains(args []string, token string) bool {
	for _, a := range args {
		if a == token {
			return true
		}
	}
	return false
}

func argAfter(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatalf("flag %q not found in %v", flag, args)
	return ""
}

func TestCRFQualityMapping(t *testing.T) {
	cases := []struct {
		codec         string
		quality       int
		wantLow, wantHigh int
	}{
		{"h264", 100, 23, 23},
		{"h264", 0, 51, 51},
		{"h265", 100, 28, 28},
		{"av1", 0, 63, 63},
		{"vp9", 100, 20, 20},
	}
	for _, c := range cases {
		got, ok := crf(c.codec, c.quality)
		if !ok {
			t.Fatalf("crf(%s, %d): not ok", c.codec, c.quality)
		}
		if got < c.wantLow || got > c.wantHigh {
			t.Errorf("crf(%s, %d) = %d, want in [%d,%d]", c.codec, c.quality, got, c.wantLow, c.wantHigh)
		}
	}
}

func TestCRFHigherQualityLowerValue(t *testing.T) {
	lo, _ := crf("h265", 0)
	hi, _ := crf("h265", 100)
	if hi >= lo {
		t.Errorf("higher quality index should produce lower CRF: q0=%d q100=%d", lo, hi)
	}
}

func TestSynthesizeBasics(t *testing.T) {
	o := options.Options{Codec: "h265", Quality: 50, Container: "mp4"}
	got, err := Synthesize("/in/movie.mkv", "/out/movie.mp4", o, 0, "", 0)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !contains(got, "libx265") {
		t.Errorf("expected libx265 encoder in %v", got)
	}
	if argAfter(t, got, "-tag:v") != "hvc1" {
		t.Error("expected hvc1 tag for h265")
	}
	if argAfter(t, got, "-movflags") != "+faststart" {
		t.Error("expected faststart for mp4")
	}
	if got[len(got)-1] != "/out/movie.mp4" {
		t.Errorf("output path should be last arg, got %v", got)
	}
}

func TestSynthesizeAV1ContainerTweaks(t *testing.T) {
	o := options.Options{Codec: "av1", Quality: 50}
	got, err := Synthesize("/in.mkv", "/out.mkv", o, 0, "", 0)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if argAfter(t, got, "-pix_fmt") != "yuv420p" {
		t.Error("expected yuv420p pix_fmt for av1")
	}
	if argAfter(t, got, "-tag:v") != "av01" {
		t.Error("expected av01 tag for av1")
	}
}

func TestSynthesizeAudioCodecByContainer(t *testing.T) {
	webm := options.Options{Codec: "vp9", Container: "webm"}
	got, err := Synthesize("/in.mkv", "/out.webm", webm, 0, "", 0)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if argAfter(t, got, "-c:a") != "libopus" {
		t.Error("expected libopus audio codec for webm")
	}

	mp4 := options.Options{Codec: "h264", Container: "mp4"}
	got, err = Synthesize("/in.mkv", "/out.mp4", mp4, 0, "", 0)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if argAfter(t, got, "-c:a") != "aac" {
		t.Error("expected aac audio codec for mp4")
	}
}

func TestSynthesizeRemoveAudio(t *testing.T) {
	o := options.Options{Codec: "h264", RemoveAudio: true}
	got, err := Synthesize("/in.mkv", "/out.mp4", o, 0, "", 0)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !contains(got, "-an") {
		t.Error("expected -an when RemoveAudio is set")
	}
	if contains(got, "-c:a") {
		t.Error("should not set -c:a when audio is removed")
	}
}

func TestSynthesizeScaleFilterOnlyBelowOne(t *testing.T) {
	o := options.Options{Codec: "h264", Scale: 0.5}
	got, err := Synthesize("/in.mkv", "/out.mp4", o, 0, "", 0)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	vf := argAfter(t, got, "-vf")
	if !strings.Contains(vf, "scale=") {
		t.Errorf("expected scale filter, got %q", vf)
	}

	full := options.Options{Codec: "h264", Scale: 1.0}
	got2, err := Synthesize("/in.mkv", "/out.mp4", full, 0, "", 0)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if contains(got2, "-vf") {
		t.Error("scale=1.0 should not emit a scale filter")
	}
}

func TestSynthesizeTuneOnlySupportedCodecs(t *testing.T) {
	h264 := options.Options{Codec: "h264", Tune: "film"}
	got, _ := Synthesize("/in.mkv", "/out.mp4", h264, 0, "", 0)
	if argAfter(t, got, "-tune") != "film" {
		t.Error("expected -tune passthrough for h264")
	}

	av1 := options.Options{Codec: "av1", Tune: "film"}
	got2, _ := Synthesize("/in.mkv", "/out.mkv", av1, 0, "", 0)
	if contains(got2, "-tune") {
		t.Error("av1 should not receive -tune")
	}
}

func TestSynthesizeSeekAndDuration(t *testing.T) {
	o := options.Options{Codec: "h264"}
	got, err := Synthesize("/in.mkv", "/out.mp4", o, 5*time.Second, "", 2*time.Second)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if argAfter(t, got, "-ss") != "2" {
		t.Errorf("-ss = %q, want 2", argAfter(t, got, "-ss"))
	}
	if argAfter(t, got, "-t") != "5" {
		t.Errorf("-t = %q, want 5", argAfter(t, got, "-t"))
	}
}

func TestSynthesizeContainerOverride(t *testing.T) {
	o := options.Options{Codec: "vp9", Container: "mp4"}
	got, err := Synthesize("/in.mkv", "/out.webm", o, 0, "webm", 0)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if argAfter(t, got, "-c:a") != "libopus" {
		t.Error("container override should drive audio codec choice")
	}
}

func TestSynthesizeWebmSubtitlesInvalid(t *testing.T) {
	o := options.Options{Codec: "vp9", Container: "webm", PreserveSubtitles: true}
	_, err := Synthesize("/in.mkv", "/out.webm", o, 0, "", 0)
	if !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("err = %v, want ErrInvalidOptions", err)
	}
}

func TestSynthesizeIncompatibleCodecContainerInvalid(t *testing.T) {
	o := options.Options{Codec: "vp9", Container: "mp4"}
	_, err := Synthesize("/in.mkv", "/out.mp4", o, 0, "", 0)
	if !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("err = %v, want ErrInvalidOptions", err)
	}
}

func TestSynthesizeContainerOverrideSkipsCompatibilityCheck(t *testing.T) {
	// The preview/estimate pipelines force mp4 via containerOverride
	// regardless of the caller's chosen Options.Container; that forcing
	// must not be rejected as an invalid combination.
	o := options.Options{Codec: "vp9", Container: "webm"}
	if _, err := Synthesize("/in.mkv", "/out.mp4", o, 0, "mp4", 0); err != nil {
		t.Errorf("Synthesize with containerOverride: %v", err)
	}
}

func TestSynthesizeMetadataStripping(t *testing.T) {
	o := options.Options{Codec: "h264"}
	got, _ := Synthesize("/in.mkv", "/out.mp4", o, 0, "", 0)
	if argAfter(t, got, "-map_metadata") != "-1" {
		t.Error("expected metadata stripped by default")
	}

	keep := options.Options{Codec: "h264", PreserveMetadata: true}
	got2, _ := Synthesize("/in.mkv", "/out.mp4", keep, 0, "", 0)
	if contains(got2, "-map_metadata") {
		t.Error("PreserveMetadata should suppress -map_metadata -1")
	}
}
