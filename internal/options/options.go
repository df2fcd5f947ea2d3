// Package options defines the user-supplied encode specification (spec.md
// §3, Options) and its cache fingerprints. Every field is optional; the
// zero value of Options is the all-defaults encode.
package options

import "fmt"

// EstimateKeyVersion is bumped whenever the estimator's algorithm changes in
// a way that invalidates previously cached SizeEstimate values. Embedding it
// in the estimate fingerprint means old entries silently stop matching
// without any code needing to know about cache invalidation.
const EstimateKeyVersion = "v1"

// Options is the user-supplied encode specification (spec.md §3). JSON tags
// define the wire shape of a media.process/media.inspect "options" param.
type Options struct {
	Codec                 string  `json:"codec,omitempty"`       // codec identifier, e.g. "h264", "h265", "av1", "vp9"
	Quality               int     `json:"quality,omitempty"`     // quality index, 0-100
	MaxBitrateKbps        int     `json:"maxBitrateKbps,omitempty"`
	Scale                 float64 `json:"scale,omitempty"`       // scale factor, 0 < s <= 1; 0 or 1 = no scaling
	FrameRate             float64 `json:"frameRate,omitempty"`   // target frame rate, 0 = source rate
	RemoveAudio           bool    `json:"removeAudio,omitempty"`
	Preset                string  `json:"preset,omitempty"`      // encoder preset name
	Tune                  string  `json:"tune,omitempty"`        // encoder tune name
	Container             string  `json:"container,omitempty"`   // container format, e.g. "mp4", "webm", "mkv"
	PreviewDurationSecs   float64 `json:"previewDurationSecs,omitempty"`
	PreserveExtraAudio    bool    `json:"preserveExtraAudio,omitempty"`
	SourceAudioStreams    int     `json:"sourceAudioStreams,omitempty"`
	PreserveMetadata      bool    `json:"preserveMetadata,omitempty"`
	AudioBitrateKbps      int     `json:"audioBitrateKbps,omitempty"` // clamped to [64, 320] by Normalize
	DownmixToStereo       bool    `json:"downmixToStereo,omitempty"`
	PreserveSubtitles     bool    `json:"preserveSubtitles,omitempty"`
	SourceSubtitleStreams int     `json:"sourceSubtitleStreams,omitempty"`
	FirstAudioCodec       string  `json:"firstAudioCodec,omitempty"`
	FirstAudioChannels    int     `json:"firstAudioChannels,omitempty"`
}

// Normalize returns a copy of o with field-level defaults and clamps applied
// (spec.md §3: "audio bitrate (kbps, clamped 64-320)").
func (o Options) Normalize() Options {
	if o.AudioBitrateKbps != 0 {
		if o.AudioBitrateKbps < 64 {
			o.AudioBitrateKbps = 64
		} else if o.AudioBitrateKbps > 320 {
			o.AudioBitrateKbps = 320
		}
	}
	if o.Scale <= 0 {
		o.Scale = 1
	}
	return o
}

// commonKey returns the fingerprint of every encode-shaping field: the part
// of Options that two otherwise-identical requests must agree on for their
// outputs to be byte-for-byte interchangeable, independent of container.
func (o Options) commonKey() string {
	n := o.Normalize()
	return fmt.Sprintf(
		"codec=%s;q=%d;maxbr=%d;scale=%.6f;fps=%.3f;noaudio=%t;preset=%s;tune=%s;"+
			"previewdur=%.3f;extraaudio=%t;srcaudio=%d;keepmeta=%t;abr=%d;downmix=%t;"+
			"subs=%t;srcsubs=%d;a1codec=%s;a1ch=%d",
		n.Codec, n.Quality, n.MaxBitrateKbps, n.Scale, n.FrameRate, n.RemoveAudio,
		n.Preset, n.Tune, n.PreviewDurationSecs, n.PreserveExtraAudio, n.SourceAudioStreams,
		n.PreserveMetadata, n.AudioBitrateKbps, n.DownmixToStereo, n.PreserveSubtitles,
		n.SourceSubtitleStreams, n.FirstAudioCodec, n.FirstAudioChannels,
	)
}

// PreviewKey is the common key with no container component (spec.md §3:
// "preview key (common key, no container)").
func (o Options) PreviewKey() string {
	return "preview:" + o.commonKey()
}

// TranscodeKey is the common key plus container (spec.md §3: "full-transcode
// key (common key + container)").
func (o Options) TranscodeKey() string {
	return fmt.Sprintf("transcode:%s;container=%s", o.commonKey(), o.Container)
}

// EstimateKey is the versioned estimate key: version token + common key +
// container (spec.md §3). Bumping EstimateKeyVersion invalidates every
// stored estimate without touching the cache's code.
func (o Options) EstimateKey() string {
	return o.EstimateKeyWithVersion(EstimateKeyVersion)
}

// EstimateKeyWithVersion is EstimateKey with an explicit version token in
// place of the package default, letting a deployment invalidate cached
// estimates via configuration (internal/config's EstimateCacheVersion)
// instead of a code change. An empty version falls back to
// EstimateKeyVersion.
func (o Options) EstimateKeyWithVersion(version string) string {
	if version == "" {
		version = EstimateKeyVersion
	}
	return fmt.Sprintf("%s:%s;container=%s", version, o.commonKey(), o.Container)
}
