package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gwlsn/mediasidecar/internal/args"
	"github.com/gwlsn/mediasidecar/internal/cache"
	"github.com/gwlsn/mediasidecar/internal/codec"
	"github.com/gwlsn/mediasidecar/internal/commit"
	"github.com/gwlsn/mediasidecar/internal/jobmanager"
	"github.com/gwlsn/mediasidecar/internal/logger"
	"github.com/gwlsn/mediasidecar/internal/options"
	"github.com/gwlsn/mediasidecar/internal/preview"
	"github.com/gwlsn/mediasidecar/internal/probe"
	"github.com/gwlsn/mediasidecar/internal/process"
	"github.com/gwlsn/mediasidecar/internal/sidecarerr"
	"github.com/gwlsn/mediasidecar/internal/tempstore"
)

// ProtocolVersion is the version reported by app.capabilities (spec.md §6).
const ProtocolVersion = 2

// Variant identifies this build flavor; the codec catalog this process
// reports is software-only (internal/codec doc comment).
const Variant = "software"

// Deps are every collaborator the multiplexer dispatches requests into.
type Deps struct {
	FFmpegPath         string
	Runner             *process.Runner
	TempStore          *tempstore.Store
	Cache              *cache.Cache
	Prober             *probe.Prober
	Commits            *commit.Registry
	Jobs               *jobmanager.Manager
	AllowStreamCopy    bool
	EstimateKeyVersion string // config.Config.EstimateCacheVersion
}

// Server reads line-delimited JSON requests from an input stream and
// writes responses and events to an output stream (spec.md §4.9).
type Server struct {
	Deps

	mu       sync.Mutex
	cancelFn context.CancelFunc
}

// New returns a Server ready to Serve.
func New(deps Deps) *Server {
	return &Server{Deps: deps}
}

// Serve reads requests from in until EOF, dispatching synchronous requests
// inline and spawning one goroutine per asynchronous request, then joins
// every in-flight worker and performs shutdown cleanup before returning.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	w := NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			w.Error(0, fmt.Errorf("%w: %v", sidecarerr.ErrInvalidRequest, err))
			continue
		}

		if isAsyncRequest(req) {
			wg.Add(1)
			go func(req Request) {
				defer wg.Done()
				s.dispatchAsync(ctx, req, w)
			}(req)
		} else {
			s.dispatchSync(ctx, req, w)
		}
	}

	wg.Wait()
	s.shutdown()
	return scanner.Err()
}

func isAsyncRequest(req Request) bool {
	if req.Method != "media.process" {
		return false
	}
	kind := kindOf(req.Params)
	return kind == "preview" || kind == "transcode"
}

func kindOf(params json.RawMessage) string {
	var k struct {
		Kind string `json:"kind"`
	}
	_ = json.Unmarshal(params, &k)
	return k.Kind
}

func (s *Server) dispatchSync(ctx context.Context, req Request, w *Writer) {
	result, err := s.handleSync(ctx, req)
	if err != nil {
		w.Error(req.ID, err)
		return
	}
	w.Result(req.ID, result)
}

func (s *Server) handleSync(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case "app.capabilities":
		return s.capabilities(), nil

	case "media.inspect":
		var params InspectParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", sidecarerr.ErrInvalidRequest, err)
		}
		switch params.Kind {
		case "metadata":
			return s.inspectMetadata(ctx, params.Path)
		case "commandPreview":
			return s.inspectCommandPreview(params)
		default:
			return nil, fmt.Errorf("%w: unknown media.inspect kind %q", sidecarerr.ErrInvalidRequest, params.Kind)
		}

	case "media.process":
		var params ProcessParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", sidecarerr.ErrInvalidRequest, err)
		}
		switch params.Kind {
		case "commit":
			return s.commit(params)
		case "discard":
			return s.discard(params)
		case "preview", "transcode":
			return nil, fmt.Errorf("%w: media.process kind %q must be dispatched asynchronously", sidecarerr.ErrInvalidRequest, params.Kind)
		default:
			return nil, fmt.Errorf("%w: unknown media.process kind %q", sidecarerr.ErrInvalidRequest, params.Kind)
		}

	case "media.cancel":
		var params CancelParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, fmt.Errorf("%w: %v", sidecarerr.ErrInvalidRequest, err)
			}
		}
		return s.cancel(params)

	default:
		return nil, fmt.Errorf("%w: unknown method %q", sidecarerr.ErrInvalidRequest, req.Method)
	}
}

// dispatchAsync runs a media.process preview/transcode job: begins it
// against the Job Manager (rejecting a second concurrent job), streams
// progress events, and writes the completion event before the response,
// per spec.md §5's ordering guarantee.
func (s *Server) dispatchAsync(ctx context.Context, req Request, w *Writer) {
	var params ProcessParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		w.Error(req.ID, fmt.Errorf("%w: %v", sidecarerr.ErrInvalidRequest, err))
		return
	}

	job, guard, err := s.Jobs.Begin(params.Kind)
	if err != nil {
		w.Error(req.ID, err)
		return
	}
	defer guard.Release()

	jobCtx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		s.clearCancel()
		cancel()
	}()

	// The step label carried on each media.job.progress event varies by
	// phase for preview jobs ("preview_extract", "preview_transcode",
	// "preview_estimate") and is constant for transcode jobs, matching the
	// original sidecar's ffmpeg_preview_with_events/
	// ffmpeg_transcode_to_temp_with_events (original_source/native/src/
	// sidecar_api.rs). Preview jobs additionally get a synthetic
	// "generating_preview" kickoff event before the pipeline starts and a
	// "preview_complete" event once it succeeds.
	var result any
	var runErr error
	switch params.Kind {
	case "preview":
		w.Event("media.job.progress", ProgressPayload{JobID: job.ID, Kind: job.Kind, Progress: 0, Step: "generating_preview"})
		onProgress := func(f float64, step string) {
			w.Event("media.job.progress", ProgressPayload{JobID: job.ID, Kind: job.Kind, Progress: f, Step: step})
		}
		result, runErr = s.runPreview(jobCtx, params, onProgress)
		if runErr == nil {
			w.Event("media.job.progress", ProgressPayload{JobID: job.ID, Kind: job.Kind, Progress: 1, Step: "preview_complete"})
		}
	case "transcode":
		onProgress := func(f float64) {
			w.Event("media.job.progress", ProgressPayload{JobID: job.ID, Kind: job.Kind, Progress: f, Step: "transcode"})
		}
		result, runErr = s.runTranscode(jobCtx, job, params, onProgress)
	default:
		runErr = fmt.Errorf("%w: unknown media.process kind %q", sidecarerr.ErrInvalidRequest, params.Kind)
	}

	if runErr != nil {
		payload := sidecarerr.Classify(runErr)
		w.Event("media.job.error", ErrorPayload{JobID: job.ID, Kind: job.Kind, Summary: payload.Summary, Detail: payload.Detail})
		w.Error(req.ID, runErr)
		return
	}

	w.Event("media.job.complete", CompletePayload{JobID: job.ID, Kind: job.Kind})
	w.Result(req.ID, result)
}

func (s *Server) setCancel(fn context.CancelFunc) {
	s.mu.Lock()
	s.cancelFn = fn
	s.mu.Unlock()
}

func (s *Server) clearCancel() {
	s.mu.Lock()
	s.cancelFn = nil
	s.mu.Unlock()
}

func (s *Server) cancelCurrentJob() {
	s.mu.Lock()
	fn := s.cancelFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// shutdown runs once, after every in-flight worker has joined, when the
// input channel hits EOF (spec.md §4.9 Shutdown).
func (s *Server) shutdown() {
	s.Cache.Cleanup()
	s.Commits.Drain()
	if p := s.TempStore.CurrentTranscodeTemp(); p != "" {
		_ = os.Remove(p)
		s.TempStore.ClearCurrentTranscodeTemp()
	}
}

// ---- app.capabilities ----

// CapabilitiesReply is the app.capabilities result (spec.md §6).
type CapabilitiesReply struct {
	ProtocolVersion int         `json:"protocolVersion"`
	Variant         string      `json:"variant"`
	Codecs          []codec.Info `json:"codecs"`
}

func (s *Server) capabilities() CapabilitiesReply {
	return CapabilitiesReply{ProtocolVersion: ProtocolVersion, Variant: Variant, Codecs: codec.Catalog}
}

// ---- media.inspect ----

// InspectParams covers both media.inspect kinds: metadata only needs Path;
// commandPreview needs the full argument-synthesis input.
type InspectParams struct {
	Kind                  string          `json:"kind"`
	Path                  string          `json:"path"`
	OutputPath            string          `json:"outputPath,omitempty"`
	Options               options.Options `json:"options,omitempty"`
	OutputDurationSeconds float64         `json:"outputDurationSeconds,omitempty"`
	Container             string          `json:"container,omitempty"`
	StartOffsetSeconds    float64         `json:"startOffsetSeconds,omitempty"`
}

// MetadataReply is the media.inspect(kind=metadata) result (spec.md §6).
type MetadataReply struct {
	Duration            float64 `json:"duration"`
	Width               int     `json:"width"`
	Height              int     `json:"height"`
	Size                int64   `json:"size"`
	SizeMb              float64 `json:"sizeMb"`
	Fps                 float64 `json:"fps"`
	VideoCodec          string  `json:"videoCodec,omitempty"`
	AudioCodec          string  `json:"audioCodec,omitempty"`
	BitRate             int64   `json:"bitRate,omitempty"`
	AudioStreamCount    int     `json:"audioStreamCount"`
	SubtitleStreamCount int     `json:"subtitleStreamCount"`
	FirstAudioCodec     string  `json:"firstAudioCodec,omitempty"`
	FirstAudioChannels  int     `json:"firstAudioChannels,omitempty"`
}

func (s *Server) inspectMetadata(ctx context.Context, path string) (any, error) {
	result, err := s.Prober.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sidecarerr.ErrIO, err)
	}

	var size int64
	if info, statErr := os.Stat(path); statErr == nil {
		size = info.Size()
	}

	return MetadataReply{
		Duration:            result.Duration.Seconds(),
		Width:               result.Width,
		Height:              result.Height,
		Size:                size,
		SizeMb:              float64(size) / (1024 * 1024),
		Fps:                 math.Round(result.FrameRate*100) / 100,
		VideoCodec:          result.VideoCodec,
		AudioCodec:          result.AudioCodec,
		BitRate:             result.Bitrate,
		AudioStreamCount:    result.AudioStreamCount,
		SubtitleStreamCount: result.SubtitleStreamCount,
		FirstAudioCodec:     result.AudioCodec,
		FirstAudioChannels:  result.AudioChannels,
	}, nil
}

func (s *Server) inspectCommandPreview(params InspectParams) (any, error) {
	outputPath := params.OutputPath
	if outputPath == "" {
		outputPath = "<output>"
	}

	var outputDuration time.Duration
	if params.OutputDurationSeconds > 0 {
		outputDuration = time.Duration(params.OutputDurationSeconds * float64(time.Second))
	}
	var startOffset time.Duration
	if params.StartOffsetSeconds > 0 {
		startOffset = time.Duration(params.StartOffsetSeconds * float64(time.Second))
	}

	argv, err := args.Synthesize(params.Path, outputPath, params.Options, outputDuration, params.Container, startOffset)
	if err != nil {
		return nil, err
	}
	return map[string]string{"command": joinCommand(s.FFmpegPath, argv)}, nil
}

func joinCommand(bin string, argv []string) string {
	parts := make([]string, 0, len(argv)+1)
	parts = append(parts, quoteArg(bin))
	for _, a := range argv {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(a string) string {
	if a == "" || strings.ContainsAny(a, " \t\"'") {
		return strconv.Quote(a)
	}
	return a
}

// ---- media.process ----

// ProcessParams covers every media.process kind.
type ProcessParams struct {
	Kind               string          `json:"kind"`
	InputPath          string          `json:"inputPath,omitempty"`
	Options            options.Options `json:"options,omitempty"`
	StartOffsetSeconds float64         `json:"startOffsetSeconds,omitempty"`
	WithEstimate       bool            `json:"withEstimate,omitempty"`
	Token              string          `json:"token,omitempty"`
	Destination        string          `json:"destination,omitempty"`
}

// PreviewResultWire is the media.process(kind=preview) result.
type PreviewResultWire struct {
	OriginalPath       string              `json:"originalPath"`
	CompressedPath     string              `json:"compressedPath"`
	StartOffsetSeconds *float64            `json:"startOffsetSeconds,omitempty"`
	Estimate           *cache.SizeEstimate `json:"estimate,omitempty"`
}

// TranscodeResultWire is the media.process(kind=transcode) result.
type TranscodeResultWire struct {
	JobID       uint64 `json:"jobId"`
	CommitToken string `json:"commitToken"`
}

func (s *Server) runPreview(ctx context.Context, params ProcessParams, onProgress func(progress float64, step string)) (any, error) {
	deps := preview.Deps{
		FFmpegPath:         s.FFmpegPath,
		Runner:             s.Runner,
		TempStore:          s.TempStore,
		Cache:              s.Cache,
		Prober:             s.Prober,
		AllowStreamCopy:    s.AllowStreamCopy,
		EstimateKeyVersion: s.EstimateKeyVersion,
	}
	start := time.Duration(params.StartOffsetSeconds * float64(time.Second))

	result, err := preview.Run(ctx, deps, params.InputPath, params.Options, start, params.WithEstimate, onProgress)
	if err != nil {
		return nil, err
	}
	return PreviewResultWire{
		OriginalPath:       result.OriginalPath,
		CompressedPath:     result.CompressedPath,
		StartOffsetSeconds: result.StartOffsetSeconds,
		Estimate:           result.Estimate,
	}, nil
}

func (s *Server) runTranscode(ctx context.Context, job jobmanager.ActiveJob, params ProcessParams, onProgress func(float64)) (any, error) {
	outPath, err := s.TempStore.Create("transcode."+containerExt(params.Options.Container), nil)
	if err != nil {
		return nil, err
	}
	s.TempStore.SetCurrentTranscodeTemp(outPath)

	argv, err := args.Synthesize(params.InputPath, outPath, params.Options, 0, "", 0)
	if err != nil {
		os.Remove(outPath)
		s.TempStore.ClearCurrentTranscodeTemp()
		return nil, err
	}

	if err := s.Runner.Run(ctx, s.FFmpegPath, argv, 0, onProgress); err != nil {
		os.Remove(outPath)
		s.TempStore.ClearCurrentTranscodeTemp()
		return nil, err
	}
	s.TempStore.ClearCurrentTranscodeTemp()

	token := s.Commits.Register(outPath)
	return TranscodeResultWire{JobID: job.ID, CommitToken: token}, nil
}

func containerExt(container string) string {
	if container == "" {
		return "mp4"
	}
	return container
}

func (s *Server) commit(params ProcessParams) (any, error) {
	saved, err := s.Commits.Commit(params.Token, params.Destination)
	if err != nil {
		return nil, err
	}
	return map[string]string{"savedPath": saved}, nil
}

func (s *Server) discard(params ProcessParams) (any, error) {
	if err := s.Commits.Discard(params.Token); err != nil {
		return nil, err
	}
	return map[string]bool{"discarded": true}, nil
}

// ---- media.cancel ----

// CancelParams optionally names the job id to cancel (spec.md §4.9).
type CancelParams struct {
	JobID *uint64 `json:"jobId,omitempty"`
}

// CancelResultWire is the media.cancel result.
type CancelResultWire struct {
	Cancelled bool    `json:"cancelled"`
	JobID     *uint64 `json:"jobId,omitempty"`
}

func (s *Server) cancel(params CancelParams) (any, error) {
	job, ok := s.Jobs.Current()
	if !ok {
		if params.JobID != nil {
			return nil, fmt.Errorf("%w: job %d", sidecarerr.ErrUnknownToken, *params.JobID)
		}
		return CancelResultWire{Cancelled: false}, nil
	}
	if params.JobID != nil && *params.JobID != job.ID {
		return nil, fmt.Errorf("%w: job %d", sidecarerr.ErrUnknownToken, *params.JobID)
	}

	logger.Info("cancelling active job", "jobId", job.ID, "kind", job.Kind)
	s.Runner.Terminate()
	s.cancelCurrentJob()

	id := job.ID
	return CancelResultWire{Cancelled: true, JobID: &id}, nil
}
