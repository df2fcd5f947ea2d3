// Command mediasidecar is the long-lived transcoder-driving sidecar
// (spec.md §1): it speaks line-delimited JSON over stdin/stdout to a
// parent process and drives an external ffmpeg-family binary on its
// behalf. Structured after the teacher's cmd/shrinkray/main.go wiring
// order (load config, check binaries, construct components, serve,
// handle shutdown signals) with the HTTP server replaced by the stdio
// RPC multiplexer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gwlsn/mediasidecar/internal/cache"
	"github.com/gwlsn/mediasidecar/internal/commit"
	"github.com/gwlsn/mediasidecar/internal/config"
	"github.com/gwlsn/mediasidecar/internal/jobmanager"
	"github.com/gwlsn/mediasidecar/internal/logger"
	"github.com/gwlsn/mediasidecar/internal/probe"
	"github.com/gwlsn/mediasidecar/internal/process"
	"github.com/gwlsn/mediasidecar/internal/rpc"
	"github.com/gwlsn/mediasidecar/internal/tempstore"
)

// defaultStartupSweepMaxAge is the startup sweep age used when
// cfg.StartupSweepMaxAgeHours is not positive.
const defaultStartupSweepMaxAge = 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "path to the sidecar's YAML config file")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = os.Getenv("MEDIASIDECAR_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "mediasidecar.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config from %s: %v\n", cfgPath, err)
		cfg = config.DefaultConfig()
	}

	if envLevel := os.Getenv("FFMPEG_SIDECAR_LOG_LEVEL"); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	logger.Init(cfg.LogLevel)

	if envFFmpeg := os.Getenv("FFMPEG_PATH"); envFFmpeg != "" {
		cfg.FFmpegPath = envFFmpeg
	}

	sweepMaxAge := defaultStartupSweepMaxAge
	if cfg.StartupSweepMaxAgeHours > 0 {
		sweepMaxAge = time.Duration(cfg.StartupSweepMaxAgeHours) * time.Hour
	}

	logger.Info("starting mediasidecar",
		"ffmpeg", cfg.FFmpegPath, "ffprobe", cfg.FFprobePath, "config", cfgPath)

	tmp := tempstore.New(cfg.TempDir)
	mediaCache := cache.NewWithCapacity(cfg.CacheCapacity)
	commits := commit.New()

	// Startup cleanup (spec.md §4.1, §4.8): sweep stale temp files and
	// expired commit tokens exactly once, before accepting any requests.
	// Files the live cache still references are preserved.
	tmp.Sweep(sweepMaxAge, mediaCache.LiveSet())
	commits.Sweep(sweepMaxAge)

	srv := rpc.New(rpc.Deps{
		FFmpegPath:         cfg.FFmpegPath,
		Runner:             process.New(),
		TempStore:          tmp,
		Cache:              mediaCache,
		Prober:             probe.New(cfg.FFprobePath),
		Commits:            commits,
		Jobs:               jobmanager.New(),
		AllowStreamCopy:    true,
		EstimateKeyVersion: cfg.EstimateCacheVersion,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("rpc server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
