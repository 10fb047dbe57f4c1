// Package download runs a single download job: preflight, the yt-dlp
// invocation, and the optional conversion pass that follows it.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vdaserver/config"
	"vdaserver/process"
	"vdaserver/relay"
	"vdaserver/task"
	"vdaserver/ytdlp"
)

// Streamer runs a long-lived command and hands back its output line by line.
// *process.Runner satisfies it.
type Streamer interface {
	Stream(ctx context.Context, name string, args []string, onLine func(line string)) (int, error)
}

// Converter turns a finished download into another format. *ffmpeg.Converter
// satisfies it.
type Converter interface {
	Available() bool
	Convert(ctx context.Context, src, format string) (string, error)
}

// ResourceChecker is the preflight run before each download.
type ResourceChecker interface {
	Check(ctx context.Context, dir string) (warnings []string, err error)
}

// Executor implements task.Executor for yt-dlp downloads.
type Executor struct {
	streamer  Streamer
	command   func(ctx context.Context) string
	converter Converter
	resources ResourceChecker
	relay     *relay.Relay

	fragments int
	retries   int
	extraArgs []string
}

// NewExecutor wires an executor. command resolves the yt-dlp binary per job,
// typically ytdlp.Prober.Command.
func NewExecutor(cfg *config.Config, streamer Streamer, command func(ctx context.Context) string,
	converter Converter, resources ResourceChecker, r *relay.Relay) *Executor {
	return &Executor{
		streamer:  streamer,
		command:   command,
		converter: converter,
		resources: resources,
		relay:     r,
		fragments: cfg.ConcurrentFragments,
		retries:   cfg.Retries,
		extraArgs: cfg.ExtraArgs,
	}
}

var _ task.Executor = (*Executor)(nil)

// Execute never panics and never returns a successful result unless yt-dlp
// exited cleanly. Conversion problems are reported as warnings only.
func (e *Executor) Execute(ctx context.Context, job task.Job) (res task.Result) {
	logger := log.With().Uint64("job_id", job.ID).Str("request_id", job.RequestID).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("download job panicked")
			e.relay.Publishf(relay.Error, "Download #%d failed: internal error", job.ID)
			res = task.Failed(task.KindInternal, "internal error: %v", r)
		}
	}()

	// 1. Destination.
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		logger.Error().Err(err).Str("dir", job.OutputDir).Msg("could not create destination directory")
		e.relay.Publishf(relay.Error, "Cannot create folder %s: %v", job.OutputDir, err)
		return task.Failed(task.KindInternal, "cannot create destination directory: %v", err)
	}

	if e.resources != nil {
		warnings, err := e.resources.Check(ctx, job.OutputDir)
		for _, w := range warnings {
			logger.Warn().Msg(w)
			e.relay.Publish(relay.Warning, w)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("insufficient system resources")
			e.relay.Publish(relay.Error, err.Error())
			return task.Failed(task.KindResources, "insufficient system resources: %v", err)
		}
	}

	// 2-4. Invocation.
	opts := ytdlp.DownloadOptions{
		URL:                 job.URL,
		Quality:             job.Quality,
		OutputDir:           job.OutputDir,
		Title:               job.Title,
		Username:            job.Username,
		Password:            job.Password,
		ConcurrentFragments: e.fragments,
		Retries:             e.retries,
		ExtraArgs:           e.extraArgs,
	}
	args := ytdlp.BuildDownload(opts)
	convert := ytdlp.NeedsConversion(job.Format)
	bin := e.command(ctx)

	logger.Info().
		Str("cmd", bin).
		Strs("args", ytdlp.MaskArgs(args)).
		Bool("convert", convert).
		Msg("starting download")
	e.relay.Publishf(relay.Info, "Starting download #%d: %s", job.ID, job.URL)
	if opts.HasCredentials() {
		logger.Info().Str("username", job.Username).Str("password", ytdlp.MaskSecret(job.Password)).Msg("using premium account")
		e.relay.Publishf(relay.Info, "Using premium account %s", job.Username)
	}

	// 5. Stream.
	tracker := ytdlp.NewTracker(logger, e.relay)
	code, err := e.streamer.Stream(ctx, bin, args, tracker.Line)
	if err != nil {
		return e.startFailure(logger, job, bin, err)
	}

	// 6. Exit status.
	if code != 0 {
		logger.Warn().Int("exit_code", code).Msg("yt-dlp failed")
		e.relay.Publishf(relay.Error, "Download #%d failed (yt-dlp exit code %d)", job.ID, code)
		res := task.Failed(task.KindTool, "yt-dlp exited with code %d", code)
		res.ExitCode = &code
		return res
	}

	// 7-8. Conversion.
	if convert {
		e.convert(ctx, logger, job, tracker.Filename())
	}

	// 9.
	logger.Info().Str("dir", job.OutputDir).Msg("download finished")
	e.relay.Publishf(relay.Success, "Download #%d completed: %s", job.ID, job.OutputDir)
	return task.Result{
		Success:    true,
		Message:    "Download completed successfully",
		OutputPath: job.OutputDir,
	}
}

func (e *Executor) startFailure(logger zerolog.Logger, job task.Job, bin string, err error) task.Result {
	msg := fmt.Sprintf("failed to start yt-dlp: %v", err)
	if process.IsNotFound(err) {
		msg = fmt.Sprintf("yt-dlp not found (%s); install it or set YTDLP_BIN", bin)
	}
	logger.Error().Err(err).Str("cmd", bin).Msg("could not start yt-dlp")
	e.relay.Publish(relay.Error, msg)
	return task.Failed(task.KindTool, "%s", msg)
}

// convert is best effort: every failure path leaves the mp4 in place and
// only emits a warning.
func (e *Executor) convert(ctx context.Context, logger zerolog.Logger, job task.Job, announced string) {
	src, err := ResolveArtifact(job.OutputDir, announced, ytdlp.NativeContainer)
	if err != nil {
		logger.Warn().Err(err).Msg("could not scan destination directory")
	}
	if src == "" {
		logger.Warn().Str("format", job.Format).Msg("no downloaded file found, skipping conversion")
		e.relay.Publishf(relay.Warning, "No downloaded file found to convert to %s", job.Format)
		return
	}
	if e.converter == nil || !e.converter.Available() {
		logger.Warn().Str("format", job.Format).Msg("ffmpeg not available, skipping conversion")
		e.relay.Publishf(relay.Warning, "ffmpeg not available, %s remains %s", filepath.Base(src), ytdlp.NativeContainer)
		return
	}

	e.relay.Publishf(relay.Info, "Converting %s to %s", filepath.Base(src), job.Format)
	dst, err := e.converter.Convert(ctx, src, job.Format)
	if err != nil {
		logger.Warn().Err(err).Str("src", src).Msg("conversion failed")
		e.relay.Publishf(relay.Warning, "Conversion to %s failed, file remains %s", job.Format, ytdlp.NativeContainer)
		return
	}

	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str("src", src).Msg("could not delete original after conversion")
		e.relay.Publishf(relay.Warning, "Could not delete original file %s", filepath.Base(src))
	}
	logger.Info().Str("dst", dst).Msg("conversion finished")
	e.relay.Publishf(relay.Success, "Converted to %s", filepath.Base(dst))
}
