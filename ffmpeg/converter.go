// Package ffmpeg converts finished downloads into the container or audio
// format a client asked for.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"vdaserver/process"
)

// ErrUnavailable is returned when the ffmpeg binary cannot be found.
var ErrUnavailable = errors.New("ffmpeg is not available")

// Runner runs a command to completion. *process.Runner satisfies it.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) (process.Result, error)
}

type Converter struct {
	bin    string
	runner Runner
}

func NewConverter(bin string, runner Runner) *Converter {
	return &Converter{bin: bin, runner: runner}
}

// Available reports whether the configured binary resolves on PATH.
func (c *Converter) Available() bool {
	_, err := exec.LookPath(c.bin)
	return err == nil
}

// Version returns the first line of `ffmpeg -version`.
func (c *Converter) Version(ctx context.Context) (string, error) {
	res, err := c.runner.Output(ctx, c.bin, "-version")
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("ffmpeg -version exited with code %d", res.ExitCode)
	}
	line, _, _ := strings.Cut(res.Stdout, "\n")
	return strings.TrimSpace(line), nil
}

// Target returns the path src is converted to: same name, new extension.
func Target(src, format string) string {
	return strings.TrimSuffix(src, filepath.Ext(src)) + "." + format
}

// Args builds the ffmpeg invocation for converting src into dst. mp3 drops
// the video stream and re-encodes audio; other containers are a stream copy.
func Args(src, dst, format string) []string {
	if format == "mp3" {
		return []string{"-i", src, "-vn", "-acodec", "libmp3lame", "-q:a", "2", "-y", dst}
	}
	return []string{"-i", src, "-c", "copy", "-movflags", "+faststart", "-y", dst}
}

// Convert writes a converted copy of src next to it and returns its path.
// src is left in place; a partial output is removed on failure.
func (c *Converter) Convert(ctx context.Context, src, format string) (string, error) {
	if !c.Available() {
		return "", ErrUnavailable
	}
	dst := Target(src, format)
	if dst == src {
		return "", fmt.Errorf("source %s already has format %s", filepath.Base(src), format)
	}

	args := Args(src, dst, format)
	log.Info().Str("src", src).Str("dst", dst).Strs("args", args).Msg("converting with ffmpeg")

	res, err := c.runner.Output(ctx, c.bin, args...)
	if err == nil && !res.Success() {
		err = fmt.Errorf("ffmpeg exited with code %d: %s", res.ExitCode, lastLine(res.Stderr))
	}
	if err != nil {
		if rmErr := os.Remove(dst); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn().Err(rmErr).Str("dst", dst).Msg("could not remove partial conversion output")
		}
		return "", fmt.Errorf("ffmpeg conversion failed: %w", err)
	}
	return dst, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexAny(s, "\r\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
