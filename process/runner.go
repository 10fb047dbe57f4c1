// Package process starts external tools and collects their output, either
// all at once for short probes or line by line for long downloads.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// maxLineSize bounds a single output line; yt-dlp JSON dumps can be long.
	maxLineSize = 1024 * 1024

	// waitDelay caps how long a killed process may keep its pipes open.
	waitDelay = time.Second
)

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports a zero exit status.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner is stateless; the zero value is ready to use.
type Runner struct{}

func NewRunner() *Runner {
	return &Runner{}
}

// Output runs name to completion and captures stdout and stderr separately.
// A nonzero exit is reported in Result.ExitCode with a nil error; the error is
// reserved for processes that could not be started or were killed because ctx
// ended, in which case it wraps ctx.Err().
func (r *Runner) Output(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("cmd", name).Strs("args", args).Msg("running probe")

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", name, ctx.Err())
	}
	code, err := exitCode(err)
	res.ExitCode = code
	if err != nil {
		return res, fmt.Errorf("running %s: %w", name, err)
	}
	return res, nil
}

// Stream starts name and feeds every non-empty, trimmed line of stdout and
// stderr to onLine. The two streams are read concurrently; onLine calls are
// serialized. It returns once the process has exited and both streams are
// drained. A nonzero exit yields the exit code and a nil error.
func (r *Runner) Stream(ctx context.Context, name string, args []string, onLine func(line string)) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("starting %s: %w", name, err)
	}

	var mu sync.Mutex
	emit := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		onLine(line)
	}

	var g errgroup.Group
	g.Go(func() error { return scanLines(stdout, emit) })
	g.Go(func() error { return scanLines(stderr, emit) })

	// Readers must hit EOF before Wait closes the pipes.
	readErr := g.Wait()
	waitErr := cmd.Wait()

	code, err := exitCode(waitErr)
	if err != nil {
		return code, fmt.Errorf("waiting for %s: %w", name, err)
	}
	if readErr != nil {
		log.Warn().Err(readErr).Str("cmd", name).Msg("reading process output")
	}
	return code, nil
}

func scanLines(r io.Reader, emit func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	sc.Split(splitLinesCR)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			emit(line)
		}
	}
	if err := sc.Err(); err != nil {
		// Drain so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// splitLinesCR is bufio.ScanLines that also breaks on a bare '\r', which
// progress bars use to redraw in place.
func splitLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// exitCode turns the error from Run/Wait into an exit status. Errors other
// than a plain nonzero exit are passed through.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// IsNotFound reports whether err means the executable does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
