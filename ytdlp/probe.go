package ytdlp

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"vdaserver/process"
)

// Runner runs a short-lived command to completion. *process.Runner satisfies it.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) (process.Result, error)
}

// Availability is the cached result of looking for a working yt-dlp.
type Availability struct {
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message"`
	// Command is the candidate that answered, used for later invocations.
	Command string `json:"-"`
}

const errNotFound = "not_found"

// Prober finds the yt-dlp binary once per process and remembers the answer.
type Prober struct {
	runner     Runner
	candidates []string
	timeout    time.Duration

	once   sync.Once
	result Availability
}

func NewProber(runner Runner, bin string, timeout time.Duration) *Prober {
	return &Prober{
		runner:     runner,
		candidates: Candidates(bin, runtime.GOOS),
		timeout:    timeout,
	}
}

// Candidates lists the locations tried, in order, without duplicates.
func Candidates(bin, goos string) []string {
	list := []string{bin, "./bin/yt-dlp"}
	if goos == "windows" {
		list = append(list, "yt-dlp.exe", `.\bin\yt-dlp.exe`)
	}
	seen := make(map[string]bool, len(list))
	out := list[:0]
	for _, c := range list {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Availability probes on first call and returns the cached value afterwards.
// The result is shared, so the probe ignores cancellation of the first
// caller's ctx and is bounded only by the per-candidate timeout.
func (p *Prober) Availability(ctx context.Context) Availability {
	p.once.Do(func() {
		p.result = p.probe(context.WithoutCancel(ctx))
	})
	return p.result
}

// Command is the binary to run: the detected one, or the first candidate
// when nothing answered so the failure surfaces from the real invocation.
func (p *Prober) Command(ctx context.Context) string {
	if a := p.Availability(ctx); a.Installed {
		return a.Command
	}
	if len(p.candidates) > 0 {
		return p.candidates[0]
	}
	return "yt-dlp"
}

func (p *Prober) probe(ctx context.Context) Availability {
	log.Info().Strs("candidates", p.candidates).Msg("looking for yt-dlp")

	for _, cmd := range p.candidates {
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		res, err := p.runner.Output(pctx, cmd, "--version")
		cancel()

		switch {
		case err != nil:
			log.Debug().Err(err).Str("cmd", cmd).Msg("yt-dlp candidate unavailable")
		case !res.Success():
			log.Warn().Str("cmd", cmd).Int("exit_code", res.ExitCode).Msg("yt-dlp found but not working")
		default:
			ver := strings.TrimSpace(res.Stdout)
			log.Info().Str("cmd", cmd).Str("version", ver).Msg("yt-dlp is installed")
			return Availability{
				Installed: true,
				Version:   ver,
				Message:   fmt.Sprintf("yt-dlp version %s is installed (%s)", ver, cmd),
				Command:   cmd,
			}
		}
	}

	log.Error().Msg("yt-dlp is not installed in PATH or ./bin")
	return Availability{
		Installed: false,
		Error:     errNotFound,
		Message:   "yt-dlp is not installed",
	}
}
