package ytdlp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Outcome of a credential check.
type Outcome int

const (
	OutcomeValid Outcome = iota
	OutcomeInvalid
	OutcomeTimeout
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValid:
		return "valid"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeTimeout:
		return "timeout"
	}
	return "failed"
}

type Verification struct {
	Outcome Outcome
	// Detail is the tool's stderr or the start error; may echo user input,
	// so it is logged but never sent back to the client verbatim.
	Detail string
}

// Message is the text returned to the client for this outcome.
func (v Verification) Message() string {
	switch v.Outcome {
	case OutcomeValid:
		return "Credentials are valid (premium status unknown)"
	case OutcomeInvalid:
		return "Invalid login credentials"
	case OutcomeTimeout:
		return "Credential check timed out"
	}
	return "Could not run yt-dlp to check credentials"
}

// Verifier checks a login by asking yt-dlp for metadata only.
type Verifier struct {
	runner  Runner
	command func(ctx context.Context) string
	url     string
	timeout time.Duration
}

// NewVerifier builds a Verifier. command resolves the binary per call,
// typically Prober.Command.
func NewVerifier(runner Runner, command func(ctx context.Context) string, probeURL string, timeout time.Duration) *Verifier {
	return &Verifier{runner: runner, command: command, url: probeURL, timeout: timeout}
}

// VerifyArgs returns the probe invocation for the given credentials.
func VerifyArgs(username, password, probeURL string) []string {
	return []string{
		"--username", username,
		"--password", password,
		"--dump-json",
		"--playlist-items", "0",
		"--no-download",
		"--", probeURL,
	}
}

// Verify never returns an error: every failure mode is an Outcome.
func (v *Verifier) Verify(ctx context.Context, username, password string) Verification {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := v.command(ctx)
	args := VerifyArgs(username, password, v.url)
	log.Info().Str("username", username).Strs("args", MaskArgs(args)).Msg("verifying premium account")

	res, err := v.runner.Output(ctx, cmd, args...)
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		log.Warn().Str("username", username).Dur("timeout", v.timeout).Msg("premium verification timed out")
		return Verification{Outcome: OutcomeTimeout, Detail: err.Error()}
	case err != nil:
		log.Error().Err(err).Msg("premium verification could not start yt-dlp")
		return Verification{Outcome: OutcomeFailed, Detail: err.Error()}
	case !res.Success():
		detail := strings.TrimSpace(res.Stderr)
		log.Warn().Int("exit_code", res.ExitCode).Str("stderr", detail).Msg("invalid login credentials")
		return Verification{Outcome: OutcomeInvalid, Detail: detail}
	}
	log.Info().Str("username", username).Msg("login credentials are valid")
	return Verification{Outcome: OutcomeValid}
}
