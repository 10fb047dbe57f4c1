// Package ytdlp knows how to drive the yt-dlp command-line tool: building
// download invocations, reading its progress output, probing the installed
// version and checking premium credentials.
package ytdlp

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// NativeContainer is what yt-dlp is always asked to merge into. Any other
// requested format is produced afterwards by a separate conversion pass.
const NativeContainer = "mp4"

// Supported output formats.
const (
	FormatMP4  = "mp4"
	FormatMKV  = "mkv"
	FormatWEBM = "webm"
	FormatMP3  = "mp3"
)

const (
	DefaultQuality = "best"
	DefaultFormat  = FormatMP4

	defaultTemplate = "%(title)s.%(ext)s"
	maskedSecret    = "****"
)

var heightCapped = regexp.MustCompile(`^best\[height<=(\d+)\]$`)

// ValidFormat reports whether format (already lower-cased) is supported.
func ValidFormat(format string) bool {
	switch format {
	case FormatMP4, FormatMKV, FormatWEBM, FormatMP3:
		return true
	}
	return false
}

// NeedsConversion reports whether format requires a pass after the download.
func NeedsConversion(format string) bool {
	return format != NativeContainer && ValidFormat(format)
}

// FormatSelector maps a quality token onto a yt-dlp -f expression.
// "bestaudio" intentionally selects video+audio: audio is isolated later by
// the mp3 conversion, which also works for sources without audio-only streams.
func FormatSelector(quality string) string {
	switch quality {
	case "", "best", "bestaudio":
		return "bestvideo+bestaudio/best"
	case "worst":
		return "worstvideo+bestaudio/worst"
	}
	if m := heightCapped.FindStringSubmatch(quality); m != nil {
		h := m[1]
		return "bestvideo[height<=" + h + "]+bestaudio/best[height<=" + h + "]"
	}
	return quality
}

type DownloadOptions struct {
	URL       string
	Quality   string
	OutputDir string
	// Title replaces yt-dlp's title-based filename after CleanFilename.
	Title               string
	Username            string
	Password            string
	ConcurrentFragments int
	Retries             int
	ExtraArgs           []string
}

// HasCredentials is true only when both halves of the pair are present.
func (o DownloadOptions) HasCredentials() bool {
	return o.Username != "" && o.Password != ""
}

// OutputTemplate is the -o value for the download.
func (o DownloadOptions) OutputTemplate() string {
	if o.Title != "" {
		return filepath.Join(o.OutputDir, CleanFilename(o.Title)+".%(ext)s")
	}
	return filepath.Join(o.OutputDir, defaultTemplate)
}

// BuildDownload returns the yt-dlp arguments (without the binary) for o.
func BuildDownload(o DownloadOptions) []string {
	frags := strconv.Itoa(max(o.ConcurrentFragments, 1))
	retries := strconv.Itoa(max(o.Retries, 0))

	args := []string{
		"--newline",
		"-f", FormatSelector(o.Quality),
		"--merge-output-format", NativeContainer,
		"--no-part",
		"--remux-video", NativeContainer,
		"--no-keep-fragments",
		"--fixup", "detect_or_warn",
		"--postprocessor-args", "ffmpeg:-movflags +faststart",
		"--concurrent-fragments", frags,
		"--retries", retries,
		"--fragment-retries", retries,
		"--no-playlist",
		"--no-write-info-json",
		"--no-write-thumbnail",
		"--no-write-description",
		"--no-write-annotations",
		"--no-write-auto-sub",
		"--no-write-sub",
		"--no-embed-thumbnail",
		"--add-metadata",
		"--no-warnings",
		"-o", o.OutputTemplate(),
	}
	if o.HasCredentials() {
		args = append(args, "--username", o.Username, "--password", o.Password)
	}
	args = append(args, o.ExtraArgs...)
	// "--" keeps a URL starting with '-' from being read as an option.
	return append(args, "--", o.URL)
}

// MaskArgs returns a copy of args fit for logs, with every password value
// replaced by a placeholder.
func MaskArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out); i++ {
		switch {
		case out[i] == "--password" || out[i] == "-p":
			if i+1 < len(out) {
				out[i+1] = maskedSecret
				i++
			}
		case strings.HasPrefix(out[i], "--password="):
			out[i] = "--password=" + maskedSecret
		}
	}
	return out
}

// MaskSecret renders a secret for logs.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return maskedSecret
}
