package ytdlp

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"vdaserver/relay"
)

// Kind classifies one line of yt-dlp output.
type Kind string

const (
	KindFile       Kind = "file"
	KindProgress   Kind = "progress"
	KindSkip       Kind = "skip"
	KindMerging    Kind = "merging"
	KindConverting Kind = "converting"
	KindError      Kind = "error"
	KindInfo       Kind = "info"
)

const (
	destinationMarker = "Destination:"
	alreadyMarker     = "has already been downloaded"
	mergerTag         = "[Merger]"
	mergingMarker     = "Merging formats into"
	extractAudioTag   = "[ExtractAudio]"
)

type Event struct {
	Kind    Kind
	Message string
	// Filename is set for KindFile and KindMerging when a path was found.
	Filename string
}

// Category is the relay category an event is published under.
func (e Event) Category() relay.Category {
	switch e.Kind {
	case KindFile:
		return relay.Download
	case KindProgress:
		return relay.Progress
	case KindError:
		return relay.Error
	}
	return relay.Info
}

type rule struct {
	match func(line string) bool
	build func(line string) Event
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{
		match: func(l string) bool { return strings.Contains(l, "[download]") && strings.Contains(l, destinationMarker) },
		build: func(l string) Event {
			_, name, _ := strings.Cut(l, destinationMarker)
			name = strings.TrimSpace(name)
			return Event{Kind: KindFile, Message: "File: " + filepath.Base(name), Filename: name}
		},
	},
	{
		match: func(l string) bool { return percentToken(l) != "" && strings.Contains(l, "ETA") },
		build: func(l string) Event { return Event{Kind: KindProgress, Message: percentToken(l)} },
	},
	{
		match: func(l string) bool { return strings.Contains(l, alreadyMarker) },
		build: func(l string) Event { return Event{Kind: KindSkip, Message: "File already exists, skipping download"} },
	},
	{
		match: func(l string) bool { return strings.Contains(l, mergerTag) && strings.Contains(l, mergingMarker) },
		build: func(l string) Event { return Event{Kind: KindMerging, Message: "Merging: " + l, Filename: quoted(l)} },
	},
	{
		match: func(l string) bool { return strings.Contains(l, extractAudioTag) },
		build: func(l string) Event { return Event{Kind: KindConverting, Message: "Converting audio: " + l} },
	},
	{
		match: func(l string) bool { return strings.Contains(strings.ToUpper(l), "ERROR") },
		build: func(l string) Event { return Event{Kind: KindError, Message: "Error: " + l} },
	},
	{
		match: func(l string) bool { return !strings.HasPrefix(l, "[") },
		build: func(l string) Event { return Event{Kind: KindInfo, Message: l} },
	},
}

// Classify maps one output line to an event. Blank lines and unmatched
// bracketed tool chatter yield ok == false.
func Classify(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, false
	}
	for _, r := range rules {
		if r.match(line) {
			return r.build(line), true
		}
	}
	return Event{}, false
}

func percentToken(line string) string {
	for _, f := range strings.Fields(line) {
		if strings.Contains(f, "%") {
			return f
		}
	}
	return ""
}

// quoted returns the text between the first pair of double quotes.
func quoted(line string) string {
	_, rest, ok := strings.Cut(line, `"`)
	if !ok {
		return ""
	}
	name, _, ok := strings.Cut(rest, `"`)
	if !ok {
		return ""
	}
	return name
}

// Tracker consumes the output stream of one download. It logs and relays
// every recognized event and remembers the last announced artifact path.
type Tracker struct {
	log      zerolog.Logger
	relay    *relay.Relay
	filename string
}

func NewTracker(logger zerolog.Logger, r *relay.Relay) *Tracker {
	return &Tracker{log: logger, relay: r}
}

// Line feeds one output line. Not safe for concurrent use; process.Runner
// serializes its callbacks.
func (t *Tracker) Line(line string) {
	ev, ok := Classify(line)
	if !ok {
		return
	}
	if ev.Filename != "" {
		t.filename = ev.Filename
	}

	entry := t.log.Info()
	if ev.Kind == KindError {
		entry = t.log.Warn()
	}
	entry.Str("kind", string(ev.Kind)).Msg(ev.Message)
	t.relay.Publish(ev.Category(), ev.Message)
}

// Filename is the most recent destination or merge target, or "".
func (t *Tracker) Filename() string {
	return t.filename
}
