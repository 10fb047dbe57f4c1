// Package task holds download jobs, their results, and the scheduler that
// runs them one at a time in submission order.
package task

import (
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
)

// Kind tells callers how a failed job went wrong.
type Kind string

const (
	KindNone      Kind = ""
	KindTool      Kind = "tool"      // the downloader exited nonzero or could not start
	KindInternal  Kind = "internal"  // a fault inside the server
	KindResources Kind = "resources" // preflight found too little disk space
	KindShutdown  Kind = "shutdown"  // the server stopped before the job ran
)

// Job is one download request. It is immutable once submitted.
type Job struct {
	ID          uint64
	RequestID   string
	URL         string
	Quality     string
	Format      string
	OutputDir   string
	Title       string
	Username    string
	Password    string
	SubmittedAt time.Time
}

// HasCredentials is true only when both username and password are set.
func (j Job) HasCredentials() bool {
	return j.Username != "" && j.Password != ""
}

// View is a loggable, serializable rendering of a job without secrets.
type View struct {
	ID          uint64     `json:"id"`
	URL         string     `json:"url"`
	Quality     string     `json:"quality"`
	Format      string     `json:"format"`
	OutputDir   string     `json:"output_dir"`
	Title       string     `json:"title,omitempty"`
	Premium     bool       `json:"premium"`
	Status      Status     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

func (j Job) View(status Status) View {
	return View{
		ID:          j.ID,
		URL:         j.URL,
		Quality:     j.Quality,
		Format:      j.Format,
		OutputDir:   j.OutputDir,
		Title:       j.Title,
		Premium:     j.HasCredentials(),
		Status:      status,
		SubmittedAt: j.SubmittedAt,
	}
}

type Result struct {
	Success    bool
	Message    string
	OutputPath string
	Error      string
	Kind       Kind
	// ExitCode is the downloader's exit status when Kind is KindTool and
	// the process ran; nil otherwise.
	ExitCode *int
}

// Failed builds an unsuccessful result.
func Failed(kind Kind, format string, args ...any) Result {
	return Result{Kind: kind, Error: fmt.Sprintf(format, args...)}
}

// Completion is signalled exactly once, when the job's result is known.
type Completion struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// complete records r and wakes waiters. Later calls are ignored and report false.
func (c *Completion) complete(r Result) bool {
	fired := false
	c.once.Do(func() {
		c.result = r
		close(c.done)
		fired = true
	})
	return fired
}

// Done is closed once the result is available.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the job has finished.
func (c *Completion) Result() Result {
	<-c.done
	return c.result
}
