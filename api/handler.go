package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"vdaserver/config"
	"vdaserver/relay"
	"vdaserver/task"
	"vdaserver/ytdlp"
)

// Version is reported by GET /status.
const Version = "1.0.0"

const eventBuffer = 64

// statusClientClosed marks a /download whose client went away before the job
// finished. Nothing reaches the client; it only shows up in the access log.
const statusClientClosed = 499

// JobQueue is the part of task.Scheduler the handlers use.
type JobQueue interface {
	Submit(job task.Job) (task.Job, *task.Completion, error)
	Snapshot() task.Snapshot
}

type ToolChecker interface {
	Availability(ctx context.Context) ytdlp.Availability
}

type PremiumVerifier interface {
	Verify(ctx context.Context, username, password string) ytdlp.Verification
}

type Deps struct {
	Queue    JobQueue
	Tools    ToolChecker
	Verifier PremiumVerifier
	Relay    *relay.Relay
}

type Handler struct {
	cfg      *config.Config
	queue    JobQueue
	tools    ToolChecker
	verifier PremiumVerifier
	relay    *relay.Relay
}

func NewHandler(cfg *config.Config, deps Deps) *Handler {
	return &Handler{
		cfg:      cfg,
		queue:    deps.Queue,
		tools:    deps.Tools,
		verifier: deps.Verifier,
		relay:    deps.Relay,
	}
}

type DownloadRequest struct {
	URL       string `json:"url"`
	Quality   string `json:"quality"`
	Format    string `json:"format"`
	Subfolder string `json:"subfolder"`
	Title     string `json:"title"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

type VerifyPremiumRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func errorJSON(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// bindJSON decodes the body into obj and answers 400 (413 for an oversized
// body) when it cannot.
func bindJSON(c *gin.Context, obj any) bool {
	err := c.ShouldBindJSON(obj)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		errorJSON(c, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, io.EOF):
		errorJSON(c, http.StatusBadRequest, "request body is empty")
	default:
		errorJSON(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
	}
	return false
}

// handleStatus never touches the queue.
func (h *Handler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "running",
		"version":          Version,
		"timestamp":        float64(time.Now().UnixNano()) / float64(time.Second),
		"downloads_folder": h.cfg.DownloadsFolder,
	})
}

func (h *Handler) handleCheckYtdlp(c *gin.Context) {
	c.JSON(http.StatusOK, h.tools.Availability(c.Request.Context()))
}

func (h *Handler) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Snapshot())
}

// handleEvents streams relay events as server-sent events to a single client.
func (h *Handler) handleEvents(c *gin.Context) {
	events, cancel, err := h.relay.Subscribe(eventBuffer)
	if err != nil {
		errorJSON(c, http.StatusConflict, err.Error())
		return
	}
	defer cancel()

	log.Info().Str("request_id", c.GetString(requestIDKey)).Msg("event stream attached")

	// Send headers now so the client sees the stream open before the first event.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Category), ev)
			return true
		}
	})
	log.Info().Str("request_id", c.GetString(requestIDKey)).Msg("event stream detached")
}

// validSubfolder accepts only relative paths that stay below the base folder.
func validSubfolder(sub string) bool {
	if sub == "" {
		return true
	}
	if filepath.IsAbs(sub) || filepath.VolumeName(sub) != "" || strings.HasPrefix(sub, "/") || strings.HasPrefix(sub, `\`) {
		return false
	}
	for _, part := range strings.FieldsFunc(sub, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return false
		}
	}
	return true
}

// handleDownload queues the job and holds the response until it has run.
func (h *Handler) handleDownload(c *gin.Context) {
	var req DownloadRequest
	if !bindJSON(c, &req) {
		return
	}

	url := strings.TrimSpace(req.URL)
	if url == "" {
		errorJSON(c, http.StatusBadRequest, "url is required")
		return
	}
	quality := strings.TrimSpace(req.Quality)
	if quality == "" {
		quality = ytdlp.DefaultQuality
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = ytdlp.DefaultFormat
	}
	if !ytdlp.ValidFormat(format) {
		errorJSON(c, http.StatusBadRequest, "unsupported format: "+req.Format)
		return
	}
	sub := strings.TrimSpace(req.Subfolder)
	if !validSubfolder(sub) {
		errorJSON(c, http.StatusBadRequest, "invalid subfolder name")
		return
	}

	reqID := c.GetString(requestIDKey)
	job, completion, err := h.queue.Submit(task.Job{
		RequestID: reqID,
		URL:       url,
		Quality:   quality,
		Format:    format,
		OutputDir: filepath.Join(h.cfg.DownloadsFolder, sub),
		Title:     strings.TrimSpace(req.Title),
		Username:  req.Username,
		Password:  req.Password,
	})
	switch {
	case errors.Is(err, task.ErrQueueFull), errors.Is(err, task.ErrClosed):
		errorJSON(c, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("request_id", reqID).Msg("could not queue download")
		errorJSON(c, http.StatusInternalServerError, "failed to queue download")
		return
	}

	select {
	case <-completion.Done():
	case <-c.Request.Context().Done():
		log.Info().
			Uint64("job_id", job.ID).
			Str("request_id", reqID).
			Msg("client disconnected while waiting; download continues")
		c.AbortWithStatus(statusClientClosed)
		return
	}

	res := completion.Result()
	if res.Success {
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"message":     res.Message,
			"output_path": res.OutputPath,
			"id":          job.ID,
		})
		return
	}

	status := http.StatusOK
	if res.Kind == task.KindInternal {
		status = http.StatusInternalServerError
	}
	body := gin.H{"success": false, "error": res.Error, "id": job.ID}
	if res.ExitCode != nil {
		body["exit_code"] = *res.ExitCode
	}
	c.JSON(status, body)
}

// handleVerifyPremium runs outside the job queue; it never downloads.
func (h *Handler) handleVerifyPremium(c *gin.Context) {
	var req VerifyPremiumRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		errorJSON(c, http.StatusBadRequest, "missing login credentials")
		return
	}

	v := h.verifier.Verify(c.Request.Context(), req.Username, req.Password)
	if v.Outcome != ytdlp.OutcomeValid {
		errorJSON(c, http.StatusOK, v.Message())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"isPremium": nil,
		"message":   v.Message(),
	})
}
