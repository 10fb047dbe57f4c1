// vdaserver/api/handler_test.go
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vdaserver/config"
	"vdaserver/relay"
	"vdaserver/task"
	"vdaserver/ytdlp"
)

type mockExecutor struct {
	executeFunc func(ctx context.Context, job task.Job) task.Result
}

func (m *mockExecutor) Execute(ctx context.Context, job task.Job) task.Result {
	if m.executeFunc != nil {
		return m.executeFunc(ctx, job)
	}
	return task.Result{Success: true, Message: "Download completed successfully", OutputPath: job.OutputDir}
}

type mockTools struct {
	availability ytdlp.Availability
}

func (m *mockTools) Availability(ctx context.Context) ytdlp.Availability {
	return m.availability
}

type mockVerifier struct {
	outcome ytdlp.Outcome
	calls   int
}

func (m *mockVerifier) Verify(ctx context.Context, username, password string) ytdlp.Verification {
	m.calls++
	return ytdlp.Verification{Outcome: m.outcome}
}

type testServer struct {
	router   *gin.Engine
	cfg      *config.Config
	sched    *task.Scheduler
	relay    *relay.Relay
	verifier *mockVerifier
}

func setupTestRouter(t *testing.T, exec task.Executor) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		DownloadsFolder: filepath.Join(t.TempDir(), "Downloads"),
		MaxBodySize:     1024,
	}
	if exec == nil {
		exec = &mockExecutor{}
	}
	r := relay.New()
	sched := task.NewScheduler(exec, r, 0)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	verifier := &mockVerifier{outcome: ytdlp.OutcomeValid}
	router := SetupRouter(cfg, Deps{
		Queue: sched,
		Tools: &mockTools{availability: ytdlp.Availability{
			Installed: true, Version: "2024.08.06", Message: "yt-dlp version 2024.08.06 is installed (yt-dlp)", Command: "yt-dlp",
		}},
		Verifier: verifier,
		Relay:    r,
	})
	return &testServer{router: router, cfg: cfg, sched: sched, relay: r, verifier: verifier}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestHandleStatus(t *testing.T) {
	s := setupTestRouter(t, nil)

	w := s.do("GET", "/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	resp := decode(t, w)
	assert.Equal(t, "running", resp["status"])
	assert.Equal(t, Version, resp["version"])
	assert.Equal(t, s.cfg.DownloadsFolder, resp["downloads_folder"])
	ts, ok := resp["timestamp"].(float64)
	require.True(t, ok)
	assert.InDelta(t, float64(time.Now().Unix()), ts, 5)
}

func TestHandleCheckYtdlp(t *testing.T) {
	s := setupTestRouter(t, nil)

	w := s.do("GET", "/check-ytdlp", "")
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, true, resp["installed"])
	assert.Equal(t, "2024.08.06", resp["version"])
	assert.NotEmpty(t, resp["message"])
	assert.NotContains(t, resp, "error")
	assert.NotContains(t, resp, "Command")
}

func TestPreflight(t *testing.T) {
	s := setupTestRouter(t, nil)

	for _, path := range []string{"/download", "/status", "/anything/else"} {
		w := s.do("OPTIONS", path, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Empty(t, w.Body.String(), path)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestHandleDownload(t *testing.T) {
	t.Run("successful download", func(t *testing.T) {
		s := setupTestRouter(t, nil)

		w := s.do("POST", "/download", `{"url":"http://example/video","quality":"best","format":"mp4"}`)
		assert.Equal(t, http.StatusOK, w.Code)

		resp := decode(t, w)
		assert.Equal(t, true, resp["success"])
		assert.NotEmpty(t, resp["message"])
		assert.Equal(t, s.cfg.DownloadsFolder, resp["output_path"])
		assert.EqualValues(t, 1, resp["id"])
	})

	t.Run("empty body", func(t *testing.T) {
		s := setupTestRouter(t, nil)

		w := s.do("POST", "/download", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode(t, w)
		assert.Equal(t, false, resp["success"])
		assert.NotEmpty(t, resp["error"])
	})

	t.Run("validation", func(t *testing.T) {
		var executed int
		var mu sync.Mutex
		s := setupTestRouter(t, &mockExecutor{executeFunc: func(ctx context.Context, job task.Job) task.Result {
			mu.Lock()
			executed++
			mu.Unlock()
			return task.Result{Success: true}
		}})

		bodies := map[string]string{
			"invalid json":       `{"url":`,
			"missing url":        `{"format":"mp4"}`,
			"blank url":          `{"url":"   "}`,
			"unsupported format": `{"url":"http://example/video","format":"avi"}`,
			"absolute subfolder": `{"url":"http://example/video","subfolder":"/etc"}`,
			"parent subfolder":   `{"url":"http://example/video","subfolder":"a/../../b"}`,
		}
		for name, body := range bodies {
			w := s.do("POST", "/download", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, name)
			assert.Equal(t, false, decode(t, w)["success"], name)
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Zero(t, executed, "rejected requests must never reach the queue")
	})

	t.Run("oversized body", func(t *testing.T) {
		s := setupTestRouter(t, nil)
		body := `{"url":"http://example/video","title":"` + strings.Repeat("x", 2048) + `"}`

		w := s.do("POST", "/download", body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("defaults and subfolder reach the job", func(t *testing.T) {
		jobs := make(chan task.Job, 1)
		s := setupTestRouter(t, &mockExecutor{executeFunc: func(ctx context.Context, job task.Job) task.Result {
			jobs <- job
			return task.Result{Success: true, OutputPath: job.OutputDir}
		}})

		w := s.do("POST", "/download", `{"url":" http://example/video ","format":"MP3","subfolder":"music/live","title":"Live"}`)
		require.Equal(t, http.StatusOK, w.Code)

		job := <-jobs
		assert.Equal(t, "http://example/video", job.URL)
		assert.Equal(t, "best", job.Quality)
		assert.Equal(t, "mp3", job.Format)
		assert.Equal(t, "Live", job.Title)
		assert.Equal(t, filepath.Join(s.cfg.DownloadsFolder, "music", "live"), job.OutputDir)
		assert.NotEmpty(t, job.RequestID)
		assert.Equal(t, job.OutputDir, decode(t, w)["output_path"])
	})

	t.Run("tool failure is a 200 with exit code", func(t *testing.T) {
		s := setupTestRouter(t, &mockExecutor{executeFunc: func(ctx context.Context, job task.Job) task.Result {
			code := 1
			return task.Result{Kind: task.KindTool, Error: "yt-dlp exited with code 1", ExitCode: &code}
		}})

		w := s.do("POST", "/download", `{"url":"http://example/video"}`)
		assert.Equal(t, http.StatusOK, w.Code)
		resp := decode(t, w)
		assert.Equal(t, false, resp["success"])
		assert.EqualValues(t, 1, resp["exit_code"])
		assert.Contains(t, resp["error"], "exit")
	})

	t.Run("internal fault is a 500", func(t *testing.T) {
		s := setupTestRouter(t, &mockExecutor{executeFunc: func(ctx context.Context, job task.Job) task.Result {
			panic("executor exploded")
		}})

		w := s.do("POST", "/download", `{"url":"http://example/video"}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decode(t, w)
		assert.Equal(t, false, resp["success"])
		assert.NotContains(t, resp, "exit_code")
	})

	t.Run("closed queue is a 503", func(t *testing.T) {
		s := setupTestRouter(t, nil)
		s.sched.Stop()

		w := s.do("POST", "/download", `{"url":"http://example/video"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestHandleDownload_Serialized(t *testing.T) {
	type span struct{ start, end time.Time }
	var (
		mu    sync.Mutex
		spans []span
	)
	s := setupTestRouter(t, &mockExecutor{executeFunc: func(ctx context.Context, job task.Job) task.Result {
		start := time.Now()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		spans = append(spans, span{start, time.Now()})
		mu.Unlock()
		return task.Result{Success: true}
	}})

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = s.do("POST", "/download", `{"url":"http://example/video"}`).Code
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, spans, 2)
	assert.False(t, spans[1].start.Before(spans[0].end), "second job started before the first finished")
}

func TestHandleDownload_ClientDisconnect(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	s := setupTestRouter(t, &mockExecutor{executeFunc: func(ctx context.Context, job task.Job) task.Result {
		<-release
		close(finished)
		return task.Result{Success: true}
	}})

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "POST", "/download", strings.NewReader(`{"url":"http://example/video"}`))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	returned := make(chan struct{})
	go func() {
		s.router.ServeHTTP(w, req)
		close(returned)
	}()

	require.Eventually(t, func() bool { return s.sched.Snapshot().Running != nil }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("handler kept waiting after the client went away")
	}
	assert.Equal(t, statusClientClosed, w.Code)
	assert.Empty(t, w.Body.String())

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run to completion")
	}
}

func TestHandleQueue(t *testing.T) {
	release := make(chan struct{})
	s := setupTestRouter(t, &mockExecutor{executeFunc: func(ctx context.Context, job task.Job) task.Result {
		<-release
		return task.Result{Success: true}
	}})
	defer close(release)

	_, _, err := s.sched.Submit(task.Job{URL: "http://example/one", Username: "alice", Password: "s3cret"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.sched.Snapshot().Running != nil }, time.Second, time.Millisecond)
	_, _, err = s.sched.Submit(task.Job{URL: "http://example/two"})
	require.NoError(t, err)

	w := s.do("GET", "/queue", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "s3cret")

	var snap task.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.NotNil(t, snap.Running)
	assert.Equal(t, "http://example/one", snap.Running.URL)
	assert.True(t, snap.Running.Premium)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, "http://example/two", snap.Pending[0].URL)
}

func TestHandleVerifyPremium(t *testing.T) {
	t.Run("valid credentials", func(t *testing.T) {
		s := setupTestRouter(t, nil)

		w := s.do("POST", "/verify-premium", `{"username":"alice","password":"s3cret"}`)
		assert.Equal(t, http.StatusOK, w.Code)
		resp := decode(t, w)
		assert.Equal(t, true, resp["success"])
		assert.Contains(t, resp, "isPremium")
		assert.Nil(t, resp["isPremium"])
		assert.NotEmpty(t, resp["message"])
	})

	t.Run("invalid credentials and timeouts are not server errors", func(t *testing.T) {
		for _, outcome := range []ytdlp.Outcome{ytdlp.OutcomeInvalid, ytdlp.OutcomeTimeout, ytdlp.OutcomeFailed} {
			s := setupTestRouter(t, nil)
			s.verifier.outcome = outcome

			w := s.do("POST", "/verify-premium", `{"username":"alice","password":"wrong"}`)
			assert.Equal(t, http.StatusOK, w.Code, outcome.String())
			resp := decode(t, w)
			assert.Equal(t, false, resp["success"])
			assert.NotEmpty(t, resp["error"])
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		s := setupTestRouter(t, nil)

		for _, body := range []string{`{"username":"alice"}`, `{"password":"x"}`, `{}`, `not json`, ``} {
			w := s.do("POST", "/verify-premium", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
			assert.Equal(t, false, decode(t, w)["success"])
		}
		assert.Zero(t, s.verifier.calls)
	})
}

func TestHandleEvents(t *testing.T) {
	t.Run("second subscriber is rejected", func(t *testing.T) {
		s := setupTestRouter(t, nil)
		_, cancel, err := s.relay.Subscribe(1)
		require.NoError(t, err)
		defer cancel()

		w := s.do("GET", "/events", "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("streams relay events", func(t *testing.T) {
		s := setupTestRouter(t, nil)
		srv := httptest.NewServer(s.router)
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/events", nil)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		require.Eventually(t, s.relay.HasSubscriber, time.Second, time.Millisecond)
		s.relay.Publish(relay.Success, "hello from the worker")

		sc := bufio.NewScanner(resp.Body)
		var lines []string
		for sc.Scan() {
			lines = append(lines, sc.Text())
			if strings.HasPrefix(sc.Text(), "data:") {
				break
			}
		}
		require.NotEmpty(t, lines)
		assert.Contains(t, lines, "event:success")
		assert.Contains(t, lines[len(lines)-1], "hello from the worker")
	})
}
