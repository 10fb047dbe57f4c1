package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"vdaserver/relay"
)

var (
	ErrQueueFull = errors.New("download queue is full")
	ErrClosed    = errors.New("scheduler is shut down")
)

// Executor runs one job to completion. Implementations report failures in
// the Result; a panic is recovered by the scheduler.
type Executor interface {
	Execute(ctx context.Context, job Job) Result
}

type entry struct {
	job        Job
	completion *Completion
	startedAt  time.Time
}

// Scheduler runs submitted jobs strictly one at a time in FIFO order.
type Scheduler struct {
	executor Executor
	relay    *relay.Relay
	maxDepth int

	mu      sync.Mutex
	nextID  uint64
	queue   []*entry
	running *entry
	closed  bool
	started bool

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewScheduler creates a scheduler. maxDepth <= 0 means the pending queue is
// unbounded.
func NewScheduler(executor Executor, r *relay.Relay, maxDepth int) *Scheduler {
	return &Scheduler{
		executor: executor,
		relay:    r,
		maxDepth: maxDepth,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. Cancelling ctx stops the worker after the
// current job; the running job itself is not interrupted.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	log.Info().Int("max_queue_depth", s.maxDepth).Msg("job scheduler started")
	go s.workerLoop(ctx)
}

// Submit assigns the job its ID and appends it to the queue. The returned
// Job carries the assigned ID and submission time.
func (s *Scheduler) Submit(job Job) (Job, *Completion, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return job, nil, ErrClosed
	}
	if s.maxDepth > 0 && len(s.queue) >= s.maxDepth {
		s.mu.Unlock()
		return job, nil, ErrQueueFull
	}
	s.nextID++
	job.ID = s.nextID
	job.SubmittedAt = time.Now()
	e := &entry{job: job, completion: newCompletion()}
	s.queue = append(s.queue, e)
	depth := len(s.queue)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	log.Info().Uint64("job_id", job.ID).Str("request_id", job.RequestID).Int("pending", depth).Msg("job queued")
	s.relay.Publishf(relay.Info, "Queued download #%d (%d pending)", job.ID, depth)
	return job, e.completion, nil
}

// Stop refuses further submissions, waits for the running job, and completes
// every job still queued with a shutdown result.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	close(s.stop)
	if started {
		<-s.done
	} else {
		s.drain()
		close(s.done)
	}
}

// Snapshot is the current queue state.
type Snapshot struct {
	Running *View  `json:"running"`
	Pending []View `json:"pending"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Pending: make([]View, 0, len(s.queue))}
	if s.running != nil {
		v := s.running.job.View(StatusRunning)
		started := s.running.startedAt
		v.StartedAt = &started
		snap.Running = &v
	}
	for _, e := range s.queue {
		snap.Pending = append(snap.Pending, e.job.View(StatusQueued))
	}
	return snap
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	defer close(s.done)
	defer s.drain()

	for {
		e := s.dequeue()
		if e == nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("job scheduler shutting down")
				return
			case <-s.stop:
				log.Info().Msg("job scheduler stopped")
				return
			case <-s.notify:
				continue
			}
		}
		s.run(ctx, e)

		select {
		case <-ctx.Done():
			log.Info().Msg("job scheduler shutting down")
			return
		case <-s.stop:
			log.Info().Msg("job scheduler stopped")
			return
		default:
		}
	}
}

// dequeue pops the head of the queue and marks it running. Nothing is
// handed out once the scheduler is closed.
func (s *Scheduler) dequeue() *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return nil
	}
	e := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	e.startedAt = time.Now()
	s.running = e
	return e
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	logger := log.With().Uint64("job_id", e.job.ID).Str("request_id", e.job.RequestID).Logger()
	logger.Info().Str("url", e.job.URL).Str("format", e.job.Format).Msg("job started")

	// Shutdown must not kill a download halfway through.
	res := s.execute(context.WithoutCancel(ctx), e.job)

	s.mu.Lock()
	s.running = nil
	s.mu.Unlock()

	if !e.completion.complete(res) {
		logger.Error().Msg("job completion signalled twice")
	}
	logger.Info().
		Bool("success", res.Success).
		Str("kind", string(res.Kind)).
		Dur("elapsed", time.Since(e.startedAt)).
		Msg("job finished")
}

// execute converts a panic in the executor into an internal failure so the
// worker keeps going.
func (s *Scheduler) execute(ctx context.Context, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Uint64("job_id", job.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("job executor panicked")
			s.relay.Publishf(relay.Error, "Download #%d failed with an internal error", job.ID)
			res = Failed(KindInternal, "internal error: %v", r)
		}
	}()
	return s.executor.Execute(ctx, job)
}

// drain completes every queued job with a shutdown result.
func (s *Scheduler) drain() {
	s.mu.Lock()
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, e := range pending {
		e.completion.complete(Failed(KindShutdown, "server is shutting down"))
	}
	if len(pending) > 0 {
		log.Warn().Int("count", len(pending)).Msg("dropped queued jobs on shutdown")
		s.relay.Publish(relay.Warning, fmt.Sprintf("%d queued downloads cancelled by shutdown", len(pending)))
	}
}
