// Package worker runs named in-memory job queues on bounded worker pools.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/db"
	"github.com/YannKr/streamgate/internal/model"
	"github.com/YannKr/streamgate/internal/sse"
)

const (
	QueueAnalysis = "analysis"
	QueueTracking = "stream-tracking"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("job queue is stopped")
)

const (
	progressStarted  = 5
	progressCeiling  = 90
	progressComplete = 100
	heartbeatStep    = 5
)

// Task is what a Handler receives: a snapshot of the job plus the
// caller-supplied payload.
type Task struct {
	Job     model.AnalysisJob
	Payload any
}

// Handler runs one job. progress may be called with any value; the queue
// keeps reported progress monotonic and below 100 until the job ends.
type Handler func(ctx context.Context, t Task, progress func(int)) (*model.VideoMetadata, error)

// Observer is told about queue depth changes.
type Observer interface {
	QueueEnqueued(name string)
	QueueDequeued(name string)
}

type Options struct {
	Name        string
	Workers     int
	Capacity    int
	DedupWindow time.Duration
	Retention   time.Duration
	// ArchiveRetention bounds how long terminal jobs stay in the database.
	ArchiveRetention time.Duration
	Heartbeat        time.Duration
}

type Spec struct {
	UserID  string
	URL     string
	Payload any
}

type item struct {
	job     model.AnalysisJob
	payload any
}

type Queue struct {
	opts     Options
	handler  Handler
	database *sql.DB
	hub      *sse.Hub
	observer Observer
	onFinish func(job model.AnalysisJob, payload any)
	now      func() time.Time

	ch chan *item

	mu      sync.Mutex
	jobs    map[string]*item
	dedup   map[string]string
	running int
	stopped bool
	counts  counters

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type counters struct {
	enqueued  int64
	completed int64
	failed    int64
	deduped   int64
	rejected  int64
}

// New creates a queue. database and hub may be nil.
func New(opts Options, handler Handler, database *sql.DB, hub *sse.Hub) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 2 * time.Second
	}
	return &Queue{
		opts:     opts,
		handler:  handler,
		database: database,
		hub:      hub,
		now:      time.Now,
		ch:       make(chan *item, opts.Capacity),
		jobs:     make(map[string]*item),
		dedup:    make(map[string]string),
	}
}

func (q *Queue) Name() string { return q.opts.Name }

// SetObserver must be called before Start.
func (q *Queue) SetObserver(o Observer) { q.observer = o }

// OnFinish registers fn to run after each job reaches a terminal state,
// with the payload it was enqueued with. Must be called before Start.
func (q *Queue) OnFinish(fn func(job model.AnalysisJob, payload any)) { q.onFinish = fn }

func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.run(ctx, i)
	}
	slog.Info("job queue started", "queue", q.opts.Name, "workers", q.opts.Workers)
}

// Stop cancels running jobs, waits for their workers to return and fails
// whatever was still queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

	for {
		select {
		case it := <-q.ch:
			q.dequeued()
			q.finish(it, nil, ErrStopped)
		default:
			slog.Info("job queue stopped", "queue", q.opts.Name)
			return
		}
	}
}

func dedupKey(userID, url string) string {
	return userID + "\x00" + url
}

// Enqueue adds a job, or returns the id of an identical pending job from the
// same user submitted within the de-duplication window.
func (q *Queue) Enqueue(ctx context.Context, s Spec) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	now := q.now()
	key := dedupKey(s.UserID, s.URL)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", false, ErrStopped
	}
	if s.URL != "" && q.opts.DedupWindow > 0 {
		if id, ok := q.dedup[key]; ok {
			if it, ok := q.jobs[id]; ok && !it.job.State.Terminal() && now.Sub(it.job.CreatedAt) < q.opts.DedupWindow {
				q.counts.deduped++
				return id, true, nil
			}
			delete(q.dedup, key)
		}
	}

	it := &item{
		job: model.AnalysisJob{
			ID:        uuid.New().String(),
			Queue:     q.opts.Name,
			UserID:    s.UserID,
			URL:       s.URL,
			State:     model.JobQueued,
			CreatedAt: now,
		},
		payload: s.Payload,
	}
	select {
	case q.ch <- it:
	default:
		q.counts.rejected++
		return "", false, ErrQueueFull
	}
	q.jobs[it.job.ID] = it
	if s.URL != "" {
		q.dedup[key] = it.job.ID
	}
	q.counts.enqueued++
	if q.observer != nil {
		q.observer.QueueEnqueued(q.opts.Name)
	}
	q.publishLocked(it, sse.TypeProgress)
	return it.job.ID, false, nil
}

// Record stores a job that is already complete, such as an analysis served
// from cache, so it can be polled like any other.
func (q *Queue) Record(s Spec, result *model.VideoMetadata) (string, error) {
	now := q.now()
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrStopped
	}
	it := &item{
		job: model.AnalysisJob{
			ID:         uuid.New().String(),
			Queue:      q.opts.Name,
			UserID:     s.UserID,
			URL:        s.URL,
			State:      model.JobCompleted,
			Progress:   progressComplete,
			Result:     result,
			CreatedAt:  now,
			StartedAt:  &now,
			FinishedAt: &now,
		},
		payload: s.Payload,
	}
	q.jobs[it.job.ID] = it
	q.counts.completed++
	job := it.job
	q.mu.Unlock()

	if q.database != nil {
		if err := db.SaveJob(q.database, &job); err != nil {
			slog.Error("persist job", "queue", q.opts.Name, "job", job.ID, "error", err)
		}
	}
	if q.onFinish != nil {
		q.onFinish(job, s.Payload)
	}
	return job.ID, nil
}

// Status returns a copy of the job, falling back to the database for jobs
// no longer held in memory.
func (q *Queue) Status(id string) (*model.AnalysisJob, error) {
	q.mu.Lock()
	it, ok := q.jobs[id]
	if ok {
		j := it.job
		q.mu.Unlock()
		return &j, nil
	}
	q.mu.Unlock()

	if q.database == nil {
		return nil, ErrNotFound
	}
	j, err := db.GetJob(q.database, id)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if j == nil || j.Queue != q.opts.Name {
		return nil, ErrNotFound
	}
	return j, nil
}

// Cleanup drops terminal jobs finished more than the retention ago and
// returns how many were removed from memory.
func (q *Queue) Cleanup(now time.Time) int {
	cutoff := now.Add(-q.opts.Retention)
	n := 0
	q.mu.Lock()
	for id, it := range q.jobs {
		if it.job.State.Terminal() && it.job.FinishedAt != nil && it.job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
			n++
		}
	}
	for key, id := range q.dedup {
		it, ok := q.jobs[id]
		if !ok || it.job.State.Terminal() || now.Sub(it.job.CreatedAt) >= q.opts.DedupWindow {
			delete(q.dedup, key)
		}
	}
	q.mu.Unlock()

	if q.database != nil && q.opts.ArchiveRetention > 0 {
		if _, err := db.DeleteJobsFinishedBefore(q.database, now.Add(-q.opts.ArchiveRetention)); err != nil {
			slog.Error("prune jobs", "queue", q.opts.Name, "error", err)
		}
	}
	return n
}

type QueueStats struct {
	Name      string `json:"name"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Workers   int    `json:"workers"`
	Running   int    `json:"running"`
	Tracked   int    `json:"tracked"`
	Enqueued  int64  `json:"enqueued"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Deduped   int64  `json:"deduped"`
	Rejected  int64  `json:"rejected"`
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Name:      q.opts.Name,
		Depth:     len(q.ch),
		Capacity:  cap(q.ch),
		Workers:   q.opts.Workers,
		Running:   q.running,
		Tracked:   len(q.jobs),
		Enqueued:  q.counts.enqueued,
		Completed: q.counts.completed,
		Failed:    q.counts.failed,
		Deduped:   q.counts.deduped,
		Rejected:  q.counts.rejected,
	}
}

// Depth is the number of jobs waiting for a worker.
func (q *Queue) Depth() int { return len(q.ch) }

func (q *Queue) run(ctx context.Context, worker int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-q.ch:
			q.dequeued()
			q.process(ctx, worker, it)
		}
	}
}

func (q *Queue) dequeued() {
	if q.observer != nil {
		q.observer.QueueDequeued(q.opts.Name)
	}
}

func (q *Queue) process(ctx context.Context, worker int, it *item) {
	if ctx.Err() != nil {
		q.finish(it, nil, ErrStopped)
		return
	}

	now := q.now()
	q.mu.Lock()
	it.job.State = model.JobRunning
	it.job.StartedAt = &now
	it.job.Progress = progressStarted
	q.running++
	task := Task{Job: it.job, Payload: it.payload}
	q.publishLocked(it, sse.TypeProgress)
	q.mu.Unlock()

	slog.Debug("processing job", "queue", q.opts.Name, "worker", worker, "job", it.job.ID)

	jobCtx, cancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go q.heartbeat(jobCtx, it, hbDone)

	result, err := q.handler(jobCtx, task, func(p int) { q.setProgress(it, p) })
	cancel()
	<-hbDone

	q.mu.Lock()
	q.running--
	q.mu.Unlock()

	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrStopped, err)
	}
	q.finish(it, result, err)
}

func (q *Queue) heartbeat(ctx context.Context, it *item, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			p := it.job.Progress + heartbeatStep
			q.mu.Unlock()
			q.setProgress(it, p)
		}
	}
}

// setProgress only moves progress forward and never reaches 100 before the
// job is terminal.
func (q *Queue) setProgress(it *item, p int) {
	if p > progressCeiling {
		p = progressCeiling
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.job.State != model.JobRunning || p <= it.job.Progress {
		return
	}
	it.job.Progress = p
	q.publishLocked(it, sse.TypeProgress)
}

func (q *Queue) finish(it *item, result *model.VideoMetadata, err error) {
	now := q.now()
	q.mu.Lock()
	it.job.FinishedAt = &now
	if err != nil {
		ae := apierr.From(err)
		it.job.State = model.JobFailed
		it.job.Error = ae.Message
		it.job.ErrorKind = ae.Kind
		if it.job.ErrorKind == "" {
			it.job.ErrorKind = string(ae.Class)
		}
		if errors.Is(err, ErrStopped) {
			it.job.Error = "server is shutting down"
			it.job.ErrorKind = "cancelled"
		}
		q.counts.failed++
	} else {
		it.job.State = model.JobCompleted
		it.job.Progress = progressComplete
		it.job.Result = result
		q.counts.completed++
	}
	job := it.job
	q.publishLocked(it, sse.TypeDone)
	q.mu.Unlock()

	if err != nil {
		slog.Warn("job failed", "queue", q.opts.Name, "job", job.ID, "kind", job.ErrorKind, "error", err)
	} else {
		slog.Info("job completed", "queue", q.opts.Name, "job", job.ID,
			"duration_ms", now.Sub(job.CreatedAt).Milliseconds())
	}

	if q.database != nil {
		if err := db.SaveJob(q.database, &job); err != nil {
			slog.Error("persist job", "queue", q.opts.Name, "job", job.ID, "error", err)
		}
	}
	if q.onFinish != nil {
		q.onFinish(job, it.payload)
	}
}

type jobEvent struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

func (q *Queue) publishLocked(it *item, typ string) {
	if q.hub == nil {
		return
	}
	data, _ := json.Marshal(jobEvent{
		JobID:    it.job.ID,
		Status:   PublicState(it.job.State),
		Progress: it.job.Progress,
		Error:    it.job.Error,
	})
	q.hub.Publish(sse.JobTopic(it.job.ID), sse.Event{Type: typ, Data: string(data)})
}

// PublicState maps a job state onto the status string clients see.
func PublicState(s model.JobState) string {
	if s == model.JobRunning {
		return "processing"
	}
	return string(s)
}
