package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/YannKr/streamgate"
	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/db"
	"github.com/YannKr/streamgate/internal/model"
	"github.com/YannKr/streamgate/internal/sse"
)

func testOptions() Options {
	return Options{
		Name:             QueueAnalysis,
		Workers:          2,
		Capacity:         8,
		DedupWindow:      time.Minute,
		Retention:        time.Hour,
		ArchiveRetention: 24 * time.Hour,
		Heartbeat:        10 * time.Millisecond,
	}
}

func okHandler(ctx context.Context, t Task, progress func(int)) (*model.VideoMetadata, error) {
	return &model.VideoMetadata{ID: "v", Title: t.Job.URL}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitTerminal(t *testing.T, q *Queue, id string) *model.AnalysisJob {
	t.Helper()
	var job *model.AnalysisJob
	waitFor(t, "job "+id, func() bool {
		j, err := q.Status(id)
		if err != nil {
			return false
		}
		job = j
		return j.State.Terminal()
	})
	return job
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database, streamgate.MigrationFS); err != nil {
		t.Fatal(err)
	}
	return database
}

func TestEnqueueDedup(t *testing.T) {
	q := New(testOptions(), okHandler, nil, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	q.now = func() time.Time { return now }
	ctx := context.Background()

	id1, dup, err := q.Enqueue(ctx, Spec{UserID: "u1", URL: "https://youtu.be/a"})
	if err != nil || dup {
		t.Fatalf("first enqueue: %v dup=%v", err, dup)
	}
	id2, dup, _ := q.Enqueue(ctx, Spec{UserID: "u1", URL: "https://youtu.be/a"})
	if id2 != id1 || !dup {
		t.Errorf("duplicate got %s dup=%v, want %s", id2, dup, id1)
	}
	id3, _, _ := q.Enqueue(ctx, Spec{UserID: "u2", URL: "https://youtu.be/a"})
	if id3 == id1 {
		t.Error("different users must not share a job")
	}

	now = base.Add(2 * time.Minute)
	id4, dup, _ := q.Enqueue(ctx, Spec{UserID: "u1", URL: "https://youtu.be/a"})
	if id4 == id1 || dup {
		t.Error("after the window a new job must be created")
	}
	if st := q.Stats(); st.Deduped != 1 || st.Depth != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDedupEndsOnCompletion(t *testing.T) {
	q := New(testOptions(), okHandler, nil, nil)
	q.Start(context.Background())
	defer q.Stop()

	id1, _, _ := q.Enqueue(context.Background(), Spec{UserID: "u1", URL: "https://youtu.be/a"})
	job := waitTerminal(t, q, id1)
	if job.State != model.JobCompleted || job.Progress != 100 || job.Result == nil {
		t.Fatalf("job = %+v", job)
	}
	id2, dup, _ := q.Enqueue(context.Background(), Spec{UserID: "u1", URL: "https://youtu.be/a"})
	if id2 == id1 || dup {
		t.Error("completed job must not absorb a new request")
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	hub := sse.New()
	release := make(chan struct{})
	handler := func(ctx context.Context, t Task, progress func(int)) (*model.VideoMetadata, error) {
		progress(50)
		progress(20)
		progress(200)
		<-release
		return &model.VideoMetadata{}, nil
	}
	q := New(testOptions(), handler, nil, hub)

	id, _, _ := q.Enqueue(context.Background(), Spec{UserID: "u1", URL: "https://youtu.be/a"})
	events, unsub := hub.Subscribe(sse.JobTopic(id))
	defer unsub()

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	go func() {
		for ev := range events {
			var payload struct {
				Progress int `json:"progress"`
			}
			json.Unmarshal([]byte(ev.Data), &payload)
			mu.Lock()
			seen = append(seen, payload.Progress)
			mu.Unlock()
			if ev.Type == "done" {
				close(done)
				return
			}
		}
	}()

	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, "running job", func() bool {
		j, _ := q.Status(id)
		return j.State == model.JobRunning && j.Progress == 90
	})
	time.Sleep(30 * time.Millisecond)
	if j, _ := q.Status(id); j.Progress != 90 {
		t.Errorf("heartbeat pushed progress to %d before completion", j.Progress)
	}
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no done event")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("progress went backwards: %v", seen)
		}
	}
	if seen[len(seen)-1] != 100 {
		t.Errorf("final progress = %d, want 100", seen[len(seen)-1])
	}
}

func TestFailedJobRecordsKind(t *testing.T) {
	handler := func(ctx context.Context, t Task, progress func(int)) (*model.VideoMetadata, error) {
		return nil, apierr.Extraction("private_video", errors.New("private"))
	}
	q := New(testOptions(), handler, nil, nil)
	q.Start(context.Background())
	defer q.Stop()

	id, _, _ := q.Enqueue(context.Background(), Spec{UserID: "u1", URL: "https://youtu.be/a"})
	job := waitTerminal(t, q, id)
	if job.State != model.JobFailed || job.ErrorKind != "private_video" || job.Error == "" {
		t.Errorf("job = %+v", job)
	}
	if job.Progress == 100 {
		t.Error("failed job should not report 100%")
	}
}

func TestQueueFull(t *testing.T) {
	opts := testOptions()
	opts.Capacity = 1
	q := New(opts, okHandler, nil, nil)
	if _, _, err := q.Enqueue(context.Background(), Spec{UserID: "u", URL: "https://a"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.Enqueue(context.Background(), Spec{UserID: "u", URL: "https://b"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestCleanupFallsBackToDatabase(t *testing.T) {
	database := openDB(t)
	q := New(testOptions(), okHandler, database, nil)
	q.Start(context.Background())
	defer q.Stop()

	id, _, _ := q.Enqueue(context.Background(), Spec{UserID: "u1", URL: "https://youtu.be/a"})
	waitTerminal(t, q, id)

	if n := q.Cleanup(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Fatalf("Cleanup removed %d, want 1", n)
	}
	if q.Stats().Tracked != 0 {
		t.Error("job still in memory")
	}
	job, err := q.Status(id)
	if err != nil {
		t.Fatalf("Status after cleanup: %v", err)
	}
	if job.State != model.JobCompleted || job.Result == nil || job.Result.Title != "https://youtu.be/a" {
		t.Errorf("archived job = %+v", job)
	}

	q.Cleanup(time.Now().Add(48 * time.Hour))
	if _, err := q.Status(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after archive retention", err)
	}
}

func TestStopCancelsAndReaps(t *testing.T) {
	started := make(chan struct{}, 1)
	handler := func(ctx context.Context, t Task, progress func(int)) (*model.VideoMetadata, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	opts := testOptions()
	opts.Workers = 1
	q := New(opts, handler, nil, nil)
	q.Start(context.Background())

	running, _, _ := q.Enqueue(context.Background(), Spec{UserID: "u", URL: "https://a"})
	<-started
	queued, _, _ := q.Enqueue(context.Background(), Spec{UserID: "u", URL: "https://b"})

	stopped := make(chan struct{})
	go func() { q.Stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	for _, id := range []string{running, queued} {
		j, _ := q.Status(id)
		if j.State != model.JobFailed || j.ErrorKind != "cancelled" {
			t.Errorf("job %s = %s/%s, want failed/cancelled", id, j.State, j.ErrorKind)
		}
	}
	if _, _, err := q.Enqueue(context.Background(), Spec{UserID: "u", URL: "https://c"}); !errors.Is(err, ErrStopped) {
		t.Errorf("enqueue after stop: %v", err)
	}
}

func TestTrackSessions(t *testing.T) {
	database := openDB(t)
	opts := testOptions()
	opts.Name = QueueTracking
	q := New(opts, TrackSessions(database), database, nil)
	q.Start(context.Background())
	defer q.Stop()

	s := &model.StreamSession{ID: "s1", TokenPrefix: "abcd1234", UserID: "u1", VideoURL: "https://a",
		FormatID: "18", Success: true, Started: true, BytesSent: 42, CreatedAt: time.Now()}
	id, _, err := q.Enqueue(context.Background(), Spec{UserID: "u1", Payload: s})
	if err != nil {
		t.Fatal(err)
	}
	if job := waitTerminal(t, q, id); job.State != model.JobCompleted {
		t.Fatalf("tracking job = %+v", job)
	}
	got, err := db.ListStreamSessions(database, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].BytesSent != 42 || !got[0].Success {
		t.Errorf("sessions = %+v", got)
	}
}

func TestRecordCompletedJob(t *testing.T) {
	database := openDB(t)
	q := New(testOptions(), okHandler, database, nil)
	meta := &model.VideoMetadata{ID: "cached", Formats: []model.VideoFormat{{FormatID: "18", Ext: "mp4"}}}

	id, err := q.Record(Spec{UserID: "u1", URL: "https://youtu.be/x"}, meta)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	job, err := q.Status(id)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != model.JobCompleted || job.Progress != 100 || job.Result.ID != "cached" {
		t.Errorf("job = %+v", job)
	}
	stored, err := db.GetJob(database, id)
	if err != nil || stored == nil {
		t.Fatalf("GetJob: %v %v", stored, err)
	}
	if stored.State != model.JobCompleted {
		t.Errorf("stored state = %s", stored.State)
	}
}

func TestOnFinishReceivesPayload(t *testing.T) {
	q := New(testOptions(), okHandler, nil, nil)
	type finished struct {
		job     model.AnalysisJob
		payload any
	}
	got := make(chan finished, 2)
	q.OnFinish(func(job model.AnalysisJob, payload any) { got <- finished{job, payload} })
	q.Start(context.Background())
	defer q.Stop()

	id, _, err := q.Enqueue(context.Background(), Spec{UserID: "u", URL: "https://a", Payload: "cb-1"})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-got:
		if f.job.ID != id || f.job.State != model.JobCompleted || f.payload != "cb-1" {
			t.Errorf("finished = %+v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnFinish not called")
	}

	rid, err := q.Record(Spec{UserID: "u", URL: "https://b", Payload: "cb-2"}, &model.VideoMetadata{ID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	f := <-got
	if f.job.ID != rid || f.payload != "cb-2" {
		t.Errorf("recorded finished = %+v", f)
	}
}
