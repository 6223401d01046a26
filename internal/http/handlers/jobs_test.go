package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"ragserver/internal/domain"
	"ragserver/internal/jobs"
	"ragserver/internal/rag"
)

type scriptedPipeline struct {
	script func(onStatus rag.StatusFunc, onChunk rag.ChunkFunc)
	answer *rag.Answer
	err    error
}

func (s *scriptedPipeline) Chat(ctx context.Context, req rag.Request) (*rag.Answer, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.answer != nil {
		return s.answer, nil
	}
	return &rag.Answer{Answer: "sync answer", Source: "RAG"}, nil
}

func (s *scriptedPipeline) ChatStream(ctx context.Context, req rag.Request, onStatus rag.StatusFunc, onChunk rag.ChunkFunc) error {
	if s.err != nil {
		return s.err
	}
	if s.script != nil {
		s.script(onStatus, onChunk)
	}
	return nil
}

func newTestApp(t *testing.T, p rag.Pipeline) (*App, *chi.Mux) {
	t.Helper()
	logger := zerolog.Nop()
	registry := jobs.NewRegistry(logger, 0, time.Minute)
	runner := jobs.NewRunner(context.Background(), p, logger)
	app := NewApp(registry, runner, p, logger, 5*time.Millisecond)

	r := chi.NewRouter()
	r.Post("/api/job", app.SubmitJob)
	r.Post("/api/chat", app.Chat)
	r.Get("/api/job/{jobId}", app.JobStatus)
	r.Get("/api/events/{jobId}", app.StreamJob)
	return app, r
}

// frames parses an SSE body into its data payloads the way a conformant
// client does: every line of an event must carry the data: field prefix, and
// multiple data: lines within one event reassemble with newlines.
func frames(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, block := range strings.Split(body, "\n\n") {
		if block == "" {
			continue
		}
		var data []string
		for _, line := range strings.Split(block, "\n") {
			// Payloads keep their exact bytes: chunk fragments may end in
			// spaces.
			if !strings.HasPrefix(line, "data: ") {
				t.Fatalf("SSE line without data field, a client would drop it: %q", line)
			}
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
		out = append(out, strings.Join(data, "\n"))
	}
	return out
}

func statusFrames(t *testing.T, all []string) []statusFrame {
	t.Helper()
	var out []statusFrame
	for _, f := range all {
		if !strings.HasPrefix(f, "{") {
			continue
		}
		var sf statusFrame
		if err := json.Unmarshal([]byte(f), &sf); err != nil {
			t.Fatalf("unmarshal frame %q: %v", f, err)
		}
		if sf.Status != "" || sf.Error != "" {
			out = append(out, sf)
		}
	}
	return out
}

func chunkFrames(all []string) []string {
	var out []string
	for _, f := range all {
		if !strings.HasPrefix(f, "{") {
			out = append(out, f)
		}
	}
	return out
}

func waitTerminal(t *testing.T, job *domain.Job) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job did not reach a terminal status")
}

func TestSubmitJobReturnsIDImmediately(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	app, router := newTestApp(t, &scriptedPipeline{
		script: func(onStatus rag.StatusFunc, onChunk rag.ChunkFunc) {
			<-release
			onStatus("COMPLETED", 100)
		},
	})
	defer close(release)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/job", strings.NewReader(`{"message":"hi"}`)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want %d", rec.Code, http.StatusAccepted)
	}
	var resp jobIDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatalf("empty jobId")
	}

	// The job exists and is still queued or running: submission never waits.
	job, err := app.Registry.Get(resp.JobID)
	if err != nil {
		t.Fatalf("job not registered: %v", err)
	}
	if job.Terminal() {
		t.Fatalf("job terminal right after submit")
	}
	if events := job.StatusEventsSince(0); len(events) < 1 || events[0].Status != domain.JobStatusQueued || events[0].Seq != 1 {
		t.Fatalf("initial event log = %+v", events)
	}
}

func TestSubmitJobRejectsEmptyMessage(t *testing.T) {
	t.Parallel()
	_, router := newTestApp(t, &scriptedPipeline{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/job", strings.NewReader(`{"message":"  "}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSubmitJobRawRAGRunsSynchronously(t *testing.T) {
	t.Parallel()
	app, router := newTestApp(t, &scriptedPipeline{answer: &rag.Answer{Answer: "inline", Source: "RAG"}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/job", strings.NewReader(`{"message":"hi","rawRag":true}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want %d", rec.Code, http.StatusOK)
	}
	var ans rag.Answer
	if err := json.Unmarshal(rec.Body.Bytes(), &ans); err != nil {
		t.Fatalf("unmarshal answer: %v", err)
	}
	if ans.Answer != "inline" || ans.Source != "RAG" {
		t.Fatalf("answer = %+v", ans)
	}
	if app.Registry.Len() != 0 {
		t.Fatalf("raw rag request created a job")
	}
}

func TestStreamUnknownJobEmitsSingleErrorFrame(t *testing.T) {
	t.Parallel()
	app, router := newTestApp(t, &scriptedPipeline{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/ghost", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	all := frames(t, rec.Body.String())
	if len(all) != 1 {
		t.Fatalf("frame count = %d, want 1: %v", len(all), all)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(all[0]), &payload); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if !strings.Contains(payload["error"], "Job not found: ghost") {
		t.Fatalf("error frame = %v", payload)
	}
	if app.Registry.Len() != 0 {
		t.Fatalf("registry mutated by unknown-id stream")
	}
}

func TestStreamReplaysFullHistoryAfterCompletion(t *testing.T) {
	t.Parallel()
	app, router := newTestApp(t, &scriptedPipeline{
		script: func(onStatus rag.StatusFunc, onChunk rag.ChunkFunc) {
			onStatus("Querying context", 20)
			onChunk("Hello, ")
			onChunk("world!")
			onStatus("LLM stream complete", 100)
		},
	})

	job := app.Registry.Create()
	app.Runner.Start(job, rag.Request{Message: "hi"})
	waitTerminal(t, job)

	// Attach strictly after completion: the session must still see everything.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/"+job.ID(), nil))

	all := frames(t, rec.Body.String())
	chunks := chunkFrames(all)
	if strings.Join(chunks, "") != "Hello, world!" {
		t.Fatalf("chunk replay = %q", strings.Join(chunks, ""))
	}

	sts := statusFrames(t, all)
	// QUEUED, RUNNING, COMPLETED events plus exactly one terminal frame.
	if len(sts) != 4 {
		t.Fatalf("status frame count = %d, want 4: %+v", len(sts), sts)
	}
	wantOrder := []domain.JobStatus{
		domain.JobStatusQueued,
		domain.JobStatusRunning,
		domain.JobStatusCompleted,
		domain.JobStatusCompleted,
	}
	for i, want := range wantOrder {
		if sts[i].Status != want {
			t.Fatalf("status[%d] = %q, want %q", i, sts[i].Status, want)
		}
	}

	terminal := sts[len(sts)-1]
	if terminal.Result != "Hello, world!" {
		t.Fatalf("terminal result = %q", terminal.Result)
	}
	if terminal.Progress != 100 {
		t.Fatalf("terminal progress = %d", terminal.Progress)
	}
	withResult := 0
	for _, sf := range sts {
		if sf.Result != "" {
			withResult++
		}
	}
	if withResult != 1 {
		t.Fatalf("terminal frames = %d, want exactly 1", withResult)
	}
}

func TestStreamChunkWithNewlinesSurvivesFraming(t *testing.T) {
	t.Parallel()
	app, router := newTestApp(t, &scriptedPipeline{
		script: func(onStatus rag.StatusFunc, onChunk rag.ChunkFunc) {
			onChunk("line1\nline2")
			onChunk("\nline3\n")
			onStatus("LLM stream complete", 100)
		},
	})

	job := app.Registry.Create()
	app.Runner.Start(job, rag.Request{Message: "hi"})
	waitTerminal(t, job)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/"+job.ID(), nil))

	all := frames(t, rec.Body.String())
	chunks := chunkFrames(all)
	if got := strings.Join(chunks, ""); got != "line1\nline2\nline3\n" {
		t.Fatalf("chunk replay = %q, want newlines preserved", got)
	}

	sts := statusFrames(t, all)
	terminal := sts[len(sts)-1]
	if terminal.Result != "line1\nline2\nline3\n" {
		t.Fatalf("terminal result = %q", terminal.Result)
	}
}

// brokenWriter simulates a client whose transport fails on every write.
type brokenWriter struct {
	header http.Header
	writes int
}

func (b *brokenWriter) Header() http.Header {
	if b.header == nil {
		b.header = make(http.Header)
	}
	return b.header
}

func (b *brokenWriter) WriteHeader(int) {}

func (b *brokenWriter) Write([]byte) (int, error) {
	b.writes++
	return 0, errors.New("broken pipe")
}

func (b *brokenWriter) Flush() {}

func TestStreamTransportFailureDoesNotAffectOtherSessions(t *testing.T) {
	t.Parallel()
	app, router := newTestApp(t, &scriptedPipeline{
		script: func(onStatus rag.StatusFunc, onChunk rag.ChunkFunc) {
			onStatus("Querying context", 20)
			onChunk("Hello, ")
			onChunk("world!")
			onStatus("LLM stream complete", 100)
		},
	})

	job := app.Registry.Create()
	app.Runner.Start(job, rag.Request{Message: "hi"})
	waitTerminal(t, job)
	before := job.Snapshot()

	// Session A delivers nothing; its handler must still return instead of
	// spinning, and must leave the job untouched.
	broken := &brokenWriter{}
	router.ServeHTTP(broken, httptest.NewRequest(http.MethodGet, "/api/events/"+job.ID(), nil))
	if broken.writes == 0 {
		t.Fatalf("broken session never attempted a write")
	}

	if after := job.Snapshot(); after != before {
		t.Fatalf("job state changed by a failing session: %+v vs %+v", after, before)
	}

	// Session B still sees the complete ordered history.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/"+job.ID(), nil))
	all := frames(t, rec.Body.String())
	if got := strings.Join(chunkFrames(all), ""); got != "Hello, world!" {
		t.Fatalf("session B chunks = %q", got)
	}
	sts := statusFrames(t, all)
	if len(sts) != 4 || sts[len(sts)-1].Result != "Hello, world!" {
		t.Fatalf("session B status frames = %+v", sts)
	}
}

func TestStreamFailedJobTerminalFrameCarriesError(t *testing.T) {
	t.Parallel()
	app, router := newTestApp(t, &scriptedPipeline{
		script: func(onStatus rag.StatusFunc, onChunk rag.ChunkFunc) {
			onStatus("LLM stream error: upstream timeout", 100)
		},
	})

	job := app.Registry.Create()
	app.Runner.Start(job, rag.Request{Message: "hi"})
	waitTerminal(t, job)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/"+job.ID(), nil))

	sts := statusFrames(t, frames(t, rec.Body.String()))
	terminal := sts[len(sts)-1]
	if terminal.Status != domain.JobStatusFailed {
		t.Fatalf("terminal status = %q, want FAILED", terminal.Status)
	}
	if !strings.Contains(terminal.Error, "upstream timeout") {
		t.Fatalf("terminal error = %q", terminal.Error)
	}
	if terminal.Progress != 100 {
		t.Fatalf("terminal progress = %d", terminal.Progress)
	}
}

func TestTwoSessionsObserveIdenticalSequences(t *testing.T) {
	t.Parallel()
	attachSecond := make(chan struct{})
	finish := make(chan struct{})
	app, router := newTestApp(t, &scriptedPipeline{
		script: func(onStatus rag.StatusFunc, onChunk rag.ChunkFunc) {
			onStatus("Querying context", 20)
			onChunk("part one ")
			<-attachSecond
			onChunk("part two")
			onStatus("COMPLETED", 100)
			<-finish
		},
	})

	job := app.Registry.Create()
	app.Runner.Start(job, rag.Request{Message: "hi"})

	type sessionResult struct {
		statuses []statusFrame
		chunks   []string
	}
	run := func() sessionResult {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/"+job.ID(), nil))
		all := frames(t, rec.Body.String())
		return sessionResult{statuses: statusFrames(t, all), chunks: chunkFrames(all)}
	}

	first := make(chan sessionResult, 1)
	go func() { first <- run() }()

	// Give the first session time to attach mid-run, then let a second one
	// attach later; both must end up with identical ordered views.
	time.Sleep(30 * time.Millisecond)
	close(attachSecond)
	second := make(chan sessionResult, 1)
	go func() { second <- run() }()
	time.Sleep(10 * time.Millisecond)
	close(finish)

	a := <-first
	b := <-second

	if strings.Join(a.chunks, "") != "part one part two" {
		t.Fatalf("session A chunks = %q", strings.Join(a.chunks, ""))
	}
	if strings.Join(a.chunks, "") != strings.Join(b.chunks, "") {
		t.Fatalf("chunk sequences differ: %q vs %q", a.chunks, b.chunks)
	}
	if len(a.statuses) != len(b.statuses) {
		t.Fatalf("status counts differ: %d vs %d", len(a.statuses), len(b.statuses))
	}
	for i := range a.statuses {
		if a.statuses[i] != b.statuses[i] {
			t.Fatalf("status[%d] differs: %+v vs %+v", i, a.statuses[i], b.statuses[i])
		}
	}
}

func TestStreamStopsWhenClientDisconnects(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	app, router := newTestApp(t, &scriptedPipeline{
		script: func(onStatus rag.StatusFunc, onChunk rag.ChunkFunc) {
			<-release
			onStatus("COMPLETED", 100)
		},
	})
	defer close(release)

	job := app.Registry.Create()
	app.Runner.Start(job, rag.Request{Message: "hi"})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events/"+job.ID(), nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(httptest.NewRecorder(), req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session kept polling after client disconnect")
	}
}

func TestJobStatusSnapshot(t *testing.T) {
	t.Parallel()
	app, router := newTestApp(t, &scriptedPipeline{
		script: func(onStatus rag.StatusFunc, onChunk rag.ChunkFunc) {
			onChunk("answer")
			onStatus("COMPLETED", 100)
		},
	})

	job := app.Registry.Create()
	app.Runner.Start(job, rag.Request{Message: "hi"})
	waitTerminal(t, job)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/job/"+job.ID(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var snap map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap["status"] != string(domain.JobStatusCompleted) || snap["result"] != "answer" {
		t.Fatalf("snapshot = %v", snap)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/job/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id code = %d, want 404", rec.Code)
	}
}
