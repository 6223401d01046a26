package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ragserver/internal/domain"
	"ragserver/internal/middleware"
	"ragserver/internal/rag"
)

// statusFrame is the SSE payload for one status event and for the terminal
// summary. Chunk events are sent as their raw text, unframed.
type statusFrame struct {
	Status        domain.JobStatus `json:"status"`
	StatusMessage string           `json:"statusMessage,omitempty"`
	Progress      int              `json:"progress"`
	Result        string           `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
}

type jobIDResponse struct {
	JobID string `json:"jobId"`
}

type terminalText struct {
	completed string
	failed    string
}

var terminalTexts = map[string]terminalText{
	"en": {completed: "Job completed successfully", failed: "Job processing failed"},
	"id": {completed: "Pekerjaan selesai", failed: "Pemrosesan pekerjaan gagal"},
}

// SubmitJob accepts a chat request and returns a job id immediately. Raw-RAG
// requests bypass the job machinery and are answered synchronously.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req rag.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.json(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		a.json(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	if req.RawRAG {
		answer, err := a.Pipeline.Chat(r.Context(), req)
		if err != nil {
			a.Logger.Error().Err(err).Msg("raw rag request failed")
			a.json(w, http.StatusInternalServerError, rag.Answer{
				Answer: "Error processing Raw RAG request: " + err.Error(),
				Source: "ERROR",
			})
			return
		}
		a.json(w, http.StatusOK, answer)
		return
	}

	job := a.Registry.Create()
	a.Runner.Start(job, req)
	a.Logger.Debug().Str("job_id", job.ID()).Msg("job submitted")
	a.json(w, http.StatusAccepted, jobIDResponse{JobID: job.ID()})
}

// JobStatus returns a point-in-time snapshot of a job, as a polling fallback
// for clients that cannot hold an SSE connection.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := a.Registry.Get(jobID)
	if err != nil {
		a.json(w, http.StatusNotFound, map[string]string{"error": "Job not found: " + jobID})
		return
	}
	snap := job.Snapshot()
	a.json(w, http.StatusOK, map[string]any{
		"jobId":         snap.ID,
		"status":        snap.Status,
		"statusMessage": snap.StatusMessage,
		"progress":      snap.Progress,
		"result":        snap.Result,
		"error":         snap.Error,
	})
}

// StreamJob is the SSE endpoint. It replays the job's full event history in
// sequence order, then tails new events on a polling interval until the job
// reaches a terminal status, and finishes with exactly one summary frame.
// A session that attaches after completion still receives everything: the
// event logs are never truncated while the job is registered.
func (a *App) StreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	logger := a.Logger.With().Str("job_id", jobID).Logger()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Multi-line payloads become one data: line per segment within a single
	// event; the client reassembles them with newlines. A bare continuation
	// line would be discarded by a conformant SSE parser.
	send := func(payload []byte) error {
		for _, line := range strings.Split(string(payload), "\n") {
			if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprint(w, "\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	job, err := a.Registry.Get(jobID)
	if err != nil {
		frame, _ := json.Marshal(map[string]string{"error": "Job not found: " + jobID})
		if err := send(frame); err != nil {
			logger.Warn().Err(err).Msg("sse: failed to send not-found frame")
		}
		return
	}

	// Watermarks track the highest sequence delivered per log. A failed send
	// is logged and the watermark still advances: the client is almost
	// certainly gone, and a live one reconnects and replays from scratch.
	var lastStatusSeq, lastChunkSeq int64
	drain := func() {
		for _, ev := range job.StatusEventsSince(lastStatusSeq) {
			frame, _ := json.Marshal(statusFrame{
				Status:        ev.Status,
				StatusMessage: ev.StatusMessage,
				Progress:      ev.Progress,
			})
			if err := send(frame); err != nil {
				logger.Warn().Err(err).Int64("seq", ev.Seq).Msg("sse: status send failed")
			}
			lastStatusSeq = ev.Seq
		}
		for _, ch := range job.ChunkEventsSince(lastChunkSeq) {
			if err := send([]byte(ch.Text)); err != nil {
				logger.Warn().Err(err).Int64("seq", ch.Seq).Msg("sse: chunk send failed")
			}
			lastChunkSeq = ch.Seq
		}
	}

	ctx := r.Context()
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()

	for {
		// Read terminal before draining: the terminal status event is
		// appended atomically with the status change, so a true answer here
		// guarantees the drain below delivers the complete history.
		terminal := job.Terminal()
		drain()
		if terminal {
			if err := send(a.terminalFrame(ctx, job.Snapshot())); err != nil {
				logger.Warn().Err(err).Msg("sse: terminal frame send failed")
			}
			logger.Debug().Msg("sse session finished")
			return
		}
		select {
		case <-ctx.Done():
			logger.Debug().Msg("sse client disconnected")
			return
		case <-ticker.C:
		}
	}
}

// terminalFrame renders the one summary frame that closes every session.
// Progress is forced to 100 and empty messages get a locale-aware default.
func (a *App) terminalFrame(ctx context.Context, snap domain.Snapshot) []byte {
	texts, ok := terminalTexts[middleware.LocaleFromContext(ctx)]
	if !ok {
		texts = terminalTexts["en"]
	}

	frame := statusFrame{Status: snap.Status, Progress: 100}
	switch snap.Status {
	case domain.JobStatusCompleted:
		frame.StatusMessage = snap.StatusMessage
		if strings.TrimSpace(frame.StatusMessage) == "" {
			frame.StatusMessage = texts.completed
		}
		frame.Result = snap.Result
	case domain.JobStatusFailed:
		frame.StatusMessage = snap.StatusMessage
		if strings.TrimSpace(frame.StatusMessage) == "" {
			frame.StatusMessage = snap.Error
		}
		if strings.TrimSpace(frame.StatusMessage) == "" {
			frame.StatusMessage = texts.failed
		}
		frame.Error = snap.Error
		if frame.Error == "" {
			frame.Error = "Unknown error"
		}
	}
	out, _ := json.Marshal(frame)
	return out
}
