package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"ragserver/internal/domain"
	"ragserver/internal/rag"
)

// Runner executes one worker goroutine per submitted job. It is the only
// writer of job state: pipeline callbacks are translated into job mutations
// and event-log appends, and every failure mode (setup error, mid-stream
// error, panic) lands as a FAILED transition instead of escaping the task.
type Runner struct {
	pipeline rag.Pipeline
	logger   zerolog.Logger

	// base bounds the lifetime of all in-flight pipelines; it is the process
	// shutdown context, not a per-request one, because submission returns
	// before the work finishes.
	base context.Context
}

func NewRunner(base context.Context, pipeline rag.Pipeline, logger zerolog.Logger) *Runner {
	if base == nil {
		base = context.Background()
	}
	return &Runner{pipeline: pipeline, logger: logger, base: base}
}

// Start launches the worker for job and returns immediately.
func (r *Runner) Start(job *domain.Job, req rag.Request) {
	go r.run(job, req)
}

func (r *Runner) run(job *domain.Job, req rag.Request) {
	logger := r.logger.With().Str("job_id", job.ID()).Logger()
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("job worker panic: %v", rec)
			logger.Error().Msg(msg)
			job.Fail(msg, 100)
		}
	}()

	job.Begin()
	logger.Debug().Msg("job processing started")

	// Chunks are both logged for replay and accumulated into the final
	// result. Callbacks arrive sequentially from the pipeline, so the
	// builder needs no extra locking.
	var result strings.Builder

	onStatus := func(message string, progress int) {
		if job.Terminal() {
			logger.Debug().Str("message", message).Msg("ignoring status after terminal transition")
			return
		}
		switch n := Classify(message, progress).(type) {
		case Success:
			if job.Complete(result.String(), n.Message) {
				logger.Debug().Msg("job completed")
			}
		case Failure:
			if job.Fail(n.Error, progress) {
				logger.Error().Str("error", n.Error).Msg("job failed mid-stream")
			}
		case Progress:
			job.MarkRunning(n.Message, n.Percent)
		}
	}

	onChunk := func(text string) {
		job.AddChunk(text)
		result.WriteString(text)
	}

	if err := r.pipeline.ChatStream(r.base, req, onStatus, onChunk); err != nil {
		msg := "Failed to initiate stream: " + err.Error()
		if job.Fail(msg, 100) {
			logger.Error().Err(err).Msg("job failed to initiate stream")
		}
	}
}
