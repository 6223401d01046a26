package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"ragserver/internal/jobs"
	"ragserver/internal/rag"
)

// App bundles the dependencies every handler needs. It is built once in main
// and injected into the router; handlers never reach for globals.
type App struct {
	Registry     *jobs.Registry
	Runner       *jobs.Runner
	Pipeline     rag.Pipeline
	Logger       zerolog.Logger
	PollInterval time.Duration
}

func NewApp(registry *jobs.Registry, runner *jobs.Runner, pipeline rag.Pipeline, logger zerolog.Logger, pollInterval time.Duration) *App {
	if pollInterval <= 0 {
		pollInterval = 150 * time.Millisecond
	}
	return &App{
		Registry:     registry,
		Runner:       runner,
		Pipeline:     pipeline,
		Logger:       logger,
		PollInterval: pollInterval,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
