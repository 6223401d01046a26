package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ragserver/internal/http/handlers"
	"ragserver/internal/http/httpapi"
	"ragserver/internal/infra"
	"ragserver/internal/jobs"
	"ragserver/internal/rag"
)

func main() {
	// Load .env when present (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := buildPipeline(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure pipeline")
	}

	registry := jobs.NewRegistry(logger, cfg.JobTTL, cfg.JobSweepInterval)
	go registry.RunSweeper(ctx)

	runner := jobs.NewRunner(ctx, pipeline, logger)

	app := handlers.NewApp(registry, runner, pipeline, logger, cfg.StreamPollInterval)
	router := httpapi.NewRouter(app, cfg, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("provider", cfg.RAGProvider).Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func buildPipeline(cfg *infra.Config, logger *infra.Logger) (rag.Pipeline, error) {
	switch cfg.RAGProvider {
	case "openai":
		return rag.NewOpenAIPipeline(rag.OpenAIOptions{
			APIKey:              cfg.OpenAIAPIKey,
			Model:               cfg.OpenAIModel,
			BaseURL:             cfg.OpenAIBaseURL,
			Organization:        cfg.OpenAIOrg,
			TopK:                cfg.RAGTopK,
			SimilarityThreshold: cfg.RAGSimilarityThresh,
			Logger:              logger,
		})
	default:
		return rag.NewStaticPipeline(), nil
	}
}
