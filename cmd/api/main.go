package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"filmgen/internal/dispatch"
	"filmgen/internal/domain"
	"filmgen/internal/film"
	"filmgen/internal/http/handlers"
	httpapi "filmgen/internal/http/httpapi"
	"filmgen/internal/infra"
	"filmgen/internal/jobstore"
	"filmgen/internal/media"
	"filmgen/internal/metrics"
	"filmgen/internal/provider"
	"filmgen/internal/provider/atlas"
	"filmgen/internal/provider/genai"
	"filmgen/internal/ratelimit"
	"filmgen/internal/resume"
	"filmgen/internal/retry"
	"filmgen/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	// Providers.
	images, err := genai.NewClient(genai.Options{
		APIKey:  cfg.GenAIAPIKey,
		BaseURL: cfg.GenAIBaseURL,
		Model:   cfg.GenAIModel,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("genai client")
	}
	videos, err := atlas.NewClient(atlas.Options{
		APIKey:  cfg.AtlasAPIKey,
		BaseURL: cfg.AtlasBaseURL,
		Model:   cfg.AtlasModel,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("atlas client")
	}

	// Object storage: MinIO when configured, local filesystem otherwise.
	var objects storage.ObjectStore
	if cfg.MinIOEndpoint != "" {
		objects, err = storage.NewMinIOStore(ctx, storage.MinIOOptions{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
			Logger:    logger,
		})
	} else {
		objects, err = storage.NewFileStore(cfg.StoragePath)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("object storage")
	}
	fetcher := storage.NewFetcher(objects, &http.Client{Timeout: cfg.CallTimeout})

	pipelineMetrics := metrics.NewPipeline(prometheus.DefaultRegisterer)
	jobs := jobstore.NewPostgresStore(dbpool)
	imageLimiter := ratelimit.New(cfg.ImageMaxConcurrent, cfg.ImagesPerMinute)
	videoLimiter := ratelimit.New(cfg.VideoMaxConcurrent, cfg.VideosPerMinute)

	dispatcher := dispatch.New(dispatch.Options{
		Store: jobs,
		Limiters: map[domain.JobType]*ratelimit.Limiter{
			domain.JobTypeImage: imageLimiter,
			domain.JobTypeClip:  videoLimiter,
		},
		Runner: &retry.Runner{
			MaxAttempts:    cfg.RetryMaxAttempts,
			BaseDelay:      cfg.RetryBaseDelay,
			MaxDelay:       30 * time.Second,
			PerCallTimeout: cfg.PollTimeout + cfg.CallTimeout,
		},
		Metrics: pipelineMetrics,
		Logger:  logger,
		BaseCtx: ctx,
	})

	pollOpts := provider.PollOptions{
		Interval: cfg.PollInterval,
		Timeout:  cfg.PollTimeout,
	}

	filmStore := film.NewPostgresStore(dbpool)
	films := film.NewService(film.Options{
		Dispatcher:   dispatcher,
		Films:        filmStore,
		Images:       images,
		Videos:       videos,
		ImageLimiter: imageLimiter,
		Objects:      objects,
		Fetcher:      fetcher,
		Assembler:    media.NewAssembler(cfg.FFmpegPath, cfg.FFprobePath, logger),
		Metrics:      pipelineMetrics,
		Logger:       logger,
		Poll:         pollOpts,
		WorkDir:      cfg.WorkDir,
	})

	// Startup recovery: flip films that died in flight, then settle any
	// generation jobs a previous process left behind.
	if n, err := filmStore.MarkInterrupted(ctx); err != nil {
		logger.Error().Err(err).Msg("mark interrupted films failed")
	} else if n > 0 {
		logger.Warn().Int64("films", n).Msg("marked films interrupted")
	}
	resumer := resume.New(resume.Options{
		Store:     jobs,
		Predictor: videos,
		Finish: func(ctx context.Context, job domain.GenerationJob, outputURL string) (json.RawMessage, error) {
			key := "jobs/" + job.ID.String() + "/clip.mp4"
			if err := fetcher.Mirror(ctx, outputURL, key); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"artifact_ref":"` + key + `"}`), nil
		},
		Metrics:           pipelineMetrics,
		Logger:            logger,
		StaleAfterMinutes: int(cfg.ResumeStaleAfter / time.Minute),
		MaxJobs:           cfg.ResumeMaxJobs,
		CheckTimeout:      cfg.ResumeCheckTimeout,
		Poll:              pollOpts,
	})
	go resumer.Run(ctx)

	app := &handlers.App{
		Dispatcher: dispatcher,
		Jobs:       jobs,
		Films:      films,
		Images:     images,
		Videos:     videos,
		Objects:    objects,
		Fetcher:    fetcher,
		Poll:       pollOpts,
		Log:        logger,
	}
	router := httpapi.NewRouter(app, prometheus.DefaultGatherer)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := dispatcher.Drain(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("jobs still in flight at shutdown")
	}
	logger.Info().Msg("server stopped")
}
