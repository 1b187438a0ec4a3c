package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/audio-transcriber/internal/chunkstore"
	"github.com/MimeLyc/audio-transcriber/internal/config"
	"github.com/MimeLyc/audio-transcriber/internal/diarize"
	"github.com/MimeLyc/audio-transcriber/internal/httpapi"
	"github.com/MimeLyc/audio-transcriber/internal/jobs"
	"github.com/MimeLyc/audio-transcriber/internal/media"
	"github.com/MimeLyc/audio-transcriber/internal/persistence"
	"github.com/MimeLyc/audio-transcriber/internal/pipeline"
	"github.com/MimeLyc/audio-transcriber/internal/provider"
	"github.com/MimeLyc/audio-transcriber/internal/upload"
	"github.com/MimeLyc/audio-transcriber/pkg/log"
)

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

// reclaimScheduler registers the stale-upload reclaimer on the cron engine.
type reclaimScheduler struct {
	cron    *cron.Cron
	expr    string
	uploads *upload.Manager
}

func (r *reclaimScheduler) Schedule(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.expr, func() {
		r.uploads.ReclaimStale(ctx)
	})
	return err
}

// newPipelineJob builds the job record for a finalized upload. The file is
// already assembled and integrity-checked, so the job starts in validating.
func newPipelineJob(session *upload.Session) *jobs.Job {
	return &jobs.Job{
		ID:           uuid.NewString(),
		UploadID:     session.ID,
		Filename:     session.Filename,
		Stage:        jobs.StageValidating,
		LanguageHint: session.LanguageHint,
	}
}

func main() {
	cfg, err := config.New()
	if err != nil {
		stdlog.Fatal("Failed to load configuration:", err)
	}
	log.InitLogger(cfg.Server.LogLevel)

	chunks, err := chunkstore.NewStore(cfg.Storage.DataDir)
	if err != nil {
		log.Fatal("Failed to open data directory: %v", err)
	}
	store, err := persistence.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("Failed to open database: %v", err)
	}
	defer store.Close()

	queue := jobs.NewQueue(cfg.Pipeline.WorkerCount, store)

	op := media.NewOperator(cfg.FFmpegCmd, cfg.ProbeCmd)
	prov := provider.NewHTTPProvider(provider.HTTPConfig{
		URL:     cfg.Provider.URL,
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
		Timeout: cfg.Provider.Timeout,
	})
	var diarizer diarize.Provider
	if cfg.Diarize.URL != "" {
		diarizer = diarize.NewHTTPProvider(diarize.HTTPConfig{
			URL:     cfg.Diarize.URL,
			Timeout: cfg.Diarize.Timeout,
		})
	}
	pipe := pipeline.New(cfg, chunks, op, prov, diarizer, queue)

	createJob := func(ctx context.Context, session *upload.Session, sourceRef string) (string, error) {
		job, _ := queue.Enqueue(newPipelineJob(session))
		return job.ID, nil
	}
	uploads := upload.NewManager(upload.Config{
		MaxBytes:     cfg.Upload.MaxBytes,
		ChunkBytes:   cfg.Upload.ChunkBytes,
		SessionTTL:   cfg.Upload.SessionTTL,
		AllowedTypes: cfg.Upload.AllowedTypes,
	}, chunks, store, createJob)

	queue.Start(pipe.Run)
	defer queue.Stop()

	srv := httpapi.NewServer(uploads, queue, chunks,
		httpapi.WithMaxChunkBytes(cfg.Upload.ChunkBytes+(1<<20)))

	cronRunner := cron.New()
	sched := &reclaimScheduler{
		cron:    cronRunner,
		expr:    cfg.Upload.ReclaimCron,
		uploads: uploads,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runWithComponents(ctx, cfg, sched, cronRunner, srv); err != nil {
		log.Fatal("Server exited with error: %v", err)
	}
}

// runWithComponents runs the cron engine and HTTP server until the context is
// cancelled, then shuts both down.
func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, cronRunner cronEngine, srv httpServer) error {
	if err := sched.Schedule(ctx); err != nil {
		return err
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening on %s", cfg.Server.Addr)
		err := srv.ListenAndServe(cfg.Server.Addr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
