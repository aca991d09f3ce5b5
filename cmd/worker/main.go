package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"docpipeline/internal/batch"
	"docpipeline/internal/blob"
	"docpipeline/internal/config"
	"docpipeline/internal/fileproc"
	"docpipeline/internal/notify"
	"docpipeline/internal/ocr"
	"docpipeline/internal/queue"
	"docpipeline/internal/store"
	"docpipeline/internal/telemetry"
	workerproc "docpipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(cfg)

	var blobs blob.Store
	if cfg.BlobBucket != "" {
		s3Store, err := blob.NewS3Store(ctx, cfg)
		if err != nil {
			logger.Error("init blob store", "error", err)
			os.Exit(1)
		}
		blobs = s3Store
	} else {
		logger.Warn("BLOB_BUCKET not set, using in-memory blob store")
		blobs = blob.NewMemoryStore()
	}

	orchestrator := ocr.NewOrchestrator([]ocr.Provider{
		ocr.NewCloudProvider(cfg.CloudOCREndpoint, cfg.CloudOCRAPIKey, cfg.CloudOCRTimeout),
		ocr.NewTesseractProvider(cfg.TesseractLang),
	}, logger)

	processor := fileproc.NewProcessor([]fileproc.Parser{
		fileproc.NewSpreadsheetParser(),
		fileproc.NewOfficeParser(),
		fileproc.NewDelimitedParser(),
		fileproc.NewPlainTextParser(),
		fileproc.NewPDFParser(),
		fileproc.NewOCRParser(orchestrator, cfg.MinConfidence, nil),
	}, cfg.MinConfidence, logger)

	notifier := notify.NewLogNotifier(logger)
	aggregator := batch.NewAggregator(st, notifier, logger)

	w := workerproc.New(cfg, q, st, workerproc.StoreSlotLocker{Store: st}, blobs, processor, aggregator, notifier, logger)
	pool := workerproc.NewPool(cfg, w, q, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker starting",
		"queue", cfg.QueueName,
		"visibility", cfg.VisibilityTimeout.String(),
		"processing_timeout", cfg.ProcessingTimeout.String())
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
}
