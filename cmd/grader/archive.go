package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"autograder/internal/common/storage"
	"autograder/internal/grading/repository"
	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
)

func runArchive(ctx context.Context, cfg *AppConfig, args []string) int {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	name := fs.String("name", "", "Archive name, defaults to results-<timestamp>")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if cfg.MinIO.Endpoint == "" || cfg.MinIO.Bucket == "" {
		fmt.Fprintln(os.Stderr, "archive needs minio endpoint and bucket in the config")
		return exitError
	}
	if *name == "" {
		*name = "results-" + time.Now().UTC().Format("20060102T150405Z")
	}

	store, err := repository.NewFileStore(cfg.Grading.Results)
	if err != nil {
		return fail(ctx, "open result store failed", err)
	}
	objStorage, err := storage.NewMinIOStorage(cfg.MinIO)
	if err != nil {
		return fail(ctx, "init minio failed", err)
	}
	archiver, err := repository.NewArchiver(store, objStorage, cfg.MinIO.Bucket, cfg.Archive.Prefix)
	if err != nil {
		return fail(ctx, "init archiver failed", err)
	}
	key, err := archiver.Archive(ctx, *name)
	if err != nil {
		return fail(ctx, "archive results failed", err)
	}
	logger.Info(ctx, "results archived", zap.String("bucket", cfg.MinIO.Bucket), zap.String("key", key))
	fmt.Printf("archived to %s/%s\n", cfg.MinIO.Bucket, key)
	return 0
}
