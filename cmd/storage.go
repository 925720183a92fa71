package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gosh-rs/gosh-optim/internal/store"
)

// Checkpoint storage flags shared by run, resume, serve and checkpoints
var (
	dataDir    string
	s3Endpoint string
	s3Bucket   string
	s3Prefix   string
	s3Insecure bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&dataDir, "data-dir", "./data", "Base directory for checkpoints, traces and final geometries")
	flags.StringVar(&s3Endpoint, "s3-endpoint", "", "Store checkpoints in this S3-compatible service instead of --data-dir")
	flags.StringVar(&s3Bucket, "s3-bucket", "gosh-optim", "Bucket for checkpoints when --s3-endpoint is set")
	flags.StringVar(&s3Prefix, "s3-prefix", "", "Key prefix for checkpoints when --s3-endpoint is set")
	flags.BoolVar(&s3Insecure, "s3-insecure", false, "Use plain HTTP for the S3 endpoint")
}

// openStore returns the object store when --s3-endpoint is set and the
// filesystem store otherwise. S3 credentials come from
// GOSH_OPTIM_S3_ACCESS_KEY and GOSH_OPTIM_S3_SECRET_KEY.
func openStore(ctx context.Context) (store.Store, error) {
	if s3Endpoint == "" {
		fsStore, err := store.NewFSStore(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		return fsStore, nil
	}

	objStore, err := store.DialObjectStore(ctx, store.ObjectStoreConfig{
		Endpoint:  s3Endpoint,
		AccessKey: os.Getenv("GOSH_OPTIM_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("GOSH_OPTIM_S3_SECRET_KEY"),
		Bucket:    s3Bucket,
		Prefix:    s3Prefix,
		Secure:    !s3Insecure,
	})
	if err != nil {
		return nil, err
	}
	return objStore, nil
}
