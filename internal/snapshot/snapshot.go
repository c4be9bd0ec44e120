// Package snapshot implements the periodic scene-store snapshotter (C3):
// it gzip-dumps every persisted SceneRecord to S3-compatible object
// storage on an interval, per spec §4.3. It is a best-effort background
// job that never blocks or fails any other component.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/holoforge/scenecast/internal/errs"
	"github.com/holoforge/scenecast/internal/store"
)

// latestKey is the stable key every snapshot overwrites, so consumers
// always know where to find the most recent dump.
const latestKey = "snapshots/scene/latest.dump.gz"

// Uploader is the subset of S3 behavior a snapshotter needs, narrowed so
// tests can fake it without standing up MinIO.
type Uploader interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the object storage backend. A zero value (empty
// Bucket) makes the snapshotter a no-op, per spec §4.3.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewS3Uploader builds an S3-compatible client from cfg, grounded on the
// teacher's MinIO-compatible S3Client construction.
func NewS3Uploader(cfg S3Config) Uploader {
	awsCfg := aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
		if !cfg.UseSSL {
			o.EndpointOptions.DisableHTTPS = true
		}
	})
}

// Snapshotter periodically dumps the scene store to object storage.
type Snapshotter struct {
	store    store.Store
	uploader Uploader
	bucket   string
	interval time.Duration
	logger   zerolog.Logger

	inProgress atomic.Bool
}

// New constructs a Snapshotter. When bucket is empty the returned
// Snapshotter's Run is a permanent no-op (spec §4.3: "never configured in
// dev, must not block startup").
func New(st store.Store, uploader Uploader, bucket string, interval time.Duration, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		store: st, uploader: uploader, bucket: bucket, interval: interval,
		logger: logger.With().Str("component", "snapshot").Logger(),
	}
}

// Run blocks, taking a snapshot on every tick, until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) {
	if s.bucket == "" {
		s.logger.Info().Msg("snapshot: no bucket configured, disabled")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.snapshotOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// snapshotOnce performs one dump, skipping entirely if a previous dump is
// still in flight (spec §4.3: snapshots never overlap).
func (s *Snapshotter) snapshotOnce(ctx context.Context) {
	if !s.inProgress.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("snapshot: previous dump still in progress, skipping tick")
		return
	}
	defer s.inProgress.Store(false)

	start := time.Now()
	data, count, err := s.dump(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("snapshot: dump failed")
		return
	}

	archivalKey := fmt.Sprintf("snapshots/scene/%d.dump.gz", start.UnixMilli())
	if err := s.upload(ctx, latestKey, data); err != nil {
		s.logger.Error().Err(err).Msg("snapshot: upload latest failed")
		return
	}
	if err := s.upload(ctx, archivalKey, data); err != nil {
		s.logger.Error().Err(err).Str("key", archivalKey).Msg("snapshot: upload archival copy failed")
		return
	}

	s.logger.Info().Int("records", count).Dur("elapsed", time.Since(start)).Msg("snapshot: dump complete")
}

func (s *Snapshotter) dump(ctx context.Context) ([]byte, int, error) {
	it, err := s.store.All(ctx)
	if err != nil {
		return nil, 0, errs.Wrap(errs.Transient, err, "snapshot: list records")
	}
	defer it.Close()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)

	count := 0
	for {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			return nil, 0, errs.Wrap(errs.Transient, err, "snapshot: iterate records")
		}
		if !ok {
			break
		}
		if err := enc.Encode(rec); err != nil {
			return nil, 0, errs.Wrap(errs.InvalidRequest, err, "snapshot: encode record")
		}
		count++
	}
	if err := gz.Close(); err != nil {
		return nil, 0, errs.Wrap(errs.Transient, err, "snapshot: close gzip writer")
	}
	return buf.Bytes(), count, nil
}

func (s *Snapshotter) upload(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return errs.Wrap(errs.Transient, err, "snapshot: s3 put "+key)
	}
	return nil
}
