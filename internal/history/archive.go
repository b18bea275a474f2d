package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"tapgoose/internal/match"
)

// ArchiveConfig locates the S3-compatible bucket receiving snapshots.
type ArchiveConfig struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether archiving was configured.
func (c ArchiveConfig) Enabled() bool {
	return c.Bucket != ""
}

// NewS3Client builds a client for the archive bucket. A custom endpoint (R2,
// MinIO) switches to path-style addressing.
func NewS3Client(ctx context.Context, cfg ArchiveConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load archive config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// ObjectPutter is the part of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads finished snapshots as zstd-compressed JSON.
type Archiver struct {
	client ObjectPutter
	bucket string
	enc    *zstd.Encoder
}

// NewArchiver prepares an archiver writing to bucket.
func NewArchiver(client ObjectPutter, bucket string) (*Archiver, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Archiver{client: client, bucket: bucket, enc: enc}, nil
}

// ArchiveKey is matches/{yyyy}/{mm}/{id}.json.zst, dated by end time.
func ArchiveKey(snap *match.Snapshot) string {
	at := time.UnixMilli(snap.Match.CreatedTime)
	if snap.Match.EndTime != nil {
		at = time.UnixMilli(*snap.Match.EndTime)
	}
	at = at.UTC()
	return fmt.Sprintf("matches/%04d/%02d/%s.json.zst", at.Year(), int(at.Month()), snap.Match.ID)
}

// Archive uploads snap and returns its object key.
func (a *Archiver) Archive(ctx context.Context, snap *match.Snapshot) (string, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot %s: %w", snap.Match.ID, err)
	}
	compressed := a.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))

	key := ArchiveKey(snap)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("zstd"),
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", snap.Match.ID, err)
	}
	return key, nil
}

// Recorder is the finalize sink handed to the scheduler: it persists to the
// repository and then archives. Archive failures are logged only.
type Recorder struct {
	repo     *Repository
	archiver *Archiver
	log      *zap.Logger
}

// NewRecorder composes repo with an optional archiver.
func NewRecorder(repo *Repository, archiver *Archiver, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{repo: repo, archiver: archiver, log: log.Named("recorder")}
}

// Persist implements the scheduler's history sink.
func (r *Recorder) Persist(ctx context.Context, snap *match.Snapshot) error {
	if err := r.repo.Persist(ctx, snap); err != nil {
		return err
	}
	if r.archiver == nil {
		return nil
	}
	key, err := r.archiver.Archive(ctx, snap)
	if err != nil {
		r.log.Warn("archiving finished match failed", zap.String("match_id", snap.Match.ID), zap.Error(err))
		return nil
	}
	r.log.Debug("finished match archived", zap.String("match_id", snap.Match.ID), zap.String("key", key))
	return nil
}
