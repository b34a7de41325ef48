// Package archive writes a record of every finished execution, its step log included,
// to S3 or to a local directory.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"wake-dispatch/internal/config"
	"wake-dispatch/internal/models"
)

// Record is the archived document.
type Record struct {
	Execution  models.Execution    `json:"execution"`
	Steps      []models.StepRecord `json:"steps"`
	ArchivedAt time.Time           `json:"archived_at"`
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver stores execution records.
type Archiver struct {
	dest uploader
}

// New picks S3 when a bucket is configured, the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{dest: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}}, nil
	}
	baseDir := cfg.ArchiveDir
	if baseDir == "" {
		baseDir = "./archive"
	}
	return &Archiver{dest: &localUploader{baseDir: baseDir}}, nil
}

// NewLocal archives under dir.
func NewLocal(dir string) *Archiver {
	return &Archiver{dest: &localUploader{baseDir: dir}}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Archive stores exec and its steps under executions/<id>.json and returns the location.
func (a *Archiver) Archive(ctx context.Context, exec models.Execution, steps []models.StepRecord) (string, error) {
	body, err := json.MarshalIndent(Record{Execution: exec, Steps: steps, ArchivedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return a.dest.Upload(ctx, Key(exec.ID), body, "application/json")
}

// Key is the object key for an execution. Job ids come from outside, so path
// separators are flattened.
func Key(executionID string) string {
	id := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(executionID)
	return "executions/" + id + ".json"
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
