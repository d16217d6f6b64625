package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveSink persists rendered reports to long-term storage. Keys are
// namespaced tenant/framework/reportId.
type ArchiveSink interface {
	Archive(ctx context.Context, tenantID string, rpt *ComplianceReport) (string, error)
}

func archiveKey(prefix, tenantID string, rpt *ComplianceReport) string {
	return path.Join(prefix, tenantID, string(rpt.Framework.ID),
		fmt.Sprintf("%s-%s.json", rpt.Period.Start.Format("2006-01"), rpt.ReportID))
}

func archiveBody(rpt *ComplianceReport) ([]byte, error) {
	return json.MarshalIndent(rpt, "", "  ")
}

// S3Sink archives reports to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink creates a sink writing under prefix in the given bucket.
func NewS3Sink(client *s3.Client, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// NewS3SinkFromEnv builds an S3 sink using the ambient AWS credential chain
// (environment, shared config, instance role).
func NewS3SinkFromEnv(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config load failed: %w", err)
	}
	return NewS3Sink(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// Archive uploads the report JSON and returns the object key.
func (s *S3Sink) Archive(ctx context.Context, tenantID string, rpt *ComplianceReport) (string, error) {
	body, err := archiveBody(rpt)
	if err != nil {
		return "", fmt.Errorf("report marshal failed: %w", err)
	}
	key := archiveKey(s.prefix, tenantID, rpt)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"tenant-id": tenantID,
			"framework": string(rpt.Framework.ID),
			"generated": rpt.GeneratedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}

// GCSSink archives reports to a Google Cloud Storage bucket.
type GCSSink struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSSink creates a sink writing under prefix in the given bucket.
func NewGCSSink(client *storage.Client, bucket, prefix string) *GCSSink {
	return &GCSSink{bucket: client.Bucket(bucket), prefix: prefix}
}

// Archive uploads the report JSON and returns the object name.
func (g *GCSSink) Archive(ctx context.Context, tenantID string, rpt *ComplianceReport) (string, error) {
	body, err := archiveBody(rpt)
	if err != nil {
		return "", fmt.Errorf("report marshal failed: %w", err)
	}
	key := archiveKey(g.prefix, tenantID, rpt)
	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{
		"tenant-id": tenantID,
		"framework": string(rpt.Framework.ID),
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs upload failed: %w", err)
	}
	return key, nil
}
