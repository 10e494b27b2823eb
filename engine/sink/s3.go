package sink

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3 snapshot sink. Endpoint is optional and
// enables path-style addressing for S3-compatible stores.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3 writes one object per completed trace, containing the trace's
// length-prefixed canonical event records.
type S3 struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3 builds the sink from static configuration.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 sink: bucket is required")
	}
	opts := s3.Options{
		Region: cfg.Region,
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return &S3{client: s3.New(opts), cfg: cfg}, nil
}

// WriteTrace puts the snapshot at <prefix><trace id>.snap.
func (s *S3) WriteTrace(ctx context.Context, snap Snapshot) error {
	var buf bytes.Buffer
	for i := range snap.Events {
		data, err := snap.Events[i].Canonical()
		if err != nil {
			return fmt.Errorf("trace %s: encode event: %w", snap.TraceID, err)
		}
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
		buf.Write(prefix[:])
		buf.Write(data)
	}

	key := s.cfg.Prefix + snap.TraceID + ".snap"
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("trace %s: put %s: %w", snap.TraceID, key, err)
	}
	return nil
}

func (s *S3) Close() error { return nil }
