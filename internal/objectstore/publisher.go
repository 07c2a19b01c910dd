package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/23skdu/longbow-diffbench/internal/logger"
)

const ContentTypeCSV = "text/csv"

// Publisher uploads result files into one bucket.
type Publisher struct {
	client *minio.Client
	cfg    Config
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Publisher{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the bucket when missing.
func (p *Publisher) EnsureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := p.client.MakeBucket(ctx, p.cfg.Bucket, minio.MakeBucketOptions{Region: p.cfg.Region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", p.cfg.Bucket, err)
	}
	return nil
}

// Key is the object key a local file is published under.
func (p *Publisher) Key(file string) string {
	return path.Join(p.cfg.Prefix, filepath.Base(file))
}

// Publish uploads file and returns its object key.
func (p *Publisher) Publish(ctx context.Context, file string) (string, error) {
	key := p.Key(file)
	putCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	info, err := p.client.FPutObject(putCtx, p.cfg.Bucket, key, file,
		minio.PutObjectOptions{ContentType: ContentTypeCSV})
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", file, err)
	}
	logger.Log.Info("Published result", "bucket", p.cfg.Bucket, "key", key, "size", info.Size)
	return key, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
