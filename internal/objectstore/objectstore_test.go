package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "diffbench",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"scheme in endpoint", func(c *Config) { c.Endpoint = "http://localhost:9000" }},
		{"no access key", func(c *Config) { c.AccessKey = "" }},
		{"no secret key", func(c *Config) { c.SecretKey = " " }},
		{"no region", func(c *Config) { c.Region = "" }},
		{"no bucket", func(c *Config) { c.Bucket = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DIFFBENCH_S3_ENDPOINT", "")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Enabled() {
		t.Error("expected publishing disabled without endpoint")
	}

	t.Setenv("DIFFBENCH_S3_ENDPOINT", "minio:9000")
	t.Setenv("DIFFBENCH_S3_ACCESS_KEY", "key")
	t.Setenv("DIFFBENCH_S3_SECRET_KEY", "secret")
	t.Setenv("DIFFBENCH_S3_USE_SSL", "false")
	t.Setenv("DIFFBENCH_S3_BUCKET", "results")
	cfg, err = ConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Enabled() || cfg.UseSSL || cfg.Bucket != "results" || cfg.Region != "us-east-1" {
		t.Errorf("unexpected config %+v", cfg)
	}

	t.Setenv("DIFFBENCH_S3_USE_SSL", "maybe")
	if _, err := ConfigFromEnv(); err == nil {
		t.Error("expected parse error for USE_SSL")
	}

	t.Setenv("DIFFBENCH_S3_USE_SSL", "true")
	t.Setenv("DIFFBENCH_S3_SECRET_KEY", "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Error("expected validation error for missing secret")
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string]string
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	case len(parts) == 1 && r.Method == http.MethodPut:
		f.buckets[bucket] = true
	case len(parts) == 2 && r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = string(body)
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestPublish(t *testing.T) {
	fake := &fakeS3{buckets: map[string]bool{}, objects: map[string]string{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, err := NewPublisher(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "key",
		SecretKey: "secret",
		Region:    "us-east-1",
		Bucket:    "diffbench",
		Prefix:    "nightly",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	if err := p.EnsureBucket(ctx); err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	if !fake.buckets["diffbench"] {
		t.Fatal("expected bucket to be created")
	}

	content := "pipeline_cls,ckpt_id\nStableDiffusionXLPipeline,stabilityai/stable-diffusion-xl-base-1.0\n"
	file := filepath.Join(t.TempDir(), "result.csv")
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	key, err := p.Publish(ctx, file)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if key != "nightly/result.csv" {
		t.Errorf("expected key nightly/result.csv, got %s", key)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	obj := "/diffbench/nightly/result.csv"
	if !strings.Contains(fake.objects[obj], content) {
		t.Errorf("expected object body to carry the file, got %q", fake.objects[obj])
	}
	if fake.types[obj] != ContentTypeCSV {
		t.Errorf("expected content type %s, got %q", ContentTypeCSV, fake.types[obj])
	}
}

func TestPublishMissingFile(t *testing.T) {
	p, err := NewPublisher(Config{Endpoint: "localhost:1", AccessKey: "a", SecretKey: "b", Region: "r", Bucket: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Publish(context.Background(), filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}
