package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"retell/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// ModelKey identifies a cached engine model instance.
type ModelKey struct {
	Name    string
	Device  string
	Compute string
}

func (k ModelKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Name, k.Device, k.Compute)
}

// ModelStore resolves model weights to local files, fetching missing ones
// from an object-storage bucket. Loads of the same key are serialized;
// different keys load concurrently, and an already-resolved key never blocks.
type ModelStore struct {
	client *s3.Client
	bucket string
	dir    string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	ready map[string]string
}

// NewModelStore creates a store rooted at dir. With an empty bucket the
// store is local-only: weights must already be present on disk.
func NewModelStore(endpoint, accessKey, secretKey, bucket, region, dir string) (*ModelStore, error) {
	store := &ModelStore{
		bucket: bucket,
		dir:    dir,
		locks:  make(map[string]*sync.Mutex),
		ready:  make(map[string]string),
	}

	if bucket == "" {
		logger.Info("model store running local-only", zap.String("dir", dir))
		return store, nil
	}

	customResolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           endpoint,
				SigningRegion: region,
			}, nil
		})

	cfg, err := awsconfig.LoadDefaultConfig(
		context.TODO(),
		awsconfig.WithEndpointResolverWithOptions(customResolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	store.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	logger.Info("model store initialized", zap.String("bucket", bucket), zap.String("dir", dir))
	return store, nil
}

// Ensure returns the local weight path for key, downloading it first if
// needed. Safe for concurrent use across jobs.
func (s *ModelStore) Ensure(ctx context.Context, key ModelKey) (string, error) {
	lock := s.keyLock(key.String())
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if path, ok := s.ready[key.String()]; ok {
		s.mu.Unlock()
		return path, nil
	}
	s.mu.Unlock()

	path := s.localPath(key)
	if _, err := os.Stat(path); err == nil {
		s.markReady(key, path)
		return path, nil
	}

	if s.client == nil {
		return "", fmt.Errorf("model weights missing: %s (no model bucket configured)", path)
	}

	if err := s.download(ctx, key, path); err != nil {
		return "", err
	}

	s.markReady(key, path)
	return path, nil
}

func (s *ModelStore) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *ModelStore) markReady(key ModelKey, path string) {
	s.mu.Lock()
	s.ready[key.String()] = path
	s.mu.Unlock()
}

// Weights are laid out per compute type so quantized variants of the same
// model name do not collide.
func (s *ModelStore) localPath(key ModelKey) string {
	return filepath.Join(s.dir, key.Compute, fmt.Sprintf("ggml-%s.bin", key.Name))
}

func (s *ModelStore) objectKey(key ModelKey) string {
	return fmt.Sprintf("models/%s/ggml-%s.bin", key.Compute, key.Name)
}

func (s *ModelStore) download(ctx context.Context, key ModelKey, dest string) error {
	object := s.objectKey(key)
	logger.Info("downloading model weights",
		zap.String("model", key.String()),
		zap.String("object", object))

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		return fmt.Errorf("failed to fetch model %s: %w", key.Name, err)
	}
	defer result.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create model dir: %w", err)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create weight file: %w", err)
	}

	written, err := io.Copy(out, result.Body)
	closeErr := out.Close()
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write weight file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close weight file: %w", closeErr)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize weight file: %w", err)
	}

	logger.Info("model weights ready",
		zap.String("model", key.String()),
		zap.Int64("bytes", written))
	return nil
}
