package evidence

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	contentTypeJSON = "application/json"

	defaultMaxGetSize int64 = 1 << 20
)

var (
	ErrInvalidConfig = errors.New("evidence: invalid config")
	ErrInvalidKey    = errors.New("evidence: invalid key")
	ErrNotFound      = errors.New("evidence: not found")
	ErrTooLarge      = errors.New("evidence: object too large")
)

// Blobs is the write-once object store evidence documents live in.
type Blobs interface {
	Put(ctx context.Context, key string, payload []byte, metadata map[string]string) error
	Get(ctx context.Context, key string) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type Object struct {
	Key          string
	Data         []byte
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
}

type BlobsConfig struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 1 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// NewBlobs creates the store for the configured driver. An empty driver selects memory.
func NewBlobs(cfg BlobsConfig) (Blobs, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryBlobs(cfg.Prefix), nil
	case DriverS3:
		return newS3Blobs(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverMemory
	}
	return v
}

func normalizeKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	return key, nil
}

func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func cloneMetadata(v map[string]string) map[string]string {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(val)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type memoryBlobs struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]Object
}

func newMemoryBlobs(prefix string) Blobs {
	return &memoryBlobs{prefix: prefix, objects: make(map[string]Object)}
}

func (m *memoryBlobs) Put(_ context.Context, key string, payload []byte, metadata map[string]string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	sum := md5.Sum(payload)
	m.mu.Lock()
	m.objects[joinPrefix(m.prefix, key)] = Object{
		Key:          key,
		Data:         bytes.Clone(payload),
		Metadata:     cloneMetadata(metadata),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: time.Now().UTC(),
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryBlobs) Get(_ context.Context, key string) (Object, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[joinPrefix(m.prefix, key)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	obj.Data = bytes.Clone(obj.Data)
	obj.Metadata = cloneMetadata(obj.Metadata)
	return obj, nil
}

func (m *memoryBlobs) Exists(_ context.Context, key string) (bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.objects[joinPrefix(m.prefix, key)]
	m.mu.RUnlock()
	return ok, nil
}

type s3Blobs struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func newS3Blobs(cfg BlobsConfig) (Blobs, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Blobs{
		client:     cfg.S3Client,
		bucket:     bucket,
		prefix:     cfg.Prefix,
		maxGetSize: maxGet,
	}, nil
}

func (s *s3Blobs) Put(ctx context.Context, key string, payload []byte, metadata map[string]string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(joinPrefix(s.prefix, key)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentTypeJSON),
	}
	if meta := cloneMetadata(metadata); len(meta) > 0 {
		input.Metadata = meta
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("evidence/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Blobs) Get(ctx context.Context, key string) (Object, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Object{}, fmt.Errorf("evidence/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("evidence/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return Object{}, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, key, s.maxGetSize)
	}
	return Object{
		Key:          key,
		Data:         data,
		Metadata:     cloneMetadata(out.Metadata),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Blobs) Exists(ctx context.Context, key string) (bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("evidence/s3: head %q: %w", key, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
