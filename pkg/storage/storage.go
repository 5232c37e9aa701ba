// Package storage uploads prepared datasets to object storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores bytes under bucket/key and returns the object's URI.
type Uploader interface {
	Put(ctx context.Context, bucket, key string, body io.Reader) (string, error)
}

// URI formats an object location the way import jobs reference it.
func URI(bucket, key string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}

// PutFile uploads a local file.
func PutFile(ctx context.Context, u Uploader, bucket, key, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return u.Put(ctx, bucket, key, f)
}

type S3Uploader struct {
	client s3Putter
}

func NewS3Uploader(cfg aws.Config) *S3Uploader {
	return &S3Uploader{client: s3.NewFromConfig(cfg)}
}

func (u *S3Uploader) Put(ctx context.Context, bucket, key string, body io.Reader) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("put object: missing bucket or key")
	}
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", URI(bucket, key), err)
	}
	return URI(bucket, key), nil
}

type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// MemoryUploader keeps objects in memory. Used by dry runs and tests.
type MemoryUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{objects: map[string][]byte{}}
}

func (u *MemoryUploader) Put(_ context.Context, bucket, key string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	uri := URI(bucket, key)
	u.mu.Lock()
	u.objects[uri] = data
	u.mu.Unlock()
	return uri, nil
}

// Object returns a stored object's content.
func (u *MemoryUploader) Object(uri string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	data, ok := u.objects[uri]
	return bytes.Clone(data), ok
}
