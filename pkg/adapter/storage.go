package adapter

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"github.com/y-okubo/soniq/pkg/model"
)

// Storage is the interface for assembled audio persistence. Objects are
// written once per processed session segment and never modified.
type Storage interface {
	// Put returns a writer to save an audio object
	Put(ctx context.Context, key string) (io.WriteCloser, error)
	// Get loads an audio object
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// AudioObjectKey builds the blob key for one assembled audio segment,
// keyed by session and capture time.
func AudioObjectKey(id model.SessionID, at time.Time) string {
	return fmt.Sprintf("sessions/%s/audio/%d.raw", id, at.UnixMilli())
}

// storageClient implements Storage interface using Cloud Storage
type storageClient struct {
	bucketName string
	client     *storage.Client
}

// NewStorage creates a new Cloud Storage client
func NewStorage(ctx context.Context, bucketName string) (Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &storageClient{
		bucketName: bucketName,
		client:     client,
	}, nil
}

func (s *storageClient) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	bucket := s.client.Bucket(s.bucketName)
	obj := bucket.Object(key)
	writer := obj.NewWriter(ctx)
	return writer, nil
}

func (s *storageClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	bucket := s.client.Bucket(s.bucketName)
	obj := bucket.Object(key)
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.Value("key", key))
	}

	return reader, nil
}
