// Package objectstore archives synthesized audio in a NATS JetStream object
// store bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/book-expert/voxsynth/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Object metadata keys written by Archive.
const (
	MetaTaskID            = "task-id"
	MetaDurationFormatted = "duration-formatted"
	MetaSampleRate        = "sample-rate"
	MetaFileSizeBytes     = "file-size-bytes"
	archiveKeyPattern     = "%s.wav"
)

// ErrKeyEmpty indicates that an object key was empty.
var ErrKeyEmpty = errors.New("object key cannot be empty")

// NatsObjectStore keeps finished audio in a JetStream object store.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New binds to bucketName, creating the bucket when it does not exist yet.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: "Synthesized voice audio.",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// ArchiveKey returns the object key used for the audio of taskID.
func ArchiveKey(taskID string) string {
	return fmt.Sprintf(archiveKeyPattern, taskID)
}

// Archive stores the audio file at path under the task's key, tagged with
// the output metadata.
func (n *NatsObjectStore) Archive(_ context.Context, path string, output core.Output) (string, error) {
	if output.TaskID == "" {
		return "", ErrKeyEmpty
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open audio file '%s': %w", path, err)
	}
	defer file.Close()

	key := ArchiveKey(output.TaskID)

	_, err = n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "voice synthesis output",
		Metadata: map[string]string{
			MetaTaskID:            output.TaskID,
			MetaDurationFormatted: output.DurationFormatted,
			MetaSampleRate:        strconv.Itoa(output.SampleRate),
			MetaFileSizeBytes:     strconv.FormatInt(output.FileSizeBytes, 10),
		},
	}, file)
	if err != nil {
		return "", fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return key, nil
}

// Metadata returns the metadata stored with key.
func (n *NatsObjectStore) Metadata(_ context.Context, key string) (map[string]string, error) {
	info, err := n.store.GetInfo(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get info for object '%s': %w", key, err)
	}

	return info.Metadata, nil
}

// Download retrieves an object from the bucket.
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrKeyEmpty
	}

	obj, err := n.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// OutputFromMetadata rebuilds the output summary stored by Archive.
func OutputFromMetadata(metadata map[string]string) (core.Output, error) {
	output := core.Output{
		TaskID:            metadata[MetaTaskID],
		DurationFormatted: metadata[MetaDurationFormatted],
	}

	if output.TaskID == "" {
		return core.Output{}, fmt.Errorf("%w: metadata has no %s", ErrKeyEmpty, MetaTaskID)
	}

	if value := metadata[MetaSampleRate]; value != "" {
		sampleRate, err := strconv.Atoi(value)
		if err != nil {
			return core.Output{}, fmt.Errorf("invalid %s %q: %w", MetaSampleRate, value, err)
		}

		output.SampleRate = sampleRate
	}

	if value := metadata[MetaFileSizeBytes]; value != "" {
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return core.Output{}, fmt.Errorf("invalid %s %q: %w", MetaFileSizeBytes, value, err)
		}

		output.FileSizeBytes = size
	}

	return output, nil
}
