package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voxsynth/internal/api"
	"github.com/book-expert/voxsynth/internal/config"
	"github.com/book-expert/voxsynth/internal/core"
	"github.com/book-expert/voxsynth/internal/format"
	"github.com/book-expert/voxsynth/internal/notify"
	"github.com/book-expert/voxsynth/internal/objectstore"
	"github.com/nats-io/nats.go"
)

const (
	msgRestored      = "Restored %s (%d Hz, %s)\n"
	msgWatching      = "Watching sessions on %s.>\n"
	outputDirMode    = 0o755
	restoredFileMode = 0o644
)

// archiveReader reads audio back out of the archive.
type archiveReader interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Metadata(ctx context.Context, key string) (map[string]string, error)
}

// dialNATS connects to the configured NATS server.
func dialNATS(cfg *config.Config) (*nats.Conn, error) {
	if !cfg.NATSEnabled() {
		return nil, errNATSRequired
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	return natsConnection, nil
}

// openArchive binds to the configured audio bucket.
func openArchive(cfg *config.Config, natsConnection *nats.Conn) (*objectstore.NatsObjectStore, error) {
	if cfg.NATS.AudioObjectStoreBucket == "" {
		return nil, errArchiveRequired
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio archive: %w", err)
	}

	return store, nil
}

// fetchArchived restores the archived audio of taskID into dir under the
// name the backend would have given it and returns the path.
func fetchArchived(ctx context.Context, store archiveReader, taskID, dir string, out io.Writer) (string, error) {
	key := objectstore.ArchiveKey(taskID)

	metadata, err := store.Metadata(ctx, key)
	if err != nil {
		return "", fmt.Errorf("task %s is not archived: %w", taskID, err)
	}

	output, err := objectstore.OutputFromMetadata(metadata)
	if err != nil {
		return "", fmt.Errorf("archived task %s has bad metadata: %w", taskID, err)
	}

	data, err := store.Download(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to fetch task %s: %w", taskID, err)
	}

	err = os.MkdirAll(dir, outputDirMode)
	if err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, api.DownloadFileName(output.TaskID))

	err = os.WriteFile(path, data, restoredFileMode)
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	fmt.Fprintf(out, msgRestored, output.DurationFormatted, output.SampleRate, format.FileSize(output.FileSizeBytes))
	fmt.Fprintf(out, msgSaved, path)

	return path, nil
}

// watchSessions prints every session event published under subject until
// ctx is done.
func watchSessions(
	ctx context.Context,
	natsConnection *nats.Conn,
	subject string,
	log *logger.Logger,
	out io.Writer,
) error {
	fmt.Fprintf(out, msgWatching, strings.TrimSuffix(subject, "."))

	err := notify.Subscribe(ctx, natsConnection, subject, log, func(event core.SessionEvent) {
		fmt.Fprintln(out, describeEvent(event))
	})
	if err != nil {
		return fmt.Errorf("failed to watch sessions: %w", err)
	}

	return nil
}

// describeEvent renders one session event as a single line.
func describeEvent(event core.SessionEvent) string {
	var line strings.Builder

	fmt.Fprintf(&line, "session %s %s -> %s", event.Header.WorkflowID, event.From, event.To)

	if event.TaskID != "" {
		fmt.Fprintf(&line, " task %s", event.TaskID)
	}

	if event.Progress > 0 {
		fmt.Fprintf(&line, " %s", format.Percent(event.Progress))
	}

	if event.ErrorMessage != "" {
		fmt.Fprintf(&line, " error: %s", event.ErrorMessage)
	}

	return line.String()
}
