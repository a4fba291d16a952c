// Package core defines the domain types and interfaces shared by the voxsynth
// packages.
package core

import (
	"context"
	"io"
	"iter"
)

// Backend is the synthesis service the workflow talks to.
type Backend interface {
	Health(ctx context.Context) (HealthStatus, error)
	UploadAudio(ctx context.Context, path string) (Signature, error)
	Generate(ctx context.Context, req GenerateRequest) iter.Seq2[StreamEvent, error]
	Download(ctx context.Context, taskID string, dst io.Writer) (int64, error)
	DownloadURL(taskID string) string
}

// EventPublisher receives session lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event SessionEvent) error
}
