package workflow

import (
	"time"

	"github.com/book-expert/voxsynth/internal/core"
	"github.com/book-expert/voxsynth/internal/health"
)

// Event is an input to the Machine: a user action or a network result.
type Event interface {
	eventName() string
}

// SelectAudio stores a local voice sample.
type SelectAudio struct {
	File AudioFile
}

// ClearAudio discards the selected voice sample.
type ClearAudio struct{}

// ConfirmUpload starts processing of the selected sample.
type ConfirmUpload struct{}

// UploadSucceeded carries the signature extracted by the backend.
type UploadSucceeded struct {
	ID        uint64
	Signature core.Signature
}

// UploadFailed carries the message of a rejected or failed upload.
type UploadFailed struct {
	ID      uint64
	Message string
}

// EditScript replaces the script text.
type EditScript struct {
	Text string
}

// Generate opens a generation stream for the current script.
type Generate struct {
	Params core.GenerationParams
}

// StreamProgress is a progress event of stream ID.
type StreamProgress struct {
	ID       uint64
	Progress core.Progress
}

// StreamCompleted is the complete event of stream ID.
type StreamCompleted struct {
	ID     uint64
	Output core.Output
}

// StreamFailed is a server-reported error or a dropped connection of stream ID.
type StreamFailed struct {
	ID      uint64
	Message string
}

// CompletionShown fires when the completion display delay has elapsed.
type CompletionShown struct {
	ID uint64
}

// ModelStatusChanged reports a health poll result.
type ModelStatusChanged struct {
	Status health.Status
}

// DismissError clears the visible error message.
type DismissError struct{}

// Reset discards the whole session.
type Reset struct{}

func (SelectAudio) eventName() string        { return "select-audio" }
func (ClearAudio) eventName() string         { return "clear-audio" }
func (ConfirmUpload) eventName() string      { return "confirm-upload" }
func (UploadSucceeded) eventName() string    { return "upload-succeeded" }
func (UploadFailed) eventName() string       { return "upload-failed" }
func (EditScript) eventName() string         { return "edit-script" }
func (Generate) eventName() string           { return "generate" }
func (StreamProgress) eventName() string     { return "stream-progress" }
func (StreamCompleted) eventName() string    { return "stream-completed" }
func (StreamFailed) eventName() string       { return "stream-failed" }
func (CompletionShown) eventName() string    { return "completion-shown" }
func (ModelStatusChanged) eventName() string { return "model-status" }
func (DismissError) eventName() string       { return "dismiss-error" }
func (Reset) eventName() string              { return "reset" }

// Effect is a side effect requested by a transition. The Machine never
// performs effects itself.
type Effect interface {
	effectName() string
}

// StartUpload submits File to the backend; the result must be dispatched as
// UploadSucceeded or UploadFailed with the same ID.
type StartUpload struct {
	ID   uint64
	File AudioFile
}

// CancelUpload abandons the in-flight upload ID.
type CancelUpload struct {
	ID uint64
}

// OpenStream opens the generation stream ID.
type OpenStream struct {
	ID      uint64
	Request core.GenerateRequest
}

// CloseStream closes stream ID. Closing an already closed stream is a no-op.
type CloseStream struct {
	ID uint64
}

// ScheduleCompletion dispatches CompletionShown{ID} after Delay.
type ScheduleCompletion struct {
	ID    uint64
	Delay time.Duration
}

// CancelCompletion stops a scheduled CompletionShown.
type CancelCompletion struct {
	ID uint64
}

func (StartUpload) effectName() string        { return "start-upload" }
func (CancelUpload) effectName() string       { return "cancel-upload" }
func (OpenStream) effectName() string         { return "open-stream" }
func (CloseStream) effectName() string        { return "close-stream" }
func (ScheduleCompletion) effectName() string { return "schedule-completion" }
func (CancelCompletion) effectName() string   { return "cancel-completion" }
