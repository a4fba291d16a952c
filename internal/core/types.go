package core

import (
	"github.com/book-expert/events"
)

// ModelStatus is the raw model_status value reported by the health endpoint.
type ModelStatus string

// Backend model states.
const (
	ModelStatusIdle          ModelStatus = "idle"
	ModelStatusLoading       ModelStatus = "loading"
	ModelStatusLoadingCached ModelStatus = "loading_cached"
	ModelStatusDownloading   ModelStatus = "downloading"
	ModelStatusReady         ModelStatus = "ready"
	ModelStatusFailed        ModelStatus = "failed"
)

// HealthStatus is the decoded body of GET /api/health.
type HealthStatus struct {
	Status       string      `json:"status"`
	ModelLoaded  bool        `json:"model_loaded"`
	ModelLoading bool        `json:"model_loading"`
	ModelStatus  ModelStatus `json:"model_status"`
	ModelError   *string     `json:"model_error"`
	Device       *string     `json:"device"`
}

// Signature is the voice signature metadata returned by an upload.
type Signature struct {
	TaskID            string  `json:"task_id"`
	Filename          string  `json:"filename"`
	Duration          float64 `json:"duration"`
	DurationFormatted string  `json:"duration_formatted"`
	SampleRate        int     `json:"sample_rate"`
	Channels          int     `json:"channels"`
	FrequencyRange    string  `json:"frequency_range"`
	QualityScore      float64 `json:"quality_score"`
}

// Output is the metadata of a finished synthesis.
type Output struct {
	TaskID            string `json:"task_id"`
	DurationFormatted string `json:"duration_formatted"`
	SampleRate        int    `json:"sample_rate"`
	FileSizeBytes     int64  `json:"file_size_bytes"`
}

// Progress is the payload of a progress stream event.
type Progress struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Stage    string  `json:"stage"`
}

// GenerationParams holds the optional model parameters. A nil field is
// omitted from the request.
type GenerationParams struct {
	MaxTokens     *int
	CFGScale      *float64
	Temperature   *float64
	TopP          *float64
	CFGFilterTopK *int
}

// GenerateRequest addresses one generation stream.
type GenerateRequest struct {
	TaskID string
	Text   string
	Params GenerationParams
}

// StreamEventKind names a server-sent event.
type StreamEventKind string

// Stream event names sent by the backend.
const (
	StreamEventProgress StreamEventKind = "progress"
	StreamEventComplete StreamEventKind = "complete"
	StreamEventError    StreamEventKind = "error"
)

// StreamEvent is one decoded event of a generation stream. Exactly one of
// Progress, Output or Message is meaningful, according to Kind. An error
// event without a structured payload has an empty Message.
type StreamEvent struct {
	Kind     StreamEventKind
	Progress Progress
	Output   Output
	Message  string
}

// SessionEvent is published on every session state transition.
type SessionEvent struct {
	Header       events.EventHeader `json:"Header"`
	From         string             `json:"From"`
	To           string             `json:"To"`
	TaskID       string             `json:"TaskID,omitempty"`
	Progress     float64            `json:"Progress"`
	ErrorMessage string             `json:"ErrorMessage,omitempty"`
}
