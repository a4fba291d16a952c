// Package api provides the HTTP client for the voice synthesis backend.
//
// The client covers the four endpoints the workflow needs: health, voice
// sample upload, the server-sent generation stream and the audio download.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/voxsynth/internal/core"
)

// API endpoints and paths.
const (
	apiHealth      = "/api/health"
	apiUploadAudio = "/api/upload-audio"
	apiGenerate    = "/api/generate"
	apiDownload    = "/api/download/"
)

// HTTP headers.
const (
	headerContentType  = "Content-Type"
	headerAccept       = "Accept"
	headerCacheControl = "Cache-Control"
	contentTypeJSON    = "application/json"
	contentTypeSSE     = "text/event-stream"
	noCache            = "no-cache"
)

// Form fields and query parameters.
const (
	formFieldFile       = "file"
	queryTaskID         = "task_id"
	queryText           = "text"
	queryMaxTokens      = "max_tokens"
	queryCFGScale       = "cfg_scale"
	queryTemperature    = "temperature"
	queryTopP           = "top_p"
	queryCFGFilterTopK  = "cfg_filter_top_k"
	downloadFilePattern = "voxsynth-%s.wav"
)

// Error messages.
const (
	errFmtCreateRequest   = "failed to create %s request: %w"
	errFmtSendRequest     = "failed to reach synthesis service at %s: %w"
	errFmtDecodeResponse  = "%w: failed to decode %s response: %w"
	errFmtStatus          = "request failed with status %d"
	errFmtOpenAudio       = "failed to open audio file: %w"
	errFmtCreateFormFile  = "failed to create form file: %w"
	errFmtCopyFileData    = "failed to copy file data: %w"
	errFmtCloseWriter     = "failed to close multipart writer: %w"
	errFmtCopyDownload    = "failed to copy audio data: %w"
	errFmtMalformedEvent  = "%w: %s event: %w"
	errFmtReadEventStream = "failed to read event stream: %w"
)

// Static errors.
var (
	ErrTaskIDEmpty        = errors.New("task id cannot be empty")
	ErrTextEmpty          = errors.New("text cannot be empty")
	ErrAudioPathEmpty     = errors.New("audio path cannot be empty")
	ErrStreamClosed       = errors.New("event stream closed before completion")
	ErrMalformedEvent     = errors.New("malformed stream event")
	ErrMissingTaskID      = errors.New("upload response carried no task id")
	ErrUnexpectedResponse = errors.New("unexpected response from synthesis service")
	errUnknownStreamEv    = errors.New("unknown stream event")
)

// Error is a non-success response from the backend.
type Error struct {
	StatusCode int
	Detail     string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf(errFmtStatus+": %s", e.StatusCode, e.Detail)
	}

	return fmt.Sprintf(errFmtStatus, e.StatusCode)
}

// Message returns the human-readable text of the rejection: the server's
// detail when it sent one, otherwise a message derived from the status.
func (e *Error) Message() string {
	if e.Detail != "" {
		return e.Detail
	}

	text := http.StatusText(e.StatusCode)
	if text == "" {
		return fmt.Sprintf(errFmtStatus, e.StatusCode)
	}

	return fmt.Sprintf(errFmtStatus+" (%s)", e.StatusCode, text)
}

// errorResponse is the FastAPI error body. Detail is a string for
// HTTPException and a list for validation errors.
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// Client talks to the synthesis backend. It uses a bounded client for
// request/response calls and an unbounded one for the event stream, whose
// lifetime is governed by its context.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
}

var _ core.Backend = (*Client)(nil)

// NewClient creates a client for the service at baseURL (e.g.
// "http://localhost:8000"). The timeout applies to every request except the
// generation stream.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// BaseURL returns the service address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health queries the readiness endpoint.
func (c *Client) Health(ctx context.Context) (core.HealthStatus, error) {
	var status core.HealthStatus

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return status, fmt.Errorf(errFmtCreateRequest, "health", err)
	}

	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return status, fmt.Errorf(errFmtSendRequest, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status, parseErrorResponse(resp)
	}

	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return status, fmt.Errorf(errFmtDecodeResponse, ErrUnexpectedResponse, "health", err)
	}

	return status, nil
}

// UploadAudio submits a voice sample as a single multipart request and
// returns the signature the backend extracted from it.
func (c *Client) UploadAudio(ctx context.Context, path string) (core.Signature, error) {
	var signature core.Signature

	if path == "" {
		return signature, ErrAudioPathEmpty
	}

	body, contentType, err := buildUploadBody(path)
	if err != nil {
		return signature, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiUploadAudio, body)
	if err != nil {
		return signature, fmt.Errorf(errFmtCreateRequest, "upload", err)
	}

	req.Header.Set(headerContentType, contentType)
	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return signature, fmt.Errorf(errFmtSendRequest, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return signature, parseErrorResponse(resp)
	}

	err = json.NewDecoder(resp.Body).Decode(&signature)
	if err != nil {
		return signature, fmt.Errorf(errFmtDecodeResponse, ErrUnexpectedResponse, "upload", err)
	}

	if signature.TaskID == "" {
		return signature, ErrMissingTaskID
	}

	return signature, nil
}

func buildUploadBody(path string) (*bytes.Buffer, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf(errFmtOpenAudio, err)
	}
	defer file.Close()

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(formFieldFile, filepath.Base(path))
	if err != nil {
		return nil, "", fmt.Errorf(errFmtCreateFormFile, err)
	}

	_, err = io.Copy(part, file)
	if err != nil {
		return nil, "", fmt.Errorf(errFmtCopyFileData, err)
	}

	err = writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf(errFmtCloseWriter, err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// GenerateURL returns the stream address for req. Parameters that are not
// set are left out entirely.
func (c *Client) GenerateURL(req core.GenerateRequest) string {
	query := url.Values{}
	query.Set(queryTaskID, req.TaskID)
	query.Set(queryText, req.Text)

	params := req.Params
	if params.MaxTokens != nil {
		query.Set(queryMaxTokens, strconv.Itoa(*params.MaxTokens))
	}

	if params.CFGScale != nil {
		query.Set(queryCFGScale, formatFloat(*params.CFGScale))
	}

	if params.Temperature != nil {
		query.Set(queryTemperature, formatFloat(*params.Temperature))
	}

	if params.TopP != nil {
		query.Set(queryTopP, formatFloat(*params.TopP))
	}

	if params.CFGFilterTopK != nil {
		query.Set(queryCFGFilterTopK, strconv.Itoa(*params.CFGFilterTopK))
	}

	return c.baseURL + apiGenerate + "?" + query.Encode()
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// Generate opens the generation stream for req and yields its events. The
// sequence ends after a complete or error event, when the consumer stops,
// or with a non-nil error when the stream cannot be opened or drops. The
// response body is closed before the sequence returns.
func (c *Client) Generate(ctx context.Context, req core.GenerateRequest) iter.Seq2[core.StreamEvent, error] {
	return func(yield func(core.StreamEvent, error) bool) {
		if req.TaskID == "" {
			yield(core.StreamEvent{}, ErrTaskIDEmpty)

			return
		}

		if strings.TrimSpace(req.Text) == "" {
			yield(core.StreamEvent{}, ErrTextEmpty)

			return
		}

		resp, err := c.openStream(ctx, req)
		if err != nil {
			yield(core.StreamEvent{}, err)

			return
		}
		defer resp.Body.Close()

		reader := newEventReader(resp.Body)

		for {
			frame, readErr := reader.Next()
			if readErr != nil {
				yield(core.StreamEvent{}, streamReadError(ctx, readErr))

				return
			}

			event, decodeErr := decodeFrame(frame)
			if errors.Is(decodeErr, errUnknownStreamEv) {
				continue
			}

			if decodeErr != nil {
				yield(core.StreamEvent{}, decodeErr)

				return
			}

			if !yield(event, nil) {
				return
			}

			if event.Kind != core.StreamEventProgress {
				return
			}
		}
	}
}

func (c *Client) openStream(ctx context.Context, req core.GenerateRequest) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.GenerateURL(req), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf(errFmtCreateRequest, "generate", err)
	}

	httpReq.Header.Set(headerAccept, contentTypeSSE)
	httpReq.Header.Set(headerCacheControl, noCache)

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(errFmtSendRequest, c.baseURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, parseErrorResponse(resp)
	}

	return resp, nil
}

func streamReadError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if errors.Is(err, io.EOF) {
		return ErrStreamClosed
	}

	return fmt.Errorf(errFmtReadEventStream, err)
}

// decodeFrame maps a raw frame to a typed event. Error frames without a
// structured payload decode to an event with an empty message.
func decodeFrame(frame eventFrame) (core.StreamEvent, error) {
	event := core.StreamEvent{Kind: core.StreamEventKind(frame.event)}

	switch event.Kind {
	case core.StreamEventProgress:
		err := json.Unmarshal([]byte(frame.data), &event.Progress)
		if err != nil {
			return event, fmt.Errorf(errFmtMalformedEvent, ErrMalformedEvent, frame.event, err)
		}
	case core.StreamEventComplete:
		err := json.Unmarshal([]byte(frame.data), &event.Output)
		if err != nil {
			return event, fmt.Errorf(errFmtMalformedEvent, ErrMalformedEvent, frame.event, err)
		}
	case core.StreamEventError:
		var payload struct {
			Error string `json:"error"`
		}

		if json.Unmarshal([]byte(frame.data), &payload) == nil {
			event.Message = payload.Error
		}
	default:
		return event, errUnknownStreamEv
	}

	return event, nil
}

// DownloadURL returns the address of the synthesized audio for taskID.
func (c *Client) DownloadURL(taskID string) string {
	return c.baseURL + apiDownload + url.PathEscape(taskID)
}

// DownloadFileName returns the file name the backend gives the audio.
func DownloadFileName(taskID string) string {
	return fmt.Sprintf(downloadFilePattern, taskID)
}

// Download streams the synthesized audio for taskID into dst.
func (c *Client) Download(ctx context.Context, taskID string, dst io.Writer) (int64, error) {
	if taskID == "" {
		return 0, ErrTaskIDEmpty
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DownloadURL(taskID), http.NoBody)
	if err != nil {
		return 0, fmt.Errorf(errFmtCreateRequest, "download", err)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf(errFmtSendRequest, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, parseErrorResponse(resp)
	}

	written, err := io.Copy(dst, resp.Body)
	if err != nil {
		return written, fmt.Errorf(errFmtCopyDownload, err)
	}

	return written, nil
}

// parseErrorResponse decodes the backend's detail message when present and
// otherwise keeps only the status code.
func parseErrorResponse(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return apiErr
	}

	var errorResp errorResponse

	if json.Unmarshal(body, &errorResp) != nil || len(errorResp.Detail) == 0 {
		return apiErr
	}

	var detail string
	if json.Unmarshal(errorResp.Detail, &detail) == nil {
		apiErr.Detail = detail

		return apiErr
	}

	if string(errorResp.Detail) != "null" {
		apiErr.Detail = string(errorResp.Detail)
	}

	return apiErr
}
