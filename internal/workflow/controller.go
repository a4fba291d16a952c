package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voxsynth/internal/api"
	"github.com/book-expert/voxsynth/internal/core"
	"github.com/book-expert/voxsynth/internal/health"
	"github.com/book-expert/voxsynth/internal/notify"
	"github.com/book-expert/voxsynth/internal/telemetry"
	"github.com/google/uuid"
)

// Controller errors.
var (
	ErrNotAllowed     = errors.New("action not allowed in the current state")
	ErrNotComplete    = errors.New("no finished output to download")
	ErrAudioPathEmpty = errors.New("audio path cannot be empty")
	ErrAudioNotFile   = errors.New("audio path is not a regular file")
	ErrClosed         = errors.New("controller is closed")
)

const (
	logFmtTransition    = "Session %s: %s -> %s (%s)"
	logFmtPublishFailed = "Failed to publish session event: %v"
	logFmtUploadFailed  = "Upload of %s failed: %v"
	logFmtStreamFailed  = "Generation stream for task %s failed: %v"
	logFmtStreamError   = "Generation for task %s reported an error: %s"
	logFmtPollerStopped = "Health poller stopped: %v"
	logFmtDownloaded    = "Downloaded %d bytes of task %s to %s"
	downloadFileMode    = 0o644
	downloadTempPattern = ".voxsynth-*.part"
)

// Observer receives a snapshot after every accepted event. Observers are
// called in order, one at a time, and must not call back into the Controller.
type Observer func(Snapshot)

// Option configures a Controller.
type Option func(*Controller)

// WithPublisher publishes a session event for every state change.
func WithPublisher(publisher core.EventPublisher) Option {
	return func(c *Controller) {
		c.publisher = publisher
	}
}

// WithInstruments records transition and network metrics.
func WithInstruments(instruments *telemetry.Instruments) Option {
	return func(c *Controller) {
		c.instruments = instruments
	}
}

// WithObserver registers an observer.
func WithObserver(observer Observer) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, observer)
	}
}

// WithCompletionDelay overrides DefaultCompletionDelay.
func WithCompletionDelay(delay time.Duration) Option {
	return func(c *Controller) {
		c.machine = NewMachine(delay)
	}
}

// WithPoller replaces the default health poller.
func WithPoller(poller *health.Poller) Option {
	return func(c *Controller) {
		c.poller = poller
	}
}

// Controller owns one session: it feeds user actions and network results to
// the Machine and runs the effects each transition requests. All methods are
// safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	notifyMu sync.Mutex

	machine     *Machine
	backend     core.Backend
	log         *logger.Logger
	poller      *health.Poller
	publisher   core.EventPublisher
	instruments *telemetry.Instruments
	observers   []Observer

	sessionID string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	started    bool
	closed     bool

	uploadID     uint64
	uploadCancel context.CancelFunc
	streamID     uint64
	streamCancel context.CancelFunc
	timerID      uint64
	timer        *time.Timer

	wg sync.WaitGroup
}

// NewController creates a controller for backend. Start must be called to
// begin health polling.
func NewController(backend core.Backend, log *logger.Logger, opts ...Option) *Controller {
	baseCtx, baseCancel := context.WithCancel(context.Background())

	controller := &Controller{
		machine:    NewMachine(DefaultCompletionDelay),
		backend:    backend,
		log:        log,
		sessionID:  uuid.NewString(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	for _, opt := range opts {
		opt(controller)
	}

	if controller.poller == nil {
		controller.poller = health.NewPoller(backend, log, health.DefaultInterval, 0)
	}

	return controller
}

// Start launches the health poller. It runs until the model is ready or
// failed, ctx is done, or the controller is closed.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if c.started {
		return nil
	}

	c.started = true

	pollCtx, cancel := context.WithCancel(c.baseCtx)
	stop := context.AfterFunc(ctx, cancel)

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer stop()
		defer cancel()

		err := c.poller.Run(pollCtx, func(status health.Status) {
			c.dispatch(ModelStatusChanged{Status: status})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn(logFmtPollerStopped, err)
		}
	}()

	return nil
}

// SessionID identifies the current session in published events. It changes
// on Reset.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sessionID
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.machine.Snapshot()
}

// CanGenerate reports whether Generate would currently be accepted.
func (c *Controller) CanGenerate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.machine.CanGenerate()
}

// SelectAudio selects the local voice sample at path.
func (c *Controller) SelectAudio(path string) error {
	if path == "" {
		return ErrAudioPathEmpty
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat audio file %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrAudioNotFile, path)
	}

	return c.dispatchChecked(SelectAudio{File: AudioFile{Path: path, Name: filepath.Base(path)}})
}

// ClearAudio discards the selected voice sample.
func (c *Controller) ClearAudio() error {
	return c.dispatchChecked(ClearAudio{})
}

// ProcessAudio uploads the selected sample for analysis.
func (c *Controller) ProcessAudio() error {
	return c.dispatchChecked(ConfirmUpload{})
}

// SetScript replaces the script text.
func (c *Controller) SetScript(text string) error {
	return c.dispatchChecked(EditScript{Text: text})
}

// Generate opens a generation stream for the current script.
func (c *Controller) Generate(params core.GenerationParams) error {
	return c.dispatchChecked(Generate{Params: params})
}

// DismissError clears the visible error message.
func (c *Controller) DismissError() {
	c.dispatch(DismissError{})
}

// Reset abandons any in-flight work and starts a new session.
func (c *Controller) Reset() {
	c.dispatch(Reset{})
}

// DownloadURL returns the download location of the finished output, or an
// empty string when there is none.
func (c *Controller) DownloadURL() string {
	snapshot := c.Snapshot()
	if snapshot.State != StateComplete || snapshot.Output == nil {
		return ""
	}

	return c.backend.DownloadURL(snapshot.Output.TaskID)
}

// Download saves the finished output into dir and returns the file path.
// The audio is written to a temporary file that replaces the target only
// once it is complete, so a failed download leaves any existing file and the
// session untouched.
func (c *Controller) Download(ctx context.Context, dir string) (string, error) {
	snapshot := c.Snapshot()
	if snapshot.State != StateComplete || snapshot.Output == nil {
		return "", ErrNotComplete
	}

	taskID := snapshot.Output.TaskID
	path := filepath.Join(dir, api.DownloadFileName(taskID))

	file, err := os.CreateTemp(dir, downloadTempPattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}

	tempPath := file.Name()

	written, err := c.backend.Download(ctx, taskID, file)
	closeErr := file.Close()

	if err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Chmod(tempPath, downloadFileMode)
	}

	if err == nil {
		err = os.Rename(tempPath, path)
	}

	if err != nil {
		_ = os.Remove(tempPath)

		return "", fmt.Errorf("failed to download task %s: %w", taskID, err)
	}

	c.log.Info(logFmtDownloaded, written, taskID, path)

	return path, nil
}

// Close cancels all in-flight work, waits for it to stop and resets the
// session to idle. Events arriving afterwards are ignored and observers are
// not notified of the reset.
func (c *Controller) Close() {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return
	}

	c.closed = true

	for _, effect := range c.machine.Dispatch(Reset{}).Effects {
		c.runEffect(effect)
	}

	c.baseCancel()
	c.stopTimer()
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Controller) dispatchChecked(event Event) error {
	changed, closed := c.apply(event)
	if closed {
		return ErrClosed
	}

	if !changed {
		return fmt.Errorf("%w: %s", ErrNotAllowed, event.eventName())
	}

	return nil
}

func (c *Controller) dispatch(event Event) {
	_, _ = c.apply(event)
}

// apply runs one event through the machine. The notify lock is taken before
// the state lock is released so observers see snapshots in transition order.
func (c *Controller) apply(event Event) (bool, bool) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return false, true
	}

	transition := c.machine.Dispatch(event)
	if !transition.Changed {
		c.mu.Unlock()

		return false, false
	}

	for _, effect := range transition.Effects {
		c.runEffect(effect)
	}

	if _, isReset := event.(Reset); isReset {
		c.sessionID = uuid.NewString()
	}

	snapshot := c.machine.Snapshot()
	sessionID := c.sessionID

	c.notifyMu.Lock()
	c.mu.Unlock()

	defer c.notifyMu.Unlock()

	if transition.From != transition.To {
		c.log.Info(logFmtTransition, sessionID, transition.From, transition.To, event.eventName())
		c.instruments.RecordTransition(c.baseCtx, string(transition.From), string(transition.To))
		c.publish(sessionID, transition, snapshot)
	}

	for _, observer := range c.observers {
		observer(snapshot)
	}

	return true, false
}

func (c *Controller) publish(sessionID string, transition Transition, snapshot Snapshot) {
	if c.publisher == nil {
		return
	}

	err := c.publisher.Publish(c.baseCtx, core.SessionEvent{
		Header:       notify.NewHeader(sessionID),
		From:         string(transition.From),
		To:           string(transition.To),
		TaskID:       snapshot.TaskID,
		Progress:     snapshot.Progress,
		ErrorMessage: snapshot.ErrorMessage,
	})
	if err != nil {
		c.log.Warn(logFmtPublishFailed, err)
	}
}

// runEffect must be called with c.mu held and must not block.
func (c *Controller) runEffect(effect Effect) {
	switch eff := effect.(type) {
	case StartUpload:
		c.startUpload(eff)
	case CancelUpload:
		if c.uploadID == eff.ID && c.uploadCancel != nil {
			c.uploadCancel()
			c.uploadCancel = nil
			c.uploadID = 0
		}
	case OpenStream:
		c.openStream(eff)
	case CloseStream:
		if c.streamID == eff.ID && c.streamCancel != nil {
			c.streamCancel()
			c.streamCancel = nil
			c.streamID = 0
		}
	case ScheduleCompletion:
		c.stopTimer()
		c.timerID = eff.ID
		c.timer = time.AfterFunc(eff.Delay, func() {
			c.dispatch(CompletionShown{ID: eff.ID})
		})
	case CancelCompletion:
		if c.timerID == eff.ID {
			c.stopTimer()
		}
	}
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	c.timerID = 0
}

func (c *Controller) startUpload(eff StartUpload) {
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.uploadID = eff.ID
	c.uploadCancel = cancel

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer cancel()

		started := time.Now()
		signature, err := c.backend.UploadAudio(ctx, eff.File.Path)
		c.instruments.RecordUpload(ctx, time.Since(started), err)

		if ctx.Err() != nil {
			return
		}

		c.clearUpload(eff.ID)

		if err != nil {
			c.log.Error(logFmtUploadFailed, eff.File.Name, err)
			c.dispatch(UploadFailed{ID: eff.ID, Message: api.UserMessage(err)})

			return
		}

		c.dispatch(UploadSucceeded{ID: eff.ID, Signature: signature})
	}()
}

func (c *Controller) clearUpload(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.uploadID == id {
		c.uploadCancel = nil
		c.uploadID = 0
	}
}

func (c *Controller) openStream(eff OpenStream) {
	if c.streamCancel != nil {
		c.streamCancel()
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	c.streamID = eff.ID
	c.streamCancel = cancel

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer cancel()

		c.consumeStream(ctx, eff)
	}()
}

func (c *Controller) consumeStream(ctx context.Context, eff OpenStream) {
	taskID := eff.Request.TaskID

	for event, err := range c.backend.Generate(ctx, eff.Request) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			c.log.Error(logFmtStreamFailed, taskID, err)
			c.dispatch(StreamFailed{ID: eff.ID, Message: api.StreamFailureMessage(err)})

			return
		}

		c.instruments.RecordStreamEvent(ctx, string(event.Kind))

		switch event.Kind {
		case core.StreamEventProgress:
			c.dispatch(StreamProgress{ID: eff.ID, Progress: event.Progress})
		case core.StreamEventComplete:
			c.dispatch(StreamCompleted{ID: eff.ID, Output: event.Output})

			return
		case core.StreamEventError:
			c.log.Error(logFmtStreamError, taskID, event.Message)
			c.dispatch(StreamFailed{ID: eff.ID, Message: api.StreamErrorMessage(event.Message)})

			return
		}
	}

	if ctx.Err() == nil {
		c.dispatch(StreamFailed{ID: eff.ID, Message: api.StreamFailureMessage(api.ErrStreamClosed)})
	}
}
