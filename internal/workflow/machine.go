// Package workflow sequences a voice synthesis session: voice sample upload,
// signature analysis, scripting, streamed generation and completion.
//
// Machine is the pure state machine. Controller runs the effects the machine
// requests against a backend and owns the long-lived work: the health
// poller, the single generation stream and the completion timer.
package workflow

import (
	"strings"
	"time"

	"github.com/book-expert/voxsynth/internal/core"
	"github.com/book-expert/voxsynth/internal/health"
)

// State is the position of a session in the pipeline.
type State string

// Session states.
const (
	StateIdle          State = "idle"
	StateAudioSelected State = "audio-selected"
	StateUploading     State = "uploading"
	StateAnalyzed      State = "analyzed"
	StateScripted      State = "scripted"
	StateGenerating    State = "generating"
	StateComplete      State = "complete"
)

// DefaultCompletionDelay is how long a finished generation stays in the
// generating state so the user sees it reach 100%.
const DefaultCompletionDelay = 600 * time.Millisecond

// Messages for failures that carry no text of their own.
const (
	msgUploadFailed     = "Upload failed."
	msgMissingTaskID    = "The server did not return a task id."
	msgGenerationFailed = "Generation failed."
	progressComplete    = 100
)

// AudioFile is a handle on the local voice sample.
type AudioFile struct {
	Path string
	Name string
}

// Session is the authoritative record of one pass through the pipeline.
type Session struct {
	State        State
	Audio        *AudioFile
	Script       string
	TaskID       string
	Progress     float64
	Stage        string
	ErrorMessage string
	Signature    *core.Signature
	Output       *core.Output
}

// Snapshot is a copy of the session plus the process-wide model readiness.
type Snapshot struct {
	Session

	Readiness   health.Readiness
	ModelError  string
	StreamOpen  bool
	CanGenerate bool
}

// Transition is the result of one Dispatch.
type Transition struct {
	From    State
	To      State
	Changed bool
	Effects []Effect
}

// Machine implements the session transition table. It is not safe for
// concurrent use.
type Machine struct {
	session         Session
	readiness       health.Readiness
	modelError      string
	completionDelay time.Duration

	nextID        uint64
	uploadID      uint64
	streamID      uint64
	pendingID     uint64
	pendingOutput *core.Output
}

// NewMachine creates a machine in the idle state. A non-positive delay
// selects DefaultCompletionDelay.
func NewMachine(completionDelay time.Duration) *Machine {
	if completionDelay <= 0 {
		completionDelay = DefaultCompletionDelay
	}

	return &Machine{
		session:         Session{State: StateIdle},
		readiness:       health.ReadinessConnecting,
		completionDelay: completionDelay,
	}
}

// DeriveSubstate returns scripted or analyzed for a session that has been
// analyzed, depending only on whether script holds any non-blank text.
// Every other state is returned unchanged.
func DeriveSubstate(state State, script string) State {
	if state != StateAnalyzed && state != StateScripted {
		return state
	}

	if strings.TrimSpace(script) == "" {
		return StateAnalyzed
	}

	return StateScripted
}

// State returns the current session state.
func (m *Machine) State() State {
	return m.session.State
}

// CanGenerate reports whether a Generate event would be accepted.
func (m *Machine) CanGenerate() bool {
	return m.session.State == StateScripted &&
		m.readiness == health.ReadinessReady &&
		m.session.TaskID != "" &&
		strings.TrimSpace(m.session.Script) != "" &&
		m.streamID == 0
}

// Snapshot returns a deep copy of the session and readiness.
func (m *Machine) Snapshot() Snapshot {
	session := m.session

	if session.Audio != nil {
		audio := *session.Audio
		session.Audio = &audio
	}

	if session.Signature != nil {
		signature := *session.Signature
		session.Signature = &signature
	}

	if session.Output != nil {
		output := *session.Output
		session.Output = &output
	}

	return Snapshot{
		Session:     session,
		Readiness:   m.readiness,
		ModelError:  m.modelError,
		StreamOpen:  m.streamID != 0,
		CanGenerate: m.CanGenerate(),
	}
}

// Dispatch applies event and returns the transition with the effects the
// caller must run. Events that are not valid in the current state leave the
// machine untouched.
func (m *Machine) Dispatch(event Event) Transition {
	from := m.session.State

	var (
		changed bool
		effects []Effect
	)

	switch ev := event.(type) {
	case SelectAudio:
		changed = m.selectAudio(ev)
	case ClearAudio:
		changed = m.clearAudio()
	case ConfirmUpload:
		changed, effects = m.confirmUpload()
	case UploadSucceeded:
		changed = m.uploadSucceeded(ev)
	case UploadFailed:
		changed = m.uploadFailed(ev)
	case EditScript:
		changed = m.editScript(ev)
	case Generate:
		changed, effects = m.generate(ev)
	case StreamProgress:
		changed = m.streamProgress(ev)
	case StreamCompleted:
		changed, effects = m.streamCompleted(ev)
	case StreamFailed:
		changed, effects = m.streamFailed(ev)
	case CompletionShown:
		changed = m.completionShown(ev)
	case ModelStatusChanged:
		changed = m.modelStatusChanged(ev)
	case DismissError:
		changed = m.dismissError()
	case Reset:
		changed, effects = m.reset()
	}

	return Transition{
		From:    from,
		To:      m.session.State,
		Changed: changed,
		Effects: effects,
	}
}

func (m *Machine) newID() uint64 {
	m.nextID++

	return m.nextID
}

func (m *Machine) selectAudio(ev SelectAudio) bool {
	if m.session.State != StateIdle && m.session.State != StateAudioSelected {
		return false
	}

	file := ev.File
	m.session.Audio = &file
	m.session.ErrorMessage = ""
	m.session.State = StateAudioSelected

	return true
}

func (m *Machine) clearAudio() bool {
	if m.session.State != StateAudioSelected {
		return false
	}

	m.session.Audio = nil
	m.session.ErrorMessage = ""
	m.session.State = StateIdle

	return true
}

func (m *Machine) confirmUpload() (bool, []Effect) {
	if m.session.State != StateAudioSelected || m.session.Audio == nil {
		return false, nil
	}

	m.uploadID = m.newID()
	m.session.ErrorMessage = ""
	m.session.State = StateUploading

	return true, []Effect{StartUpload{ID: m.uploadID, File: *m.session.Audio}}
}

func (m *Machine) uploadSucceeded(ev UploadSucceeded) bool {
	if m.session.State != StateUploading || ev.ID != m.uploadID {
		return false
	}

	if ev.Signature.TaskID == "" {
		return m.uploadFailed(UploadFailed{ID: ev.ID, Message: msgMissingTaskID})
	}

	m.uploadID = 0
	signature := ev.Signature
	m.session.Signature = &signature
	m.session.TaskID = signature.TaskID
	m.session.State = DeriveSubstate(StateAnalyzed, m.session.Script)

	return true
}

func (m *Machine) uploadFailed(ev UploadFailed) bool {
	if m.session.State != StateUploading || ev.ID != m.uploadID {
		return false
	}

	m.uploadID = 0
	m.session.ErrorMessage = messageOr(ev.Message, msgUploadFailed)
	m.session.State = StateAudioSelected

	return true
}

func (m *Machine) editScript(ev EditScript) bool {
	if m.session.State != StateAnalyzed && m.session.State != StateScripted {
		return false
	}

	m.session.Script = ev.Text
	m.session.State = DeriveSubstate(m.session.State, ev.Text)

	return true
}

func (m *Machine) generate(ev Generate) (bool, []Effect) {
	if !m.CanGenerate() {
		return false, nil
	}

	m.streamID = m.newID()
	m.session.Progress = 0
	m.session.Stage = ""
	m.session.ErrorMessage = ""
	m.session.State = StateGenerating

	request := core.GenerateRequest{
		TaskID: m.session.TaskID,
		Text:   m.session.Script,
		Params: ev.Params,
	}

	return true, []Effect{OpenStream{ID: m.streamID, Request: request}}
}

func (m *Machine) streamProgress(ev StreamProgress) bool {
	if m.session.State != StateGenerating || m.streamID == 0 || ev.ID != m.streamID {
		return false
	}

	m.session.Progress = ev.Progress.Progress
	m.session.Stage = ev.Progress.Stage

	return true
}

func (m *Machine) streamCompleted(ev StreamCompleted) (bool, []Effect) {
	if m.session.State != StateGenerating || m.streamID == 0 || ev.ID != m.streamID {
		return false, nil
	}

	output := ev.Output
	m.pendingOutput = &output
	m.pendingID = ev.ID
	m.streamID = 0
	m.session.Progress = progressComplete

	return true, []Effect{
		CloseStream{ID: ev.ID},
		ScheduleCompletion{ID: ev.ID, Delay: m.completionDelay},
	}
}

func (m *Machine) streamFailed(ev StreamFailed) (bool, []Effect) {
	if m.session.State != StateGenerating || m.streamID == 0 || ev.ID != m.streamID {
		return false, nil
	}

	m.streamID = 0
	m.session.Progress = 0
	m.session.Stage = ""
	m.session.ErrorMessage = messageOr(ev.Message, msgGenerationFailed)
	m.session.State = DeriveSubstate(StateScripted, m.session.Script)

	return true, []Effect{CloseStream{ID: ev.ID}}
}

func (m *Machine) completionShown(ev CompletionShown) bool {
	if m.session.State != StateGenerating || m.pendingOutput == nil || ev.ID != m.pendingID {
		return false
	}

	m.session.Output = m.pendingOutput
	m.pendingOutput = nil
	m.pendingID = 0
	m.session.State = StateComplete

	return true
}

func (m *Machine) modelStatusChanged(ev ModelStatusChanged) bool {
	modelError := ""
	if ev.Status.Readiness == health.ReadinessFailed {
		modelError = ev.Status.ModelError
	}

	if ev.Status.Readiness == m.readiness && modelError == m.modelError {
		return false
	}

	m.readiness = ev.Status.Readiness
	m.modelError = modelError

	return true
}

func (m *Machine) dismissError() bool {
	if m.session.ErrorMessage == "" {
		return false
	}

	m.session.ErrorMessage = ""

	return true
}

func (m *Machine) reset() (bool, []Effect) {
	var effects []Effect

	if m.uploadID != 0 {
		effects = append(effects, CancelUpload{ID: m.uploadID})
	}

	if m.streamID != 0 {
		effects = append(effects, CloseStream{ID: m.streamID})
	}

	if m.pendingID != 0 {
		effects = append(effects, CancelCompletion{ID: m.pendingID})
	}

	m.uploadID = 0
	m.streamID = 0
	m.pendingID = 0
	m.pendingOutput = nil
	m.session = Session{State: StateIdle}

	return true, effects
}

func messageOr(message, fallback string) string {
	if strings.TrimSpace(message) == "" {
		return fallback
	}

	return message
}
