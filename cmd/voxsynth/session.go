package main

import (
	"context"
	"fmt"
	"io"

	"github.com/book-expert/logger"
	"github.com/book-expert/voxsynth/internal/core"
	"github.com/book-expert/voxsynth/internal/format"
	"github.com/book-expert/voxsynth/internal/health"
	"github.com/book-expert/voxsynth/internal/workflow"
)

// sessionOptions describes one command-line session.
type sessionOptions struct {
	audio     string
	script    string
	outputDir string
	params    core.GenerationParams
	archive   archiver
}

// updates hands the latest snapshot from the controller to the session
// loop without ever blocking the controller.
type updates struct {
	notify chan struct{}
}

func newUpdates() *updates {
	return &updates{notify: make(chan struct{}, updateBuffer)}
}

func (u *updates) observe(workflow.Snapshot) {
	select {
	case u.notify <- struct{}{}:
	default:
	}
}

// waitUntil blocks until done reports true for the controller's snapshot
// and returns that snapshot. onChange sees every snapshot checked.
func (u *updates) waitUntil(
	ctx context.Context,
	controller *workflow.Controller,
	done func(workflow.Snapshot) bool,
	onChange func(workflow.Snapshot),
) (workflow.Snapshot, error) {
	for {
		snapshot := controller.Snapshot()
		if onChange != nil {
			onChange(snapshot)
		}

		if done(snapshot) {
			return snapshot, nil
		}

		select {
		case <-ctx.Done():
			return snapshot, fmt.Errorf("session aborted in state %s: %w", snapshot.State, ctx.Err())
		case <-u.notify:
		}
	}
}

// runSession drives a controller through one full session and returns the
// path of the downloaded audio.
func runSession(
	ctx context.Context,
	backend core.Backend,
	log *logger.Logger,
	session sessionOptions,
	out io.Writer,
	opts ...workflow.Option,
) (string, error) {
	events := newUpdates()
	opts = append(opts, workflow.WithObserver(events.observe))

	controller := workflow.NewController(backend, log, opts...)
	defer controller.Close()

	err := controller.Start(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}

	signature, err := analyze(ctx, controller, events, session.audio, out)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(out, msgSignature,
		format.SignatureID(signature.TaskID),
		signature.DurationFormatted,
		signature.FrequencyRange,
		signature.QualityScore,
	)

	err = controller.SetScript(session.script)
	if err != nil {
		return "", fmt.Errorf("failed to set script: %w", err)
	}

	output, err := generate(ctx, controller, events, session.params, out)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(out, msgComplete, output.DurationFormatted, output.SampleRate, format.FileSize(output.FileSizeBytes))

	path, err := controller.Download(ctx, session.outputDir)
	if err != nil {
		return "", fmt.Errorf("failed to save audio: %w", err)
	}

	fmt.Fprintf(out, msgSaved, path)

	if session.archive != nil {
		key, archiveErr := session.archive.Archive(ctx, path, output)
		if archiveErr != nil {
			log.Warn(logFmtArchiveFailed, path, archiveErr)
		} else {
			fmt.Fprintf(out, msgArchived, key)
		}
	}

	return path, nil
}

func analyze(
	ctx context.Context,
	controller *workflow.Controller,
	events *updates,
	audio string,
	out io.Writer,
) (core.Signature, error) {
	err := controller.SelectAudio(audio)
	if err != nil {
		return core.Signature{}, fmt.Errorf("failed to select audio: %w", err)
	}

	snapshot := controller.Snapshot()
	fmt.Fprintf(out, msgUploading, snapshot.Audio.Name)

	err = controller.ProcessAudio()
	if err != nil {
		return core.Signature{}, fmt.Errorf("failed to process audio: %w", err)
	}

	snapshot, err = events.waitUntil(ctx, controller, func(s workflow.Snapshot) bool {
		return s.State != workflow.StateUploading
	}, nil)
	if err != nil {
		return core.Signature{}, err
	}

	if snapshot.Signature == nil {
		return core.Signature{}, fmt.Errorf("%w: %s", errUploadFailed, snapshot.ErrorMessage)
	}

	return *snapshot.Signature, nil
}

func generate(
	ctx context.Context,
	controller *workflow.Controller,
	events *updates,
	params core.GenerationParams,
	out io.Writer,
) (core.Output, error) {
	lastReadiness := health.Readiness("")

	snapshot, err := events.waitUntil(ctx, controller, func(s workflow.Snapshot) bool {
		return s.CanGenerate || s.Readiness == health.ReadinessFailed
	}, func(s workflow.Snapshot) {
		if s.Readiness != lastReadiness && s.Readiness != health.ReadinessReady {
			fmt.Fprintf(out, msgWaitingForModel, s.Readiness)
		}

		lastReadiness = s.Readiness
	})
	if err != nil {
		return core.Output{}, err
	}

	if snapshot.Readiness == health.ReadinessFailed {
		return core.Output{}, fmt.Errorf("%w: %s", errModelFailed, snapshot.ModelError)
	}

	err = controller.Generate(params)
	if err != nil {
		return core.Output{}, fmt.Errorf("failed to start generation: %w", err)
	}

	lastProgress := ""

	snapshot, err = events.waitUntil(ctx, controller, func(s workflow.Snapshot) bool {
		return s.State != workflow.StateGenerating
	}, func(s workflow.Snapshot) {
		if s.State != workflow.StateGenerating {
			return
		}

		line := fmt.Sprintf(msgProgress, format.Percent(s.Progress), s.Stage)
		if line != lastProgress {
			fmt.Fprint(out, line)
			lastProgress = line
		}
	})
	if err != nil {
		return core.Output{}, err
	}

	if snapshot.Output == nil {
		return core.Output{}, fmt.Errorf("%w: %s", errGenerationFailed, snapshot.ErrorMessage)
	}

	return *snapshot.Output, nil
}
