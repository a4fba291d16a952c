// Package health polls the synthesis backend until its model is usable.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voxsynth/internal/core"
)

// Readiness is the process-wide state of the synthesis model.
type Readiness string

// Model readiness states.
const (
	ReadinessConnecting  Readiness = "connecting"
	ReadinessDownloading Readiness = "downloading"
	ReadinessReady       Readiness = "ready"
	ReadinessFailed      Readiness = "failed"
)

// DefaultInterval is the fixed wait between two readiness queries.
const DefaultInterval = 3 * time.Second

// Log messages.
const (
	logFmtStatus       = "Model readiness: %s (backend status %q)"
	logFmtUnreachable  = "Health query failed, still connecting: %v"
	logFmtStillOffline = "Synthesis server unreachable for %d consecutive checks"
	logModelReady      = "Synthesis model is ready"
	logFmtModelFailed  = "Synthesis model failed to load: %s"
	msgModelFailed     = "model failed to load"
)

// ErrModelFailed is returned by Run when the backend reports that the model
// can never become ready.
var ErrModelFailed = errors.New(msgModelFailed)

// Checker is the part of the backend the poller needs.
type Checker interface {
	Health(ctx context.Context) (core.HealthStatus, error)
}

// Status is one poll result.
type Status struct {
	Readiness  Readiness
	ModelError string
	Device     string
}

// Poller repeatedly queries backend readiness. It retries forever at a fixed
// interval: an unreachable backend is treated like one that is still loading.
type Poller struct {
	checker   Checker
	log       *logger.Logger
	interval  time.Duration
	warnAfter int
}

// NewPoller creates a poller. A non-positive interval selects
// DefaultInterval; warnAfter is the number of consecutive failed queries
// after which one warning is logged (0 disables it).
func NewPoller(checker Checker, log *logger.Logger, interval time.Duration, warnAfter int) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Poller{
		checker:   checker,
		log:       log,
		interval:  interval,
		warnAfter: warnAfter,
	}
}

// Classify maps a health response to a readiness state.
func Classify(status core.HealthStatus) Readiness {
	switch {
	case status.ModelLoaded || status.ModelStatus == core.ModelStatusReady:
		return ReadinessReady
	case status.ModelStatus == core.ModelStatusFailed:
		return ReadinessFailed
	case status.ModelStatus == core.ModelStatusDownloading,
		status.ModelStatus == core.ModelStatusLoading,
		status.ModelStatus == core.ModelStatusLoadingCached,
		status.ModelLoading:
		return ReadinessDownloading
	default:
		return ReadinessConnecting
	}
}

// Run polls until the model is ready (returns nil), reported as failed
// (returns ErrModelFailed) or ctx is done (returns ctx.Err()). report is
// called with every poll result.
func (p *Poller) Run(ctx context.Context, report func(Status)) error {
	failures := 0

	for {
		status, err := p.checker.Health(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			failures++
			p.log.Warn(logFmtUnreachable, err)

			if p.warnAfter > 0 && failures == p.warnAfter {
				p.log.Error(logFmtStillOffline, failures)
			}

			report(Status{Readiness: ReadinessConnecting})
		} else {
			failures = 0

			result := toStatus(status)
			p.log.Info(logFmtStatus, result.Readiness, status.ModelStatus)
			report(result)

			switch result.Readiness {
			case ReadinessReady:
				p.log.Info(logModelReady)

				return nil
			case ReadinessFailed:
				p.log.Error(logFmtModelFailed, result.ModelError)

				return fmt.Errorf("%w: %s", ErrModelFailed, result.ModelError)
			case ReadinessConnecting, ReadinessDownloading:
			}
		}

		timer := time.NewTimer(p.interval)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

func toStatus(status core.HealthStatus) Status {
	result := Status{Readiness: Classify(status)}

	if status.ModelError != nil {
		result.ModelError = *status.ModelError
	}

	if status.Device != nil {
		result.Device = *status.Device
	}

	if result.Readiness == ReadinessFailed && result.ModelError == "" {
		result.ModelError = msgModelFailed
	}

	return result
}
