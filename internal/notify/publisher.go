// Package notify publishes session lifecycle events on NATS.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voxsynth/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ErrSubjectEmpty indicates that no base subject was configured.
var ErrSubjectEmpty = errors.New("event subject cannot be empty")

// NatsPublisher publishes one message per session transition on
// "<subject>.<state>".
type NatsPublisher struct {
	natsConnection *nats.Conn
	subject        string
	log            *logger.Logger
}

var _ core.EventPublisher = (*NatsPublisher)(nil)

// NewNatsPublisher creates a publisher on an open connection.
func NewNatsPublisher(natsConnection *nats.Conn, subject string, log *logger.Logger) (*NatsPublisher, error) {
	subject = strings.TrimSuffix(strings.TrimSpace(subject), ".")
	if subject == "" {
		return nil, ErrSubjectEmpty
	}

	return &NatsPublisher{
		natsConnection: natsConnection,
		subject:        subject,
		log:            log,
	}, nil
}

// Subject returns the subject an event with the given target state is
// published on.
func (p *NatsPublisher) Subject(state string) string {
	return p.subject + "." + state
}

// Publish marshals and sends event. A zero header timestamp or event id is
// filled in.
func (p *NatsPublisher) Publish(_ context.Context, event core.SessionEvent) error {
	if event.Header.Timestamp.IsZero() {
		event.Header.Timestamp = time.Now().UTC()
	}

	if event.Header.EventID == "" {
		event.Header.EventID = uuid.NewString()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}

	subject := p.Subject(event.To)

	err = p.natsConnection.Publish(subject, data)
	if err != nil {
		p.log.Error("Failed to publish session event for workflow %s: %v", event.Header.WorkflowID, err)

		return fmt.Errorf("failed to publish session event to %s: %w", subject, err)
	}

	return nil
}

// NewHeader returns an event header for the session workflowID.
func NewHeader(workflowID string) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		EventID:    uuid.NewString(),
		UserID:     "",
		TenantID:   "",
	}
}

// Subscribe delivers every session event published under subject to handle
// until ctx is done, then drains the subscription.
func Subscribe(
	ctx context.Context,
	natsConnection *nats.Conn,
	subject string,
	log *logger.Logger,
	handle func(core.SessionEvent),
) error {
	sub, err := natsConnection.Subscribe(strings.TrimSuffix(subject, ".")+".>", func(msg *nats.Msg) {
		var event core.SessionEvent

		unmarshalErr := json.Unmarshal(msg.Data, &event)
		if unmarshalErr != nil {
			log.Error("Failed to unmarshal session event on %s: %v", msg.Subject, unmarshalErr)

			return
		}

		handle(event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}
