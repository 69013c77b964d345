// Package events publishes job notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
)

// SubjectPrefix is the NATS subject prefix; the lower-cased status is appended.
const SubjectPrefix = "lakeconnector.jobs"

// JobNotification reports a finished orchestrator job.
type JobNotification struct {
	QueueType                string     `json:"queue_type"`
	JobID                    int64      `json:"job_id"`
	TriggerSequenceID        int64      `json:"trigger_sequence_id"`
	Status                   job.Status `json:"status"`
	ProcessedCountInTotal    int64      `json:"processed_count_in_total"`
	ProcessedDataSizeInTotal int64      `json:"processed_data_size_in_total"`
	Error                    string     `json:"error,omitempty"`
	Time                     time.Time  `json:"time"`
}

// Subject returns the subject a notification is published on.
func (n JobNotification) Subject() string {
	return SubjectPrefix + "." + strings.ToLower(string(n.Status))
}

// Publisher delivers notifications. Implementations must not block for long;
// delivery failures never affect job outcomes.
type Publisher interface {
	Publish(ctx context.Context, n JobNotification) error
	Close() error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Publish(context.Context, JobNotification) error { return nil }
func (Nop) Close() error                                   { return nil }

// conn is the subset of *nats.Conn used by NATSPublisher.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes notifications as JSON on core NATS.
type NATSPublisher struct {
	nc  conn
	log *zap.Logger
}

// Connect dials url and returns a publisher that reconnects forever.
func Connect(url string, log *zap.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("lakeconnector"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, log: log}, nil
}

// Publish sends n on its status subject.
func (p *NATSPublisher) Publish(ctx context.Context, n JobNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := p.nc.Publish(n.Subject(), b); err != nil {
		return fmt.Errorf("publish %s: %w", n.Subject(), err)
	}
	p.log.Debug("published job notification", zap.String("subject", n.Subject()), zap.Int64("job_id", n.JobID))
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// New returns a NATS publisher when url is set and Nop otherwise.
func New(url string, log *zap.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	return Connect(url, log)
}
