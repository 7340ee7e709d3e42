package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
)

// EventType names what happened to an artifact
type EventType string

const (
	EventPluginAdmitted EventType = "plugin.admitted"
	EventPluginRejected EventType = "plugin.rejected"
)

// Event is the envelope every publisher sends
type Event struct {
	ID        string              `json:"id"`
	Type      EventType           `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Decision  *admission.Decision `json:"decision"`
}

// NewEvent wraps a decision in a fresh envelope
func NewEvent(d *admission.Decision) *Event {
	t := EventPluginRejected
	if d.Admitted {
		t = EventPluginAdmitted
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Decision:  d,
	}
}

func observe(m *observability.Metrics, publisher string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.WithLabelValues(publisher, status).Inc()
}

// LogPublisher writes each decision to the log
type LogPublisher struct {
	logger *logrus.Logger
}

var _ admission.Publisher = (*LogPublisher)(nil)

// NewLogPublisher creates a publisher that logs decisions at info level
func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{logger: observability.OrDefault(logger)}
}

// Publish implements admission.Publisher
func (p *LogPublisher) Publish(ctx context.Context, d *admission.Decision) error {
	e := NewEvent(d)
	p.logger.WithFields(logrus.Fields{
		"event":    e.Type,
		"event_id": e.ID,
		"decision": d.ID,
		"source":   d.Source,
		"plugin":   d.Plugin,
		"state":    d.State,
	}).Info("plugin event")
	return nil
}

// MultiPublisher fans a decision out to several publishers. Every publisher is
// tried; their errors are joined.
type MultiPublisher []admission.Publisher

var _ admission.Publisher = MultiPublisher(nil)

// Publish implements admission.Publisher
func (m MultiPublisher) Publish(ctx context.Context, d *admission.Decision) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
