package emergency

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ehr/edflow/internal/platform/events"
)

// Event topics.
const (
	TopicPatientTriaged       = "patient-triaged"
	TopicCriticalAlert        = "critical-alert"
	TopicBedAssignmentChanged = "bed-assignment-changed"
	TopicCapacityUpdate       = "capacity-update"
	TopicCapacityAlert        = "capacity-alert"
	TopicFlowRecommendation   = "flow-recommendation"
)

// MetricsSink records timers, counters and gauges. Names are dotted
// ("triage.scoring"); the sink decides the wire format.
type MetricsSink interface {
	RecordTimer(name string, d time.Duration, tags map[string]string)
	IncrementCounter(name string, n int, tags map[string]string)
	SetGauge(name string, v float64, tags map[string]string)
}

type nopMetrics struct{}

func (nopMetrics) RecordTimer(string, time.Duration, map[string]string) {}
func (nopMetrics) IncrementCounter(string, int, map[string]string)      {}
func (nopMetrics) SetGauge(string, float64, map[string]string)          {}

// DefaultPublishTimeout bounds one event delivery.
const DefaultPublishTimeout = 2 * time.Second

// Deps are the collaborators shared by the ED services. Zero values are
// replaced with no-op implementations.
type Deps struct {
	Events  events.Publisher
	Metrics MetricsSink
	Log     zerolog.Logger
	Tracer  trace.Tracer
	Now     func() time.Time

	// PublishTimeout caps how long an operation waits on the brokers.
	PublishTimeout time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("emergency")
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.PublishTimeout <= 0 {
		d.PublishTimeout = DefaultPublishTimeout
	}
	return d
}

// publish delivers an event after the state change it describes has been
// committed. Delivery failures are logged and never undo the change; an
// unreachable broker costs the caller at most PublishTimeout.
func (d Deps) publish(ctx context.Context, topic string, payload any) {
	ctx, cancel := context.WithTimeout(ctx, d.PublishTimeout)
	defer cancel()
	if err := d.Events.Publish(ctx, topic, payload); err != nil {
		d.Log.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}

type PatientTriagedEvent struct {
	PatientID       uuid.UUID   `json:"patient_id"`
	AssessmentID    uuid.UUID   `json:"assessment_id"`
	Level           TriageLevel `json:"level"`
	RedFlags        int         `json:"red_flags"`
	ReassessmentDue time.Time   `json:"reassessment_due"`
	Reassessment    bool        `json:"reassessment"`
}

type CriticalAlertEvent struct {
	PatientID    uuid.UUID   `json:"patient_id"`
	AssessmentID uuid.UUID   `json:"assessment_id"`
	Level        TriageLevel `json:"level"`
	Flags        []RedFlag   `json:"flags"`
}

// Bed assignment actions.
const (
	BedActionAssigned = "assigned"
	BedActionReleased = "released"
	BedActionReady    = "ready"
	BedActionStatus   = "status_changed"
)

type BedAssignmentEvent struct {
	Action    string      `json:"action"`
	BedID     string      `json:"bed_id"`
	PatientID *uuid.UUID  `json:"patient_id,omitempty"`
	Area      string      `json:"area,omitempty"`
	Level     TriageLevel `json:"level,omitempty"`
	Status    BedStatus   `json:"status,omitempty"`
}

type CapacityAlertEvent struct {
	Kind      string    `json:"kind"`
	Active    bool      `json:"active"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}
