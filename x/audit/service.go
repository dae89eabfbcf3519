// Package audit persists decision events to a capped redis stream.
// Recording is fire and forget: the evaluation path never waits on the
// stream, and a full buffer drops events rather than slowing decisions.
package audit

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/clearance/core"
)

var tracer = otel.Tracer("audit")

var (
	recordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clr_audit_recorded_total",
			Help: "Total number of decision events queued for the audit stream",
		},
	)
	droppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clr_audit_dropped_total",
			Help: "Total number of decision events dropped because the buffer was full",
		},
	)
)

func init() {
	prometheus.MustRegister(recordedTotal)
	prometheus.MustRegister(droppedTotal)
}

type service struct {
	repository Repository
	queue      chan core.DecisionEvent
}

// NewService creates a new audit service and starts its writer
func NewService(repository Repository, config core.Config) core.AuditService {
	s := &service{
		repository: repository,
		queue:      make(chan core.DecisionEvent, config.Clearance.Audit.Buffer()),
	}

	go s.writer()

	return s
}

// Record queues one event without ever blocking the caller
func (s *service) Record(ctx context.Context, event core.DecisionEvent) {
	_, span := tracer.Start(ctx, "Audit.Service.Record")
	defer span.End()

	select {
	case s.queue <- event:
		recordedTotal.Inc()
	default:
		droppedTotal.Inc()
		span.AddEvent("audit buffer full, event dropped")
	}
}

// writer drains the queue for the life of the process. Writes run on a
// detached context so an already finished request cannot cancel them.
func (s *service) writer() {
	for event := range s.queue {
		err := s.repository.Append(context.Background(), event)
		if err != nil {
			slog.Error(
				"failed to append audit event",
				slog.String("requestID", event.RequestID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *service) Count(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "Audit.Service.Count")
	defer span.End()

	return s.repository.Length(ctx)
}
