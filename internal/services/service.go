package services

import (
	"context"
	"errors"
	"time"

	"flowspec/backend/internal/logging"
	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("flowspec/backend/internal/services")

// Options carries the collaborators shared by every service. Zero values
// are replaced with no-op implementations.
type Options struct {
	Logger    *logging.Logger
	Events    EventPublisher
	Snapshots SnapshotCache
	Metrics   *Metrics
	Now       func() time.Time
	// FanOutParallelism bounds concurrent child instantiations per outcome.
	FanOutParallelism int
}

type base struct {
	repo    repository.Repository
	log     *logging.Logger
	events  EventPublisher
	cache   SnapshotCache
	metrics *Metrics
	now     func() time.Time
}

func newBase(repo repository.Repository, opts Options) base {
	b := base{
		repo:    repo,
		log:     opts.Logger,
		events:  opts.Events,
		cache:   opts.Snapshots,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if b.log == nil {
		b.log = logging.NewNop()
	}
	if b.events == nil {
		b.events = nopPublisher{}
	}
	if b.cache == nil {
		b.cache = nopCache{}
	}
	if b.now == nil {
		b.now = func() time.Time { return time.Now().UTC() }
	}
	return b
}

// start opens a span and returns the function that closes it, recording
// the outcome in the span and in metrics.
func (b *base) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	began := time.Now()
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		if err != nil {
			span.RecordError(err)
			if code := CodeOf(err); code != "" {
				span.SetAttributes(attribute.String("flowspec.error_code", string(code)))
			} else {
				span.SetStatus(codes.Error, err.Error())
			}
		}
		b.metrics.observe(op, began, err)
		span.End()
	}
}

// publish sends events after commit. Failures are logged only.
func (b *base) publish(ctx context.Context, events ...models.DomainEvent) {
	for _, ev := range events {
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = b.now()
		}
		if err := b.events.Publish(ctx, ev); err != nil {
			b.log.Warn("failed to publish domain event", "type", ev.Type, "flow_id", ev.FlowID,
				"workflow_id", ev.WorkflowID, "error", err)
		}
	}
}

// loadVersion reads an immutable version through the snapshot cache.
func (b *base) loadVersion(ctx context.Context, q repository.Queries, versionID string) (*models.WorkflowVersion, error) {
	if v, ok := b.cache.Get(ctx, versionID); ok {
		return v, nil
	}
	v, err := q.GetWorkflowVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(CodeVersionNotFound, "workflow version %s not found", versionID)
		}
		return nil, err
	}
	b.cache.Put(ctx, v)
	return v, nil
}

func (b *base) getWorkflow(ctx context.Context, q repository.Queries, companyID, workflowID string, lock bool) (*models.Workflow, error) {
	var wf *models.Workflow
	var err error
	if lock {
		wf, err = q.LockWorkflow(ctx, companyID, workflowID)
	} else {
		wf, err = q.GetWorkflow(ctx, companyID, workflowID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(CodeWorkflowNotFound, "workflow %s not found", workflowID)
	}
	return wf, err
}

func (b *base) getFlow(ctx context.Context, q repository.Queries, companyID, flowID string) (*models.Flow, error) {
	f, err := q.GetFlow(ctx, companyID, flowID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(CodeFlowNotFound, "flow %s not found", flowID)
	}
	return f, err
}

func strPtr(s string) *string { return &s }
