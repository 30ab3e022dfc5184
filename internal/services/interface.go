package services

import (
	"context"

	"flowspec/backend/pkg/models"
)

// EventPublisher announces committed state changes. Implementations must not
// be called inside a repository transaction.
type EventPublisher interface {
	Publish(ctx context.Context, event models.DomainEvent) error
}

// SnapshotCache holds immutable workflow versions keyed by version id.
type SnapshotCache interface {
	Get(ctx context.Context, versionID string) (*models.WorkflowVersion, bool)
	Put(ctx context.Context, version *models.WorkflowVersion)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.DomainEvent) error { return nil }

type nopCache struct{}

func (nopCache) Get(context.Context, string) (*models.WorkflowVersion, bool) { return nil, false }
func (nopCache) Put(context.Context, *models.WorkflowVersion)                {}
