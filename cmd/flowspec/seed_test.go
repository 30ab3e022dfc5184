package main

import (
	"context"
	"testing"

	"flowspec/backend/internal/logging"
	"flowspec/backend/internal/repository/memory"
	"flowspec/backend/internal/services"
	"flowspec/backend/internal/template"
	"flowspec/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedImportsStarterTemplatesOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	engine := services.NewEngine(store, services.Options{})
	f, err := template.Load("../../templates/field-service.yaml")
	require.NoError(t, err)

	require.NoError(t, seed(ctx, store, engine, f, "acme.example", logging.NewNop()))

	company, err := store.GetCompanyByDomain(ctx, "acme.example")
	require.NoError(t, err)
	workflows, err := engine.Lifecycle.ListWorkflows(ctx, company.ID)
	require.NoError(t, err)
	require.Len(t, workflows, 2)
	for _, w := range workflows {
		assert.Equal(t, models.WorkflowStatusPublished, w.Status, w.Name)
	}

	require.NoError(t, seed(ctx, store, engine, f, "acme.example", logging.NewNop()))
	workflows, err = engine.Lifecycle.ListWorkflows(ctx, company.ID)
	require.NoError(t, err)
	assert.Len(t, workflows, 2)
}
