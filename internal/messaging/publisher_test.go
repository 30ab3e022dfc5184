package messaging

import (
	"context"
	"testing"

	"flowspec/backend/pkg/models"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamPublisher(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	p := NewStreamPublisher(client, "events", 0, nil)
	require.NoError(t, p.Publish(ctx, models.DomainEvent{
		Type:      models.EventFlowCreated,
		CompanyID: "c1",
		FlowID:    "f1",
		Attributes: map[string]string{
			"source": "api",
		},
	}))
	require.NoError(t, p.Publish(ctx, models.DomainEvent{Type: models.EventFlowCompleted, CompanyID: "c1", FlowID: "f1"}))

	msgs, err := client.XRange(ctx, "events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "flow.created", msgs[0].Values["type"])
	assert.Equal(t, "c1", msgs[0].Values["company_id"])

	ev, err := Decode(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, models.EventFlowCreated, ev.Type)
	assert.Equal(t, "f1", ev.FlowID)
	assert.Equal(t, "api", ev.Attributes["source"])
	assert.False(t, ev.OccurredAt.IsZero())
}

func TestStreamPublisherReportsRedisErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	p := NewStreamPublisher(client, "events", 100, nil)
	err := p.Publish(context.Background(), models.DomainEvent{Type: models.EventTaskStarted})
	assert.ErrorContains(t, err, "task.started")
}

func TestDecodeRejectsForeignEntries(t *testing.T) {
	_, err := Decode(backend.XMessage{ID: "1-0", Values: map[string]any{"type": "x"}})
	assert.Error(t, err)
}

func TestLogPublisher(t *testing.T) {
	assert.NoError(t, NewLogPublisher(nil).Publish(context.Background(), models.DomainEvent{Type: models.EventFlowBlocked}))
}
