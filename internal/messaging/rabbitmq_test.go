package messaging

import (
	"testing"

	"jwxt-agent/internal/service"

	"github.com/stretchr/testify/assert"
)

func TestRabbitMQ_ImplementsEventPublisher(t *testing.T) {
	var _ service.EventPublisher = (*RabbitMQ)(nil)
}

func TestIsClosed_WithoutConnection(t *testing.T) {
	assert.True(t, (&RabbitMQ{}).IsClosed())
	assert.NoError(t, (&RabbitMQ{}).Close())
}

func TestNewConsumer_ClampsPrefetch(t *testing.T) {
	c := NewConsumer(&RabbitMQ{}, TaskQueue, 0, nil)
	assert.Equal(t, 1, c.prefetch)
}
