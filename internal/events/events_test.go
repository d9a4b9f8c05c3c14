package events

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error {
	return errors.New("topic unavailable")
}

func TestMultiPublishesToAllAndJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	multi := Multi{failingPublisher{}, rec}

	err := multi.Publish(context.Background(), Event{Type: TypeStockLow, TenantID: "t1"})

	require.Error(t, err)
	assert.Len(t, rec.OfType(TypeStockLow), 1)
}

func TestLogPublisherWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	err := NewLogPublisher(logger).Publish(context.Background(), Event{
		Type:     TypeAuditDeviation,
		TenantID: "t1",
		Payload:  map[string]any{"ingredient_id": "beef"},
	})

	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"event":"audit.deviation"`)
	assert.Contains(t, buf.String(), `"ingredient_id":"beef"`)
}
