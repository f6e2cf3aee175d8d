package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrecon/internal/common/events"
)

func TestEventMsg_RoundTripsWithHeaders(t *testing.T) {
	event, err := events.NewEvent("order.paid", "order", "Ref111", map[string]string{"signature": "sig"})
	require.NoError(t, err)
	event.WithCorrelation("corr-1")

	msg, err := eventMsg(event)
	require.NoError(t, err)
	assert.Equal(t, "events.order.paid", msg.Subject)
	assert.Equal(t, "order.paid", msg.Header.Get(HeaderEventType))
	assert.Equal(t, "Ref111", msg.Header.Get(HeaderReference))
	assert.Equal(t, "corr-1", msg.Header.Get(HeaderCorrelationID))

	decoded, err := DecodeEvent(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, "Ref111", decoded.AggregateID)
}

func TestEventMsg_OmitsEmptyCorrelation(t *testing.T) {
	event, err := events.NewEvent("order.created", "order", "Ref222", struct{}{})
	require.NoError(t, err)

	msg, err := eventMsg(event)
	require.NoError(t, err)
	assert.Empty(t, msg.Header.Values(HeaderCorrelationID))
}

func TestDecodeEvent_Rejects(t *testing.T) {
	_, err := DecodeEvent([]byte("not json"))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`{"data":{}}`))
	assert.Error(t, err)
}

func TestStreamConfig(t *testing.T) {
	cfg := streamConfig(Config{Stream: "ORDERS", StreamMaxAge: time.Hour, DedupWindow: 2 * time.Minute})
	assert.Equal(t, "ORDERS", cfg.Name)
	assert.Equal(t, []string{"events.order.>"}, cfg.Subjects)
	assert.Equal(t, 2*time.Minute, cfg.Duplicates)
	assert.Equal(t, jetstream.LimitsPolicy, cfg.Retention)
}
