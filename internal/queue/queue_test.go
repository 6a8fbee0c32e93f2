package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 5 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(4))
	assert.Equal(t, 5*time.Second, b.Delay(30))

	assert.Equal(t, time.Second, Backoff{}.Delay(1))
}

func TestJobIDFor(t *testing.T) {
	assert.Equal(t, "wa-inbound-12", JobIDFor(InboundJobPrefix, 12, 0))
	assert.Equal(t, "wa-status-7-r2", JobIDFor(StatusJobPrefix, 7, 2))
}

func TestDispatcherWithoutBackend(t *testing.T) {
	d := NewDispatcher(nil, 0)
	assert.False(t, d.Enabled())

	ok, res, err := d.Enqueue(context.Background(), QueueInbound, "whatsapp-inbound", Payload{}, EnqueueOptions{JobID: "x"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, res.JobID)
	assert.NoError(t, d.Close())
}

func TestJobDecode(t *testing.T) {
	id := int64(9)
	job := Job{ID: "j", Queue: QueueInbound, Payload: []byte(`{"webhookEventId":9,"payload":{"a":1}}`)}
	var p Payload
	require.NoError(t, job.Decode(&p))
	require.NotNil(t, p.WebhookEventID)
	assert.Equal(t, id, *p.WebhookEventID)
	assert.JSONEq(t, `{"a":1}`, string(p.Payload))

	bad := Job{ID: "k", Queue: QueueInbound, Payload: []byte(`{`)}
	assert.Error(t, bad.Decode(&p))
}
