package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rendergate/internal/notify"
)

func TestHubRingKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish("tick", map[string]int{"n": i})
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.JSONEq(t, `{"n":4}`, string(since[0].Data))
}

func TestHubPublishOutcome(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.PublishOutcome(notify.Event{BatchID: "b-1", Seq: 1, Job: "run2", State: "failed", Reason: "timeout", ExitCode: 124})

	select {
	case ev := <-ch:
		assert.Equal(t, "job.failed", ev.Type)
		var got notify.Event
		require.NoError(t, json.Unmarshal(ev.Data, &got))
		assert.Equal(t, "run2", got.Job)
		assert.Equal(t, 124, got.ExitCode)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after cancel must not panic on the closed channel.
	h.Publish("job.succeeded", nil)
	assert.Len(t, h.SnapshotSince(0), 1)
}
