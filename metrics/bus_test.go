package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribe_SeedsResyncSnapshot(t *testing.T) {
	bus := NewBus()
	resync := map[string]Sample{"c1": {ClusterID: "c1", CPUPercent: 5}}

	sub, unsubscribe := bus.Subscribe(nil, resync)
	defer unsubscribe()

	batch, ok := sub.Next()
	require.True(t, ok)
	require.Contains(t, batch, "c1")
}

func TestPublish_CoalescesPerClusterUntilNext(t *testing.T) {
	bus := NewBus()
	sub, unsubscribe := bus.Subscribe(nil, nil)
	defer unsubscribe()

	bus.publish("c1", Sample{ClusterID: "c1", CPUPercent: 1})
	bus.publish("c1", Sample{ClusterID: "c1", CPUPercent: 2})
	bus.publish("c2", Sample{ClusterID: "c2", CPUPercent: 3})

	batch, ok := sub.Next()
	require.True(t, ok)
	require.Len(t, batch, 2, "repeated pushes for the same cluster before Next must coalesce into one entry")
	require.Equal(t, 2.0, batch["c1"].CPUPercent, "the latest sample for a cluster must win")
	require.Equal(t, 3.0, batch["c2"].CPUPercent)
}

func TestPublish_RespectsFilter(t *testing.T) {
	bus := NewBus()
	sub, unsubscribe := bus.Subscribe(func(clusterID string) bool { return clusterID == "c1" }, nil)
	defer unsubscribe()

	bus.publish("c2", Sample{ClusterID: "c2"})
	bus.publish("c1", Sample{ClusterID: "c1"})

	batch, ok := sub.Next()
	require.True(t, ok)
	require.Len(t, batch, 1)
	require.Contains(t, batch, "c1")
}

func TestUnsubscribe_ClosesSubscription(t *testing.T) {
	bus := NewBus()
	sub, unsubscribe := bus.Subscribe(nil, nil)
	unsubscribe()

	_, ok := sub.Next()
	require.False(t, ok)
}

func TestNext_NeverBlocksPublisher(t *testing.T) {
	bus := NewBus()
	_, unsubscribe := bus.Subscribe(nil, nil)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.publish("c1", Sample{ClusterID: "c1", CPUPercent: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish must never block on an un-drained subscriber")
	}
}
