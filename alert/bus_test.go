package alert_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterforge/clusterforge/alert"
)

func TestSubscribe_FilterExcludesOtherClusters(t *testing.T) {
	s, bus := newTestStore(time.Minute)
	events, unsubscribe := bus.Subscribe(func(clusterID string) bool { return clusterID == "cluster-1" })
	defer unsubscribe()

	_, err := s.Raise("cluster-2", alert.Low, "backup-failed", "ignored")
	require.NoError(t, err)
	_, err = s.Raise("cluster-1", alert.Low, "backup-failed", "delivered")
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, "cluster-1", ev.Alert.ClusterID)
	case <-time.After(time.Second):
		t.Fatal("expected exactly one filtered event")
	}

	select {
	case ev, ok := <-events:
		t.Fatalf("unexpected second event: %+v ok=%v", ev, ok)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	bus := alert.NewBus()
	events, unsubscribe := bus.Subscribe(nil)
	unsubscribe()

	_, ok := <-events
	require.False(t, ok, "unsubscribe must close the channel")
}

type recordingSink struct {
	events chan alert.Event
}

func (r *recordingSink) Notify(ev alert.Event) { r.events <- ev }

func TestAddSink_ReceivesEvents(t *testing.T) {
	s, bus := newTestStore(time.Minute)
	sink := &recordingSink{events: make(chan alert.Event, 1)}
	bus.AddSink(sink)

	_, err := s.Raise("cluster-1", alert.Low, "backup-failed", "disk full")
	require.NoError(t, err)

	select {
	case ev := <-sink.events:
		require.Equal(t, alert.EventRaised, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("sink did not receive the event")
	}
}
