package alert_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/clusterforge/alert"
	"github.com/clusterforge/clusterforge/store/memory"
)

func newTestStore(window time.Duration) (*alert.Store, *alert.Bus) {
	bus := alert.NewBus()
	repo := memory.NewAlertRepository()
	return alert.NewStore(repo, bus, window, zerolog.Nop()), bus
}

func TestRaise_OpensNewAlert(t *testing.T) {
	s, _ := newTestStore(time.Minute)

	a, err := s.Raise("cluster-1", alert.Medium, "health-check-failed", "probe timed out")
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.Nil(t, a.ResolvedAt)

	open, err := s.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestRaise_CoalescesWithinWindow(t *testing.T) {
	s, _ := newTestStore(time.Minute)

	first, err := s.Raise("cluster-1", alert.Medium, "health-check-failed", "probe timed out")
	require.NoError(t, err)

	second, err := s.Raise("cluster-1", alert.High, "health-check-failed", "still failing")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "a raise within the window must update the existing open alert, not open a new one")
	require.Equal(t, alert.High, second.Severity, "coalescing must keep the highest severity seen")

	open, err := s.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestRaise_OutsideWindowOpensNewAlert(t *testing.T) {
	s, _ := newTestStore(time.Millisecond)

	first, err := s.Raise("cluster-1", alert.Medium, "health-check-failed", "probe timed out")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	second, err := s.Raise("cluster-1", alert.Medium, "health-check-failed", "still failing")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestResolveOpen_NoopWithoutOpenAlert(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	require.NoError(t, s.ResolveOpen("cluster-1", "health-check-failed", "n/a"))
}

func TestResolveOpen_ResolvesAndPublishes(t *testing.T) {
	s, bus := newTestStore(time.Minute)
	events, unsubscribe := bus.Subscribe(nil)
	defer unsubscribe()

	_, err := s.Raise("cluster-1", alert.Medium, "health-check-failed", "probe timed out")
	require.NoError(t, err)
	<-events // RAISED

	require.NoError(t, s.ResolveOpen("cluster-1", "health-check-failed", "recovered"))

	select {
	case ev := <-events:
		require.Equal(t, alert.EventResolved, ev.Kind)
		require.Equal(t, "recovered", ev.Alert.ResolutionNote)
	case <-time.After(time.Second):
		t.Fatal("expected a RESOLVED event")
	}

	open, err := s.ListOpen()
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestResolve_RejectsAlreadyResolved(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	a, err := s.Raise("cluster-1", alert.Low, "backup-failed", "disk full")
	require.NoError(t, err)
	require.NoError(t, s.Resolve(a.ID, "disk cleared"))

	err = s.Resolve(a.ID, "again")
	require.Error(t, err)
}
