package port_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterforge/clusterforge/errs"
	"github.com/clusterforge/clusterforge/port"
)

func TestAcquire_LowestFreeFirst(t *testing.T) {
	a := port.NewAllocator(20000, 20003, nil)

	p1, err := a.Acquire()
	require.NoError(t, err)
	require.Equal(t, 20000, p1)

	p2, err := a.Acquire()
	require.NoError(t, err)
	require.Equal(t, 20001, p2)

	a.Release(p1)

	p3, err := a.Acquire()
	require.NoError(t, err)
	require.Equal(t, 20000, p3, "a released port must be reused before advancing the range")
}

func TestAcquire_ExhaustedRange(t *testing.T) {
	a := port.NewAllocator(20000, 20001, nil)

	_, err := a.Acquire()
	require.NoError(t, err)

	_, err = a.Acquire()
	require.Error(t, err)
	require.Equal(t, errs.ResourceExhausted, errs.KindOf(err))
}

func TestNewAllocator_SeedsInUse(t *testing.T) {
	a := port.NewAllocator(20000, 20005, []int{20000, 20001})
	require.Equal(t, 2, a.InUseCount())

	p, err := a.Acquire()
	require.NoError(t, err)
	require.Equal(t, 20002, p, "seeded ports must not be re-handed out")
}

func TestReserve_RejectsOutOfRangeAndDuplicate(t *testing.T) {
	a := port.NewAllocator(20000, 20002, nil)

	require.Error(t, a.Reserve(30000))

	require.NoError(t, a.Reserve(20000))
	err := a.Reserve(20000)
	require.Error(t, err)
	require.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestRelease_UnknownPortIsNoop(t *testing.T) {
	a := port.NewAllocator(20000, 20002, nil)
	require.NotPanics(t, func() { a.Release(29999) })
}
