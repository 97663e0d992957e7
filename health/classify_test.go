package health

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterforge/clusterforge/runtime"
)

func TestClassify_OOMOrKilled(t *testing.T) {
	reason, delayed := classify(runtime.InspectResult{ExitCode: 137})
	require.Equal(t, "oom-or-killed", reason)
	require.True(t, delayed)

	reason, delayed = classify(runtime.InspectResult{ExitCode: 9})
	require.Equal(t, "oom-or-killed", reason)
	require.True(t, delayed)
}

func TestClassify_BindAddressInUse(t *testing.T) {
	reason, delayed := classify(runtime.InspectResult{
		ExitCode:      1,
		HealthLogTail: []string{"panic: listen tcp :8080: bind: address already in use"},
	})
	require.Equal(t, "bind-address-in-use", reason)
	require.True(t, delayed)
}

func TestClassify_CleanExit(t *testing.T) {
	reason, delayed := classify(runtime.InspectResult{ExitCode: 0})
	require.Equal(t, "clean-exit", reason)
	require.False(t, delayed)
}

func TestClassify_UnknownExit(t *testing.T) {
	reason, delayed := classify(runtime.InspectResult{ExitCode: 42})
	require.Equal(t, "unknown-exit:42", reason)
	require.False(t, delayed)
}

func TestContainsAny(t *testing.T) {
	require.True(t, containsAny([]string{"foo", "bind: address already in use"}, "bind:"))
	require.False(t, containsAny([]string{"foo", "bar"}, "bind:"))
}
