package daemon

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jbeverly/rangexx/internal/graph"
)

func TestMakeApplyFuncAppliesKnownMethod(t *testing.T) {
	backend := openTestBackendForDaemon(t)
	rdb := graph.NewRange(backend)
	apply := makeApplyFunc(rdb)

	ok, code, reason := apply("create_env", []string{"env1"})
	require.True(t, ok)
	require.Zero(t, code)
	require.Empty(t, reason)

	names, err := graph.AllEnvironments(rdb)
	require.NoError(t, err)
	require.Equal(t, []string{"env1"}, names)
}

func TestMakeApplyFuncUnknownMethodReturnsErrUnknown(t *testing.T) {
	backend := openTestBackendForDaemon(t)
	rdb := graph.NewRange(backend)
	apply := makeApplyFunc(rdb)

	ok, code, reason := apply("not_a_real_method", nil)
	require.False(t, ok)
	require.Equal(t, uint32(graph.ErrUnknown), code)
	require.NotEmpty(t, reason)
}

func TestMakeApplyFuncMapsCodedErrorToResultCode(t *testing.T) {
	backend := openTestBackendForDaemon(t)
	rdb := graph.NewRange(backend)
	apply := makeApplyFunc(rdb)

	_, _, _ = apply("create_env", []string{"env1"})
	ok, code, reason := apply("create_env", []string{"env1"})

	require.False(t, ok)
	require.Equal(t, uint32(graph.ErrNodeExists), code)
	require.NotEmpty(t, reason)
}
