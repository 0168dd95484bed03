package daemon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jbeverly/rangexx/internal/kv"
)

func openTestBackendForDaemon(t *testing.T) kv.Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "range.db")
	b, err := kv.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}
