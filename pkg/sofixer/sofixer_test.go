package sofixer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTool(t *testing.T, script string) *Fixer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sofixer")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return New(path)
}

func TestFixSuccessReturnsStdout(t *testing.T) {
	f := writeTool(t, "#!/bin/sh\necho repaired \"$@\"\nexit 0\n")
	out, err := f.Fix(0x7000000000, "raw.so", "fixed.so")
	require.NoError(t, err)
	require.Equal(t, "repaired -m 0x7000000000 -s raw.so -o fixed.so", out)
}

func TestFixFailureSurfacesStderr(t *testing.T) {
	f := writeTool(t, "#!/bin/sh\necho 'bad phdr' >&2\nexit 1\n")
	_, err := f.Fix(0x7000000000, "raw.so", "fixed.so")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad phdr")
}

func TestAvailable(t *testing.T) {
	require.False(t, New("").Available())
	require.False(t, New(filepath.Join(t.TempDir(), "missing")).Available())
	require.True(t, writeTool(t, "#!/bin/sh\n").Available())
}
