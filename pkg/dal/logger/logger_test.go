package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dal.log")

	log, err := New("debug", path)
	require.NoError(t, err)
	log.Infow("signed in", "principal", "alice")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"principal":"alice"`)
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New("loud", "")
	assert.Error(t, err)
}
