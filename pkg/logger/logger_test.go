package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerAvailableBeforeInit(t *testing.T) {
	require.NotNil(t, Logger())
	// Must not panic even without Init.
	Logger().Info("pre-init message")
}

func TestInitAcceptsLevels(t *testing.T) {
	require.NoError(t, Init("debug"))
	require.NoError(t, Init("not-a-level")) // falls back to info
	require.NotNil(t, WithModule("syncer"))
}
