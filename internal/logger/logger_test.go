package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeConsoleAndJSON(t *testing.T) {
	t.Cleanup(func() {
		require.NoError(t, Initialize(false, ""))
	})

	require.NoError(t, Initialize(false, "debug"))
	assert.False(t, JSONOutput)
	assert.NotNil(t, Named("registry"))

	require.NoError(t, Initialize(true, "warn"))
	assert.True(t, JSONOutput)
}

func TestInitializeRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Initialize(false, "loud"))
}
