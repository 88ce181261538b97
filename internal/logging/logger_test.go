package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		development bool
		debug       bool
	}{
		{name: "development", development: true, debug: true},
		{name: "production", development: false, debug: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := New(tt.development)
			require.NoError(t, err)
			defer logger.Sync() //nolint:errcheck // best-effort flush
			assert.Equal(t, tt.debug, logger.Core().Enabled(zap.DebugLevel))
			assert.True(t, logger.Core().Enabled(zap.InfoLevel))
		})
	}
}
