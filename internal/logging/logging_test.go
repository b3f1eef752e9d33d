package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		want zapcore.Level
	}{
		{name: "console info", opts: Options{}, want: zapcore.InfoLevel},
		{name: "console debug", opts: Options{Debug: true}, want: zapcore.DebugLevel},
		{name: "json info", opts: Options{JSON: true}, want: zapcore.InfoLevel},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tc.opts)
			require.NoError(t, err)
			require.True(t, logger.Core().Enabled(tc.want))
			require.False(t, logger.Core().Enabled(tc.want-1))
		})
	}
}
