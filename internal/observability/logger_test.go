package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		profile string
		enabled zapcore.Level
		wantErr bool
	}{
		{name: "structured info", level: "info", profile: ProfileStructured, enabled: zapcore.InfoLevel},
		{name: "default profile", level: "warn", profile: "", enabled: zapcore.WarnLevel},
		{name: "console debug", level: "DEBUG", profile: "console", enabled: zapcore.DebugLevel},
		{name: "bad level", level: "loud", profile: ProfileStructured, wantErr: true},
		{name: "bad profile", level: "info", profile: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := NewLogger("lakeconnector", tt.level, tt.profile)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.enabled))
			assert.False(t, log.Core().Enabled(tt.enabled-1))
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	InitCLILogger("test", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}
