package logger

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel_Defaults(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("WARN"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("not-a-level"))
}

func TestParseLevel_EnvOverridesArgument(t *testing.T) {
	os.Setenv(EnvLogLevel, "trace")
	defer os.Unsetenv(EnvLogLevel)

	assert.Equal(t, zerolog.TraceLevel, parseLevel("info"))
}

func TestCreate_ReturnsLoggerAtRequestedLevel(t *testing.T) {
	log := Create(Options{Level: "warn"})
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())
}
