package logging

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerWithWriter(t *testing.T) {
	t.Setenv("ADDR2SYM_LOG_LEVEL", "warn")
	t.Setenv("ADDR2SYM_LOG_PREFIX", "test")

	var buf bytes.Buffer
	lg := NewLoggerWithWriter(&buf)
	defer lg.Close()

	lg.Info("hidden")
	lg.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "key=value")
	assert.Contains(t, out, "test")
	assert.Equal(t, log.WarnLevel, lg.GetLevel())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, log.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, log.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, log.InfoLevel, ParseLevel(""))
	assert.Equal(t, log.InfoLevel, ParseLevel("verbose"))
}

func TestIsDebug(t *testing.T) {
	t.Setenv("ADDR2SYM_LOG_LEVEL", "debug")
	assert.True(t, IsDebug())
	t.Setenv("ADDR2SYM_LOG_LEVEL", "info")
	assert.False(t, IsDebug())
}
