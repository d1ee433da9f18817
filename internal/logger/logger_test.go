package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStandardLogger_LevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewStandardLogger(&buf)
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.WithPrefix("cache: ").Warnf("careful")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INFO:  shown 2")
	assert.Contains(t, out, "WARN:  cache: careful")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestVerboseLogger_IncludesDebug(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewVerboseLogger(&buf).Debugf("batch #%d", 7)
	assert.Contains(t, buf.String(), "DEBUG: batch #7")
}
