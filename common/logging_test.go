package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerLevels(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, NewLogger("debug", "text").GetLevel())
	assert.Equal(t, logrus.WarnLevel, NewLogger("warn", "json").GetLevel())
	// Unparsable levels fall back to info instead of failing startup.
	assert.Equal(t, logrus.InfoLevel, NewLogger("nonsense", "text").GetLevel())
}

func TestNewLoggerFormats(t *testing.T) {
	_, isJSON := NewLogger("info", "json").Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
	_, isText := NewLogger("info", "text").Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}

func TestComponentTagsEntries(t *testing.T) {
	entry := Component(NewLogger("info", "text"), "replicator")
	assert.Equal(t, "replicator", entry.Data["component"])
}
