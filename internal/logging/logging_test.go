package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithOutput(&buf, "worker", "debug", "")

	logger.WithField("job_id", "job-1").Debug("processing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "worker", entry["component"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Equal(t, "processing", entry["msg"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNewTextFormatAndLevelFallback(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithOutput(&buf, "api", "loud", "text")

	assert.Equal(t, logrus.InfoLevel, logger.Logger.GetLevel())
	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.Info("listening")
	assert.Contains(t, buf.String(), "component=api")
	assert.Contains(t, buf.String(), `msg=listening`)
}
