package cmd

import (
	"orcjit/logging"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunSessionReportsFailures(t *testing.T) {
	logging.Initialize("silent")
	assert.True(t, runSession(testManifest(t), []string{"answer"}))

	logging.Initialize("silent")
	assert.False(t, runSession(testManifest(t), []string{"answer", "missing"}))

	logging.Initialize("silent")
	assert.False(t, runSession(testManifest(t), []string{""}))
}
