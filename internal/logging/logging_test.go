// ABOUTME: Tests for logger construction
// ABOUTME: Levels, formats and file output
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Options{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audera.log")

	log, err := New(Options{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	Component(log, "player").Infow("buffer ready", "depth", 4)
	log.Debugw("debug entry")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.Contains(out, `"msg":"buffer ready"`), out)
	assert.True(t, strings.Contains(out, `"logger":"player"`), out)
	assert.True(t, strings.Contains(out, "debug entry"), out)
}

func TestLevelFiltersEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audera.log")

	log, err := New(Options{Level: "warn", Format: "json", File: path})
	require.NoError(t, err)

	log.Infow("quiet")
	log.Warnw("loud")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "quiet")
	assert.Contains(t, string(data), "loud")
}

func TestFileOnlyStillWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audera.log")

	log, err := New(Options{Level: "info", Format: "console", File: path, FileOnly: true})
	require.NoError(t, err)

	log.Infow("dashboard running")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dashboard running")
}
