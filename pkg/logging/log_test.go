package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeFiltersMessages(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	defer SetMode(InfoMode)

	SetMode(WarningMode)
	Infof("hidden %d", 1)
	Warningf("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden 1")
	assert.Contains(t, out, " WARNING shown 2")

	buf.Reset()
	SetMode(SilentMode)
	Errorf("dropped")
	assert.Empty(t, buf.String())
}

func TestSetLoggerWritesToFile(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	defer SetMode(InfoMode)

	path := filepath.Join(t.TempDir(), "mrisegview.log")
	cfg := &Config{Logfile: path, MaxSize: 1, MaxAge: 1}
	cfg.SetLogger()
	Infof("run %s finished", "abc")
	Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO run abc finished")
}
