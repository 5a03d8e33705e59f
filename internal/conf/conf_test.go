package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5000", s.Addr())
	assert.Equal(t, "models", s.Paths.Models)
	assert.Equal(t, "default_cnn_v1.0.0.onnx", s.Model.DefaultName)
	assert.Equal(t, 5*1024*1024, s.Image.MaxSize)
	assert.Equal(t, 0.8, s.Recognition.ConfidenceThreshold)
	assert.Equal(t, 300, s.Recognition.CacheTTLSeconds)
	assert.Equal(t, 10, s.Training.Epochs)
	assert.Equal(t, 128, s.Training.BatchSize)
	assert.Equal(t, 0.001, s.Training.LearningRate)
	assert.Equal(t, "data/digitserver.db", s.Database.Path)
	assert.Equal(t, "info", s.Log.Level)
	assert.True(t, s.Metrics.Enabled)
}

func TestLoadCreatesDirectories(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	_, err := Load()
	require.NoError(t, err)

	for _, sub := range []string{"models", "data", "logs", "uploads"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err, sub)
		assert.True(t, info.IsDir(), sub)
	}
}

func TestLoadConfigFileOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	yaml := `
server:
  port: 8080
recognition:
  confidence_threshold: 0.5
training:
  command: ["python3", "scripts/train_mnist.py"]
  epochs: 25
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, s.Server.Port)
	assert.Equal(t, "0.0.0.0", s.Server.Host, "unset keys keep their defaults")
	assert.Equal(t, 0.5, s.Recognition.ConfidenceThreshold)
	assert.Equal(t, []string{"python3", "scripts/train_mnist.py"}, s.Training.Command)
	assert.Equal(t, 25, s.Training.Epochs)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DIGITSERVER_SERVER_PORT", "9999")
	t.Setenv("DIGITSERVER_LOG_LEVEL", "debug")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, s.Server.Port)
	assert.Equal(t, "debug", s.Log.Level)
}

func TestLoadRejectsMalformedConfig(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("server: [not: a: mapping"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}
