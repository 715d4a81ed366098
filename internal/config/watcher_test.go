package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

func writeConfig(t *testing.T, path, level string, debounce string) {
	t.Helper()
	content := "logging:\n  level: " + level + "\nconnectivity:\n  debounce: " + debounce + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestNewWatcher_requiresPath(t *testing.T) {
	_, err := NewWatcher("", 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidConfig))
}

func TestNewWatcher_rejectsInvalidInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offlinesync.yaml")
	writeConfig(t, path, "info", "10ms")

	_, err := NewWatcher(path, 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidConfig))
}

func TestWatcher_reloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offlinesync.yaml")
	writeConfig(t, path, "info", "1s")

	w, err := NewWatcher(path, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "info", w.Config().Logging.Level)

	changes := make(chan [2]string, 4)
	w.OnReload(func(old, updated *Config) {
		changes <- [2]string{old.Logging.Level, updated.Logging.Level}
	})
	w.Start()
	defer w.Stop()

	writeConfig(t, path, "debug", "1s")

	select {
	case c := <-changes:
		assert.Equal(t, [2]string{"info", "debug"}, c)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after config write")
	}
	assert.Equal(t, "debug", w.Config().Logging.Level)
}

func TestWatcher_keepsLastGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offlinesync.yaml")
	writeConfig(t, path, "warn", "1s")

	w, err := NewWatcher(path, 20*time.Millisecond)
	require.NoError(t, err)
	called := make(chan struct{}, 4)
	w.OnReload(func(old, updated *Config) { called <- struct{}{} })
	w.Start()
	defer w.Stop()

	writeConfig(t, path, "debug", "10ms")

	select {
	case <-called:
		t.Fatal("invalid revision was applied")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, "warn", w.Config().Logging.Level)
}

func TestWatcher_stopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offlinesync.yaml")
	writeConfig(t, path, "info", "1s")

	w, err := NewWatcher(path, 0)
	require.NoError(t, err)
	w.Start()

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
