package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-acquisition/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "assets")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestUploadAndPublicURL(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "assets/job-1/shot.png", "image/png", []byte("png")))
	data, err := os.ReadFile(filepath.Join(dir, "assets", "job-1", "shot.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	u, err := store.PublicURL(ctx, "assets/job-1/shot.png", time.Hour)
	require.NoError(t, err)
	abs, _ := filepath.Abs(filepath.Join(dir, "assets", "job-1", "shot.png"))
	assert.Equal(t, "file://"+filepath.ToSlash(abs), u)

	_, err = store.PublicURL(ctx, "assets/missing.png", time.Hour)
	assert.Error(t, err)
}

func TestBaseURL(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir(), BaseURL: "http://localhost:8080/assets/"})
	require.NoError(t, err)
	require.NoError(t, store.Upload(context.Background(), "a/b.pdf", "application/pdf", []byte("%PDF")))

	u, err := store.PublicURL(context.Background(), "a/b.pdf", 0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/assets/a/b.pdf", u)
}

func TestRejectsTraversal(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	assert.Error(t, store.Upload(context.Background(), "../escape.txt", "text/plain", []byte("x")))
	assert.Error(t, store.Upload(context.Background(), "", "text/plain", nil))
}
