package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/scanvault/backend/internal/config"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/models"
)

// openOnDisk builds a core backed by a real database file and cache
// directory under dataDir.
func openOnDisk(t *testing.T, dataDir, baseURL string) *Core {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Gateway.BaseURL = baseURL
	cfg.NetworkTimeoutSeconds = 2

	core, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	return core
}

func TestOffline_survivesRestart(t *testing.T) {
	b := newBackend(t)
	dataDir := t.TempDir()
	ctx := context.Background()

	online := openOnDisk(t, dataDir, b.srv.URL)
	_, err := online.SyncAll(ctx)
	require.NoError(t, err)
	_, err = online.Validate(ctx, "GOOD")
	require.NoError(t, err)
	require.NoError(t, online.Close())

	b.srv.Close()

	offline := openOnDisk(t, dataDir, b.srv.URL)
	defer offline.Close()

	t.Run("validation served from cache", func(t *testing.T) {
		out, err := offline.Validate(ctx, "GOOD")
		require.NoError(t, err)
		assert.True(t, out.Valid)
		assert.True(t, out.CacheHit)
		assert.Equal(t, "t1", out.TemplateID)
	})

	t.Run("assets readable", func(t *testing.T) {
		data, _, err := offline.Asset(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, b.assets["t1"], data)
	})

	t.Run("failed sync keeps local data", func(t *testing.T) {
		op, err := offline.SyncAll(ctx)
		if err == nil {
			assert.Equal(t, models.OutcomeFailure, op.Outcome)
		}
		templates, err := offline.Templates(ctx)
		require.NoError(t, err)
		assert.Len(t, templates, 2)
	})
}

func TestOffline_reconcileDropsMissingFiles(t *testing.T) {
	b := newBackend(t)
	dataDir := t.TempDir()
	ctx := context.Background()

	core := openOnDisk(t, dataDir, b.srv.URL)
	_, err := core.SyncAll(ctx)
	require.NoError(t, err)
	require.NoError(t, core.Close())

	// Wipe the asset files behind the database's back.
	require.NoError(t, os.RemoveAll(filepath.Join(dataDir, "cache", "assets")))
	stray := filepath.Join(dataDir, "cache", "thumbnails", "stray.tmp")
	require.NoError(t, os.WriteFile(stray, []byte("junk"), 0600))

	reopened := openOnDisk(t, dataDir, "")
	defer reopened.Close()

	stats, err := reopened.CacheStatistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ItemCount)
	assert.Equal(t, 1, stats.ThumbnailCount)

	_, statErr := os.Stat(stray)
	assert.True(t, os.IsNotExist(statErr), "stray file should be removed")

	_, _, err = reopened.Asset(ctx, "t1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	templates, err := reopened.Templates(ctx)
	require.NoError(t, err)
	for _, tpl := range templates {
		assert.NotEqual(t, models.SyncStatusSynced, tpl.SyncStatus, "template %s must be re-downloaded", tpl.ID)
	}
}
