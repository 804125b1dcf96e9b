package main

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/services"
)

type decoded struct {
	Data  json.RawMessage `json:"data"`
	Error *errorResult    `json:"error"`
}

func parse(t *testing.T, s string) decoded {
	t.Helper()
	var d decoded
	require.NoError(t, json.Unmarshal([]byte(s), &d), s)
	return d
}

func openBridge(t *testing.T) *bridge {
	t.Helper()
	b := &bridge{}
	err := b.open(t.TempDir(), filepath.Join(t.TempDir(), "none.yml"), services.Options{
		InMemory:   true,
		Filesystem: memfs.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.close() })
	return b
}

func TestBridge_notInitialized(t *testing.T) {
	b := &bridge{}

	d := parse(t, b.cacheStats())
	require.NotNil(t, d.Error)
	assert.Equal(t, apperrors.ErrConfig, d.Error.Code)
}

func TestBridge_openTwice(t *testing.T) {
	b := openBridge(t)

	err := b.open(t.TempDir(), "", services.Options{InMemory: true, Filesystem: memfs.New()})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}

func TestBridge_validateOffline(t *testing.T) {
	b := openBridge(t)

	d := parse(t, b.validate("ABC"))
	require.NotNil(t, d.Error)
	assert.Equal(t, apperrors.ErrNotFoundOffline, d.Error.Code)
	assert.Empty(t, d.Data)
}

func TestBridge_cacheStats(t *testing.T) {
	b := openBridge(t)

	d := parse(t, b.cacheStats())
	require.Nil(t, d.Error)
	var stats struct {
		ItemCount    int   `json:"itemCount"`
		MaxSizeBytes int64 `json:"maxSizeBytes"`
	}
	require.NoError(t, json.Unmarshal(d.Data, &stats))
	assert.Zero(t, stats.ItemCount)
	assert.Positive(t, stats.MaxSizeBytes)
}

func TestBridge_syncWithoutGateway(t *testing.T) {
	b := openBridge(t)

	parse(t, b.setOnline(true))
	d := parse(t, b.syncAll())
	require.NotNil(t, d.Error)
	assert.Equal(t, apperrors.ErrNetwork, d.Error.Code)

	d = parse(t, b.syncOne(""))
	require.NotNil(t, d.Error)
}

func TestBridge_clearValidations(t *testing.T) {
	b := openBridge(t)

	d := parse(t, b.clearValidations())
	require.Nil(t, d.Error)
	assert.JSONEq(t, `{"deleted":0}`, string(d.Data))
}

func TestBridge_closeIsIdempotent(t *testing.T) {
	b := openBridge(t)

	require.NoError(t, b.close())
	require.NoError(t, b.close())
	d := parse(t, b.syncStats())
	require.NotNil(t, d.Error)
}
