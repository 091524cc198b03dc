package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(nil)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, int64(100), cfg.ChunkSize)
	require.Empty(t, cfg.Datastores)
}

func TestLoadServerConfigFlagOverride(t *testing.T) {
	cfg, err := LoadServerConfig([]string{"--listen", ":9090", "--chunk-size", "50"})
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.EqualValues(t, 50, cfg.ChunkSize)
}

func TestLoadServerConfigFileDeclaresDatastores(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reldatasync.yaml")
	yaml := `
listen_addr: ":7070"
datastores:
  - name: widgets
    display_name: Widgets
    doc_type: widget
    backend:
      kind: memory
      durable: true
  - name: orders
    display_name: Orders
    doc_type: order
    backend:
      kind: sqlite
      dsn: "file:orders.db"
      table: orders
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadServerConfig([]string{"--config", path})
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.ListenAddr)
	require.Len(t, cfg.Datastores, 2)
	require.Equal(t, "memory", cfg.Datastores[0].Backend.Kind)
	require.True(t, cfg.Datastores[0].Backend.Durable)
	require.Equal(t, "sqlite", cfg.Datastores[1].Backend.Kind)
	require.Equal(t, "orders", cfg.Datastores[1].Backend.Table)
}

func TestLoadServerConfigRejectsUnknownBackendKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
datastores:
  - name: widgets
    doc_type: widget
    backend:
      kind: mongo
`), 0o644))

	_, err := LoadServerConfig([]string{"--config", path})
	require.Error(t, err)
}

func TestLoadServerConfigRejectsSQLBackendWithoutDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad2.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
datastores:
  - name: widgets
    doc_type: widget
    backend:
      kind: postgres
`), 0o644))

	_, err := LoadServerConfig([]string{"--config", path})
	require.Error(t, err)
}
