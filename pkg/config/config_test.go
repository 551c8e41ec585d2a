package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/search/text"
	"github.com/cuemby/docbase/pkg/search/vector"
)

func TestLoadWithNoPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docbase.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeId: node-7\ntextFlusherMode: multi-segment\nrowScanLimit: 42\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-7", cfg.NodeID)
	require.Equal(t, "multi-segment", cfg.TextFlusherMode)
	require.Equal(t, 42, cfg.RowScanLimit)
	require.Equal(t, Default().DataDir, cfg.DataDir)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFlusherModeValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, text.FlusherModeSingleSegment, cfg.TextFlusherModeValue())
	require.Equal(t, vector.FlusherModeSingleSegment, cfg.VectorFlusherModeValue())

	cfg.TextFlusherMode = "multi-segment"
	require.Equal(t, text.FlusherModeIncremental, cfg.TextFlusherModeValue())
	require.Equal(t, vector.FlusherModeIncremental, cfg.VectorFlusherModeValue())

	cfg.TextFlusherMode = "bogus"
	require.Equal(t, text.FlusherModeSingleSegment, cfg.TextFlusherModeValue())
}
