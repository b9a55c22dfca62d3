// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package aggconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"bus": "nats",
		"nats": {"address": "nats://localhost:4222"},
		"file-store": {"dir": "/tmp/out", "format": "avro"},
		"gather-interval-seconds": 5
	}`)
	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, BusNats, cfg.Bus)
	assert.Equal(t, "nats://localhost:4222", cfg.Nats.Address)
	assert.Equal(t, 5, cfg.GatherIntervalSeconds)
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	path := writeConfig(t, `{"bus": "inprocess"}`)
	_, err := Load(path, "")
	assert.Error(t, err)
}

func TestLoadRejectsUnknownBusValue(t *testing.T) {
	path := writeConfig(t, `{"bus": "carrier-pigeon", "file-store": {"dir": "/tmp/out"}}`)
	_, err := Load(path, "")
	assert.Error(t, err)
}

func TestLoadDefaultsGatherInterval(t *testing.T) {
	path := writeConfig(t, `{"bus": "inprocess", "file-store": {"dir": "/tmp/out"}}`)
	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.GatherIntervalSeconds)
}

func TestEnvOverrideWinsOverConfigFile(t *testing.T) {
	path := writeConfig(t, `{"bus": "inprocess", "file-store": {"dir": "/tmp/out"}}`)
	t.Setenv("SMALLDATA_FILESTORE_DIR", "/tmp/override")
	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override", cfg.FileStore.Dir)
}

func TestRankSizeDefaults(t *testing.T) {
	rank, size, err := RankSize()
	require.NoError(t, err)
	assert.Equal(t, 0, rank)
	assert.Equal(t, 1, size)
}

func TestRankSizeRejectsOutOfRange(t *testing.T) {
	t.Setenv("SMALLDATA_RANK", "5")
	t.Setenv("SMALLDATA_SIZE", "2")
	_, _, err := RankSize()
	assert.Error(t, err)
}
