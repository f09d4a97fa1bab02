package lbard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
serial:
  device: /dev/ttyUSB0
  baud: 4800
rhizome:
  server: http://localhost:4110
  credential: lbard:secret
catalogue:
  meshms_only: true
  min_version: 1000
ale:
  self_index: "AA"
  stations:
    - name: base
      index: "BB"
    - name: relay
      index: "CC"
rig:
  model: 1035
  device: /dev/ttyUSB1
  baud: 38400
gpio:
  chip: gpiochip0
  line: 17
log:
  level: debug
  mirror_dir: /tmp/lbard-mirror
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lbard.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfig_ParsesAllFields(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Device)
	assert.Equal(t, 4800, cfg.Serial.Baud)
	assert.Equal(t, "http://localhost:4110", cfg.Rhizome.Server)
	assert.True(t, cfg.Catalogue.MeshMSOnly)
	assert.Equal(t, int64(1000), cfg.Catalogue.MinVersion)
	assert.Equal(t, "AA", cfg.ALE.SelfIndex)
	require.Len(t, cfg.ALE.Stations, 2)
	assert.Equal(t, "base", cfg.ALE.Stations[0].Name)

	stations := cfg.Stations()
	require.Len(t, stations, 2)
	assert.Equal(t, "BB", stations[0].Index)

	assert.Equal(t, 1035, cfg.Rig.Model)
	assert.Equal(t, "gpiochip0", cfg.GPIO.Chip)
	assert.Equal(t, 17, cfg.GPIO.Line)
}

func TestLoadConfig_DNSSDOnlyNeedsNoSerialDevice(t *testing.T) {
	path := writeTempConfig(t, `
rhizome:
  server: http://localhost:4110
dnssd:
  enabled: true
  name: lbard-bench
  port: 4144
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.DNSSD.Enabled)
	assert.Equal(t, 4144, cfg.DNSSD.Port)
	assert.Empty(t, cfg.Serial.Device)
}

func TestLoadConfig_MissingRequiredFieldRejected(t *testing.T) {
	path := writeTempConfig(t, "serial:\n  device: \"\"\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_MissingFileRejected(t *testing.T) {
	_, err := LoadConfig("/nonexistent/lbard.yml")
	assert.Error(t, err)
}
