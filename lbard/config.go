package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Load the on-disk configuration file: serial device,
 *		Rhizome server credentials, the ALE station table, and
 *		the catalogue's filtering knobs.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level on-disk configuration document.
type Config struct {
	Serial struct {
		Device string `yaml:"device"`
		Baud   int    `yaml:"baud"`
	} `yaml:"serial"`

	Rhizome struct {
		Server     string `yaml:"server"`
		Credential string `yaml:"credential"`
	} `yaml:"rhizome"`

	Catalogue struct {
		MeshMSOnly bool  `yaml:"meshms_only"`
		MinVersion int64 `yaml:"min_version"`
	} `yaml:"catalogue"`

	ALE struct {
		SelfIndex string           `yaml:"self_index"`
		Stations  []ConfigStation  `yaml:"stations"`
		Timeouts  ConfigALETimeout `yaml:"timeouts"`
	} `yaml:"ale"`

	// DNSSD enables the LAN transport driver in place of (or ahead of)
	// the HF modem path.
	DNSSD struct {
		Enabled bool   `yaml:"enabled"`
		Name    string `yaml:"name"`
		Port    int    `yaml:"port"`
	} `yaml:"dnssd"`

	// Rig enables read-only Hamlib diagnostics alongside the modem's
	// own control port. Model 0 disables.
	Rig struct {
		Model  int    `yaml:"model"`
		Device string `yaml:"device"`
		Baud   int    `yaml:"baud"`
	} `yaml:"rig"`

	// GPIO keys an antenna changeover relay around transmissions.
	// Empty chip disables.
	GPIO struct {
		Chip string `yaml:"chip"`
		Line int    `yaml:"line"`
	} `yaml:"gpio"`

	Log struct {
		Level     string `yaml:"level"`
		MirrorDir string `yaml:"mirror_dir"`
	} `yaml:"log"`
}

// ConfigStation is one entry of the configured ALE address table.
type ConfigStation struct {
	Name  string `yaml:"name"`
	Index string `yaml:"index"`
}

// ConfigALETimeout overrides HFBarrettDriver's default timeouts; zero
// values mean "use the built-in default".
type ConfigALETimeout struct {
	LinkEstablishmentSeconds int `yaml:"link_establishment_seconds"`
	TurnaroundSeconds        int `yaml:"turnaround_seconds"`
}

// LoadConfig reads and validates the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lbard: reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("lbard: parsing config: %w", err)
	}

	// serial.device may also be "auto" (udev discovery) or "pty" (a
	// pseudo-terminal for a modem simulator); with the DNS-SD
	// transport there is no serial line at all.
	if cfg.Serial.Device == "" && !cfg.DNSSD.Enabled {
		return nil, fmt.Errorf("lbard: config: serial.device is required")
	}
	if cfg.Rhizome.Server == "" {
		return nil, fmt.Errorf("lbard: config: rhizome.server is required")
	}
	if cfg.ALE.SelfIndex == "" && !cfg.DNSSD.Enabled {
		return nil, fmt.Errorf("lbard: config: ale.self_index is required")
	}
	if cfg.Catalogue.MinVersion < 0 {
		return nil, fmt.Errorf("lbard: config: catalogue.min_version must be >= 0")
	}

	return &cfg, nil
}

// Stations converts the configured ALE table into the []Station shape
// HFBarrettDriver expects.
func (c *Config) Stations() []Station {
	out := make([]Station, 0, len(c.ALE.Stations))
	for _, s := range c.ALE.Stations {
		out = append(out, Station{Name: s.Name, Index: s.Index})
	}
	return out
}
