// Package config loads the agent configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/BurntSushi/toml"
)

// Defaults applied for values absent from the configuration file.
const (
	DefaultWorkFolder          = "/var/lib/nanoupdate/downloads"
	DefaultCompatPropertyNames = "manufacturer,model"
	DefaultInterfaceID         = "nanoupdate/deviceUpdate;1"
)

// Config is the agent configuration.
type Config struct {
	// device identity reported in the startup message
	Manufacturer string `toml:"manufacturer"`
	Model        string `toml:"model"`
	InterfaceID  string `toml:"interface_id"`

	// compatibility property names sent in the startup message
	CompatPropertyNames string `toml:"compat_property_names"`

	// include agent version telemetry in the startup message
	TelemetryVersions bool `toml:"telemetry_versions"`

	// root directory for deployment work folders
	WorkFolder string `toml:"work_folder"`
}

var ErrMissingDeviceInfo = errors.New("manufacturer and model are required")

// Load reads the TOML configuration at path. A missing file yields the
// defaults; a present file must parse and validate.
func Load(path string) (*Config, error) {
	cfg := &Config{
		InterfaceID:         DefaultInterfaceID,
		CompatPropertyNames: DefaultCompatPropertyNames,
		WorkFolder:          DefaultWorkFolder,
	}
	_, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if cfg.Manufacturer == "" || cfg.Model == "" {
		return nil, ErrMissingDeviceInfo
	}
	if cfg.CompatPropertyNames == "" {
		cfg.CompatPropertyNames = DefaultCompatPropertyNames
	}
	if cfg.WorkFolder == "" {
		cfg.WorkFolder = DefaultWorkFolder
	}
	return cfg, nil
}
