package config

import (
	"time"

	"github.com/mensylisir/phypctl/pkg/connector"
	"github.com/mensylisir/phypctl/pkg/phyp"
	"github.com/mensylisir/phypctl/pkg/transfer"
)

// SetDefaults applies default values to fields that were not explicitly
// set. It modifies cfg in place.
func SetDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Kind == "" {
		cfg.Kind = ConfigKind
	}

	// a URI port wins over the default, so only fill it for host based configs
	if cfg.Connection.URI == "" && cfg.Connection.Port == 0 {
		cfg.Connection.Port = connector.DefaultPort
	}
	if cfg.Connection.ConnectTimeout == 0 {
		cfg.Connection.ConnectTimeout = 30 * time.Second
	}

	if cfg.Transfer.Protocol == "" {
		cfg.Transfer.Protocol = phyp.ProtocolSCP
	}
	if cfg.Transfer.ChunkSize == 0 {
		cfg.Transfer.ChunkSize = transfer.DefaultChunkSize
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.FileLevel == "" {
		cfg.Log.FileLevel = "debug"
	}
	if cfg.Log.Color == nil {
		color := true
		cfg.Log.Color = &color
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 10
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 28
	}
}
