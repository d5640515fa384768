package config

import (
	"github.com/mensylisir/phypctl/pkg/errors/validation"
	"github.com/mensylisir/phypctl/pkg/hmc"
	"github.com/mensylisir/phypctl/pkg/logger"
	"github.com/mensylisir/phypctl/pkg/phyp"
)

// Validate checks cfg after defaults were applied and reports every
// problem at once.
func Validate(cfg *Config) error {
	verrs := &validation.ValidationErrors{}
	if cfg == nil {
		verrs.Add("configuration cannot be nil")
		return verrs
	}
	if cfg.APIVersion != DefaultAPIVersion {
		verrs.AddError("apiVersion", "must be "+DefaultAPIVersion)
	}
	if cfg.Kind != ConfigKind {
		verrs.AddError("kind", "must be "+ConfigKind)
	}

	validateConnection(&cfg.Connection, "connection", verrs)

	if cfg.Identity.LocalPath != "" && cfg.Identity.LocalPath == cfg.Identity.RemotePath {
		verrs.AddError("identity.localPath", "must differ from identity.remotePath")
	}

	switch cfg.Transfer.Protocol {
	case phyp.ProtocolSCP, phyp.ProtocolSFTP:
	default:
		verrs.AddError("transfer.protocol", "must be one of scp, sftp")
	}
	if cfg.Transfer.ChunkSize < 0 {
		verrs.AddError("transfer.chunkSize", "cannot be negative")
	}

	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		verrs.AddError("log.level", err.Error())
	}
	if _, err := logger.ParseLevel(cfg.Log.FileLevel); err != nil {
		verrs.AddError("log.fileLevel", err.Error())
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		verrs.AddError("log", "rotation settings cannot be negative")
	}

	if verrs.HasErrors() {
		return verrs
	}
	return nil
}

func validateConnection(c *ConnectionSpec, path string, verrs *validation.ValidationErrors) {
	if c.URI != "" {
		if _, err := phyp.ParseURI(c.URI); err != nil {
			verrs.AddError(path+".uri", err.Error())
		}
	} else if c.Host == "" {
		verrs.AddError(path, "either uri or host must be set")
	}
	if c.Port < 0 || c.Port > 65535 {
		verrs.AddError(path+".port", "must be between 1 and 65535")
	}
	if hmc.ContainsSpecialCharacters(c.ManagedSystem) {
		verrs.AddError(path+".managedSystem", "contains invalid characters")
	}
	if c.ConnectTimeout < 0 {
		verrs.AddError(path+".connectTimeout", "cannot be negative")
	}
	if c.InsecureIgnoreHostKey && c.KnownHostsPath != "" {
		verrs.AddError(path+".insecureIgnoreHostKey", "cannot be combined with knownHostsPath")
	}
}
