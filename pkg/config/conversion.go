package config

import (
	"fmt"

	"github.com/mensylisir/phypctl/pkg/connector"
	"github.com/mensylisir/phypctl/pkg/logger"
	"github.com/mensylisir/phypctl/pkg/phyp"
)

// ToConnectOptions converts a validated configuration into connection
// options. Fields the URI leaves empty are taken from the host based
// fields. creds, when non-nil, is asked for anything the configuration
// lacks.
func ToConnectOptions(cfg *Config, creds connector.Credentials) (phyp.Options, error) {
	if cfg == nil {
		return phyp.Options{}, fmt.Errorf("input config is nil")
	}
	c := cfg.Connection

	var opts phyp.Options
	if c.URI != "" {
		var err error
		if opts, err = phyp.OptionsFromURI(c.URI); err != nil {
			return phyp.Options{}, err
		}
	} else {
		opts.Host = c.Host
	}
	if opts.Port == 0 {
		opts.Port = c.Port
	}
	if opts.User == "" {
		opts.User = c.User
	}
	if opts.ManagedSystem == "" {
		opts.ManagedSystem = c.ManagedSystem
	}

	opts.PrivateKeyPath = c.PrivateKeyPath
	opts.PublicKeyPath = c.PublicKeyPath
	opts.KnownHostsPath = c.KnownHostsPath
	opts.InsecureIgnoreHostKey = c.InsecureIgnoreHostKey
	opts.Timeout = c.ConnectTimeout
	opts.Credentials = withPassword(c.Password, creds)

	opts.LocalTablePath = cfg.Identity.LocalPath
	opts.RemoteTablePath = cfg.Identity.RemotePath
	opts.CompactTombstones = cfg.Identity.CompactTombstones
	opts.Protocol = cfg.Transfer.Protocol
	opts.ChunkSize = cfg.Transfer.ChunkSize
	return opts, nil
}

// withPassword answers password requests with a configured password and
// falls back to creds for everything else.
func withPassword(password string, creds connector.Credentials) connector.Credentials {
	if password == "" {
		return creds
	}
	return connector.CredentialFuncs{
		UsernameFunc: func(host string) (string, error) {
			if creds == nil {
				return "", connector.ErrNoCredentials
			}
			return creds.Username(host)
		},
		PasswordFunc: func(user, host string) (string, error) { return password, nil },
	}
}

// ToLoggerOptions converts the log section into logger options.
func ToLoggerOptions(l LogSpec) (logger.Options, error) {
	opts := logger.DefaultOptions()
	lvl, err := logger.ParseLevel(l.Level)
	if err != nil {
		return opts, err
	}
	opts.ConsoleLevel = lvl
	if l.FileLevel != "" {
		if opts.FileLevel, err = logger.ParseLevel(l.FileLevel); err != nil {
			return opts, err
		}
	}
	if l.Color != nil {
		opts.ColorConsole = *l.Color
	}
	if l.File != "" {
		opts.FileOutput = true
		opts.LogFilePath = l.File
	}
	if l.MaxSizeMB > 0 {
		opts.MaxSizeMB = l.MaxSizeMB
	}
	if l.MaxBackups > 0 {
		opts.MaxBackups = l.MaxBackups
	}
	if l.MaxAgeDays > 0 {
		opts.MaxAgeDays = l.MaxAgeDays
	}
	return opts, nil
}
