package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables that override the configuration file.
const (
	EnvHost          = "PHYP_HOST"
	EnvUser          = "PHYP_USER"
	EnvPassword      = "PHYP_PASSWORD"
	EnvManagedSystem = "PHYP_MANAGED_SYSTEM"
	EnvIdentityPath  = "PHYP_IDENTITY_PATH"
)

// LoadDotEnv exports the variables of the given .env files into the process
// environment without replacing variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnvOverrides replaces configuration values with the PHYP_*
// environment variables that are set. PHYP_HOST clears a configured URI
// so the host based fields take effect.
func ApplyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if v, ok := lookupEnv(EnvHost); ok {
		cfg.Connection.URI = ""
		cfg.Connection.Host = v
	}
	overrideString(&cfg.Connection.User, EnvUser)
	overrideString(&cfg.Connection.Password, EnvPassword)
	overrideString(&cfg.Connection.ManagedSystem, EnvManagedSystem)
	overrideString(&cfg.Identity.LocalPath, EnvIdentityPath)
}

func overrideString(dst *string, key string) {
	if v, ok := lookupEnv(key); ok {
		*dst = v
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
