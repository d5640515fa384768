package config

import "time"

// APIVersion and Kind identify a phypctl configuration file.
const (
	DefaultAPIVersion = "phypctl.mensylisir.io/v1alpha1"
	ConfigKind        = "Connection"
)

// Config is the top-level configuration object, typically parsed from
// phypctl.yaml.
type Config struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Connection ConnectionSpec `yaml:"connection"`
	Identity   IdentitySpec   `yaml:"identity,omitempty"`
	Transfer   TransferSpec   `yaml:"transfer,omitempty"`
	Log        LogSpec        `yaml:"log,omitempty"`
}

// ConnectionSpec names the console. URI, when set, takes precedence over
// Host, Port, User and ManagedSystem.
type ConnectionSpec struct {
	URI           string `yaml:"uri,omitempty"`
	Host          string `yaml:"host,omitempty"`
	Port          int    `yaml:"port,omitempty"`
	User          string `yaml:"user,omitempty"`
	Password      string `yaml:"password,omitempty"`
	ManagedSystem string `yaml:"managedSystem,omitempty"`

	PrivateKeyPath        string        `yaml:"privateKeyPath,omitempty"`
	PublicKeyPath         string        `yaml:"publicKeyPath,omitempty"`
	KnownHostsPath        string        `yaml:"knownHostsPath,omitempty"`
	InsecureIgnoreHostKey bool          `yaml:"insecureIgnoreHostKey,omitempty"`
	ConnectTimeout        time.Duration `yaml:"connectTimeout,omitempty"`
}

// IdentitySpec controls where the identity table lives.
type IdentitySpec struct {
	// LocalPath defaults to a per host and user path in the cache dir.
	LocalPath string `yaml:"localPath,omitempty"`
	// RemotePath defaults to /home/<user>/libvirt_uuid_table.
	RemotePath        string `yaml:"remotePath,omitempty"`
	CompactTombstones bool   `yaml:"compactTombstones,omitempty"`
}

// TransferSpec selects the file transfer protocol.
type TransferSpec struct {
	Protocol  string `yaml:"protocol,omitempty"` // scp or sftp
	ChunkSize int    `yaml:"chunkSize,omitempty"`
}

// LogSpec configures console and file logging.
type LogSpec struct {
	Level      string `yaml:"level,omitempty"`
	File       string `yaml:"file,omitempty"`
	FileLevel  string `yaml:"fileLevel,omitempty"`
	Color      *bool  `yaml:"color,omitempty"`
	MaxSizeMB  int    `yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `yaml:"maxBackups,omitempty"`
	MaxAgeDays int    `yaml:"maxAgeDays,omitempty"`
}
