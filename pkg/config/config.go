package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a presence node.
type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Gossip   GossipConfig   `mapstructure:"gossip"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Blobstore BlobstoreConfig `mapstructure:"blobstore"`
	API      APIConfig      `mapstructure:"api"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// NodeConfig holds node-specific configuration.
type NodeConfig struct {
	Replica  string `mapstructure:"replica"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
}

// GossipConfig holds gossip transport configuration.
type GossipConfig struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	Bootstrap           []string      `mapstructure:"bootstrap"`
	Fanout              int           `mapstructure:"fanout"`
	GossipInterval      time.Duration `mapstructure:"gossip_interval"`
	AntiEntropyInterval time.Duration `mapstructure:"anti_entropy_interval"`
}

// StorageConfig holds snapshot persistence configuration.
type StorageConfig struct {
	Engine string `mapstructure:"engine"`
	Path   string `mapstructure:"path"`
	Sync   bool   `mapstructure:"sync"`
}

// BlobstoreConfig holds overflow-metadata object storage configuration.
type BlobstoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	ChunkSize int64  `mapstructure:"chunk_size"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// APIConfig holds control-plane configuration.
type APIConfig struct {
	REST RESTConfig `mapstructure:"rest"`
	GRPC GRPCConfig `mapstructure:"grpc"`
}

// RESTConfig holds REST API configuration.
type RESTConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Address string   `mapstructure:"address"`
	CORS    []string `mapstructure:"cors"`
}

// GRPCConfig holds the gRPC health endpoint's configuration.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// SecurityConfig holds security configuration.
type SecurityConfig struct {
	TLSEnabled      bool   `mapstructure:"tls_enabled"`
	CertFile        string `mapstructure:"cert_file"`
	KeyFile         string `mapstructure:"key_file"`
	CAFile          string `mapstructure:"ca_file"`
	EncryptEnvelopes bool  `mapstructure:"encrypt_envelopes"`
	SignEnvelopes   bool   `mapstructure:"sign_envelopes"`
	AuditLogPath    string `mapstructure:"audit_log_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Replica:  "",
			DataDir:  "./data",
			LogLevel: "info",
		},
		Gossip: GossipConfig{
			ListenAddress:       "/ip4/0.0.0.0/tcp/26656",
			Bootstrap:           []string{},
			Fanout:              3,
			GossipInterval:      1 * time.Second,
			AntiEntropyInterval: 10 * time.Second,
		},
		Storage: StorageConfig{
			Engine: "badger",
			Path:   "./data/snapshots",
			Sync:   true,
		},
		Blobstore: BlobstoreConfig{
			Endpoint:  "localhost:9000",
			Bucket:    "presence-meta",
			AccessKey: "presence",
			SecretKey: "presence123",
			ChunkSize: 64 * 1024 * 1024,
			UseSSL:    false,
		},
		API: APIConfig{
			REST: RESTConfig{
				Enabled: true,
				Address: "0.0.0.0:1317",
				CORS:    []string{"*"},
			},
			GRPC: GRPCConfig{
				Enabled: true,
				Address: "0.0.0.0:9090",
			},
		},
		Security: SecurityConfig{
			TLSEnabled:       false,
			CertFile:         "",
			KeyFile:          "",
			CAFile:           "",
			EncryptEnvelopes: true,
			SignEnvelopes:    true,
			AuditLogPath:     "./logs/audit.log",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0:9091",
			Path:    "/metrics",
		},
	}
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	v.SetDefault("node.data_dir", cfg.Node.DataDir)
	v.SetDefault("node.log_level", cfg.Node.LogLevel)
	v.SetDefault("gossip.listen_address", cfg.Gossip.ListenAddress)
	v.SetDefault("gossip.fanout", cfg.Gossip.Fanout)
	v.SetDefault("gossip.gossip_interval", cfg.Gossip.GossipInterval)
	v.SetDefault("gossip.anti_entropy_interval", cfg.Gossip.AntiEntropyInterval)
	v.SetDefault("storage.engine", cfg.Storage.Engine)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.sync", cfg.Storage.Sync)
	v.SetDefault("blobstore.endpoint", cfg.Blobstore.Endpoint)
	v.SetDefault("blobstore.bucket", cfg.Blobstore.Bucket)
	v.SetDefault("blobstore.access_key", cfg.Blobstore.AccessKey)
	v.SetDefault("blobstore.secret_key", cfg.Blobstore.SecretKey)
	v.SetDefault("blobstore.chunk_size", cfg.Blobstore.ChunkSize)
	v.SetDefault("blobstore.use_ssl", cfg.Blobstore.UseSSL)
	v.SetDefault("api.rest.enabled", cfg.API.REST.Enabled)
	v.SetDefault("api.rest.address", cfg.API.REST.Address)
	v.SetDefault("api.rest.cors", cfg.API.REST.CORS)
	v.SetDefault("api.grpc.enabled", cfg.API.GRPC.Enabled)
	v.SetDefault("api.grpc.address", cfg.API.GRPC.Address)
	v.SetDefault("security.tls_enabled", cfg.Security.TLSEnabled)
	v.SetDefault("security.encrypt_envelopes", cfg.Security.EncryptEnvelopes)
	v.SetDefault("security.sign_envelopes", cfg.Security.SignEnvelopes)
	v.SetDefault("security.audit_log_path", cfg.Security.AuditLogPath)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetEnvPrefix("PRESENCE")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
