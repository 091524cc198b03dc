// Package config loads the reldatasync-server configuration: the listen
// address, data directory, log level, and the set of named datastores the
// server's Registry should expose, each with its own storage backend.
//
// The teacher's cmd/server reads flags with the standard library's flag
// package; a server config here carries an open-ended list of named
// datastores, which a flat flag set cannot express, so this package reaches
// for the richer spf13/pflag + spf13/viper pairing cobra's own author
// favors: pflag for the few scalar overrides, viper for the config file
// that actually declares the datastores.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BackendSpec describes how one datastore/type pair is stored.
type BackendSpec struct {
	// Kind is "memory", "postgres", or "sqlite".
	Kind string `mapstructure:"kind"`
	// DSN is the driver connection string; unused for "memory".
	DSN string `mapstructure:"dsn"`
	// Table is the backing SQL table name; unused for "memory".
	Table string `mapstructure:"table"`
	// Durable, for "memory" only, turns on WAL+snapshot persistence under
	// DataDir/<name>/<type>.
	Durable bool `mapstructure:"durable"`
}

// DatastoreSpec declares one entry the Registry will expose.
type DatastoreSpec struct {
	Name        string      `mapstructure:"name"`
	DisplayName string      `mapstructure:"display_name"`
	DocType     string      `mapstructure:"doc_type"`
	Backend     BackendSpec `mapstructure:"backend"`
}

// ServerConfig is everything cmd/reldatasync-server needs to start.
type ServerConfig struct {
	ListenAddr string          `mapstructure:"listen_addr"`
	DataDir    string          `mapstructure:"data_dir"`
	LogLevel   string          `mapstructure:"log_level"`
	ChunkSize  int64           `mapstructure:"chunk_size"`
	ReplicaID  string          `mapstructure:"replica_id"`
	Datastores []DatastoreSpec `mapstructure:"datastores"`
}

// LoadServerConfig parses args (typically os.Args[1:]) into a ServerConfig.
// A --config file, if given, is read first via viper (YAML, JSON, and TOML
// are all auto-detected from the extension); flags then override its
// scalar fields. RELDATASYNC_-prefixed environment variables also bind,
// e.g. RELDATASYNC_LISTEN_ADDR.
func LoadServerConfig(args []string) (ServerConfig, error) {
	fs := pflag.NewFlagSet("reldatasync-server", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a YAML/JSON/TOML config file declaring datastores")
	listenAddr := fs.String("listen", ":8080", "listen address (host:port)")
	dataDir := fs.String("data-dir", "/tmp/reldatasync", "directory for durable memstore WAL/snapshots")
	logLevel := fs.String("log-level", "info", "debug, info, warn, or error")
	chunkSize := fs.Int64("chunk-size", 100, "default replication chunk size")
	replicaID := fs.String("replica-id", "", "this server's replica id (random if empty)")

	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("reldatasync")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", *listenAddr)
	v.SetDefault("data_dir", *dataDir)
	v.SetDefault("log_level", *logLevel)
	v.SetDefault("chunk_size", *chunkSize)
	v.SetDefault("replica_id", *replicaID)

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return ServerConfig{}, fmt.Errorf("config: read %s: %w", *configFile, err)
		}
	}

	if fs.Changed("listen") {
		v.Set("listen_addr", *listenAddr)
	}
	if fs.Changed("data-dir") {
		v.Set("data_dir", *dataDir)
	}
	if fs.Changed("log-level") {
		v.Set("log_level", *logLevel)
	}
	if fs.Changed("chunk-size") {
		v.Set("chunk_size", *chunkSize)
	}
	if fs.Changed("replica-id") {
		v.Set("replica_id", *replicaID)
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	seen := make(map[string]bool, len(c.Datastores))
	for _, d := range c.Datastores {
		if d.Name == "" || d.DocType == "" {
			return fmt.Errorf("config: datastore entry missing name or doc_type: %+v", d)
		}
		key := d.Name + "/" + d.DocType
		if seen[key] {
			return fmt.Errorf("config: duplicate datastore/type %s", key)
		}
		seen[key] = true

		switch d.Backend.Kind {
		case "memory":
		case "postgres", "sqlite":
			if d.Backend.DSN == "" {
				return fmt.Errorf("config: datastore %s: %s backend requires a dsn", key, d.Backend.Kind)
			}
			if d.Backend.Table == "" {
				return fmt.Errorf("config: datastore %s: %s backend requires a table", key, d.Backend.Kind)
			}
		default:
			return fmt.Errorf("config: datastore %s: unknown backend kind %q", key, d.Backend.Kind)
		}
	}
	return nil
}
