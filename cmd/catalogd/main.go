package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/netos-community/appcatalog/internal/backup"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath, exportPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/catalogd/config.yml)")
	flag.StringVar(&exportPath, "export", "", "write the local database as a backup envelope to this path and exit")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("catalogd - NetOS Community Apps catalog\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if exportPath != "" {
		if err := runExport(cfg, exportPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	dataDir := filepath.Join(home, ".local", "share", "catalogd")

	v := viper.New()
	v.SetEnvPrefix("CATALOG")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("host", defaultBindHost)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("db-path", filepath.Join(dataDir, "catalog.duckdb"))
	v.SetDefault("upload-dir", filepath.Join(dataDir, "uploads"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-format", defaultLogFormat)
	v.SetDefault("admin-token", "")
	v.SetDefault("cors-allowed-origins", []string{"*"})
	v.SetDefault("backup-bucket-url", "")
	v.SetDefault("backup-handle", "")
	v.SetDefault("backup-tag", defaultBackupTag)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-timeout", defaultBackupTimeout)
	v.SetDefault("backup-restore-policy", defaultBackupPolicy)
	v.SetDefault("backup-local-dir", filepath.Join(dataDir, "pre-restore"))
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("backup-s3-endpoint", "")
	v.SetDefault("backup-s3-region", "us-east-1")
	v.SetDefault("backup-s3-access-key", "")
	v.SetDefault("backup-s3-secret-key", "")
	v.SetDefault("backup-s3-session-token", "")
	v.SetDefault("backup-s3-use-ssl", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "catalogd", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.BackupInterval <= 0 {
		return cfg, fmt.Errorf("invalid backup-interval: %s", cfg.BackupInterval)
	}
	if cfg.BackupTimeout <= 0 {
		return cfg, fmt.Errorf("invalid backup-timeout: %s", cfg.BackupTimeout)
	}
	if cfg.BackupKeepLast < 0 {
		return cfg, fmt.Errorf("invalid backup-keep-last: %d", cfg.BackupKeepLast)
	}
	switch backup.RestorePolicy(cfg.BackupRestorePolicy) {
	case backup.RestoreLocalWins, backup.RestoreRemoteWins:
	default:
		return cfg, fmt.Errorf("invalid backup-restore-policy: %q", cfg.BackupRestorePolicy)
	}
	if raw := strings.TrimSpace(cfg.BackupBucketURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return cfg, fmt.Errorf("invalid backup-bucket-url: %w", err)
		}
		if u.Scheme != "s3" && u.Scheme != "file" {
			return cfg, fmt.Errorf("invalid backup-bucket-url: scheme must be s3:// or file://")
		}
	}

	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.UploadDir = expandHome(home, cfg.UploadDir)
	cfg.BackupLocalDir = expandHome(home, cfg.BackupLocalDir)

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
