package main

import "time"

const (
	defaultBindHost       = "127.0.0.1"
	defaultAPIPort        = 5000
	defaultQueryTimeout   = 30 * time.Second
	defaultLogLevel       = "info"
	defaultLogFormat      = "console"
	defaultBackupInterval = 6 * time.Hour
	defaultBackupTimeout  = 30 * time.Second
	defaultBackupTag      = "netos-community-apps-backup"
	defaultBackupPolicy   = "local-wins"
	defaultBackupKeepLast = 5
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Host         string        `mapstructure:"host"`
	APIPort      int           `mapstructure:"api-port"`
	APIAddr      string        `mapstructure:"api-addr"`
	DBPath       string        `mapstructure:"db-path"`
	UploadDir    string        `mapstructure:"upload-dir"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`
	LogLevel     string        `mapstructure:"log-level"`
	LogFormat    string        `mapstructure:"log-format"`
	AdminToken   string        `mapstructure:"admin-token"`
	CORSOrigins  []string      `mapstructure:"cors-allowed-origins"`

	// BackupBucketURL selects the remote: s3://bucket/prefix or file:///dir.
	// Empty disables remote backups.
	BackupBucketURL      string        `mapstructure:"backup-bucket-url"`
	BackupHandle         string        `mapstructure:"backup-handle"`
	BackupTag            string        `mapstructure:"backup-tag"`
	BackupInterval       time.Duration `mapstructure:"backup-interval"`
	BackupTimeout        time.Duration `mapstructure:"backup-timeout"`
	BackupRestorePolicy  string        `mapstructure:"backup-restore-policy"`
	BackupLocalDir       string        `mapstructure:"backup-local-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl"`

	ConfigPath string `mapstructure:"-"` // not from config file
}
