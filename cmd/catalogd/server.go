package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/netos-community/appcatalog/internal/backup"
	"github.com/netos-community/appcatalog/internal/duckdb"
	"github.com/netos-community/appcatalog/internal/httpserver"
	"github.com/netos-community/appcatalog/internal/logging"
)

// runServer restores or initializes the catalog database, then serves the API.
func runServer(cfg appConfig) error {
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Component("catalogd")

	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		log.Info().Msg("shutting down gracefully (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(15 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			log.Warn().Msg("force shutdown")
		case <-deadline.C:
			log.Warn().Msg("shutdown timed out, forcing exit")
		}
		os.Exit(1)
	}()

	repo, err := buildRepository(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("remote backup misconfigured, running local-only")
		repo = nil
	}

	orch := backup.NewOrchestrator(store, repo, backup.Config{
		Handle:        backup.Handle(cfg.BackupHandle),
		Tag:           cfg.BackupTag,
		Interval:      cfg.BackupInterval,
		RestorePolicy: backup.RestorePolicy(cfg.BackupRestorePolicy),
		LocalDir:      cfg.BackupLocalDir,
		KeepLast:      cfg.BackupKeepLast,
	}, logging.Component("backup"))

	// The catalog must not take traffic before the startup decision is made.
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to prepare catalog database: %w", err)
	}
	defer orch.Stop()

	apiServer := httpserver.NewServer(httpserver.Options{
		Addr:        cfg.APIAddr,
		UploadDir:   cfg.UploadDir,
		AdminToken:  cfg.AdminToken,
		CORSOrigins: cfg.CORSOrigins,
		Log:         logging.Component("http"),
	}, store, orch)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	printStartupBanner(cfg, orch.Status())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Serve)
	g.Go(func() error {
		<-gctx.Done()
		return apiServer.Stop()
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// buildRepository returns the guarded remote for the configured bucket URL,
// or nil when remote backups are not configured.
func buildRepository(ctx context.Context, cfg appConfig) (backup.Repository, error) {
	raw := strings.TrimSpace(cfg.BackupBucketURL)
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse backup-bucket-url: %w", err)
	}

	var inner backup.Repository
	switch u.Scheme {
	case "file":
		dir, err := backup.NewDirRepository(u.Path, cfg.BackupTag)
		if err != nil {
			return nil, err
		}
		inner = dir
	case "s3":
		s3repo, err := backup.NewS3Repository(ctx, backup.S3Config{
			BucketURL:    raw,
			Endpoint:     cfg.BackupS3Endpoint,
			Region:       cfg.BackupS3Region,
			AccessKey:    cfg.BackupS3AccessKey,
			SecretKey:    cfg.BackupS3SecretKey,
			SessionToken: cfg.BackupS3SessionToken,
			UseSSL:       cfg.BackupS3UseSSL,
			Tag:          cfg.BackupTag,
		})
		if err != nil {
			return nil, err
		}
		inner = s3repo
	default:
		return nil, fmt.Errorf("unsupported backup-bucket-url scheme %q", u.Scheme)
	}

	return backup.NewGuard(inner, backup.GuardConfig{Timeout: cfg.BackupTimeout}, logging.Component("backup")), nil
}

func printStartupBanner(cfg appConfig, st backup.Status) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	var lines []string
	lines = append(lines, "")
	lines = append(lines, "    "+cyan.Bold(true).Render("NetOS Community Apps")+"  "+dim.Render("v"+version))
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Gateway"), "")
	lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	if cfg.AdminToken != "" {
		lines = append(lines, fmt.Sprintf("    %s  Admin routes   %s", check, dim.Render("token required")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Admin routes   %s", dot, dim.Render("open")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines, fmt.Sprintf("    %s  Database       %s", check, dim.Render(shortenPath(cfg.DBPath))))
	lines = append(lines, fmt.Sprintf("    %s  Uploads        %s", check, dim.Render(shortenPath(cfg.UploadDir))))
	if st.BackupEnabled {
		target := cfg.BackupBucketURL
		if st.RemoteHandle != "" {
			target += " (" + string(st.RemoteHandle) + ")"
		}
		lines = append(lines, fmt.Sprintf("    %s  Remote backup  %s", check, dim.Render(target)))
		lines = append(lines, fmt.Sprintf("    %s  Interval       %s", check, dim.Render(cfg.BackupInterval.String())))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Remote backup  %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
