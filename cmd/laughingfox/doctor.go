package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"laughingfox/internal/command"
	"laughingfox/internal/command/builtin"
	"laughingfox/internal/config"
	"laughingfox/internal/credential"
	"laughingfox/internal/storage"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your installation",
		Long: `Verifies the configuration, stored session, record storage, sidecar
address and command manifest. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Laughingfox Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0
			quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'laughingfox init' to create a default configuration.\n")
				return fmt.Errorf("config not found")
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			if len(cfg.General.Admins) == 0 {
				printWarn("Bot admins", "none configured; ban and unban are unusable")
				warned++
			} else {
				printPass("Bot admins", fmt.Sprintf("%d configured", len(cfg.General.Admins)))
				passed++
			}

			if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
				printFail("Data directory", err.Error())
				failed++
			} else {
				printPass("Data directory", cfg.General.DataDir)
				passed++
			}

			creds := credential.NewStore(credential.StoreConfig{Path: cfg.Credentials.Path, Logger: quiet})
			switch err := creds.Load(); {
			case err != nil:
				printFail("Session", err.Error())
				failed++
			case creds.Empty() && cfg.Credentials.Bootstrap.Source == "none":
				printWarn("Session", "no stored credentials; the sidecar will ask to pair")
				warned++
			case creds.Empty():
				printPass("Session", "will bootstrap from "+cfg.Credentials.Bootstrap.Source)
				passed++
			default:
				detail := cfg.Credentials.Path
				if self := creds.Current().SelfID(); self != "" {
					detail = self
				}
				printPass("Session", detail)
				passed++
			}

			if err := checkStorage(cfg.Storage, quiet); err != nil {
				printFail("Storage", err.Error())
				failed++
			} else {
				printPass("Storage", cfg.Storage.Driver)
				passed++
			}

			if err := checkSidecar(cfg.Connection.SidecarURL); err != nil {
				printWarn("Sidecar", fmt.Sprintf("%s unreachable: %v", cfg.Connection.SidecarURL, err))
				warned++
			} else {
				printPass("Sidecar", cfg.Connection.SidecarURL)
				passed++
			}

			registry := command.NewRegistry(quiet)
			manifest, err := command.LoadManifest(cfg.Commands.ManifestPath, quiet)
			if err == nil {
				err = builtin.Register(registry)
			}
			if err == nil {
				err = registry.Apply(manifest)
			}
			if err != nil {
				printFail("Commands", err.Error())
				failed++
			} else {
				printPass("Commands", fmt.Sprintf("%d enabled", registry.Len()))
				passed++
			}

			if cfg.Health.Enabled {
				if err := checkPort(cfg.Health.Port); err != nil {
					printWarn("Health port", fmt.Sprintf("port %d may be in use: %v", cfg.Health.Port, err))
					warned++
				} else {
					printPass("Health port", fmt.Sprintf(":%d available", cfg.Health.Port))
					passed++
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before starting the gateway.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nThe gateway should start but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Run 'laughingfox gateway'.\n")
			}
			return nil
		},
	}
}

// checkStorage opens the record store, which runs migrations for sqlite,
// and performs one read.
func checkStorage(cfg config.StorageConfig, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.Driver == "" || cfg.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("cannot create database directory: %w", err)
		}
	}
	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if _, err := store.GetSetting(ctx, "doctor"); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if err := store.SetSetting(ctx, "doctor", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return nil
}

func checkSidecar(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
