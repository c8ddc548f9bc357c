package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"laughingfox/internal/config"

	"github.com/spf13/cobra"
)

// backupEntry maps a name inside the archive to a file on disk.
type backupEntry struct {
	name string
	path string
}

// backupSet lists everything a backup covers. Archive names are fixed so
// a restore can place each file wherever the current config points.
func backupSet(cfgPath string, cfg *config.Config) []backupEntry {
	set := []backupEntry{
		{"config.json", cfgPath},
		{"creds.json", cfg.Credentials.Path},
		{"store.json", cfg.Store.SnapshotPath},
	}
	if cfg.Storage.Driver == "" || cfg.Storage.Driver == "sqlite" {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			set = append(set, backupEntry{"records.db" + suffix, cfg.Storage.DBPath + suffix})
		}
	}
	return set
}

func loadForBackup(cfgPath string) *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
		cfg.ResolvePaths()
	}
	return cfg
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config, session, message snapshot and database",
		Long: `Creates a compressed .tar.gz archive containing the configuration,
stored credentials, message store snapshot and SQLite database.
The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := loadForBackup(cfgPath)

			if outputPath == "" {
				backupDir := filepath.Join(cfg.General.DataDir, "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("laughingfox-backup-%s.tar.gz", ts))
			}

			var present []backupEntry
			for _, e := range backupSet(cfgPath, cfg) {
				if _, err := os.Stat(e.path); err == nil {
					present = append(present, e)
				}
			}
			if len(present) == 0 {
				return fmt.Errorf("nothing to back up (config: %s)", cfgPath)
			}

			if err := createTarGz(outputPath, present); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(present))
			for _, e := range present {
				size := int64(0)
				if info, err := os.Stat(e.path); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", e.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <dataDir>/backups/laughingfox-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore data from a backup archive",
		Long: `Restores files from a .tar.gz archive created by 'laughingfox backup'.
Stop the gateway first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: laughingfox restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			set := backupSet(cfgPath, loadForBackup(cfgPath))

			if !force {
				var existing []string
				for _, e := range set {
					if _, err := os.Stat(e.path); err == nil {
						existing = append(existing, e.path)
					}
				}
				if len(existing) > 0 {
					fmt.Printf("WARNING: This will overwrite existing data:\n")
					for _, p := range existing {
						fmt.Printf("  %s\n", p)
					}
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, set)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

func createTarGz(outputPath string, entries []backupEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.path, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, e backupEntry) error {
	file, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz writes every archive member that set knows about. Unknown
// members are skipped.
func extractTarGz(archivePath string, set []backupEntry) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	targets := make(map[string]string, len(set))
	for _, e := range set {
		targets[e.name] = e.path
	}

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		targetPath, ok := targets[filepath.Base(header.Name)]
		if !ok {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()
		restored = append(restored, targetPath)
	}
	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
