package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"laughingfox/internal/config"

	"github.com/spf13/cobra"
)

var bootstrapSources = []struct {
	ID   string
	Desc string
}{
	{"none", "pair through the sidecar (QR / pairing code)"},
	{"http", "download a session from a paste service by session id"},
	{"ssm", "read a session from an AWS SSM parameter"},
}

var storageDrivers = []struct {
	ID   string
	Desc string
}{
	{"sqlite", "local database file"},
	{"dynamodb", "AWS DynamoDB table"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: identity → admins → sidecar → session → storage → save config",
		Long:  "Guides you through the bot's name and prefix, its admins, the sidecar address, where the session comes from and where records are stored. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}
	choose := func(n int, def string) (int, error) {
		choice, err := prompt(def)
		if err != nil {
			return 0, err
		}
		var idx int
		if k, _ := fmt.Sscanf(choice, "%d", &idx); k != 1 || idx < 1 || idx > n {
			idx = 1
		}
		return idx - 1, nil
	}

	fmt.Println("\n--- Step 1: Identity ---")
	fmt.Fprint(os.Stdout, "Bot name")
	if cfg.General.BotName, err = prompt(cfg.General.BotName); err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, "Command prefix")
	if cfg.General.Prefix, err = prompt(cfg.General.Prefix); err != nil {
		return err
	}

	fmt.Println("\n--- Step 2: Bot admins ---")
	fmt.Fprint(os.Stdout, "Admin phone numbers, comma separated")
	admins, err := prompt(strings.Join(cfg.General.Admins, ","))
	if err != nil {
		return err
	}
	cfg.General.Admins = nil
	for _, a := range strings.Split(admins, ",") {
		if a = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(a), "+")); a != "" {
			cfg.General.Admins = append(cfg.General.Admins, a)
		}
	}
	fmt.Fprintf(os.Stdout, "  %d admin(s)\n", len(cfg.General.Admins))

	fmt.Println("\n--- Step 3: Sidecar ---")
	fmt.Fprint(os.Stdout, "Sidecar WebSocket URL")
	if cfg.Connection.SidecarURL, err = prompt(cfg.Connection.SidecarURL); err != nil {
		return err
	}

	fmt.Println("\n--- Step 4: Session ---")
	def := "1"
	for i, s := range bootstrapSources {
		fmt.Fprintf(os.Stdout, "  %d) %s — %s\n", i+1, s.ID, s.Desc)
		if s.ID == cfg.Credentials.Bootstrap.Source {
			def = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprintf(os.Stdout, "Choose session source (1–%d)", len(bootstrapSources))
	idx, err := choose(len(bootstrapSources), def)
	if err != nil {
		return err
	}
	bs := &cfg.Credentials.Bootstrap
	bs.Source = bootstrapSources[idx].ID
	switch bs.Source {
	case "http":
		fmt.Fprint(os.Stdout, "Paste service base URL")
		if bs.URL, err = prompt(bs.URL); err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, "Session id")
		if bs.SessionID, err = prompt(bs.SessionID); err != nil {
			return err
		}
	case "ssm":
		fmt.Fprint(os.Stdout, "SSM parameter name")
		if bs.SSMParameter, err = prompt(bs.SSMParameter); err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, "AWS region")
		if bs.Region, err = prompt(bs.Region); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stdout, "  Using session source: %s\n", bs.Source)

	fmt.Println("\n--- Step 5: Storage ---")
	def = "1"
	for i, d := range storageDrivers {
		fmt.Fprintf(os.Stdout, "  %d) %s — %s\n", i+1, d.ID, d.Desc)
		if d.ID == cfg.Storage.Driver {
			def = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprintf(os.Stdout, "Choose storage (1–%d)", len(storageDrivers))
	if idx, err = choose(len(storageDrivers), def); err != nil {
		return err
	}
	cfg.Storage.Driver = storageDrivers[idx].ID
	if cfg.Storage.Driver == "dynamodb" {
		fmt.Fprint(os.Stdout, "DynamoDB table")
		if cfg.Storage.DynamoTable, err = prompt(cfg.Storage.DynamoTable); err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, "AWS region")
		if cfg.Storage.Region, err = prompt(cfg.Storage.Region); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stdout, "  Using storage: %s\n", cfg.Storage.Driver)

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'laughingfox doctor', then 'laughingfox gateway'.")
	return nil
}
