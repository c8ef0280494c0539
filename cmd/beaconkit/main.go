package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"beaconkit/internal/app"
	"beaconkit/internal/config"
	"beaconkit/internal/encryption"
	"beaconkit/internal/layout"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Tick", "Run").
func newApp(opts app.Options) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewApp(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// readPassphrase prompts for a passphrase without echoing it.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pw), nil
}

// maybePassphrase prompts only when the config has at-rest encryption set up.
func maybePassphrase(cfg *config.Config) (string, error) {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return "", err
	}
	if enc == nil || !enc.IsConfigured() {
		return "", nil
	}
	return readPassphrase("Passphrase: ")
}

var rootCmd = &cobra.Command{
	Use:   "beaconkit",
	Short: "Beacon proximity action resolver",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init LAYOUT_URL",
	Short: "Initialize configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(args[0], defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Layout URL: %s\n", cfg.Layout.URL)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Layout URL:  %s\n", cfg.Layout.URL)
		fmt.Printf("History URL: %s\n", cfg.Layout.HistoryURL)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Database:    %s (%s)\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Sighting:    %s (%s %s)\n", cfg.Sighting.Type, cfg.Sighting.Broker, cfg.Sighting.Topic)
		fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage at-rest encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate an encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		if enc == nil {
			return fmt.Errorf("encryption is disabled in config (type = %q)", cfg.Encryption.Type)
		}
		if enc.IsConfigured() {
			return fmt.Errorf("key pair already exists at %s", cfg.Encryption.PublicKeyPath)
		}

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := enc.Setup(pass); err != nil {
			return fmt.Errorf("generating key pair: %w", err)
		}

		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s (passphrase protected)\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the resolver in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		pass, err := maybePassphrase(cfg)
		if err != nil {
			return err
		}

		a, err := app.NewApp(cfg, app.Options{Operation: "Run", Foreground: true, Passphrase: pass})
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		a.Engine().AddSink(&printSink{})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.RunForeground(ctx); err != nil {
			a.Fail()
			return err
		}
		return nil
	},
}

// tick command
var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one background maintenance pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		pass, err := maybePassphrase(cfg)
		if err != nil {
			return err
		}

		a, err := app.NewApp(cfg, app.Options{Operation: "Tick", Passphrase: pass})
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		a.Engine().AddSink(&printSink{})

		if err := a.Tick(cmd.Context()); err != nil {
			a.Fail()
			return err
		}
		return nil
	},
}

// layout command
var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Manage the cached layout",
}

var layoutRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a layout refresh from the network",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{Operation: "RefreshLayout"})
		if err != nil {
			return err
		}
		defer a.Close()

		ok, err := a.RefreshLayout(cmd.Context())
		if err != nil {
			a.Fail()
			return err
		}
		if !ok {
			a.Fail()
			return fmt.Errorf("no usable layout after refresh")
		}

		fmt.Println("Layout refreshed.")
		return nil
	},
}

var layoutShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		pass, err := maybePassphrase(cfg)
		if err != nil {
			return err
		}

		a, err := app.NewApp(cfg, app.Options{Operation: "ShowLayout", Passphrase: pass})
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		l, fp := a.LayoutSnapshot(cmd.Context())
		if l == nil {
			fmt.Println("No layout loaded.")
			return nil
		}

		fmt.Printf("Fingerprint: %s\n", fp)
		if l.ValidUntil.IsZero() {
			fmt.Println("Valid until: forever")
		} else {
			fmt.Printf("Valid until: %s\n", l.ValidUntil.Format(time.RFC3339))
		}
		fmt.Printf("Regions (%d):\n", len(l.AllowedID1s))
		for _, id1 := range l.AllowedID1s {
			fmt.Printf("  %s\n", id1)
		}
		fmt.Printf("Rules (%d):\n", len(l.Rules))
		for _, r := range l.Rules {
			fmt.Printf("  %s  trigger=%s  beacons=%d  delay=%ds  suppression=%ds  once=%v\n",
				r.UUID, r.Trigger, len(r.PIDs), r.DelaySeconds, r.SuppressionSeconds, r.SendOnlyOnce)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage the event history ledger",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List undelivered history rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{Operation: "ListHistory"})
		if err != nil {
			return err
		}
		defer a.Close()

		events, actions, err := a.ListHistory()
		if err != nil {
			return err
		}

		if len(events) == 0 && len(actions) == 0 {
			fmt.Println("No undelivered history.")
			return nil
		}

		for _, e := range events {
			fmt.Printf("event   %s  %-9s  %s\n",
				e.SeenAt.Format("2006-01-02 15:04:05"), e.EventType, e.BeaconPID)
		}
		for _, act := range actions {
			fmt.Printf("action  %s  %-9s  %s  rule=%s\n",
				act.FiredAt.Format("2006-01-02 15:04:05"), act.EventType, act.BeaconPID, act.RuleUUID)
		}
		return nil
	},
}

var historyFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Upload undelivered history to the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{Operation: "FlushHistory"})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.FlushHistory(cmd.Context()); err != nil {
			a.Fail()
			return err
		}
		fmt.Println("History flushed.")
		return nil
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export FILENAME",
	Short: "Export undelivered history to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{Operation: "ExportHistory"})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ExportHistory(args[0]); err != nil {
			a.Fail()
			return err
		}
		fmt.Printf("History exported to %s\n", args[0])
		return nil
	},
}

// purge command
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete delivered history past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{Operation: "PurgeHistory"})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.PurgeHistory(); err != nil {
			a.Fail()
			return err
		}
		fmt.Println("History purged.")
		return nil
	},
}

// ops command
var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "View past operation records",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(app.Options{Operation: "ListOperations"})
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.ListOperations(limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if !op.FinishedAt.IsZero() {
				d := op.FinishedAt.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
			)
		}
		return nil
	},
}

// printSink writes resolved actions and failures to stdout.
type printSink struct{}

func (printSink) ActionResolved(a layout.BeaconAction) {
	fmt.Printf("ACTION  %s  type=%d  subject=%q  url=%q\n", a.UUID, a.Type, a.Subject, a.URL)
}

func (printSink) ResolutionFailed(msg string) {
	fmt.Printf("FAILED  %s\n", msg)
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	layoutCmd.AddCommand(layoutRefreshCmd)
	layoutCmd.AddCommand(layoutShowCmd)

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyFlushCmd)
	historyCmd.AddCommand(historyExportCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(layoutCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(opsCmd)
	opsCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
