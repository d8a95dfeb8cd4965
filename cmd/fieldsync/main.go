package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync-go/internal/app"
	"fieldsync-go/internal/auth"
	"fieldsync-go/internal/config"
	"fieldsync-go/internal/encryption"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// A .env next to the working directory may carry FIELDSYNC_* overrides.
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (string, *config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return "", nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return "", nil, fmt.Errorf("reading config: %w", err)
	}
	return defaults["config_path"], cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "CreateFile", "SyncRun").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	passphrase := ""
	if needsPassphrase(cfg) {
		passphrase, err = readPassphrase("Passphrase: ")
		if err != nil {
			return nil, err
		}
	}

	a, err := app.NewApp(ctx, cfg, operation, passphrase)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "fieldsync",
	Short:        "Offline-first incident files with selective replication",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		deviceID := uuid.New().String()
		cfg := config.NewConfig(deviceID, defaults["base_dir"])
		if url, _ := cmd.Flags().GetString("server"); url != "" {
			cfg.Backend = config.BackendConfig{Type: "http", URL: url}
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration initialized at %s\n", defaults["config_path"])
		fmt.Fprintf(out, "Device ID: %s\n", deviceID)
		fmt.Fprintf(out, "Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		renderConfig(cmd.OutOrStdout(), path, cfg)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate the age key pair that seals backend payloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		keys := encryption.NewAgeKeys(cfg.Encryption)
		if keys.IsConfigured() {
			return fmt.Errorf("keys already exist at %s", cfg.Encryption.PublicKeyPath)
		}
		passphrase, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := keys.Setup(passphrase); err != nil {
			return fmt.Errorf("creating keys: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Keys written to %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Fprintln(cmd.OutOrStdout(), "Set encryption.type = \"age\" and backend.seal = true to use them.")
		return nil
	},
}

// file command
var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Manage incident files",
}

var fileCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		shared, _ := cmd.Flags().GetBool("shared")

		a, err := newApp(cmd.Context(), "CreateFile")
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.CreateFile(cmd.Context(), args[0], shared)
		if err != nil {
			return fmt.Errorf("creating file: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var fileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List files on this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListFiles")
		if err != nil {
			return err
		}
		defer a.Close()

		files, err := a.Files(cmd.Context())
		if err != nil {
			return err
		}
		renderFiles(cmd.OutOrStdout(), files)
		return nil
	},
}

var fileOpenCmd = &cobra.Command{
	Use:   "open FILE_ID",
	Short: "Open a file, replicating it first when shared",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		a, err := newApp(ctx, "OpenFile")
		if err != nil {
			return err
		}
		defer a.Close()

		// Compete for leadership so the file replicates even when no
		// sync run is active.
		if err := a.Start(ctx); err != nil {
			return err
		}
		res, err := a.OpenFile(ctx, args[0])
		renderOpen(cmd.OutOrStdout(), res)
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		return nil
	},
}

var fileDeleteCmd = &cobra.Command{
	Use:   "delete FILE_ID",
	Short: "Delete a file and everything in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "DeleteFile")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.DeleteFile(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("deleting file: %w", err)
		}
		renderCascade(cmd.OutOrStdout(), report)
		return nil
	},
}

// team command
var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Manage field teams",
}

var teamAddCmd = &cobra.Command{
	Use:   "add FILE_ID NAME",
	Short: "Add a team to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "AddTeam")
		if err != nil {
			return err
		}
		defer a.Close()

		team, err := a.AddTeam(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("adding team: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), team.ID)
		return nil
	},
}

var teamRemoveCmd = &cobra.Command{
	Use:   "remove FILE_ID TEAM_ID",
	Short: "Remove a team, keeping its logs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "RemoveTeam")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RemoveTeam(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("removing team: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed team %s\n", args[1])
		return nil
	},
}

var teamListCmd = &cobra.Command{
	Use:   "list FILE_ID",
	Short: "List the teams of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		a, err := newApp(cmd.Context(), "ListTeams")
		if err != nil {
			return err
		}
		defer a.Close()

		teams, err := a.Teams(cmd.Context(), args[0], all)
		if err != nil {
			return err
		}
		renderTeams(cmd.OutOrStdout(), teams)
		return nil
	},
}

// log command
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Read and write a file's operations log",
}

var logAppendCmd = &cobra.Command{
	Use:   "append FILE_ID MESSAGE",
	Short: "Append a note to the log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		team, _ := cmd.Flags().GetString("team")

		a, err := newApp(cmd.Context(), "AppendLog")
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.AppendLog(cmd.Context(), args[0], team, args[1])
		if err != nil {
			return fmt.Errorf("appending log: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), entry.ID)
		return nil
	},
}

var logListCmd = &cobra.Command{
	Use:   "list FILE_ID",
	Short: "Show the log of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListLogs")
		if err != nil {
			return err
		}
		defer a.Close()

		logs, err := a.Logs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		teams, err := a.Teams(cmd.Context(), args[0], true)
		if err != nil {
			return err
		}
		renderLogs(cmd.OutOrStdout(), logs, teams)
		return nil
	},
}

// auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the device session",
}

var authLoginCmd = &cobra.Command{
	Use:   "login [TOKEN]",
	Short: "Sign in with a token issued by fieldsync-server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := os.Getenv("FIELDSYNC_TOKEN")
		if len(args) > 0 {
			token = args[0]
		}
		if token == "" {
			return fmt.Errorf("no token given: pass it as an argument or set FIELDSYNC_TOKEN")
		}

		a, err := newApp(cmd.Context(), "SignIn")
		if err != nil {
			return err
		}
		defer a.Close()

		claims, err := a.SignIn(cmd.Context(), token)
		if err != nil {
			return fmt.Errorf("signing in: %w", err)
		}
		renderSession(cmd.OutOrStdout(), claims)
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and remove every shared file from this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SignOut")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SignOut(cmd.Context()); err != nil {
			return fmt.Errorf("signing out: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out. Shared files were removed; local files are kept.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session, err := app.OpenSession(cfg)
		if err != nil {
			return err
		}
		claims, err := session.Claims()
		if err != nil && !errors.Is(err, auth.ErrNoSession) && !errors.Is(err, auth.ErrInvalidToken) {
			return err
		}
		renderSession(cmd.OutOrStdout(), claims)
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replication",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Replicate opted-in files until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "SyncRun")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Start(ctx); err != nil {
			return err
		}
		if err := a.WatchSession(ctx); err != nil {
			return err
		}

		statuses, unsubscribe := a.Service().SubscribeWatchdog()
		defer unsubscribe()
		out := cmd.OutOrStdout()
		renderWatchdog(out, time.Now(), a.Service().WatchdogStatus())
		for {
			select {
			case <-ctx.Done():
				return nil
			case s, ok := <-statuses:
				if !ok {
					return nil
				}
				renderWatchdog(out, time.Now(), s)
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replication status and store counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Status")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}
		stats, err := a.StoreStats(cmd.Context())
		if err != nil {
			return err
		}
		renderStatus(cmd.OutOrStdout(), st, stats)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("server", "", "Replicate through the fieldsync-server at this URL")
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configKeysCmd)

	// file subcommands
	fileCmd.AddCommand(fileCreateCmd)
	fileCreateCmd.Flags().BoolP("shared", "s", false, "Replicate the file to other devices")
	fileCmd.AddCommand(fileListCmd)
	fileCmd.AddCommand(fileOpenCmd)
	fileOpenCmd.Flags().Duration("timeout", 0, "Give up waiting for replication after this long (0 waits until interrupted)")
	fileCmd.AddCommand(fileDeleteCmd)

	// team subcommands
	teamCmd.AddCommand(teamAddCmd)
	teamCmd.AddCommand(teamRemoveCmd)
	teamCmd.AddCommand(teamListCmd)
	teamListCmd.Flags().BoolP("all", "a", false, "Include removed teams")

	// log subcommands
	logCmd.AddCommand(logAppendCmd)
	logAppendCmd.Flags().StringP("team", "t", "", "Team the entry is from (default: operations)")
	logCmd.AddCommand(logListCmd)

	// auth subcommands
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)

	syncCmd.AddCommand(syncRunCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(teamCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
