package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lova/backend"
	_ "lova/backend/memory"
	"lova/backend/rest"
	_ "lova/backend/sqlite"
	_ "lova/backend/valkey"
	"lova/internal/cache"
	"lova/internal/config"
	"lova/internal/credentials"
	"lova/internal/daemon"
	"lova/internal/history"
	"lova/internal/reconcile"
	"lova/internal/repository"
	"lova/internal/utils"
)

// Version is set at build time
var Version = "dev"

// Result codes for CLI output (used in no-prompt mode)
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultActionQueued    = "ACTION_QUEUED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

// Config holds the command-line settings. Tests set the injectable fields
// to isolate runs from the user's keyring, environment and daemon.
type Config struct {
	NoPrompt     bool
	Verbose      bool
	OutputFormat string
	ConfigPath   string
	DBPath       string

	Stdin      io.Reader
	Keyring    credentials.Keyring
	Getenv     func(string) string
	SocketPath string
	PIDPath    string
	// Executable overrides the binary started by `daemon start`.
	Executable string
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	rootCmd := NewLova(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		if containsJSONFlag(args) {
			outputErrorJSON(err, stdout)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultError)
			}
		}
		return 1
	}
	return 0
}

func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// NewLova creates the root command with injectable IO
func NewLova(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}

	cmd := &cobra.Command{
		Use:   "lova",
		Short: "Offline-first wardrobe tracker",
		Long: "lova keeps your wardrobe, outfit history and profile in a local cache,\n" +
			"queues changes made while offline and syncs them to the remote store.",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("verbose"); v {
				cfg.Verbose = true
			}
			if np, _ := cmd.Flags().GetBool("no-prompt"); np {
				cfg.NoPrompt = true
			}
			if p, _ := cmd.Flags().GetString("config"); p != "" {
				cfg.ConfigPath = p
			}
			if p, _ := cmd.Flags().GetString("db-path"); p != "" {
				cfg.DBPath = p
			}
			if j, _ := cmd.Flags().GetBool("json"); j {
				cfg.OutputFormat = "json"
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file")
	cmd.PersistentFlags().String("db-path", "", "Path to the local cache database (forces the sqlite driver)")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable debug logging")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().Bool("no-prompt", false, "Disable prompts and print result codes")

	cmd.AddCommand(newWardrobeCmd(stdout, cfg))
	cmd.AddCommand(newOutfitsCmd(stdout, cfg))
	cmd.AddCommand(newProfileCmd(stdout, cfg))
	cmd.AddCommand(newSyncCmd(stdout, cfg))
	cmd.AddCommand(newCacheCmd(stdout, cfg))
	cmd.AddCommand(newDaemonCmd(stdout, stderr, cfg))
	cmd.AddCommand(newEmulatorCmd(stdout, cfg))
	cmd.AddCommand(newLoginCmd(stdout, cfg))
	cmd.AddCommand(newLogoutCmd(stdout, cfg))
	cmd.AddCommand(newWhoAmICmd(stdout, cfg))

	return cmd
}

func (c *Config) jsonOutput() bool {
	return c.OutputFormat == "json"
}

func (c *Config) sessionManager() *credentials.Manager {
	var opts []credentials.ManagerOption
	if c.Keyring != nil {
		opts = append(opts, credentials.WithKeyring(c.Keyring))
	}
	if c.Getenv != nil {
		opts = append(opts, credentials.WithEnv(c.Getenv))
	}
	return credentials.NewManager(opts...)
}

func (c *Config) socketPath() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return daemon.GetSocketPath()
}

func (c *Config) pidPath() string {
	if c.PIDPath != "" {
		return c.PIDPath
	}
	return daemon.GetPIDPath()
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(c *Config) (*config.Config, error) {
	appCfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return nil, err
	}
	appCfg.ApplyFlags(c.OutputFormat, c.DBPath)
	if err := appCfg.Validate(); err != nil {
		return nil, err
	}
	if err := utils.GetLogger().SetLevel(appCfg.GetLogLevel()); err != nil {
		return nil, err
	}
	if c.Verbose {
		utils.SetVerboseMode(true)
	}
	if appCfg.OutputFormat == "json" {
		c.OutputFormat = "json"
	}
	return appCfg, nil
}

// app is the wired sync engine used by every data command.
type app struct {
	cfg        *config.Config
	kv         backend.KeyValueStore
	store      *cache.Store
	remote     backend.DocumentStore
	client     *rest.Client // nil without a remote
	session    *credentials.Manager
	repos      *repository.Repositories
	journal    *history.Journal // nil when history is disabled
	reconciler *reconcile.Reconciler
	socketPath string
	log        *logrus.Entry
}

func openApp(ctx context.Context, c *Config) (*app, error) {
	appCfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return openAppWith(ctx, c, appCfg, utils.Component("cli"))
}

func openAppWith(ctx context.Context, c *Config, appCfg *config.Config, log *logrus.Entry) (*app, error) {
	kv, err := backend.OpenStore(appCfg.GetStorageDriver(), appCfg.GetStoreOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	a := &app{
		cfg:        appCfg,
		kv:         kv,
		session:    c.sessionManager(),
		socketPath: c.socketPath(),
		log:        log,
	}
	a.store = cache.New(kv, cache.WithTTL(appCfg.GetCacheTTL()), cache.WithLogger(log.WithField("component", "cache")))

	a.remote = backend.Offline{}
	if appCfg.IsRemoteConfigured() {
		token := appCfg.Remote.Token
		if token == "" {
			token = a.session.Token(ctx)
		}
		client, err := rest.New(rest.Config{
			BaseURL:    appCfg.Remote.URL,
			Token:      token,
			Timeout:    appCfg.GetRemoteTimeout(),
			MaxRetries: appCfg.Remote.MaxRetries,
			Logger:     log.WithField("component", "rest"),
		})
		if err != nil {
			_ = kv.Close()
			return nil, err
		}
		a.client = client
		a.remote = client
	}

	a.repos = repository.New(a.store, a.remote, a.session,
		repository.WithFreshness(appCfg.GetCacheFreshness()),
		repository.WithLogger(log.WithField("component", "repository")),
	)

	opts := []reconcile.Option{
		reconcile.WithChangeTimeout(appCfg.GetChangeTimeout()),
		reconcile.WithMaxAttempts(appCfg.GetMaxAttempts()),
		reconcile.WithLogger(log.WithField("component", "reconcile")),
	}
	if appCfg.IsHistoryEnabled() {
		journal, err := history.Open(appCfg.GetHistoryPath())
		if err != nil {
			log.WithError(err).Warn("sync history disabled")
		} else {
			a.journal = journal
			opts = append(opts, reconcile.WithRecorder(journal))
			retention := time.Duration(appCfg.GetHistoryRetentionDays()) * 24 * time.Hour
			if _, err := journal.Cleanup(ctx, retention); err != nil {
				log.WithError(err).Debug("history cleanup failed")
			}
		}
	}
	a.reconciler = reconcile.New(a.store, a.remote, opts...)
	return a, nil
}

func (a *app) Close() {
	if a.journal != nil {
		_ = a.journal.Close()
	}
	_ = a.remote.Close()
	_ = a.kv.Close()
}

// afterWrite tells a running daemon to sync and turns a queued write into a
// notice instead of a failure.
func (a *app) afterWrite(err error, stdout io.Writer, c *Config) (bool, error) {
	if err != nil && !repository.IsPending(err) {
		if errors.Is(err, repository.ErrNoPrincipal) {
			return false, utils.ErrNotSignedIn()
		}
		return false, err
	}
	if notifyErr := daemon.NewClient(a.socketPath).Notify(); notifyErr != nil {
		a.log.WithError(notifyErr).Debug("daemon not notified")
	}
	if err != nil && !c.jsonOutput() {
		_, _ = fmt.Fprintln(stdout, "Saved locally; the change will sync when the remote store is reachable.")
	}
	return err != nil, nil
}

// readErr maps repository read errors to user-facing ones.
func readErr(err error) error {
	if errors.Is(err, repository.ErrNoPrincipal) {
		return utils.ErrNotSignedIn()
	}
	return err
}

func resultCode(c *Config, stdout io.Writer, code string) {
	if c.NoPrompt && !c.jsonOutput() {
		_, _ = fmt.Fprintln(stdout, code)
	}
}

func writeCode(queued bool) string {
	if queued {
		return ResultActionQueued
	}
	return ResultActionCompleted
}

func writeJSON(stdout io.Writer, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, string(raw))
	return nil
}

type errorResponse struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
	Result     string `json:"result"`
}

func outputErrorJSON(err error, stdout io.Writer) {
	resp := errorResponse{Error: err.Error(), Result: ResultError}
	var sugg *utils.ErrorWithSuggestion
	if errors.As(err, &sugg) {
		resp.Error = sugg.Err.Error()
		resp.Suggestion = sugg.GetSuggestion()
	}
	_ = writeJSON(stdout, resp)
}
