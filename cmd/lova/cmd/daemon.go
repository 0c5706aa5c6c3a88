package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lova/backend"
	"lova/internal/connectivity"
	"lova/internal/credentials"
	"lova/internal/daemon"
	"lova/internal/emulator"
	"lova/internal/utils"
)

const daemonStartTimeout = 5 * time.Second

func newDaemonCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run background sync",
		Long:  "The daemon watches connectivity and the local database and replays queued changes as soon as the remote store is reachable.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the background daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDaemonStart(cfg, stdout)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDaemonStop(cfg, stdout)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDaemonStatus(cfg, stdout)
		},
	})
	cmd.AddCommand(newDaemonRunCmd(stderr, cfg))
	return cmd
}

func doDaemonStart(cfg *Config, stdout io.Writer) error {
	pidPath, socketPath := cfg.pidPath(), cfg.socketPath()
	if daemon.IsRunning(pidPath, socketPath) {
		_, _ = fmt.Fprintln(stdout, "Daemon already running")
		resultCode(cfg, stdout, ResultInfoOnly)
		return nil
	}
	if _, err := loadConfig(cfg); err != nil {
		return err
	}

	err := daemon.Fork(&daemon.Config{
		PIDPath:    pidPath,
		SocketPath: socketPath,
		Executable: cfg.Executable,
		ConfigPath: cfg.ConfigPath,
		DBPath:     cfg.DBPath,
	})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(daemonStartTimeout)
	for !daemon.IsRunning(pidPath, socketPath) {
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not start within %s (see the background log in %s)", daemonStartTimeout, os.TempDir())
		}
		time.Sleep(50 * time.Millisecond)
	}
	if cfg.jsonOutput() {
		return writeJSON(stdout, map[string]any{"running": true, "result": ResultActionCompleted})
	}
	_, _ = fmt.Fprintln(stdout, "Daemon started")
	resultCode(cfg, stdout, ResultActionCompleted)
	return nil
}

func doDaemonStop(cfg *Config, stdout io.Writer) error {
	if !daemon.IsRunning(cfg.pidPath(), cfg.socketPath()) {
		return utils.ErrDaemonNotRunning()
	}
	if err := daemon.NewClient(cfg.socketPath()).Stop(); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	if cfg.jsonOutput() {
		return writeJSON(stdout, map[string]any{"running": false, "result": ResultActionCompleted})
	}
	_, _ = fmt.Fprintln(stdout, "Daemon stopped")
	resultCode(cfg, stdout, ResultActionCompleted)
	return nil
}

func doDaemonStatus(cfg *Config, stdout io.Writer) error {
	if !daemon.IsRunning(cfg.pidPath(), cfg.socketPath()) {
		return utils.ErrDaemonNotRunning()
	}
	resp, err := daemon.NewClient(cfg.socketPath()).Status()
	if err != nil {
		return fmt.Errorf("failed to query daemon: %w", err)
	}
	if cfg.jsonOutput() {
		return writeJSON(stdout, resp)
	}
	online := "offline"
	if resp.Online {
		online = "online"
	}
	_, _ = fmt.Fprintf(stdout, "Daemon running (PID %d) since %s\n", resp.PID, resp.StartedAt)
	_, _ = fmt.Fprintf(stdout, "Remote: %s\n", online)
	_, _ = fmt.Fprintf(stdout, "Sync passes: %d, notifications: %d\n", resp.Passes, resp.Notifications)
	if resp.LastSync != "" {
		_, _ = fmt.Fprintf(stdout, "Last sync: %s (%d change(s))\n", resp.LastSync, resp.LastSynced)
	}
	if resp.SyncInProgress {
		_, _ = fmt.Fprintln(stdout, "Sync in progress")
	}
	if resp.LastError != "" {
		_, _ = fmt.Fprintf(stdout, "Last error: %s\n", resp.LastError)
	}
	resultCode(cfg, stdout, ResultInfoOnly)
	return nil
}

func newDaemonRunCmd(stderr io.Writer, cfg *Config) *cobra.Command {
	var pidPath, socketPath string
	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pidPath != "" {
				cfg.PIDPath = pidPath
			}
			if socketPath != "" {
				cfg.SocketPath = socketPath
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runDaemon(ctx, cfg, stderr)
		},
	}
	cmd.Flags().StringVar(&pidPath, "pid-path", "", "PID file path")
	cmd.Flags().StringVar(&socketPath, "socket-path", "", "Unix socket path")
	return cmd
}

// runDaemon wires the sync engine into a daemon and blocks until it stops.
func runDaemon(ctx context.Context, cfg *Config, stderr io.Writer) error {
	appCfg, err := loadConfig(cfg)
	if err != nil {
		return err
	}

	bl, err := utils.NewBackgroundLoggerWithEnabled(appCfg.IsBackgroundLoggingEnabled())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "background log unavailable: %v\n", err)
	}
	defer bl.Close()
	log := bl.Entry().WithField("component", "daemon")

	a, err := openAppWith(ctx, cfg, appCfg, log)
	if err != nil {
		log.WithError(err).Error("failed to open sync engine")
		return err
	}
	defer a.Close()

	prober, _ := a.remote.(backend.Pinger)
	monitor := connectivity.New(a.reconciler, prober,
		connectivity.WithProbeInterval(appCfg.GetProbeInterval()),
		connectivity.WithPeriodicSync(appCfg.IsPeriodicSyncEnabled()),
		connectivity.WithLogger(log.WithField("component", "connectivity")),
		connectivity.WithOnChange(func(s connectivity.State) {
			log.WithField("online", s.Online).Info("connectivity changed")
		}),
	)

	dcfg := &daemon.Config{
		PIDPath:     cfg.pidPath(),
		SocketPath:  cfg.socketPath(),
		IdleTimeout: appCfg.GetDaemonIdleTimeout(),
		Debounce:    appCfg.GetDaemonDebounce(),
	}
	if appCfg.IsFileWatcherEnabled() && appCfg.GetStorageDriver() == "sqlite" {
		dcfg.WatchPaths = []string{appCfg.GetDatabasePath()}
	}

	log.WithField("pid", os.Getpid()).Info("daemon starting")
	return daemon.New(dcfg, monitor, daemon.WithLogger(log)).Run(ctx)
}

func newEmulatorCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	var listen, driver, dsn, token string
	cmd := &cobra.Command{
		Use:   "emulator",
		Short: "Serve a local remote store for development and tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = appCfg.GetEmulatorListen()
			}
			if driver == "" {
				driver = appCfg.GetEmulatorDriver()
			}
			if dsn == "" {
				dsn = appCfg.GetEmulatorDSN()
			}
			if token == "" {
				token = appCfg.Emulator.Token
			}

			store, err := emulator.Open(driver, dsn)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, _ = fmt.Fprintf(stdout, "Emulator listening on %s (%s)\n", listen, driver)
			server := emulator.NewServer(store,
				emulator.WithToken(token),
				emulator.WithLogger(utils.Component("emulator")),
			)
			return server.Run(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address")
	cmd.Flags().StringVar(&driver, "driver", "", "Database driver (sqlite or postgres)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Database DSN")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token clients must present")
	return cmd
}

func newLoginCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	var remote string
	var withToken bool
	cmd := &cobra.Command{
		Use:   "login [USER_ID]",
		Short: "Sign in and store the session in the system keyring",
		Long:  "Sign in and store the session in the system keyring. Without USER_ID the user ID is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var userID string
			if len(args) == 1 {
				userID = args[0]
			} else if !cfg.NoPrompt {
				_, _ = fmt.Fprint(stdout, "User ID: ")
				userID, _ = utils.ReadStringWithReader(cfg.Stdin)
			}
			if userID == "" {
				return utils.WrapWithSuggestion(errors.New("user ID required"), "Run 'lova login <user-id>'")
			}
			h := credentials.NewCLIHandler(cfg.sessionManager(), cfg.Stdin, stdout)
			if err := h.Login(cmd.Context(), userID, remote, withToken); err != nil {
				return err
			}
			resultCode(cfg, stdout, ResultActionCompleted)
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "Remote store URL for this session")
	cmd.Flags().BoolVar(&withToken, "token", false, "Prompt for the remote token")
	return cmd
}

func newLogoutCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h := credentials.NewCLIHandler(cfg.sessionManager(), cfg.Stdin, stdout)
			if err := h.Logout(cmd.Context()); err != nil {
				return err
			}
			resultCode(cfg, stdout, ResultActionCompleted)
			return nil
		},
	}
}

func newWhoAmICmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h := credentials.NewCLIHandler(cfg.sessionManager(), cfg.Stdin, stdout)
			if err := h.WhoAmI(cmd.Context(), cfg.jsonOutput()); err != nil {
				return err
			}
			resultCode(cfg, stdout, ResultInfoOnly)
			return nil
		},
	}
}
