package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"lova/backend/rest"
	"lova/internal/cache"
	"lova/internal/daemon"
	"lova/internal/history"
	"lova/internal/utils"
)

var (
	statusTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statusLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(16)
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	statusBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const pingTimeout = 3 * time.Second

func newSyncCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send queued changes to the remote store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				return doSync(ctx, a, cfg, stdout)
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show queue, connectivity and daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				return doSyncStatus(ctx, a, cfg, stdout)
			})
		},
	})
	cmd.AddCommand(newSyncQueueCmd(stdout, cfg))
	cmd.AddCommand(newSyncClearCmd(stdout, cfg))
	cmd.AddCommand(&cobra.Command{
		Use:   "requeue",
		Short: "Move dead-lettered changes back onto the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				n, err := a.store.RequeueDeadLetters(ctx)
				if err != nil {
					return err
				}
				if cfg.jsonOutput() {
					return writeJSON(stdout, map[string]any{"requeued": n, "result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintf(stdout, "Requeued %d change(s)\n", n)
				resultCode(cfg, stdout, ResultActionCompleted)
				return nil
			})
		},
	})
	cmd.AddCommand(newSyncHistoryCmd(stdout, cfg))
	return cmd
}

type syncResponse struct {
	Total        int      `json:"total"`
	Synced       int      `json:"synced"`
	Failed       int      `json:"failed"`
	DeadLettered int      `json:"deadLettered"`
	DurationMS   int64    `json:"durationMs"`
	Errors       []string `json:"errors,omitempty"`
	Daemon       bool     `json:"daemon,omitempty"`
	Result       string   `json:"result"`
}

func doSync(ctx context.Context, a *app, cfg *Config, stdout io.Writer) error {
	if a.client == nil {
		return utils.ErrRemoteNotConfigured()
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := a.client.Ping(pingCtx)
	cancel()
	if err != nil {
		return utils.ErrRemoteOffline(err.Error())
	}

	// Only one process may drain the queue at a time.
	if daemon.IsRunning(cfg.pidPath(), cfg.socketPath()) {
		if err := daemon.NewClient(cfg.socketPath()).Notify(); err == nil {
			if cfg.jsonOutput() {
				return writeJSON(stdout, syncResponse{
					Total:  len(a.store.GetPendingChanges(ctx)),
					Daemon: true,
					Result: ResultActionQueued,
				})
			}
			_, _ = fmt.Fprintln(stdout, "Sync handed to the background daemon (see 'lova sync status')")
			resultCode(cfg, stdout, ResultActionQueued)
			return nil
		}
	}

	result, err := a.reconciler.Pass(ctx)
	if err != nil {
		return utils.ErrSyncPending(err)
	}
	for _, e := range result.Errors {
		if errors.Is(e.Err, rest.ErrUnauthorized) {
			return utils.ErrAuthenticationFailed()
		}
	}

	code := ResultActionCompleted
	switch {
	case result.Total == 0:
		code = ResultInfoOnly
	case result.Failed > 0:
		code = ResultActionQueued
	}

	if cfg.jsonOutput() {
		resp := syncResponse{
			Total:        result.Total,
			Synced:       result.Synced,
			Failed:       result.Failed,
			DeadLettered: result.DeadLettered,
			DurationMS:   result.Duration.Milliseconds(),
			Result:       code,
		}
		for _, e := range result.Errors {
			resp.Errors = append(resp.Errors, e.Error())
		}
		return writeJSON(stdout, resp)
	}

	if result.Total == 0 {
		_, _ = fmt.Fprintln(stdout, "Nothing to sync")
	} else {
		_, _ = fmt.Fprintf(stdout, "Synced %d of %d change(s)\n", result.Synced, result.Total)
		if result.Failed > 0 {
			_, _ = fmt.Fprintf(stdout, "%d change(s) still pending\n", result.Failed)
		}
		if result.DeadLettered > 0 {
			_, _ = fmt.Fprintf(stdout, "%d change(s) moved to dead letters (see 'lova sync queue --dead')\n", result.DeadLettered)
		}
		for _, e := range result.Errors {
			_, _ = fmt.Fprintf(stdout, "  %s\n", e.Error())
		}
	}
	resultCode(cfg, stdout, code)
	return nil
}

type statusResponse struct {
	Pending       int    `json:"pending"`
	DeadLetters   int    `json:"deadLetters"`
	LastSync      string `json:"lastSync,omitempty"`
	Remote        string `json:"remote,omitempty"`
	Online        bool   `json:"online"`
	OnlineError   string `json:"onlineError,omitempty"`
	Breaker       string `json:"breaker,omitempty"`
	Throttled     int64  `json:"throttled"`
	DaemonRunning bool   `json:"daemonRunning"`
	DaemonPasses  int    `json:"daemonPasses,omitempty"`
}

func doSyncStatus(ctx context.Context, a *app, cfg *Config, stdout io.Writer) error {
	resp := statusResponse{
		Pending:     len(a.store.GetPendingChanges(ctx)),
		DeadLetters: len(a.store.DeadLetters(ctx)),
	}
	lastSync, hasLastSync := a.store.LastSyncTimestamp(ctx)
	if hasLastSync {
		resp.LastSync = lastSync.UTC().Format(time.RFC3339)
	}

	if a.client != nil {
		resp.Remote = a.cfg.Remote.URL
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		if err := a.client.Ping(pingCtx); err != nil {
			resp.OnlineError = err.Error()
		} else {
			resp.Online = true
		}
		cancel()
		resp.Breaker = a.client.Breaker().State().String()
		resp.Throttled = a.client.Throttled()
	}

	if ds, err := daemon.NewClient(a.socketPath).Status(); err == nil && ds.Running {
		resp.DaemonRunning = true
		resp.DaemonPasses = ds.Passes
	}

	if cfg.jsonOutput() {
		return writeJSON(stdout, resp)
	}

	_, _ = fmt.Fprintln(stdout, statusTitle.Render("Sync status"))
	row := func(label, value string) {
		_, _ = fmt.Fprintf(stdout, "%s %s\n", statusLabel.Render(label), value)
	}
	row("Pending", fmt.Sprintf("%d", resp.Pending))
	if resp.DeadLetters > 0 {
		row("Dead letters", statusBad.Render(fmt.Sprintf("%d", resp.DeadLetters)))
	}
	if hasLastSync {
		row("Last sync", since(lastSync))
	} else {
		row("Last sync", "never")
	}
	switch {
	case a.client == nil:
		row("Remote", "not configured")
	case resp.Online:
		row("Remote", resp.Remote+" "+statusOK.Render("online"))
	default:
		row("Remote", resp.Remote+" "+statusBad.Render("offline"))
	}
	if a.client != nil {
		row("Circuit", resp.Breaker)
		if resp.Throttled > 0 {
			row("Throttled", fmt.Sprintf("%d", resp.Throttled))
		}
	}
	if resp.DaemonRunning {
		row("Daemon", statusOK.Render("running")+fmt.Sprintf(" (%d passes)", resp.DaemonPasses))
	} else {
		row("Daemon", "stopped")
	}
	resultCode(cfg, stdout, ResultInfoOnly)
	return nil
}

type queuedChange struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Collection string `json:"collection"`
	DocID      string `json:"docId,omitempty"`
	Queued     string `json:"queued"`
	Attempts   int    `json:"attempts"`
}

func newSyncQueueCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	var dead bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List pending changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				changes := a.store.GetPendingChanges(ctx)
				if dead {
					changes = a.store.DeadLetters(ctx)
				}
				return printQueue(stdout, cfg, changes)
			})
		},
	}
	cmd.Flags().BoolVar(&dead, "dead", false, "List dead-lettered changes instead")
	return cmd
}

func printQueue(stdout io.Writer, cfg *Config, changes []cache.PendingChange) error {
	if cfg.jsonOutput() {
		out := make([]queuedChange, 0, len(changes))
		for _, c := range changes {
			out = append(out, queuedChange{
				ID:         c.ID,
				Type:       string(c.Mutation.ChangeType()),
				Collection: c.Mutation.CollectionName(),
				DocID:      c.Mutation.DocumentID(),
				Queued:     c.Time().UTC().Format(time.RFC3339),
				Attempts:   c.Attempts,
			})
		}
		return writeJSON(stdout, out)
	}
	if len(changes) == 0 {
		_, _ = fmt.Fprintln(stdout, "No pending changes")
		resultCode(cfg, stdout, ResultInfoOnly)
		return nil
	}
	for _, c := range changes {
		doc := c.Mutation.DocumentID()
		if doc == "" {
			doc = "(new)"
		}
		_, _ = fmt.Fprintf(stdout, "%-7s %s/%s  queued %s", c.Mutation.ChangeType(), c.Mutation.CollectionName(), doc, since(c.Time()))
		if c.Attempts > 0 {
			_, _ = fmt.Fprintf(stdout, "  attempts %d", c.Attempts)
		}
		_, _ = fmt.Fprintln(stdout)
	}
	resultCode(cfg, stdout, ResultInfoOnly)
	return nil
}

func newSyncClearCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	var dead, yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard pending changes without sending them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			what := "pending changes"
			if dead {
				what = "dead-lettered changes"
			}
			if !yes && !cfg.NoPrompt {
				if !utils.PromptYesNoWithReader("Discard all "+what+"?", cfg.Stdin, stdout) {
					_, _ = fmt.Fprintln(stdout, "Cancelled")
					return nil
				}
			}
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				if dead {
					a.store.ClearDeadLetters(ctx)
				} else {
					a.store.ClearPendingChanges(ctx)
				}
				if cfg.jsonOutput() {
					return writeJSON(stdout, map[string]string{"cleared": what, "result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintf(stdout, "Cleared %s\n", what)
				resultCode(cfg, stdout, ResultActionCompleted)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dead, "dead", false, "Clear dead letters instead of the queue")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func newSyncHistoryCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				if a.journal == nil {
					return fmt.Errorf("sync history is disabled (set sync.history: true)")
				}
				passes, err := a.journal.Recent(ctx, limit)
				if err != nil {
					return err
				}
				return printHistory(stdout, cfg, passes)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of passes to show")
	return cmd
}

func printHistory(stdout io.Writer, cfg *Config, passes []history.Pass) error {
	if cfg.jsonOutput() {
		if passes == nil {
			passes = []history.Pass{}
		}
		return writeJSON(stdout, passes)
	}
	if len(passes) == 0 {
		_, _ = fmt.Fprintln(stdout, "No sync passes recorded")
		resultCode(cfg, stdout, ResultInfoOnly)
		return nil
	}
	for _, p := range passes {
		line := fmt.Sprintf("%s  %d/%d synced", p.StartedAt.Local().Format("2006-01-02 15:04:05"), p.Synced, p.Total)
		if p.Failed > 0 {
			line += fmt.Sprintf(", %d failed", p.Failed)
		}
		if p.DeadLettered > 0 {
			line += fmt.Sprintf(", %d dead", p.DeadLettered)
		}
		if p.ErrorType != "" {
			line += "  [" + p.ErrorType + "] " + p.ErrorMessage
		}
		_, _ = fmt.Fprintln(stdout, line)
	}
	resultCode(cfg, stdout, ResultInfoOnly)
	return nil
}

func newCacheCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or wipe the local cache",
	}
	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry, including queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				pending := len(a.store.GetPendingChanges(ctx))
				if pending > 0 && !cfg.jsonOutput() {
					_, _ = fmt.Fprintf(stdout, "Warning: %d change(s) have not been synced and will be lost.\n", pending)
				}
				if !yes && !cfg.NoPrompt {
					if !utils.PromptYesNoWithReader("Clear the local cache?", cfg.Stdin, stdout) {
						_, _ = fmt.Fprintln(stdout, "Cancelled")
						return nil
					}
				}
				a.store.ClearAll(ctx)
				if cfg.jsonOutput() {
					return writeJSON(stdout, map[string]any{"cleared": true, "lostChanges": pending, "result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintln(stdout, "Cache cleared")
				resultCode(cfg, stdout, ResultActionCompleted)
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	cmd.AddCommand(clearCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "info KEY",
		Short: "Show metadata of a cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				meta, ok := a.store.Info(ctx, args[0])
				if !ok {
					return utils.WrapWithSuggestion(fmt.Errorf("no cache entry %q", args[0]),
						"Cache keys: "+strings.Join([]string{
							cache.KeyWardrobe, cache.KeyOutfitHistory, cache.KeyUserProfile,
							cache.KeyPendingChanges, cache.KeyDeadLetter,
						}, ", "))
				}
				fresh := a.store.Fresh(ctx, args[0])
				if cfg.jsonOutput() {
					return writeJSON(stdout, map[string]any{"key": args[0], "metadata": meta, "fresh": fresh})
				}
				_, _ = fmt.Fprintf(stdout, "Key: %s\nStored: %s\nVersion: %s\nFresh: %t\n",
					args[0], since(meta.Time()), meta.Version, fresh)
				resultCode(cfg, stdout, ResultInfoOnly)
				return nil
			})
		},
	})
	return cmd
}
