// Command cooped runs the Cooped background service and its maintenance commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cooped/background"
	"cooped/classify"
	"cooped/config"
	"cooped/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "cooped",
		Short:         "Cooped distraction blocker background service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $"+config.EnvConfigPath+")")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newStatusCmd(&configPath))
	root.AddCommand(newResetCmd(&configPath))
	root.AddCommand(newSyncCmd(&configPath))
	root.AddCommand(newSendCmd(&configPath))
	return root
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// loadApp loads config and wires the services. Logs go to w as text, or as
// JSON when jsonLogs is set.
func loadApp(ctx context.Context, configPath string, w io.Writer, jsonLogs bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if jsonLogs {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return newApp(ctx, cfg, logger)
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve extension messages over HTTP and sync in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *configPath, os.Stdout, true)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(&server.Config{
				Handler: a.controller,
				Syncer:  a.syncer,
				Logger:  a.logger,
			})

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.syncer.RunEvery(ctx, a.cfg.SyncInterval)
				return nil
			})
			g.Go(func() error {
				return srv.ListenAndServe(ctx, ":"+a.cfg.Port)
			})
			return g.Wait()
		},
	}
}

// domainStatus is printed by the status command.
type domainStatus struct {
	Activity any    `json:"activity"`
	Access   any    `json:"access"`
	Domain   string `json:"domain"`
	ActiveMs int64  `json:"active_ms"`
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [domain]",
		Short: "Show tracked time and gate state for a domain, or list tracked domains",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *configPath, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.tracker.All(ctx)
			if err != nil {
				return err
			}
			access, err := a.gate.Records(ctx)
			if err != nil {
				return err
			}
			pending, err := a.syncer.Pending(ctx)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				keys, err := a.store.Keys(ctx)
				if err != nil {
					return err
				}
				domains := make([]string, 0, len(records))
				for d := range records {
					domains = append(domains, d)
				}
				sort.Strings(domains)
				out := cmd.OutOrStdout()
				for _, d := range domains {
					_, _ = fmt.Fprintln(out, d)
				}
				_, _ = fmt.Fprintf(out, "%d session record(s) waiting to sync\n", len(pending))
				_, _ = fmt.Fprintf(out, "stored state: %s\n", strings.Join(keys, ", "))
				return nil
			}

			domain := classify.Domain(args[0])
			if domain == "" {
				return fmt.Errorf("invalid domain %q", args[0])
			}
			st := domainStatus{Domain: domain}
			if rec, ok := records[domain]; ok {
				st.Activity = rec
				active, err := a.tracker.ActiveTime(ctx, domain)
				if err != nil {
					return err
				}
				st.ActiveMs = active.Milliseconds()
			}
			if rec, ok := access[domain]; ok {
				st.Access = rec
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newResetCmd(configPath *string) *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear local tracking and hourly gate state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *configPath, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if domain != "" {
				d := classify.Domain(domain)
				if err := a.gate.Reset(ctx, d); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reset hourly gate for %s\n", d)
				return nil
			}
			resp := a.controller.Handle(ctx, background.Message{Type: background.MsgReset})
			if !resp.Success {
				return errors.New(resp.Error)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "reset all local tracking state")
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "only reset the hourly gate for this domain")
	return cmd
}

func newSyncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Flush queued session records to the remote store once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *configPath, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.syncer.FlushAll(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newSendCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "send <message-json>",
		Short: "Handle one message, as a content script would send it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var msg background.Message
			if err := json.NewDecoder(strings.NewReader(args[0])).Decode(&msg); err != nil {
				return fmt.Errorf("parse message: %w", err)
			}

			a, err := loadApp(ctx, *configPath, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			resp := a.controller.Handle(ctx, msg)
			if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.Success {
				return errors.New(resp.Error)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
