package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"darwinrelay/internal/config"
	"darwinrelay/internal/lifecycle"
	"darwinrelay/internal/logger"
	"darwinrelay/pkg/api"

	"github.com/spf13/cobra"
)

// version 构建时通过 ldflags 注入
var version = "dev"

var (
	configPath string
	logLevel   string
	flowLimit  int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "darwinrelay",
		Short:         "Link a Twitch account to Darwin Project through a local relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRelay,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults apply when empty)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	flows := &cobra.Command{
		Use:   "flows",
		Short: "List the most recent intercepted flows",
		RunE:  listFlows,
	}
	flows.Flags().IntVarP(&flowLimit, "limit", "n", 20, "number of flows to show")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Log in, intercept the game and restore the system proxy on exit (default)",
			RunE:  runRelay,
		},
		&cobra.Command{
			Use:   "login-url",
			Short: "Print the Twitch login URL",
			RunE:  printLoginURL,
		},
		&cobra.Command{
			Use:   "reset-proxy",
			Short: "Reset the system proxy left behind by a crashed run",
			RunE:  resetProxy,
		},
		flows,
	)
	return root
}

func setup() (*config.Config, logger.Logger, error) {
	cfg := config.NewConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, logger.New(cfg.Log), nil
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, l, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := api.NewService(cfg, l)
	err = svc.Run(ctx)
	if errors.Is(err, lifecycle.ErrSystemProxy) {
		fmt.Fprintln(os.Stderr, "Could not change the system proxy. Run darwinrelay from an elevated (administrator) terminal.")
		fmt.Fprintln(os.Stderr, "If the game has no network access, run: darwinrelay reset-proxy")
	}
	if err != nil {
		l.Err(err, "运行失败")
		return err
	}
	return nil
}

func printLoginURL(cmd *cobra.Command, _ []string) error {
	cfg, l, err := setup()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), api.NewService(cfg, l).LoginURL())
	return nil
}

func resetProxy(cmd *cobra.Command, _ []string) error {
	cfg, l, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Proxy.StopTimeout)
	defer cancel()
	if err := api.NewService(cfg, l).ResetProxy(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Reset failed. Run darwinrelay from an elevated (administrator) terminal.")
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "System proxy reset.")
	return nil
}

func listFlows(cmd *cobra.Command, _ []string) error {
	cfg, l, err := setup()
	if err != nil {
		return err
	}
	flows, err := api.NewService(cfg, l).RecentFlows(cmd.Context(), flowLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, f := range flows {
		fmt.Fprintf(out, "%d\t%-20s\t%-12s\t%s %s\t%d\n", f.Timestamp, f.Type, f.Rule, f.Method, f.URL, f.StatusCode)
	}
	return nil
}
