package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"chanrelay/internal/app"
)

var (
	cfgPath string
	envFile string
)

func main() {
	root := &cobra.Command{
		Use:           "bot",
		Short:         "Forward posts from Telegram source channels to destination channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// a missing .env is fine; real env vars still apply
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error { return run(app.RoleForward) },
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to settings file (json or yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the settings")

	root.AddCommand(
		&cobra.Command{
			Use:   "forward",
			Short: "Listen to source channels and hand posts to the relay (default)",
			RunE:  func(cmd *cobra.Command, args []string) error { return run(app.RoleForward) },
		},
		&cobra.Command{
			Use:   "relay",
			Short: "Serve POST /forward and post units to destination channels",
			RunE:  func(cmd *cobra.Command, args []string) error { return run(app.RoleRelay) },
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the settings file and the routing document",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				return app.Check(ctx, cfgPath, cmd.OutOrStdout())
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(role app.Role) error {
	a, err := app.New(cfgPath, role)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
