package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/local/clank/internal/config"
	"github.com/local/clank/internal/crypto"
	"github.com/local/clank/internal/logging"
	"github.com/local/clank/internal/supervisor"
)

const version = "0.1.0"

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clank",
		Short: "clank — a Twitch chat bot that learns when to talk",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a clank.yaml config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clank v%s\n", version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate configuration without starting the bot",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "load config failed: %v\n", err)
				os.Exit(1)
			}
			if err := config.Validate(cfg); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "invalid config: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate a token encryption key for crypto.tokenEncryptionKey",
		Run: func(cmd *cobra.Command, args []string) {
			key, err := crypto.GenerateKey()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "keygen failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Connect to configured channels and run until signalled to stop",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "load config failed: %v\n", err)
				os.Exit(1)
			}
			if err := config.Validate(cfg); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "invalid config: %v\n", err)
				os.Exit(1)
			}

			log := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sup, err := supervisor.New(ctx, cfg, log)
			if err != nil {
				log.Error().Err(err).Msg("startup failed")
				os.Exit(1)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info().Msg("shutdown signal received")
				cancel()
			}()

			if err := sup.Run(ctx); err != nil {
				log.Error().Err(err).Msg("run exited with error")
				os.Exit(1)
			}
		},
	})

	return rootCmd
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
