// Command hubbub runs the message broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hubbub-dev/hubbub/internal/config"
	"github.com/hubbub-dev/hubbub/internal/logging"
	"github.com/hubbub-dev/hubbub/internal/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "hubbub",
		Short:         "WebSocket application message broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logging.Init(logging.Config{
				Format:    cfg.LogFormat,
				Level:     cfg.LogLevel,
				Component: "hubbub",
			})

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}
			srv.ConfigPath = configPath

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Server exited")
				return err
			}
			return nil
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(server.Version)
		},
	}

	token := &cobra.Command{
		Use:   "token",
		Short: "Generate a dashboard token",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(uuid.NewString())
		},
	}

	root.AddCommand(serve, version, token)
	return root
}
