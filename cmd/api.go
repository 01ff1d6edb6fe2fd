package cmd

import (
	"context"
	"transferq/internal/api"
	"transferq/internal/app"
	"transferq/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			cfg := config.Load()
			log.Info().Msgf("API server using %s backend, scope: %s, subject: %s", cfg.Queue.Backend, cfg.Queue.Scope, cfg.Queue.Subject)
			a, err := app.Open(context.Background(), cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			server := api.NewServer(api.Deps{
				Store:     a.Store,
				Publisher: a.Publisher,
				Queue:     a.Queue,
				Scope:     cfg.Queue.Scope,
				Clock:     a.Clock,
			})
			server.Run(port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
