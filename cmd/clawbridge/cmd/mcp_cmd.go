package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"clawbridge/internal/gateway"
	"clawbridge/internal/logging"
	"clawbridge/internal/mcpserver"

	"github.com/spf13/cobra"
)

func NewMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve gateway tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := logging.FromContext(ctx)

			cfg, err := loadConfig(GetConfigFileFlag())
			if err != nil {
				return err
			}
			client := gateway.New(gatewayOptions(cfg, logger))
			defer client.Close()
			client.Connect()

			server := mcpserver.New(client, mcpserver.Options{
				Version:      version,
				HistoryLimit: cfg.Session.HistoryLimit,
				Logger:       logger,
			})
			logger.Info("mcp server starting", "gateway_url", cfg.Gateway.URL)
			return server.Run(ctx)
		},
	}
}
