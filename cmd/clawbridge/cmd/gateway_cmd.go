package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"clawbridge/internal/config"
	"clawbridge/internal/devgateway"

	"github.com/spf13/cobra"
)

func NewGatewayCmd() *cobra.Command {
	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Local development gateway",
	}
	gatewayCmd.AddCommand(newGatewayServeCmd())
	return gatewayCmd
}

func newGatewayServeCmd() *cobra.Command {
	var listen string
	var path string
	var token string
	var internalToken string
	var tickInterval time.Duration

	c := &cobra.Command{
		Use:   "serve",
		Short: "Start a development gateway that echoes chat and streams agent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(config.LoadOptions{ConfigFile: GetConfigFileFlag()})
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if !flags.Changed("listen") {
				listen = cfg.DevGateway.Listen
			}
			if !flags.Changed("path") {
				path = cfg.DevGateway.Path
			}
			if !flags.Changed("token") {
				token = cfg.DevGateway.Token
			}
			if !flags.Changed("internal-token") {
				internalToken = cfg.DevGateway.InternalToken
			}

			server := devgateway.New(devgateway.Options{
				ListenAddr:    listen,
				Path:          path,
				Token:         token,
				InternalToken: internalToken,
				TickInterval:  tickInterval,
			})
			return server.Run(ctx)
		},
	}
	c.Flags().StringVar(&listen, "listen", "127.0.0.1:18789", "listen address")
	c.Flags().StringVar(&path, "path", "/", "websocket path")
	c.Flags().StringVar(&token, "token", "", "token clients must present (optional)")
	c.Flags().StringVar(&internalToken, "internal-token", "", "shared token for internal HTTP APIs (optional)")
	c.Flags().DurationVar(&tickInterval, "tick-interval", 15*time.Second, "keepalive tick interval (0 disables)")
	return c
}
