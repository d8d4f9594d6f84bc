package cmd

import (
	"context"
	"time"

	"clawbridge/internal/gateway"
	"clawbridge/internal/logging"

	"github.com/spf13/cobra"
)

func NewHistoryCmd() *cobra.Command {
	var sessionKey string
	var limit int
	var timeout time.Duration

	c := &cobra.Command{
		Use:   "history",
		Short: "Print recent chat history for a session as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.FromContext(cmd.Context())
			cfg, err := loadConfig(GetConfigFileFlag())
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = cfg.Session.HistoryLimit
			}

			client := gateway.New(gatewayOptions(cfg, logger))
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client.Connect()
			if err := client.WaitConnected(ctx); err != nil {
				return err
			}
			msgs, err := client.FetchHistory(ctx, sessionKey, limit)
			if err != nil {
				return err
			}

			out := newJSONLines(cmd.OutOrStdout())
			for _, m := range msgs {
				out.write("history.message", m)
			}
			client.Disconnect()
			return nil
		},
	}
	c.Flags().StringVar(&sessionKey, "session", "", "session key (default: session.key from config)")
	c.Flags().IntVar(&limit, "limit", 0, "maximum messages (default: session.history_limit from config)")
	c.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout for connect and fetch")
	return c
}
