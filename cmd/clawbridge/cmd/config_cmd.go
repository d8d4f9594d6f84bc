package cmd

import (
	"fmt"

	"clawbridge/internal/config"
	"clawbridge/internal/logging"

	"github.com/spf13/cobra"
)

func NewConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage clawbridge config",
	}

	configCmd.AddCommand(newConfigPathCmd())
	configCmd.AddCommand(newConfigValidateCmd())
	configCmd.AddCommand(newConfigApplyCmd())
	return configCmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print resolved config path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.ResolveConfigPath(GetConfigFileFlag()))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	var file string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.FromContext(cmd.Context())
			cfg, err := loadConfig(firstNonEmpty(file, GetConfigFileFlag()))
			if err != nil {
				return err
			}
			logger.Info("config valid", "gateway_url", cfg.Gateway.URL, "client_id", cfg.Client.ID, "session_key", cfg.Session.Key)
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	validateCmd.Flags().StringVar(&file, "file", "", "config file path (default: search up for .clawbridge/config.yaml, fallback: ~/.clawbridge/config.yaml)")
	return validateCmd
}

func newConfigApplyCmd() *cobra.Command {
	var file string
	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply config file to default location",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.FromContext(cmd.Context())
			src := firstNonEmpty(file, GetConfigFileFlag())
			if src == "" {
				return fmt.Errorf("missing --file (or --config)")
			}
			if _, err := loadConfig(src); err != nil {
				return err
			}
			dst := config.DefaultConfigPath()
			if err := config.ApplyFile(src, dst); err != nil {
				return err
			}
			logger.Info("config applied", "path", dst)
			fmt.Fprintln(cmd.OutOrStdout(), dst)
			return nil
		},
	}
	applyCmd.Flags().StringVar(&file, "file", "", "source config file path")
	return applyCmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
