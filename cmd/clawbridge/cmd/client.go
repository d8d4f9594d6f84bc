package cmd

import (
	"clawbridge/internal/config"
	"clawbridge/internal/gateway"
	"clawbridge/internal/logging"
	"clawbridge/internal/protocol"
)

func loadConfig(file string) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: file})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func gatewayOptions(cfg *config.Config, logger logging.Logger) gateway.Options {
	return gateway.Options{
		URL:    cfg.Gateway.URL,
		Token:  cfg.Gateway.Token,
		Role:   cfg.Gateway.Role,
		Scopes: cfg.Gateway.Scopes,
		Client: protocol.ClientInfo{
			ID:              cfg.Client.ID,
			DisplayName:     cfg.Client.DisplayName,
			Version:         cfg.Client.Version,
			Mode:            cfg.Client.Mode,
			Platform:        cfg.Client.Platform,
			DeviceFamily:    cfg.Client.DeviceFamily,
			ModelIdentifier: cfg.Client.ModelIdentifier,
		},
		SessionKey: cfg.Session.Key,
		Reconnect: gateway.ReconnectPolicy{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			MaxDelay:    cfg.Reconnect.MaxDelay,
		},
		Logger: logger.With("client_id", cfg.Client.ID),
	}
}
