package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverlay lists the environment variables that override the settings file.
type envOverlay struct {
	BotToken      string `env:"BOT_TOKEN"`
	ForwardURL    string `env:"FORWARD_URL"`
	ForwardSecret string `env:"FORWARD_SECRET"`
	AdminID       int64  `env:"ADMIN_ID"`
	AdminChatID   int64  `env:"ADMIN_CHAT_ID"`
	RelayAddr     string `env:"RELAY_ADDR"`
	LogLevel      string `env:"LOG_LEVEL"`
	StorageDriver string `env:"STORAGE_DRIVER"`
	StoragePath   string `env:"STORAGE_PATH"`
}

// applyEnv overlays environment values onto cfg. environ may be nil to use
// the process environment.
func applyEnv(cfg *Config, environ map[string]string) error {
	var ov envOverlay
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&ov, opts); err != nil {
		return fmt.Errorf("env: %w", err)
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, ov.BotToken)
	set(&cfg.Forward.DeliveryURL, ov.ForwardURL)
	if ov.ForwardSecret != "" {
		// one secret for both roles
		cfg.Forward.Secret = ov.ForwardSecret
		cfg.Relay.Secret = ov.ForwardSecret
	}
	if ov.AdminID != 0 {
		cfg.Telegram.DefaultAdmin = ov.AdminID
	}
	if ov.AdminChatID != 0 {
		cfg.Telegram.OperatorChat = ov.AdminChatID
	}
	set(&cfg.Relay.Addr, ov.RelayAddr)
	set(&cfg.Logging.Level, ov.LogLevel)
	set(&cfg.Storage.Driver, ov.StorageDriver)
	set(&cfg.Storage.Path, ov.StoragePath)
	return nil
}
