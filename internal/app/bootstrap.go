package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chanrelay/internal/config"
	"chanrelay/internal/maintenance"
	"chanrelay/internal/notifier"
	logx "chanrelay/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec and dedup_max_entries must be >= 0")
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 30*time.Second); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	m := cfg.Maintenance
	age, err := config.ParseDurationOrDefault("maintenance.media_max_age", m.MediaMaxAge, config.DefaultMediaMaxAge)
	if err != nil {
		return maintenance.Config{}, err
	}
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	return maintenance.Config{
		Enabled:     m.Enabled,
		Timezone:    m.Timezone,
		MediaSweep:  m.MediaSweep,
		MediaMaxAge: age,
		Snapshot:    m.Snapshot,
	}, nil
}

// validate is the hot-reload gate: a settings file that would not start
// the app is never committed. The forward role needs a bootstrap admin so
// the routing document can never end up without one.
func validate(cfg *config.Config, role Role) error {
	if err := cfg.Validate(true); err != nil {
		return err
	}
	if role == RoleForward && cfg.Telegram.DefaultAdmin == 0 {
		return errors.New("telegram.default_admin is required for the forward role (or ADMIN_ID)")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	_, err := mapMaintenanceConfig(cfg)
	return err
}
