package config

import (
	"reflect"
	"strings"

	logx "chanrelay/pkg/logx"
)

// SummarizeChange returns the changed sections, log-safe attrs (never tokens
// or secrets), and whether any changed section needs a restart to apply.
// Only logging and notifier hot-apply.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)
	restart := false

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.OperatorChat != nt.OperatorChat || ot.DefaultAdmin != nt.DefaultAdmin {
		changed = append(changed, "telegram")
		restart = true
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.operator_chat_set", nt.OperatorChat != 0),
		)
	}

	of, nf := oldCfg.Forward, newCfg.Forward
	if of.DeliveryURL != nf.DeliveryURL || of.MediaDir != nf.MediaDir || of.MaxMediaMB != nf.MaxMediaMB ||
		of.AlbumDebounce != nf.AlbumDebounce || of.RequestTimeout != nf.RequestTimeout ||
		of.Retry != nf.Retry || of.Workers != nf.Workers || of.Secret != nf.Secret {
		changed = append(changed, "forward")
		restart = true
		attrs = append(attrs,
			logx.String("forward.delivery_url", nf.DeliveryURL),
			logx.Int("forward.max_media_mb", nf.MaxMediaMB),
			logx.Int("forward.retry_attempts", nf.Retry.Attempts),
			logx.Bool("forward.secret_changed", of.Secret != nf.Secret),
		)
	}

	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
		restart = true
		attrs = append(attrs,
			logx.String("relay.addr", newCfg.Relay.Addr),
			logx.Bool("relay.secret_changed", oldCfg.Relay.Secret != newCfg.Relay.Secret),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = true
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		restart = true
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.media_sweep", newCfg.Maintenance.MediaSweep),
		)
	}

	return changed, attrs, restart
}
