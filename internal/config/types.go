package config

// Config is the process settings document. It is distinct from the routing
// document (sources, destinations, admins) which lives in storage and is
// mutated at runtime by admin commands.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Forward     ForwardConfig     `json:"forward"`
	Relay       RelayConfig       `json:"relay"`
	Logging     LoggingConfig     `json:"logging"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Storage     StorageConfig     `json:"storage"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// OperatorChat receives alerts in addition to every admin.
	OperatorChat int64 `json:"operator_chat,omitempty"`
	// DefaultAdmin seeds the admin set when the routing document is missing
	// or corrupt.
	DefaultAdmin int64 `json:"default_admin"`
}

// ForwardConfig controls the listener side: what is sent to the relay and how.
//
// Defaults (when fields are omitted/zero):
//   - delivery_url: http://localhost:8000/forward
//   - secret: my_super_secret
//   - max_media_mb: 45
//   - album_debounce: 1.5s
//   - request_timeout: 30s
//   - retry.attempts: 3, retry.backoff: 2s
//   - workers: 4
type ForwardConfig struct {
	DeliveryURL    string      `json:"delivery_url"`
	Secret         string      `json:"secret"`
	MediaDir       string      `json:"media_dir,omitempty"`
	MaxMediaMB     int         `json:"max_media_mb,omitempty"`
	AlbumDebounce  string      `json:"album_debounce,omitempty"`
	RequestTimeout string      `json:"request_timeout,omitempty"`
	Retry          RetryConfig `json:"retry"`
	Workers        int         `json:"workers,omitempty"`
}

type RetryConfig struct {
	Attempts int    `json:"attempts,omitempty"`
	Backoff  string `json:"backoff,omitempty"`
}

// RelayConfig controls the delivery side (the POST /forward receiver).
type RelayConfig struct {
	Addr         string `json:"addr,omitempty"`
	Secret       string `json:"secret,omitempty"`
	TempDir      string `json:"temp_dir,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig controls the async operator alert pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig selects where the routing document and audit log live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chanrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Document    string `json:"document,omitempty"`     // routing document key
}

type MaintenanceConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	MediaSweep  string `json:"media_sweep,omitempty"`   // cron spec
	MediaMaxAge string `json:"media_max_age,omitempty"` // Go duration
	Snapshot    string `json:"snapshot,omitempty"`      // cron spec, "off" disables
}
