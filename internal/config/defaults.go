package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultDeliveryURL    = "http://localhost:8000/forward"
	DefaultSecret         = "my_super_secret"
	DefaultMaxMediaMB     = 45
	DefaultAlbumDebounce  = 1500 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryBackoff   = 2 * time.Second
	DefaultWorkers        = 4
	DefaultRelayAddr      = ":8000"
	DefaultStorageDriver  = "file"
	DefaultStoragePath    = "."
	DefaultDocumentKey    = "config"
	DefaultMediaSweep     = "@every 15m"
	DefaultMediaMaxAge    = 30 * time.Minute
	DefaultSnapshot       = "@daily"
)

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	f := &c.Forward
	if strings.TrimSpace(f.DeliveryURL) == "" {
		f.DeliveryURL = DefaultDeliveryURL
	}
	if f.Secret == "" {
		f.Secret = DefaultSecret
	}
	if f.MaxMediaMB <= 0 {
		f.MaxMediaMB = DefaultMaxMediaMB
	}
	if f.Retry.Attempts <= 0 {
		f.Retry.Attempts = DefaultRetryAttempts
	}
	if f.Workers <= 0 {
		f.Workers = DefaultWorkers
	}

	r := &c.Relay
	if strings.TrimSpace(r.Addr) == "" {
		r.Addr = DefaultRelayAddr
	}
	if r.Secret == "" {
		r.Secret = DefaultSecret
	}

	s := &c.Storage
	if strings.TrimSpace(s.Driver) == "" {
		s.Driver = DefaultStorageDriver
	}
	if strings.TrimSpace(s.Path) == "" {
		s.Path = DefaultStoragePath
	}
	if strings.TrimSpace(s.Document) == "" {
		s.Document = DefaultDocumentKey
	}

	m := &c.Maintenance
	if strings.TrimSpace(m.MediaSweep) == "" {
		m.MediaSweep = DefaultMediaSweep
	}
	if strings.TrimSpace(m.Snapshot) == "" {
		m.Snapshot = DefaultSnapshot
	}

	if c.Notifier == nil {
		c.Notifier = &NotifierConfig{Enabled: true}
	}
}

// UsesDefaultSecret reports whether either side still runs with the
// built-in shared secret.
func (c *Config) UsesDefaultSecret() bool {
	return c.Forward.Secret == DefaultSecret || c.Relay.Secret == DefaultSecret
}

// Forward is the resolved, typed view of the forward section.
type Forward struct {
	DeliveryURL    string
	Secret         string
	MediaDir       string
	MaxMediaBytes  int64
	AlbumDebounce  time.Duration
	RequestTimeout time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
	Workers        int
}

func (c *Config) ResolveForward() (Forward, error) {
	f := c.Forward
	out := Forward{
		DeliveryURL:   strings.TrimSpace(f.DeliveryURL),
		Secret:        f.Secret,
		MediaDir:      strings.TrimSpace(f.MediaDir),
		MaxMediaBytes: int64(f.MaxMediaMB) * 1024 * 1024,
		RetryAttempts: f.Retry.Attempts,
		Workers:       f.Workers,
	}
	var err error
	if out.AlbumDebounce, err = ParseDurationOrDefault("forward.album_debounce", f.AlbumDebounce, DefaultAlbumDebounce); err != nil {
		return Forward{}, err
	}
	if out.RequestTimeout, err = ParseDurationOrDefault("forward.request_timeout", f.RequestTimeout, DefaultRequestTimeout); err != nil {
		return Forward{}, err
	}
	if out.RetryBackoff, err = ParseDurationOrDefault("forward.retry.backoff", f.Retry.Backoff, DefaultRetryBackoff); err != nil {
		return Forward{}, err
	}
	return out, nil
}

// Relay is the resolved, typed view of the relay section.
type Relay struct {
	Addr          string
	Secret        string
	TempDir       string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxMediaBytes int64
}

func (c *Config) ResolveRelay() (Relay, error) {
	r := c.Relay
	out := Relay{
		Addr:          strings.TrimSpace(r.Addr),
		Secret:        r.Secret,
		TempDir:       strings.TrimSpace(r.TempDir),
		MaxMediaBytes: int64(c.Forward.MaxMediaMB) * 1024 * 1024,
	}
	var err error
	if out.ReadTimeout, err = ParseDurationOrDefault("relay.read_timeout", r.ReadTimeout, 2*time.Minute); err != nil {
		return Relay{}, err
	}
	if out.WriteTimeout, err = ParseDurationField("relay.write_timeout", r.WriteTimeout); err != nil {
		return Relay{}, err
	}
	return out, nil
}

// Validate checks a defaulted config. token reports whether the bot token
// is required for the calling role.
func (c *Config) Validate(token bool) error {
	var errs []error
	if token && strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or BOT_TOKEN)"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if u, err := url.Parse(c.Forward.DeliveryURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("forward.delivery_url: invalid url %q", c.Forward.DeliveryURL))
	}
	if _, err := c.ResolveForward(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ResolveRelay(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("maintenance.media_max_age", c.Maintenance.MediaMaxAge); err != nil {
		errs = append(errs, err)
	}
	if n := c.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
