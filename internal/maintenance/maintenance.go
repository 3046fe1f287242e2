// Package maintenance runs the relay's housekeeping on cron schedules:
// sweeping stale staged media and snapshotting the routing document.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

// Sweeper removes staged media older than maxAge.
type Sweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

// Documents gives access to the routing document.
type Documents interface {
	Key() string
	Document(ctx context.Context) ([]byte, error)
}

type Config struct {
	Enabled     bool
	Timezone    string
	MediaSweep  string // cron spec
	MediaMaxAge time.Duration
	Snapshot    string // cron spec; "" or "off" disables
}

type Options struct {
	Config    Config
	Sweepers  []Sweeper
	Documents Documents
	Store     storage.Store
	Log       logx.Logger
	Now       func() time.Time
}

// Service owns one cron runner.
type Service struct {
	opt    Options
	log    logx.Logger
	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

func New(opt Options) *Service {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Config.MediaMaxAge <= 0 {
		opt.Config.MediaMaxAge = 30 * time.Minute
	}
	return &Service{
		opt:    opt,
		log:    log.With(logx.String("comp", "maintenance")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func disabled(spec string) bool {
	s := strings.ToLower(strings.TrimSpace(spec))
	return s == "" || s == "off" || s == "none"
}

// Start schedules the jobs. It returns an error for an invalid spec or
// timezone; nothing is scheduled in that case.
func (s *Service) Start(ctx context.Context) error {
	cfg := s.opt.Config
	if !cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance.timezone: %w", err)
		}
		loc = l
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger{s.log})))
	if !disabled(cfg.MediaSweep) && len(s.opt.Sweepers) > 0 {
		if _, err := c.AddFunc(cfg.MediaSweep, func() { s.SweepMedia() }); err != nil {
			return fmt.Errorf("maintenance.media_sweep: %w", err)
		}
	}
	if !disabled(cfg.Snapshot) && s.opt.Documents != nil && s.opt.Store != nil {
		if _, err := c.AddFunc(cfg.Snapshot, func() {
			if err := s.SnapshotDocument(ctx); err != nil {
				s.log.Warn("snapshot failed", logx.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("maintenance.snapshot: %w", err)
		}
	}

	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
	c.Start()
	s.log.Info("maintenance started",
		logx.String("media_sweep", cfg.MediaSweep),
		logx.String("snapshot", cfg.Snapshot),
		logx.String("tz", loc.String()),
	)
	return nil
}

// Stop halts the runner and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// SweepMedia runs every sweeper once and returns the number of files
// removed.
func (s *Service) SweepMedia() int {
	total := 0
	for _, sw := range s.opt.Sweepers {
		n, err := sw.Sweep(s.opt.Config.MediaMaxAge)
		if err != nil {
			s.log.Warn("media sweep failed", logx.Err(err))
			continue
		}
		total += n
	}
	if total > 0 {
		s.log.Info("stale media removed", logx.Int("files", total))
	}
	return total
}

// SnapshotKey is the rolling key for t: "<key>@monday" and so on.
func SnapshotKey(key string, t time.Time) string {
	return key + "@" + strings.ToLower(t.Weekday().String())
}

// SnapshotDocument copies the routing document to today's rolling key.
func (s *Service) SnapshotDocument(ctx context.Context) error {
	raw, err := s.opt.Documents.Document(ctx)
	if err != nil {
		return err
	}
	key := SnapshotKey(s.opt.Documents.Key(), s.opt.Now())
	if err := s.opt.Store.PutDocument(ctx, key, raw); err != nil {
		return err
	}
	s.log.Info("routing snapshot written", logx.String("key", key), logx.Int("bytes", len(raw)))
	return nil
}

// cronLogger adapts logx to cron.Logger for the Recover wrapper.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug(msg, kvFields(kv)...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
