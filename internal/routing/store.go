package routing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

var (
	// ErrConfigCorrupt means the stored document could not be decoded.
	ErrConfigCorrupt = errors.New("routing document corrupt")
	// ErrPersistFailure means a write to storage failed. The in-memory
	// snapshot was still replaced.
	ErrPersistFailure = errors.New("routing document persist failed")
	// ErrNoChange aborts an Update without writing.
	ErrNoChange = errors.New("no change")
	// ErrNoAdmin means no admin could be loaded or seeded.
	ErrNoAdmin = errors.New("routing has no admin; set telegram.default_admin")
)

type Options struct {
	Key          string // document key, default "config"
	DefaultAdmin int64
	// RequireAdmin makes Load fail instead of running with no admins.
	RequireAdmin bool
	Log          logx.Logger
}

// Store owns the live routing Config. Reads take a snapshot; writes go
// through Update, which is serialized and persisted before returning.
type Store struct {
	st           storage.Store
	key          string
	defaultAdmin int64
	requireAdmin bool
	log          logx.Logger

	mu       sync.RWMutex
	cfg      Config
	lastHash uint64

	updMu sync.Mutex

	subsMu sync.Mutex
	subs   []func(Config)
}

func New(st storage.Store, opt Options) *Store {
	key := opt.Key
	if key == "" {
		key = "config"
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		st:           st,
		key:          key,
		defaultAdmin: opt.DefaultAdmin,
		requireAdmin: opt.RequireAdmin,
		log:          log.With(logx.String("comp", "routing")),
		cfg:          Default(opt.DefaultAdmin),
	}
}

func (s *Store) Key() string { return s.key }

// Snapshot returns a copy of the current config.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// OnChange registers fn to run after every save or reload that changed the
// config. fn runs synchronously and must not call Update.
func (s *Store) OnChange(fn func(Config)) {
	s.subsMu.Lock()
	s.subs = append(s.subs, fn)
	s.subsMu.Unlock()
}

func (s *Store) notify(cfg Config) {
	s.subsMu.Lock()
	subs := append([]func(Config){}, s.subs...)
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn(cfg.Clone())
	}
}

// swap installs cfg and reports whether its content differs from the
// previous snapshot.
func (s *Store) swap(cfg Config) bool {
	h := hashConfig(cfg)
	s.mu.Lock()
	changed := h == 0 || h != s.lastHash
	s.cfg = cfg
	s.lastHash = h
	s.mu.Unlock()
	return changed
}

func hashConfig(cfg Config) uint64 {
	b, err := Encode(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// withBootstrap keeps the admin set non-empty.
func (s *Store) withBootstrap(cfg Config) Config {
	if len(cfg.Admins) == 0 && s.defaultAdmin != 0 {
		cfg.Admins = []int64{s.defaultAdmin}
	}
	return cfg
}

func (s *Store) read(ctx context.Context) (Config, error) {
	raw, err := s.st.GetDocument(ctx, s.key)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Decode(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfigCorrupt, err)
	}
	return s.withBootstrap(cfg), nil
}

// Load reads the document into memory. A missing document yields (and
// writes) the default config. A corrupt one yields the default config and
// ErrConfigCorrupt; the stored bytes are left untouched. With RequireAdmin
// set, a result without admins fails with ErrNoAdmin and nothing is
// written.
func (s *Store) Load(ctx context.Context) (Config, error) {
	cfg, err := s.read(ctx)
	switch {
	case err == nil:
		if s.noAdmin(cfg) {
			return cfg.Clone(), fmt.Errorf("%w: admin_ids is empty", ErrNoAdmin)
		}
		s.swap(cfg)
		s.log.Info("routing loaded",
			logx.Int("sources", len(cfg.Sources)),
			logx.Int("destinations", len(cfg.Destinations)),
			logx.Int("admins", len(cfg.Admins)),
		)
		return cfg.Clone(), nil
	case errors.Is(err, storage.ErrNotFound):
		def := Default(s.defaultAdmin)
		if s.noAdmin(def) {
			return def, fmt.Errorf("%w: routing document missing", ErrNoAdmin)
		}
		if err := s.Save(ctx, def); err != nil {
			s.log.Warn("writing default routing document failed", logx.Err(err))
		}
		s.log.Info("routing document missing; using defaults", logx.String("key", s.key))
		return def.Clone(), nil
	default:
		if !errors.Is(err, ErrConfigCorrupt) {
			err = fmt.Errorf("%w: %v", ErrConfigCorrupt, err)
		}
		def := Default(s.defaultAdmin)
		if s.noAdmin(def) {
			return def, errors.Join(err, ErrNoAdmin)
		}
		s.swap(def)
		return def.Clone(), err
	}
}

func (s *Store) noAdmin(cfg Config) bool {
	return s.requireAdmin && len(cfg.Admins) == 0
}

// Save persists cfg and installs it as the snapshot, even when the write
// fails.
func (s *Store) Save(ctx context.Context, cfg Config) error {
	cfg = cfg.Clone()
	cfg.normalize()
	if s.swap(cfg) {
		defer s.notify(cfg)
	}

	raw, err := Encode(cfg)
	if err == nil {
		err = s.st.PutDocument(ctx, s.key, raw)
	}
	if err != nil {
		s.log.Error("routing save failed", logx.Err(err))
		return fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	return nil
}

// Reload re-reads the document and replaces the snapshot. On failure the
// current snapshot is kept. It waits for an Update in progress.
func (s *Store) Reload(ctx context.Context) error {
	s.updMu.Lock()
	defer s.updMu.Unlock()
	return s.reload(ctx)
}

func (s *Store) reload(ctx context.Context) error {
	cfg, err := s.read(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		s.log.Warn("routing reload failed; keeping current", logx.Err(err))
		return err
	}
	if s.noAdmin(cfg) {
		s.log.Warn("routing reload ignored: admin_ids is empty")
		return ErrNoAdmin
	}
	if s.swap(cfg) {
		s.log.Info("routing reloaded",
			logx.Int("sources", len(cfg.Sources)),
			logx.Int("destinations", len(cfg.Destinations)),
		)
		s.notify(cfg)
	}
	return nil
}

// Update applies fn to a copy of the config, persists it, and reloads.
// fn may return ErrNoChange to skip the write. A persist failure is
// returned together with the new config, which is live in memory.
func (s *Store) Update(ctx context.Context, fn func(*Config) error) (Config, error) {
	s.updMu.Lock()
	defer s.updMu.Unlock()

	cfg := s.Snapshot()
	if err := fn(&cfg); err != nil {
		return s.Snapshot(), err
	}
	if err := s.Save(ctx, cfg); err != nil {
		return s.Snapshot(), err
	}
	if err := s.reload(ctx); err != nil {
		s.log.Warn("read-back after save failed", logx.Err(err))
	}
	return s.Snapshot(), nil
}

// Document returns the stored document for backup, or the encoded snapshot
// if nothing has been stored yet.
func (s *Store) Document(ctx context.Context) ([]byte, error) {
	raw, err := s.st.GetDocument(ctx, s.key)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return Encode(s.Snapshot())
}

// Restore replaces the config with raw after validating it. Invalid input
// is rejected with ErrConfigCorrupt and nothing changes.
func (s *Store) Restore(ctx context.Context, raw []byte) (Config, error) {
	cfg, err := Decode(raw)
	if err != nil {
		return s.Snapshot(), fmt.Errorf("%w: %v", ErrConfigCorrupt, err)
	}
	if len(cfg.Admins) == 0 {
		return s.Snapshot(), fmt.Errorf("%w: admin_ids is empty", ErrConfigCorrupt)
	}
	return s.Update(ctx, func(c *Config) error {
		*c = cfg
		return nil
	})
}

// Watch reloads on external edits when the storage driver can observe
// them; otherwise it blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.st.(storage.DocumentWatcher)
	if !ok {
		<-ctx.Done()
		return nil
	}
	return w.WatchDocument(ctx, s.key, func() {
		_ = s.Reload(ctx)
	})
}
