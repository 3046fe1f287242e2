package forward

import (
	"context"
	"fmt"
	"strings"

	"chanrelay/internal/routing"
	kit "chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

// RoutingWriter is the part of the routing store that source resolution
// needs.
type RoutingWriter interface {
	Snapshot() routing.Config
	Update(ctx context.Context, fn func(*routing.Config) error) (routing.Config, error)
	OnChange(fn func(routing.Config))
}

// SourceResolver turns sources known only by username into canonical ids
// and writes them back to the routing document.
type SourceResolver struct {
	routing  RoutingWriter
	resolver kit.Resolver
	alerter  Alerter
	log      logx.Logger
	changed  chan struct{}
}

func NewSourceResolver(rt RoutingWriter, res kit.Resolver, al Alerter, log logx.Logger) *SourceResolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &SourceResolver{
		routing:  rt,
		resolver: res,
		alerter:  al,
		log:      log.With(logx.String("comp", "sources")),
		changed:  make(chan struct{}, 1),
	}
	rt.OnChange(func(routing.Config) {
		select {
		case r.changed <- struct{}{}:
		default:
		}
	})
	return r
}

// Resolve looks up every unresolved source once and returns how many ids
// were written back.
func (r *SourceResolver) Resolve(ctx context.Context) (int, error) {
	if r.resolver == nil {
		return 0, nil
	}
	ids := map[string]int64{}
	for _, src := range r.routing.Snapshot().Sources {
		if src.ID != 0 || src.Username == "" {
			continue
		}
		info, err := r.resolver.ResolveChat(ctx, "@"+src.Username)
		if err != nil {
			r.log.Warn("source unresolved", logx.String("username", src.Username), logx.Err(err))
			r.alert(ctx, fmt.Sprintf("⚠️ [Forwarder] Could not resolve source @%s: %v", src.Username, err))
			continue
		}
		r.log.Info("source resolved", logx.String("username", src.Username), logx.Int64("id", info.ID))
		ids[strings.ToLower(src.Username)] = routing.CanonicalID(info.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	n := 0
	_, err := r.routing.Update(ctx, func(c *routing.Config) error {
		n = 0
		for i, src := range c.Sources {
			if id, ok := ids[strings.ToLower(src.Username)]; ok && src.ID == 0 {
				c.Sources[i].ID = id
				n++
			}
		}
		if n == 0 {
			return routing.ErrNoChange
		}
		return nil
	})
	if err != nil && n > 0 {
		r.alert(ctx, fmt.Sprintf("⚠️ [Forwarder] Failed to update config: %v", err))
		return n, err
	}
	return n, nil
}

// Watch resolves once, then again after every routing change, until ctx
// is done.
func (r *SourceResolver) Watch(ctx context.Context) error {
	for {
		if _, err := r.Resolve(ctx); err != nil {
			r.log.Warn("source write-back failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.changed:
		}
	}
}

func (r *SourceResolver) alert(ctx context.Context, text string) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Alert(context.WithoutCancel(ctx), text); err != nil {
		r.log.Warn("alert failed", logx.Err(err))
	}
}
