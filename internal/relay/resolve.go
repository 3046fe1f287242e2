package relay

import (
	"context"
	"fmt"
	"strings"

	"chanrelay/internal/routing"
	logx "chanrelay/pkg/logx"
)

// ResolveDestinations looks up destinations known only by username and
// writes the resolved ids back to the routing document. It returns how
// many were resolved.
func (s *Server) ResolveDestinations(ctx context.Context) (int, error) {
	if s.opt.Resolver == nil {
		return 0, nil
	}
	ids := map[string]int64{}
	for _, d := range s.opt.Routing.Snapshot().Destinations {
		if d.ID != 0 || d.Username == "" {
			continue
		}
		info, err := s.opt.Resolver.ResolveChat(ctx, "@"+d.Username)
		if err != nil {
			s.log.Warn("destination unresolved", logx.String("username", d.Username), logx.Err(err))
			s.alert(ctx, fmt.Sprintf("⚠️ [BotServer] Could not resolve @%s: %v", d.Username, err))
			continue
		}
		s.log.Info("destination resolved", logx.String("username", d.Username), logx.Int64("id", info.ID))
		ids[strings.ToLower(d.Username)] = routing.CanonicalID(info.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	n := 0
	_, err := s.opt.Routing.Update(ctx, func(c *routing.Config) error {
		for i, d := range c.Destinations {
			if id, ok := ids[strings.ToLower(d.Username)]; ok && d.ID == 0 {
				c.Destinations[i].ID = id
				n++
			}
		}
		if n == 0 {
			return routing.ErrNoChange
		}
		return nil
	})
	if err != nil && n > 0 {
		s.alert(ctx, fmt.Sprintf("⚠️ [BotServer] Failed to update config: %v", err))
		return n, err
	}
	return n, nil
}

// WatchDestinations resolves once, then again after every routing change,
// until ctx is done.
func (s *Server) WatchDestinations(ctx context.Context) error {
	for {
		if _, err := s.ResolveDestinations(ctx); err != nil {
			s.log.Warn("destination write-back failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.changed:
		}
	}
}
