package forward

import (
	"sync/atomic"

	"chanrelay/internal/routing"
	kit "chanrelay/internal/transport"
)

// SourceAllowed reports whether chatID is one of cfg's sources.
func SourceAllowed(chatID int64, cfg routing.Config) bool {
	return cfg.HasSource(chatID)
}

// MessageAllowed is SourceAllowed for a post. A source still waiting for
// its id also admits posts from a chat with the same username.
func MessageAllowed(m *kit.Message, cfg routing.Config) bool {
	return SourceAllowed(m.ChatID, cfg) || cfg.HasPendingSource(m.ChatUsername)
}

func Enabled(flag *atomic.Bool) bool { return flag != nil && flag.Load() }

// Admit is the forwarding gate: the source must be allowed and forwarding
// switched on.
func Admit(chatID int64, cfg routing.Config, flag *atomic.Bool) bool {
	return SourceAllowed(chatID, cfg) && Enabled(flag)
}
