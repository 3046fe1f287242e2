package routing

import (
	"slices"
	"strconv"
	"strings"
)

// ChannelRef identifies a channel by canonical id, username, or both.
// ID == 0 means not yet resolved. Username is stored without the leading @.
type ChannelRef struct {
	ID       int64
	Username string
}

func (r ChannelRef) IsZero() bool { return r.ID == 0 && r.Username == "" }

func (r ChannelRef) String() string {
	switch {
	case r.ID != 0 && r.Username != "":
		return "@" + r.Username + " (" + strconv.FormatInt(r.ID, 10) + ")"
	case r.ID != 0:
		return strconv.FormatInt(r.ID, 10)
	case r.Username != "":
		return "@" + r.Username
	default:
		return "<empty>"
	}
}

// Matches reports whether token names this channel: either the canonical id
// as a string, or the username compared case-insensitively.
func (r ChannelRef) Matches(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if id, ok := parseID(token); ok {
		return r.ID != 0 && r.ID == id
	}
	name := normalizeUsername(token)
	return name != "" && strings.EqualFold(r.Username, name)
}

// Same reports whether two refs denote the same channel: equal canonical
// ids or equal usernames.
func (r ChannelRef) Same(o ChannelRef) bool {
	if r.ID != 0 && r.ID == o.ID {
		return true
	}
	return r.Username != "" && strings.EqualFold(r.Username, o.Username)
}

// ParseRef reads a user-supplied channel reference: a numeric id, @name,
// or a t.me link.
func ParseRef(s string) (ChannelRef, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChannelRef{}, false
	}
	if id, ok := parseID(s); ok {
		return ChannelRef{ID: id}, true
	}
	name := normalizeUsername(s)
	if name == "" {
		return ChannelRef{}, false
	}
	return ChannelRef{Username: name}, true
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return CanonicalID(id), true
}

// CanonicalID converts a bare positive channel id into the full "-100…"
// form used by the Bot API. Other ids are returned as is.
func CanonicalID(id int64) int64 {
	if id <= 1_000_000_000 {
		return id
	}
	full, err := strconv.ParseInt("-100"+strconv.FormatInt(id, 10), 10, 64)
	if err != nil {
		return id
	}
	return full
}

func normalizeUsername(s string) string {
	s = strings.TrimSpace(s)
	for _, p := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, p)
	}
	for _, p := range []string{"t.me/", "telegram.me/", "@"} {
		if len(s) >= len(p) && strings.EqualFold(s[:len(p)], p) {
			s = s[len(p):]
		}
	}
	s = strings.TrimRight(s, "/")
	for _, c := range s {
		if !(c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return ""
		}
	}
	return s
}

// Config is the live routing state: where to read, where to write, and who
// may change it.
type Config struct {
	Sources      []ChannelRef
	Destinations []ChannelRef
	Admins       []int64 // sorted set, never empty once loaded
	ShowSource   bool
}

func Default(admin int64) Config {
	cfg := Config{ShowSource: true}
	if admin != 0 {
		cfg.Admins = []int64{admin}
	}
	return cfg
}

func (c Config) Clone() Config {
	return Config{
		Sources:      slices.Clone(c.Sources),
		Destinations: slices.Clone(c.Destinations),
		Admins:       slices.Clone(c.Admins),
		ShowSource:   c.ShowSource,
	}
}

func (c Config) IsAdmin(id int64) bool {
	_, ok := slices.BinarySearch(c.Admins, id)
	return id != 0 && ok
}

// HasSource reports whether chatID is an allowed source. Comparison is on
// the canonical id's decimal form.
func (c Config) HasSource(chatID int64) bool {
	want := strconv.FormatInt(chatID, 10)
	for _, r := range c.Sources {
		if r.ID != 0 && strconv.FormatInt(r.ID, 10) == want {
			return true
		}
	}
	return false
}

// HasPendingSource reports whether username names a source that has no id
// yet.
func (c Config) HasPendingSource(username string) bool {
	name := normalizeUsername(username)
	if name == "" {
		return false
	}
	for _, r := range c.Sources {
		if r.ID == 0 && strings.EqualFold(r.Username, name) {
			return true
		}
	}
	return false
}

// AddRef appends ref unless an entry already denotes the same channel.
func AddRef(list []ChannelRef, ref ChannelRef) ([]ChannelRef, bool) {
	for _, r := range list {
		if r.Same(ref) {
			return list, false
		}
	}
	return append(list, ref), true
}

// RemoveRef drops every entry matching token.
func RemoveRef(list []ChannelRef, token string) ([]ChannelRef, bool) {
	out := list[:0:0]
	for _, r := range list {
		if !r.Matches(token) {
			out = append(out, r)
		}
	}
	return out, len(out) != len(list)
}

// FindRef returns the first entry matching token.
func FindRef(list []ChannelRef, token string) (ChannelRef, bool) {
	for _, r := range list {
		if r.Matches(token) {
			return r, true
		}
	}
	return ChannelRef{}, false
}

// normalize canonicalizes ids, merges duplicate refs (keeping the first
// position and filling in whichever half was missing) and sorts admins.
func (c *Config) normalize() {
	c.Sources = dedupeRefs(c.Sources)
	c.Destinations = dedupeRefs(c.Destinations)
	admins := c.Admins[:0:0]
	for _, id := range c.Admins {
		if id != 0 {
			admins = append(admins, id)
		}
	}
	slices.Sort(admins)
	c.Admins = slices.Compact(admins)
}

func dedupeRefs(in []ChannelRef) []ChannelRef {
	out := make([]ChannelRef, 0, len(in))
next:
	for _, r := range in {
		r.ID = CanonicalID(r.ID)
		r.Username = normalizeUsername(r.Username)
		if r.IsZero() {
			continue
		}
		for i := range out {
			if out[i].Same(r) {
				if out[i].ID == 0 {
					out[i].ID = r.ID
				}
				if out[i].Username == "" {
					out[i].Username = r.Username
				}
				continue next
			}
		}
		out = append(out, r)
	}
	return out
}
