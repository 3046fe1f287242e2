package forward

import (
	"sort"
	"sync"
	"time"

	kit "chanrelay/internal/transport"
)

// GroupKey identifies one album: a media group inside one chat.
type GroupKey struct {
	ChatID  int64
	AlbumID string
}

type group struct {
	items    []*kit.Message
	lastSeen time.Time
	gen      uint64
	timer    *time.Timer
}

// Aggregator buffers album items until no new item arrived for the
// debounce delay, then emits the whole group once, sorted by message id.
//
// Every Add replaces the group's timer and bumps its generation; a timer
// only emits when its generation is still current, so two timers can never
// both emit the same group.
type Aggregator struct {
	delay time.Duration
	emit  func(GroupKey, []*kit.Message)

	mu      sync.Mutex
	groups  map[GroupKey]*group
	stopped bool
}

func NewAggregator(delay time.Duration, emit func(GroupKey, []*kit.Message)) *Aggregator {
	if delay <= 0 {
		delay = 1500 * time.Millisecond
	}
	return &Aggregator{delay: delay, emit: emit, groups: map[GroupKey]*group{}}
}

func (a *Aggregator) Add(m *kit.Message) {
	key := GroupKey{ChatID: m.ChatID, AlbumID: m.AlbumID}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	g := a.groups[key]
	if g == nil {
		g = &group{}
		a.groups[key] = g
	}
	g.items = append(g.items, m)
	g.lastSeen = time.Now()
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
	}
	gen := g.gen
	g.timer = time.AfterFunc(a.delay, func() { a.fire(key, gen) })
}

func (a *Aggregator) fire(key GroupKey, gen uint64) {
	a.mu.Lock()
	g := a.groups[key]
	if a.stopped || g == nil || g.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.groups, key)
	a.mu.Unlock()

	items := g.items
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	a.emit(key, items)
}

// Pending reports how many groups are buffered.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// Stop abandons all buffered groups. Later Adds are ignored.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for k, g := range a.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(a.groups, k)
	}
}
