package forward

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chanrelay/internal/delivery"
	"chanrelay/internal/eventbus"
	"chanrelay/internal/routing"
	"chanrelay/internal/sanitize"
	kit "chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

// Deliverer hands a unit to the relay.
type Deliverer interface {
	Deliver(ctx context.Context, u delivery.Unit, dests []routing.ChannelRef) delivery.Result
}

// Routing exposes the live routing snapshot.
type Routing interface {
	Snapshot() routing.Config
}

// CommandHandler processes operator commands sent in private chats.
type CommandHandler interface {
	HandleCommand(ctx context.Context, m *kit.Message)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, m *kit.Message)

func (f CommandHandlerFunc) HandleCommand(ctx context.Context, m *kit.Message) { f(ctx, m) }

type Alerter interface {
	Alert(ctx context.Context, text string) error
}

type Options struct {
	Routing   Routing
	Deliverer Deliverer
	Stager    *Stager
	Commands  CommandHandler
	Alerter   Alerter
	Bus       eventbus.Bus
	Log       logx.Logger

	AlbumDebounce time.Duration
	Workers       int
	QueueSize     int
}

// Controller is the forwarding pipeline: admission, album aggregation,
// sanitizing, media staging and delivery.
type Controller struct {
	opt Options
	log logx.Logger
	bus eventbus.Bus

	enabled atomic.Bool
	albums  *Aggregator

	jobs chan func(context.Context)

	mu     sync.Mutex
	runCtx context.Context
	wg     sync.WaitGroup
}

func NewController(opt Options) *Controller {
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opt.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	c := &Controller{
		opt:  opt,
		log:  log.With(logx.String("comp", "forward")),
		bus:  bus,
		jobs: make(chan func(context.Context), opt.QueueSize),
	}
	c.enabled.Store(true)
	c.albums = NewAggregator(opt.AlbumDebounce, c.onAlbum)
	return c
}

func (c *Controller) Enabled() bool      { return c.enabled.Load() }
func (c *Controller) SetEnabled(on bool) { c.enabled.Store(on) }

// Pending reports buffered album groups.
func (c *Controller) Pending() int { return c.albums.Pending() }

// Run consumes updates until ctx is done or updates is closed.
func (c *Controller) Run(ctx context.Context, updates <-chan kit.Update) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	for i := 0; i < c.opt.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	defer c.wg.Wait()
	defer c.albums.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			c.submit(ctx, func(ctx context.Context) { c.HandleUpdate(ctx, u) })
		}
	}
}

func (c *Controller) submit(ctx context.Context, job func(context.Context)) {
	select {
	case c.jobs <- job:
	case <-ctx.Done():
	}
}

func (c *Controller) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.jobs:
			c.safe(ctx, job)
		}
	}
}

func (c *Controller) safe(ctx context.Context, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in forward job", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			c.alert(ctx, fmt.Sprintf("⚠️ [Forwarder ERROR] %v", r))
		}
	}()
	job(ctx)
}

// HandleUpdate routes one update. It is safe to call concurrently.
func (c *Controller) HandleUpdate(ctx context.Context, u kit.Update) {
	m := u.Message
	if m == nil {
		return
	}
	if m.Private && m.IsCommand() {
		if c.opt.Commands != nil {
			c.opt.Commands.HandleCommand(ctx, m)
		}
		return
	}
	if u.Kind != kit.UpdateChannelPost && !m.Channel {
		return
	}

	cfg := c.opt.Routing.Snapshot()
	if !MessageAllowed(m, cfg) {
		c.log.Debug("skip: not a source", logx.Int64("chat_id", m.ChatID))
		return
	}
	if !c.Enabled() {
		c.log.Debug("skip: forwarding paused", logx.Int64("chat_id", m.ChatID))
		c.bus.Publish(eventbus.Event{Type: eventbus.ForwardDropped, Data: "paused"})
		return
	}

	if m.AlbumID != "" {
		c.albums.Add(m)
		return
	}
	c.forwardSingle(ctx, m, cfg)
}

func (c *Controller) forwardSingle(ctx context.Context, m *kit.Message, cfg routing.Config) {
	u := delivery.Unit{Text: sanitize.Clean(m.Text)}
	if cfg.ShowSource {
		u.SourceTag = SourceTag(m)
	}

	if m.Media != nil {
		st, err := c.opt.Stager.Stage(ctx, m.ID, *m.Media)
		if err != nil {
			c.stageFailed(ctx, err, false)
			return
		}
		defer c.cleanup(st)
		item, err := mediaItem(st)
		if err != nil {
			c.failed(ctx, err)
			return
		}
		u.Media = []delivery.MediaItem{item}
	}
	c.deliver(ctx, u, cfg)
}

func (c *Controller) onAlbum(key GroupKey, items []*kit.Message) {
	c.bus.Publish(eventbus.Event{Type: eventbus.AlbumEmitted, Data: key})
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	c.submit(ctx, func(ctx context.Context) { c.forwardAlbum(ctx, items) })
}

func (c *Controller) forwardAlbum(ctx context.Context, items []*kit.Message) {
	if len(items) == 0 {
		return
	}
	cfg := c.opt.Routing.Snapshot()
	first := items[0]
	u := delivery.Unit{Text: sanitize.Clean(first.Text), Album: true}
	if cfg.ShowSource {
		u.SourceTag = SourceTag(first)
	}

	for _, m := range items {
		if m.Media == nil {
			continue
		}
		st, err := c.opt.Stager.Stage(ctx, m.ID, *m.Media)
		if err != nil {
			c.stageFailed(ctx, err, true)
			continue
		}
		item, err := mediaItem(st)
		c.cleanup(st)
		if err != nil {
			c.log.Warn("read staged media failed", logx.Err(err))
			continue
		}
		u.Media = append(u.Media, item)
	}
	if len(u.Media) == 0 {
		c.log.Info("album dropped: no media left", logx.Int64("chat_id", first.ChatID), logx.String("album_id", first.AlbumID))
		c.bus.Publish(eventbus.Event{Type: eventbus.ForwardDropped, Data: "album without media"})
		return
	}
	if len(u.Media) == 1 {
		u.Album = false
	}
	c.deliver(ctx, u, cfg)
}

func (c *Controller) deliver(ctx context.Context, u delivery.Unit, cfg routing.Config) {
	if u.Empty() {
		c.bus.Publish(eventbus.Event{Type: eventbus.ForwardDropped, Data: "empty"})
		return
	}
	res := c.opt.Deliverer.Deliver(ctx, u, cfg.Destinations)
	c.log.Info("forwarded",
		logx.Int("media", len(u.Media)),
		logx.Bool("album", u.Album),
		logx.Int("delivered", res.Delivered()),
		logx.Int("failed", res.Failed()),
	)
}

func (c *Controller) stageFailed(ctx context.Context, err error, album bool) {
	var oe *OversizeError
	if errors.As(err, &oe) {
		what := "File"
		if album {
			what = "Album file"
		}
		msg := fmt.Sprintf("🚫 %s too large to forward (%s, %dMB).", what, oe.FileName, oe.Size>>20)
		c.log.Warn("media oversize", logx.String("file", oe.FileName), logx.Int64("size", oe.Size), logx.Int64("limit", oe.Limit))
		c.bus.Publish(eventbus.Event{Type: eventbus.MediaOversize, Data: oe.FileName})
		c.alert(ctx, msg)
		return
	}
	c.failed(ctx, err)
}

func (c *Controller) failed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	c.log.Error("forward failed", logx.Err(err))
	c.alert(ctx, fmt.Sprintf("⚠️ [Forwarder ERROR] %v", err))
}

func (c *Controller) cleanup(st *Staged) {
	if err := st.Remove(); err != nil {
		c.log.Warn("remove staged media failed", logx.String("path", st.Path), logx.Err(err))
	}
}

func (c *Controller) alert(ctx context.Context, text string) {
	if c.opt.Alerter == nil {
		return
	}
	if err := c.opt.Alerter.Alert(context.WithoutCancel(ctx), text); err != nil {
		c.log.Warn("alert failed", logx.Err(err))
	}
}

func mediaItem(st *Staged) (delivery.MediaItem, error) {
	data, err := st.ReadAll()
	if err != nil {
		return delivery.MediaItem{}, err
	}
	return delivery.MediaItem{Data: data, FileName: st.FileName, Kind: st.Kind}, nil
}

// SourceTag names where a post came from: chat title, then username, then
// numeric id.
func SourceTag(m *kit.Message) string {
	name := m.ChatTitle
	if name == "" {
		name = m.ChatUsername
	}
	if name == "" {
		name = strconv.FormatInt(m.ChatID, 10)
	}
	return "Source: " + name
}
