package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "chanrelay/internal/runtime/supervisor"
	kit "chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe call at construction. Used by tests.
	Offline bool
	// Listen enables long polling. The relay only sends and leaves it off.
	Listen bool
}

// Adapter speaks the Telegram Bot API through telebot. It implements
// transport.Adapter, Resolver, Downloader, MediaSender, DocumentSender and
// CommandMenuUpdater.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter; created on Start.
	sup *rtsup.Supervisor

	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash uint64

	// sleep waits out flood limits; nil means a timer.
	sleep func(ctx context.Context, d time.Duration) error
}

// handoff is how long an update may wait for a slow consumer before it is
// dropped.
const handoff = 5 * time.Second

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"))
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout, AllowedUpdates: []string{"message", "channel_post"}},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateChannelPost, Message: toMessage(m, 1)})
		}
		return nil
	})
	onMessage := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: toMessage(m, 1)})
		}
		return nil
	}
	a.bot.Handle(tele.OnText, onMessage)
	// /restore arrives as a document with a caption
	a.bot.Handle(tele.OnMedia, onMessage)
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
		return
	default:
	}
	t := time.NewTimer(handoff)
	defer t.Stop()
	select {
	case out <- up:
	case <-t.C:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

// Start begins long polling when Listen is set and delivers updates to
// out until Stop.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	if !a.cfg.Listen {
		return nil
	}

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (consumer too slow)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))
	sup.Cancel()

	// the long poll may still be waiting; do not hold shutdown for it
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
)

// splitTelegramText splits long messages into chunks Telegram accepts,
// preferring newline boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// avoid tiny chunks
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// usernameRecipient addresses a public chat by "@name".
type usernameRecipient string

func (u usernameRecipient) Recipient() string { return string(u) }

func recipient(to kit.ChatTarget) (tele.Recipient, error) {
	if to.ChatID != 0 {
		return &tele.Chat{ID: to.ChatID}, nil
	}
	name := strings.TrimPrefix(strings.TrimSpace(to.Username), "@")
	if name == "" {
		return nil, errors.New("telegram: empty chat target")
	}
	return usernameRecipient("@" + name), nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	rcpt, err := recipient(to)
	if err != nil {
		return kit.MessageRef{}, err
	}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		var msg *tele.Message
		err := a.withFlood(ctx, "send_text", func() error {
			var err error
			msg, err = a.bot.Send(rcpt, chunk, &tele.SendOptions{
				ParseMode:             tele.ParseMode(opt.ParseMode),
				DisableWebPagePreview: opt.DisablePreview,
			})
			return err
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: msg.Chat.ID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// splitCaption keeps captions within Telegram's limit. A caption that does
// not fit is sent as a follow-up text instead.
func splitCaption(caption string) (onMedia, followUp string) {
	if len([]rune(caption)) <= telegramCaptionLimit {
		return caption, ""
	}
	return "", caption
}

func inputMedia(item kit.OutboundMedia, caption string) tele.Inputtable {
	f := tele.FromDisk(item.Path)
	switch item.Kind {
	case kit.MediaPhoto:
		return &tele.Photo{File: f, Caption: caption}
	case kit.MediaVideo:
		return &tele.Video{File: f, Caption: caption, FileName: item.FileName}
	case kit.MediaAudio:
		return &tele.Audio{File: f, Caption: caption, FileName: item.FileName}
	default:
		return &tele.Document{File: f, Caption: caption, FileName: item.FileName}
	}
}

func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, item kit.OutboundMedia, caption string) error {
	rcpt, err := recipient(to)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	onMedia, followUp := splitCaption(caption)
	err = a.withFlood(ctx, "send_media", func() error {
		_, err := a.bot.Send(rcpt, inputMedia(item, onMedia))
		return err
	})
	if err != nil {
		return err
	}
	if followUp != "" {
		_, err = a.SendText(ctx, to, followUp, &kit.SendOptions{DisablePreview: true})
	}
	return err
}

// SendAlbum sends items as one media group with the caption on the first
// item.
func (a *Adapter) SendAlbum(ctx context.Context, to kit.ChatTarget, items []kit.OutboundMedia, caption string) error {
	if len(items) == 1 {
		return a.SendMedia(ctx, to, items[0], caption)
	}
	rcpt, err := recipient(to)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	onMedia, followUp := splitCaption(caption)
	album := make(tele.Album, 0, len(items))
	for i, it := range items {
		c := ""
		if i == 0 {
			c = onMedia
		}
		album = append(album, inputMedia(it, c))
	}
	err = a.withFlood(ctx, "send_album", func() error {
		_, err := a.bot.SendAlbum(rcpt, album)
		return err
	})
	if err != nil {
		return err
	}
	if followUp != "" {
		_, err = a.SendText(ctx, to, followUp, &kit.SendOptions{DisablePreview: true})
	}
	return err
}

func (a *Adapter) SendDocument(ctx context.Context, to kit.ChatTarget, name string, data []byte, caption string) error {
	rcpt, err := recipient(to)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.withFlood(ctx, "send_document", func() error {
		doc := &tele.Document{File: tele.FromReader(bytes.NewReader(data)), FileName: name, Caption: caption}
		_, err := a.bot.Send(rcpt, doc)
		return err
	})
}

// ResolveChat looks up "@name" or a numeric chat id.
func (a *Adapter) ResolveChat(ctx context.Context, ref string) (kit.ChatInfo, error) {
	if err := ctx.Err(); err != nil {
		return kit.ChatInfo{}, err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return kit.ChatInfo{}, fmt.Errorf("%w: empty reference", kit.ErrResolution)
	}
	if _, err := strconv.ParseInt(ref, 10, 64); err != nil && !strings.HasPrefix(ref, "@") {
		ref = "@" + ref
	}
	chat, err := a.bot.ChatByUsername(ref)
	if err != nil {
		return kit.ChatInfo{}, fmt.Errorf("%w: %s: %v", kit.ErrResolution, ref, err)
	}
	return kit.ChatInfo{ID: chat.ID, Username: chat.Username, Title: chat.Title}, nil
}

// Download streams the file into w. Cancelling ctx aborts the transfer.
func (a *Adapter) Download(ctx context.Context, m kit.Media, w io.Writer) error {
	var rc io.ReadCloser
	err := a.withFlood(ctx, "download", func() error {
		var err error
		rc, err = a.bot.File(&tele.File{FileID: m.FileID})
		return err
	})
	if err != nil {
		return err
	}
	defer rc.Close()
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	defer stop()

	if _, err := io.Copy(w, rc); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// UpdateMenuCommands publishes the command menu. It only calls the API
// when the list changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	if err := a.bot.SetCommands(out); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
