package forward

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"chanrelay/internal/delivery"
	"chanrelay/internal/routing"
	kit "chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

var nopLog = logx.Nop()

type fakeDownloader map[string][]byte

func (f fakeDownloader) Download(_ context.Context, m kit.Media, w io.Writer) error {
	data, ok := f[m.FileID]
	if !ok {
		return errors.New("no such file")
	}
	_, err := w.Write(data)
	return err
}

type fakeDeliverer struct {
	mu    sync.Mutex
	units []delivery.Unit
	dests [][]routing.ChannelRef
}

func (f *fakeDeliverer) Deliver(_ context.Context, u delivery.Unit, dests []routing.ChannelRef) delivery.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units = append(f.units, u)
	f.dests = append(f.dests, dests)
	return delivery.Result{Outcomes: []delivery.Outcome{{}}}
}

func (f *fakeDeliverer) got() []delivery.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.Unit(nil), f.units...)
}

type staticRouting routing.Config

func (s staticRouting) Snapshot() routing.Config { return routing.Config(s).Clone() }

type alerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alerts) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	a.msgs = append(a.msgs, text)
	a.mu.Unlock()
	return nil
}

func (a *alerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

const sourceID = -1001111111111

func newTestController(t *testing.T, files fakeDownloader, max int64) (*Controller, *fakeDeliverer, *alerts, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := NewStager(dir, max, files, nopLog)
	if err != nil {
		t.Fatal(err)
	}
	del := &fakeDeliverer{}
	al := &alerts{}
	cfg := routing.Config{
		Sources:      []routing.ChannelRef{{ID: sourceID, Username: "src"}},
		Destinations: []routing.ChannelRef{{ID: -1002222222222}},
		Admins:       []int64{1},
		ShowSource:   true,
	}
	c := NewController(Options{
		Routing:       staticRouting(cfg),
		Deliverer:     del,
		Stager:        st,
		Alerter:       al,
		AlbumDebounce: 20 * time.Millisecond,
	})
	return c, del, al, dir
}

func TestAggregatorEmitsOnceSorted(t *testing.T) {
	t.Parallel()

	out := make(chan []*kit.Message, 4)
	a := NewAggregator(30*time.Millisecond, func(_ GroupKey, items []*kit.Message) { out <- items })
	for _, id := range []int{3, 1, 2} {
		a.Add(&kit.Message{ID: id, ChatID: sourceID, AlbumID: "g"})
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case items := <-out:
		if len(items) != 3 || items[0].ID != 1 || items[1].ID != 2 || items[2].ID != 3 {
			t.Fatalf("unexpected order: %v %v %v", items[0].ID, items[1].ID, items[2].ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("album never emitted")
	}
	select {
	case <-out:
		t.Fatal("album emitted twice")
	case <-time.After(100 * time.Millisecond):
	}
	if a.Pending() != 0 {
		t.Fatalf("pending = %d", a.Pending())
	}
}

func TestAggregatorSeparatesGroupsAndStops(t *testing.T) {
	t.Parallel()

	out := make(chan GroupKey, 4)
	a := NewAggregator(20*time.Millisecond, func(k GroupKey, _ []*kit.Message) { out <- k })
	a.Add(&kit.Message{ID: 1, ChatID: 1, AlbumID: "g"})
	a.Add(&kit.Message{ID: 1, ChatID: 2, AlbumID: "g"})
	if a.Pending() != 2 {
		t.Fatalf("pending = %d", a.Pending())
	}
	a.Stop()
	a.Add(&kit.Message{ID: 2, ChatID: 1, AlbumID: "g"})
	select {
	case k := <-out:
		t.Fatalf("stopped aggregator emitted %+v", k)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestAlbumDropsOversizeItem(t *testing.T) {
	t.Parallel()

	files := fakeDownloader{"a": []byte("one"), "b": []byte("this one is far too big"), "c": []byte("three")}
	c, del, al, dir := newTestController(t, files, 10)

	items := []*kit.Message{
		{ID: 1, ChatID: sourceID, ChatTitle: "News", AlbumID: "g", Text: "caption @someone", Media: &kit.Media{Kind: kit.MediaPhoto, FileID: "a"}},
		{ID: 2, ChatID: sourceID, AlbumID: "g", Media: &kit.Media{Kind: kit.MediaVideo, FileID: "b"}},
		{ID: 3, ChatID: sourceID, AlbumID: "g", Media: &kit.Media{Kind: kit.MediaPhoto, FileID: "c"}},
	}
	c.forwardAlbum(context.Background(), items)

	units := del.got()
	if len(units) != 1 {
		t.Fatalf("units = %d", len(units))
	}
	u := units[0]
	if !u.Album || len(u.Media) != 2 || string(u.Media[0].Data) != "one" || string(u.Media[1].Data) != "three" {
		t.Fatalf("unexpected unit %+v", u)
	}
	if u.Text != "caption" || u.SourceTag != "Source: News" {
		t.Fatalf("caption fields: %q %q", u.Text, u.SourceTag)
	}
	if al.count() != 1 {
		t.Fatalf("alerts = %d", al.count())
	}
	left, _ := os.ReadDir(dir)
	if len(left) != 0 {
		t.Fatalf("staged files left behind: %d", len(left))
	}
}

func TestAlbumAllOversizeSendsNothing(t *testing.T) {
	t.Parallel()

	files := fakeDownloader{"a": []byte("0123456789abc"), "b": []byte("0123456789abc")}
	c, del, al, _ := newTestController(t, files, 10)
	c.forwardAlbum(context.Background(), []*kit.Message{
		{ID: 1, ChatID: sourceID, AlbumID: "g", Media: &kit.Media{FileID: "a"}},
		{ID: 2, ChatID: sourceID, AlbumID: "g", Media: &kit.Media{FileID: "b", Size: 99}},
	})
	if len(del.got()) != 0 || al.count() != 2 {
		t.Fatalf("units=%d alerts=%d", len(del.got()), al.count())
	}
}

func TestHandleUpdateAdmission(t *testing.T) {
	t.Parallel()

	c, del, _, _ := newTestController(t, fakeDownloader{}, 10)
	ctx := context.Background()

	c.HandleUpdate(ctx, kit.Update{Kind: kit.UpdateChannelPost, Message: &kit.Message{ID: 1, ChatID: -100999, Channel: true, Text: "x"}})
	if len(del.got()) != 0 {
		t.Fatal("post from a non-source was forwarded")
	}

	c.SetEnabled(false)
	c.HandleUpdate(ctx, kit.Update{Kind: kit.UpdateChannelPost, Message: &kit.Message{ID: 2, ChatID: sourceID, Channel: true, Text: "x"}})
	if len(del.got()) != 0 {
		t.Fatal("paused controller forwarded a post")
	}

	c.SetEnabled(true)
	c.HandleUpdate(ctx, kit.Update{Kind: kit.UpdateChannelPost, Message: &kit.Message{ID: 3, ChatID: sourceID, ChatUsername: "src", Channel: true, Text: "Hi @bob see https://x.y"}})
	units := del.got()
	if len(units) != 1 {
		t.Fatalf("units = %d", len(units))
	}
	if units[0].Text != "Hi see" || units[0].SourceTag != "Source: src" {
		t.Fatalf("unexpected unit %+v", units[0])
	}
}

type cmdRecorder struct{ n int }

func (r *cmdRecorder) HandleCommand(context.Context, *kit.Message) { r.n++ }

func TestPrivateCommandsGoToHandler(t *testing.T) {
	t.Parallel()

	c, del, _, _ := newTestController(t, fakeDownloader{}, 10)
	rec := &cmdRecorder{}
	c.opt.Commands = rec
	c.HandleUpdate(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 7, FromID: 7, Private: true, Text: "/status"}})
	c.HandleUpdate(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 7, FromID: 7, Private: true, Text: "hello"}})
	if rec.n != 1 || len(del.got()) != 0 {
		t.Fatalf("commands=%d units=%d", rec.n, len(del.got()))
	}
}

func TestRunForwardsAlbumThroughPool(t *testing.T) {
	t.Parallel()

	files := fakeDownloader{"a": []byte("1"), "b": []byte("2")}
	c, del, _, _ := newTestController(t, files, 10)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan struct{})
	go func() { _ = c.Run(ctx, updates); close(done) }()

	updates <- kit.Update{Kind: kit.UpdateChannelPost, Message: &kit.Message{ID: 11, ChatID: sourceID, Channel: true, AlbumID: "g", Media: &kit.Media{FileID: "b"}}}
	updates <- kit.Update{Kind: kit.UpdateChannelPost, Message: &kit.Message{ID: 10, ChatID: sourceID, Channel: true, AlbumID: "g", Media: &kit.Media{FileID: "a"}}}

	deadline := time.Now().Add(2 * time.Second)
	for len(del.got()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	units := del.got()
	if len(units) != 1 || len(units[0].Media) != 2 || string(units[0].Media[0].Data) != "1" {
		t.Fatalf("unexpected units %+v", units)
	}
}

func TestStagerLimits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := NewStager(dir, 4, fakeDownloader{"ok": []byte("abcd"), "big": []byte("abcde")}, nopLog)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := st.Stage(ctx, 1, kit.Media{FileID: "ok", Size: 5}); !errors.Is(err, ErrOversize) {
		t.Fatalf("metadata size not enforced: %v", err)
	}
	if _, err := st.Stage(ctx, 2, kit.Media{FileID: "big"}); !errors.Is(err, ErrOversize) {
		t.Fatalf("copied size not enforced: %v", err)
	}
	s, err := st.Stage(ctx, 3, kit.Media{FileID: "ok", Kind: kit.MediaPhoto})
	if err != nil {
		t.Fatal(err)
	}
	if s.FileName != "photo_3.jpg" || s.Size != 4 {
		t.Fatalf("unexpected staged %+v", s)
	}
	if n, _ := st.Sweep(time.Hour); n != 0 {
		t.Fatalf("fresh file swept")
	}
	if n, _ := st.Sweep(0); n != 1 {
		t.Fatalf("sweep removed %d", n)
	}
	if _, err := os.Stat(s.Path); !os.IsNotExist(err) {
		t.Fatal("staged file survived sweep")
	}
	if err := s.Remove(); err != nil {
		t.Fatalf("remove after sweep: %v", err)
	}
}

func TestFileNameFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		m    kit.Media
		want string
	}{
		{kit.Media{FileName: "report.pdf"}, "report.pdf"},
		{kit.Media{FileName: "../../etc/passwd"}, "passwd"},
		{kit.Media{Kind: kit.MediaVideo}, "video_9.mp4"},
		{kit.Media{Kind: kit.MediaAudio}, "audio_9.mp3"},
		{kit.Media{}, "document_9.bin"},
	}
	for _, tt := range tests {
		if got := FileNameFor(9, tt.m); got != tt.want {
			t.Errorf("FileNameFor(%+v) = %q, want %q", tt.m, got, tt.want)
		}
	}
}

func TestSingleOversizeSkipped(t *testing.T) {
	t.Parallel()

	files := fakeDownloader{"big": []byte("far more than ten bytes")}
	c, del, al, dir := newTestController(t, files, 10)
	ctx := context.Background()

	c.HandleUpdate(ctx, kit.Update{Kind: kit.UpdateChannelPost, Message: &kit.Message{
		ID: 5, ChatID: sourceID, Channel: true, Text: "look",
		Media: &kit.Media{Kind: kit.MediaVideo, FileID: "big"},
	}})
	c.HandleUpdate(ctx, kit.Update{Kind: kit.UpdateChannelPost, Message: &kit.Message{
		ID: 6, ChatID: sourceID, Channel: true,
		Media: &kit.Media{Kind: kit.MediaDocument, FileID: "big", Size: 50 << 20},
	}})

	if len(del.got()) != 0 {
		t.Fatalf("oversize post delivered: %+v", del.got())
	}
	if al.count() != 2 {
		t.Fatalf("alerts = %d, want one per post", al.count())
	}
	left, _ := os.ReadDir(dir)
	if len(left) != 0 {
		t.Fatalf("staged files left behind: %d", len(left))
	}
}

func TestPanicInJobIsIsolated(t *testing.T) {
	t.Parallel()

	c, del, al, _ := newTestController(t, fakeDownloader{}, 10)
	c.opt.Workers = 1
	c.opt.Commands = CommandHandlerFunc(func(context.Context, *kit.Message) { panic("boom") })

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan struct{})
	go func() { _ = c.Run(ctx, updates); close(done) }()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 7, FromID: 7, Private: true, Text: "/status"}}
	updates <- kit.Update{Kind: kit.UpdateChannelPost, Message: &kit.Message{ID: 1, ChatID: sourceID, Channel: true, Text: "still here"}}

	deadline := time.Now().Add(2 * time.Second)
	for len(del.got()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if len(del.got()) != 1 || del.got()[0].Text != "still here" {
		t.Fatalf("controller stopped after a panic: units=%+v", del.got())
	}
	if al.count() != 1 {
		t.Fatalf("alerts = %d", al.count())
	}
}

func TestPendingUsernameSourceAdmitted(t *testing.T) {
	t.Parallel()

	c, del, _, _ := newTestController(t, fakeDownloader{}, 10)
	cfg, err := routing.Decode([]byte(`{"source_channels":["@News_Feed"],"destination_channels":[],"admin_ids":[1]}`))
	if err != nil {
		t.Fatal(err)
	}
	c.opt.Routing = staticRouting(cfg)
	ctx := context.Background()

	c.HandleUpdate(ctx, kit.Update{Kind: kit.UpdateChannelPost, Message: &kit.Message{ID: 1, ChatID: -1004444444444, ChatUsername: "news_feed", Channel: true, Text: "a"}})
	c.HandleUpdate(ctx, kit.Update{Kind: kit.UpdateChannelPost, Message: &kit.Message{ID: 2, ChatID: -1005555555555, ChatUsername: "other", Channel: true, Text: "b"}})
	if units := del.got(); len(units) != 1 || units[0].Text != "a" {
		t.Fatalf("units = %+v", units)
	}
}

type writableRouting struct {
	mu   sync.Mutex
	cfg  routing.Config
	subs []func(routing.Config)
}

func (r *writableRouting) Snapshot() routing.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Clone()
}

func (r *writableRouting) Update(_ context.Context, fn func(*routing.Config) error) (routing.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.cfg.Clone()
	if err := fn(&c); err != nil {
		return r.cfg.Clone(), err
	}
	r.cfg = c
	return c.Clone(), nil
}

func (r *writableRouting) OnChange(fn func(routing.Config)) { r.subs = append(r.subs, fn) }

type chatResolver map[string]int64

func (r chatResolver) ResolveChat(_ context.Context, ref string) (kit.ChatInfo, error) {
	if id, ok := r[ref]; ok {
		return kit.ChatInfo{ID: id}, nil
	}
	return kit.ChatInfo{}, kit.ErrResolution
}

func TestSourceResolverWritesBack(t *testing.T) {
	t.Parallel()

	rt := &writableRouting{cfg: routing.Config{
		Sources: []routing.ChannelRef{{ID: sourceID}, {Username: "News_Feed"}, {Username: "ghost"}},
		Admins:  []int64{1},
	}}
	al := &alerts{}
	r := NewSourceResolver(rt, chatResolver{"@News_Feed": -1004444444444}, al, nopLog)

	n, err := r.Resolve(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	cfg := rt.Snapshot()
	if cfg.Sources[1].ID != -1004444444444 || cfg.Sources[2].ID != 0 {
		t.Fatalf("sources = %+v", cfg.Sources)
	}
	if !SourceAllowed(-1004444444444, cfg) {
		t.Fatal("resolved source not admitted")
	}
	if al.count() != 1 {
		t.Fatalf("alerts = %d", al.count())
	}

	if n, err := r.Resolve(context.Background()); err != nil || n != 0 {
		t.Fatalf("second pass: n=%d err=%v", n, err)
	}
}
