package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chanrelay/internal/delivery"
	"chanrelay/internal/routing"
	kit "chanrelay/internal/transport"
)

type sent struct {
	to      kit.ChatTarget
	caption string
	files   int
}

// fakeSender records sends and checks that staged files exist when used.
type fakeSender struct {
	mu      sync.Mutex
	sends   []sent
	failFor int64
	missing int
}

func (f *fakeSender) record(to kit.ChatTarget, caption string, items []kit.OutboundMedia) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range items {
		if _, err := os.Stat(m.Path); err != nil {
			f.missing++
		}
	}
	f.sends = append(f.sends, sent{to: to, caption: caption, files: len(items)})
	if to.ChatID != 0 && to.ChatID == f.failFor {
		return errors.New("chat not found")
	}
	return nil
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID}, f.record(to, text, nil)
}

func (f *fakeSender) SendMedia(_ context.Context, to kit.ChatTarget, item kit.OutboundMedia, caption string) error {
	return f.record(to, caption, []kit.OutboundMedia{item})
}

func (f *fakeSender) SendAlbum(_ context.Context, to kit.ChatTarget, items []kit.OutboundMedia, caption string) error {
	return f.record(to, caption, items)
}

type fakeRouting struct {
	mu   sync.Mutex
	cfg  routing.Config
	subs []func(routing.Config)
}

func (r *fakeRouting) Snapshot() routing.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Clone()
}

func (r *fakeRouting) Update(_ context.Context, fn func(*routing.Config) error) (routing.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.cfg.Clone()
	if err := fn(&c); err != nil {
		return r.cfg.Clone(), err
	}
	r.cfg = c
	return c.Clone(), nil
}

func (r *fakeRouting) OnChange(fn func(routing.Config)) { r.subs = append(r.subs, fn) }

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

type resolver map[string]int64

func (r resolver) ResolveChat(_ context.Context, ref string) (kit.ChatInfo, error) {
	if id, ok := r[ref]; ok {
		return kit.ChatInfo{ID: id}, nil
	}
	return kit.ChatInfo{}, kit.ErrResolution
}

func newTestServer(t *testing.T, dests []routing.ChannelRef) (*Server, *fakeSender, *alerts, *fakeRouting, string) {
	t.Helper()
	dir := t.TempDir()
	snd := &fakeSender{}
	al := &alerts{}
	rt := &fakeRouting{cfg: routing.Config{Destinations: dests, Admins: []int64{1}}}
	s, err := New(Options{
		Secret:        "s3cret",
		TempDir:       dir,
		MaxMediaBytes: 16,
		Sender:        snd,
		Routing:       rt,
		Alerter:       al,
		Resolver:      resolver{"@late": -1009999999999},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, snd, al, rt, dir
}

func post(t *testing.T, h http.Handler, p delivery.Payload) (*httptest.ResponseRecorder, delivery.Response) {
	t.Helper()
	body, _ := json.Marshal(p)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/forward", bytes.NewReader(body)))
	var resp delivery.Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestBadSecretRejected(t *testing.T) {
	t.Parallel()

	s, snd, al, _, _ := newTestServer(t, []routing.ChannelRef{{ID: -1001}})
	rec, resp := post(t, s.Handler(), delivery.Payload{SecretKey: "wrong", Text: "hi"})
	if rec.Code != http.StatusUnauthorized || resp.Status != delivery.StatusUnauthorized {
		t.Fatalf("code=%d resp=%+v", rec.Code, resp)
	}
	if len(snd.sends) != 0 || al.count() != 1 {
		t.Fatalf("sends=%d alerts=%d", len(snd.sends), al.count())
	}
}

func TestSecretHeaderCheckedBeforeBody(t *testing.T) {
	t.Parallel()

	s, snd, al, _, _ := newTestServer(t, []routing.ChannelRef{{ID: -1001}})
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/forward", strings.NewReader("{not even json"))
	req.Header.Set(delivery.SecretHeader, "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401 before the body is parsed", rec.Code)
	}

	body, _ := json.Marshal(delivery.Payload{Text: "hi"})
	req = httptest.NewRequest(http.MethodPost, "/forward", bytes.NewReader(body))
	req.Header.Set(delivery.SecretHeader, "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || len(snd.sends) != 1 {
		t.Fatalf("code=%d sends=%d", rec.Code, len(snd.sends))
	}
	if al.count() != 1 {
		t.Fatalf("alerts = %d", al.count())
	}
}

func TestFanOutKeepsFilesUntilDone(t *testing.T) {
	t.Parallel()

	s, snd, al, _, dir := newTestServer(t, []routing.ChannelRef{{ID: -1001}, {ID: -1002}, {ID: -1003}})
	snd.failFor = -1002

	u := delivery.Unit{Text: "hello", SourceTag: "Source: X", Album: true, Media: []delivery.MediaItem{
		{Data: []byte("a"), FileName: "1.jpg", Kind: kit.MediaPhoto},
		{Data: []byte("b"), FileName: "2.mp4", Kind: kit.MediaVideo},
	}}
	rec, resp := post(t, s.Handler(), delivery.NewPayload(u, "s3cret"))
	if rec.Code != http.StatusOK || resp.Status != delivery.StatusOK {
		t.Fatalf("code=%d resp=%+v", rec.Code, resp)
	}
	if len(snd.sends) != 3 || snd.missing != 0 {
		t.Fatalf("sends=%d missing=%d", len(snd.sends), snd.missing)
	}
	if snd.sends[2].files != 2 || snd.sends[2].caption != "hello\n\nSource: X" {
		t.Fatalf("unexpected send %+v", snd.sends[2])
	}
	if al.count() != 1 {
		t.Fatalf("alerts = %d", al.count())
	}
	left, _ := os.ReadDir(dir)
	if len(left) != 0 {
		t.Fatalf("%d staged files left", len(left))
	}
}

func TestExplicitDestinationFailureIs502(t *testing.T) {
	t.Parallel()

	s, snd, al, _, _ := newTestServer(t, []routing.ChannelRef{{ID: -1001}})
	snd.failFor = -1005

	p := delivery.NewPayload(delivery.Unit{Text: "x"}, "s3cret")
	p.Destination = &delivery.Destination{ID: -1005}
	rec, _ := post(t, s.Handler(), p)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("code = %d", rec.Code)
	}
	if len(snd.sends) != 1 || snd.sends[0].to.ChatID != -1005 || al.count() != 0 {
		t.Fatalf("sends=%+v alerts=%d", snd.sends, al.count())
	}

	p.Destination = &delivery.Destination{ID: -1006}
	if rec, _ := post(t, s.Handler(), p); rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestOversizeDroppedAtRelay(t *testing.T) {
	t.Parallel()

	s, snd, al, _, _ := newTestServer(t, []routing.ChannelRef{{ID: -1001}})
	u := delivery.Unit{Media: []delivery.MediaItem{{Data: bytes.Repeat([]byte("x"), 32), FileName: "big.bin"}}}
	rec, _ := post(t, s.Handler(), delivery.NewPayload(u, "s3cret"))
	if rec.Code != http.StatusOK || len(snd.sends) != 0 || al.count() != 1 {
		t.Fatalf("code=%d sends=%d alerts=%d", rec.Code, len(snd.sends), al.count())
	}
}

func TestBadRequestAndHealth(t *testing.T) {
	t.Parallel()

	s, _, _, _, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/forward", bytes.NewReader([]byte("{"))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d", rec.Code)
	}
}

func TestSweepRemovesOnlyRelayFiles(t *testing.T) {
	t.Parallel()

	s, _, _, _, dir := newTestServer(t, nil)
	for _, name := range []string{"relay-1.jpg", "relay-2.mp4", "keep.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := s.Sweep(time.Hour); err != nil || n != 0 {
		t.Fatalf("fresh files swept: n=%d err=%v", n, err)
	}
	if n, err := s.Sweep(0); err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Fatal("unrelated file removed")
	}
}

func TestResolveDestinationsWritesBack(t *testing.T) {
	t.Parallel()

	s, _, al, rt, _ := newTestServer(t, []routing.ChannelRef{{ID: -1001}, {Username: "late"}, {Username: "ghost"}})
	n, err := s.ResolveDestinations(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	d := rt.Snapshot().Destinations
	if d[1].ID != -1009999999999 || d[2].ID != 0 {
		t.Fatalf("dests = %+v", d)
	}
	if al.count() != 1 {
		t.Fatalf("alerts = %d", al.count())
	}
}
