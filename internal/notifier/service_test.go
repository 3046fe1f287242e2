package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"chanrelay/internal/eventbus"
	kit "chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

type sentText struct {
	chatID int64
	text   string
}

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sentText
	fails int // fail this many sends first
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("flood wait")
	}
	f.sent = append(f.sent, sentText{chatID: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) snapshot() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAlertFansOutToTargets(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{Enabled: true, RatePerSec: 100}, ad, logx.Nop(), bus)
	s.SetTargets(func() []int64 { return []int64{20, 10, 20, 0} })
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Alert(context.Background(), "destination -1002 failed"); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	waitFor(t, func() bool { return len(ad.snapshot()) == 2 })

	got := map[int64]bool{}
	for _, m := range ad.snapshot() {
		got[m.chatID] = true
		if !strings.Contains(m.text, "destination -1002 failed") {
			t.Fatalf("unexpected text %q", m.text)
		}
	}
	if !got[10] || !got[20] {
		t.Fatalf("targets = %v", got)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.NotifySent {
			t.Fatalf("unexpected event %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no bus event")
	}
}

func TestAlertTruncates(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := New(Config{Enabled: true, RatePerSec: 100}, ad, logx.Nop(), nil)
	s.SetTargets(func() []int64 { return []int64{1} })
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Alert(context.Background(), strings.Repeat("é", MaxAlertLen+50))
	waitFor(t, func() bool { return len(ad.snapshot()) == 1 })
	h := s.History()
	if len(h) != 1 || utf8.RuneCountInString(h[0].Text) != MaxAlertLen {
		t.Fatalf("history = %+v", len(h))
	}
}

func TestNotifyRetriesAndDedups(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{fails: 1}
	s := New(Config{
		Enabled:     true,
		RatePerSec:  100,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}, ad, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := kit.Notification{Channel: "telegram", Target: kit.ChatTarget{ChatID: 5}, Text: "same"}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(ad.snapshot()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(ad.snapshot()); got != 1 {
		t.Fatalf("dedup failed, sent %d", got)
	}
}

func TestNotifyWhenStoppedOrDisabled(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, &fakeAdapter{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}

	s = New(Config{Enabled: true}, &fakeAdapter{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
