package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"chanrelay/internal/storage"
)

type countSweeper struct {
	n      int
	gotAge time.Duration
	err    error
}

func (c *countSweeper) Sweep(maxAge time.Duration) (int, error) {
	c.gotAge = maxAge
	return c.n, c.err
}

type docs struct{ raw []byte }

func (d docs) Key() string                              { return "config" }
func (d docs) Document(context.Context) ([]byte, error) { return d.raw, nil }

type putRecorder struct {
	storage.Store
	puts map[string][]byte
}

func (p *putRecorder) PutDocument(_ context.Context, key string, body []byte) error {
	p.puts[key] = body
	return nil
}

func TestSnapshotKey(t *testing.T) {
	t.Parallel()

	monday := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	if got := SnapshotKey("config", monday); got != "config@monday" {
		t.Fatalf("got %q", got)
	}
	if got := SnapshotKey("config", monday.AddDate(0, 0, 6)); got != "config@sunday" {
		t.Fatalf("got %q", got)
	}
}

func TestSnapshotDocument(t *testing.T) {
	t.Parallel()

	rec := &putRecorder{puts: map[string][]byte{}}
	s := New(Options{
		Documents: docs{raw: []byte(`{"admin_ids":[1]}`)},
		Store:     rec,
		Now:       func() time.Time { return time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC) },
	})
	if err := s.SnapshotDocument(context.Background()); err != nil {
		t.Fatal(err)
	}
	if string(rec.puts["config@wednesday"]) != `{"admin_ids":[1]}` {
		t.Fatalf("puts = %v", rec.puts)
	}
}

func TestSweepMediaSumsAndSkipsErrors(t *testing.T) {
	t.Parallel()

	a := &countSweeper{n: 2}
	b := &countSweeper{n: 5, err: errors.New("boom")}
	c := &countSweeper{n: 1}
	s := New(Options{Config: Config{MediaMaxAge: time.Hour}, Sweepers: []Sweeper{a, b, c}})
	if got := s.SweepMedia(); got != 3 {
		t.Fatalf("removed = %d", got)
	}
	if a.gotAge != time.Hour {
		t.Fatalf("max age = %v", a.gotAge)
	}
}

func TestStartValidatesSpecs(t *testing.T) {
	t.Parallel()

	s := New(Options{Config: Config{Enabled: true, MediaSweep: "not a spec"}, Sweepers: []Sweeper{&countSweeper{}}})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("invalid spec accepted")
	}

	s = New(Options{Config: Config{Enabled: true, Timezone: "Mars/Olympus"}})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("invalid timezone accepted")
	}

	s = New(Options{Config: Config{Enabled: true, MediaSweep: "@every 1h", Snapshot: "off"}, Sweepers: []Sweeper{&countSweeper{}}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
