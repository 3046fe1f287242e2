package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"chanrelay/internal/eventbus"
	"chanrelay/internal/routing"
	logx "chanrelay/pkg/logx"
)

var (
	// ErrTransport covers network failures and non-ok relay replies.
	ErrTransport = errors.New("delivery transport failure")
	// ErrUnauthorized means the relay rejected the shared secret.
	ErrUnauthorized = errors.New("delivery unauthorized")
)

// Alerter escalates a problem to the operators.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

type Options struct {
	URL           string
	Secret        string
	MaxMediaBytes int64
	Attempts      int
	Backoff       time.Duration
	Timeout       time.Duration

	HTTP    *http.Client
	Alerter Alerter
	Bus     eventbus.Bus
	Log     logx.Logger
}

// Client hands units to the relay's POST /forward endpoint.
type Client struct {
	opt  Options
	http *http.Client
	log  logx.Logger
	bus  eventbus.Bus
}

func NewClient(opt Options) *Client {
	if opt.Attempts <= 0 {
		opt.Attempts = 3
	}
	if opt.Backoff < 0 {
		opt.Backoff = 0
	}
	hc := opt.HTTP
	if hc == nil {
		timeout := opt.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opt.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Client{opt: opt, http: hc, log: log.With(logx.String("comp", "delivery")), bus: bus}
}

// Outcome is the delivery result for one destination. Dest is zero for a
// relay-side fan-out.
type Outcome struct {
	Dest     routing.ChannelRef
	Attempts int
	Err      error
}

type Result struct {
	// Skipped is set when nothing was sent: the unit was empty, or every
	// media item was oversize.
	Skipped  bool
	Dropped  []string // file names of oversize items
	Outcomes []Outcome
}

func (r Result) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

func (r Result) Failed() int { return len(r.Outcomes) - r.Delivered() }

// DropOversize removes items larger than max. max <= 0 keeps everything.
func DropOversize(u Unit, max int64) (Unit, []MediaItem) {
	if max <= 0 || len(u.Media) == 0 {
		return u, nil
	}
	kept := make([]MediaItem, 0, len(u.Media))
	var dropped []MediaItem
	for _, m := range u.Media {
		if int64(len(m.Data)) > max {
			dropped = append(dropped, m)
			continue
		}
		kept = append(kept, m)
	}
	u.Media = kept
	return u, dropped
}

// Deliver sends u once per destination, each independently retried. An
// empty dests list sends a single request without a destination and lets
// the relay fan out. Every destination that still fails after the last
// attempt produces exactly one alert.
func (c *Client) Deliver(ctx context.Context, u Unit, dests []routing.ChannelRef) Result {
	var res Result

	hadMedia := len(u.Media) > 0
	u, dropped := DropOversize(u, c.opt.MaxMediaBytes)
	for _, m := range dropped {
		res.Dropped = append(res.Dropped, m.FileName)
		c.bus.Publish(eventbus.Event{Type: eventbus.MediaOversize, Data: m.FileName})
		c.alert(ctx, fmt.Sprintf("Media %q skipped: %d bytes exceeds the %d MB limit.", m.FileName, len(m.Data), c.opt.MaxMediaBytes>>20))
	}
	if hadMedia && len(u.Media) == 0 {
		res.Skipped = true
		c.bus.Publish(eventbus.Event{Type: eventbus.ForwardDropped, Data: "all media oversize"})
		return res
	}
	if len(u.Media) == 1 {
		// a lone survivor of an album is sent as a single item
		u.Album = false
	}
	if u.Empty() {
		res.Skipped = true
		c.bus.Publish(eventbus.Event{Type: eventbus.ForwardDropped, Data: "empty unit"})
		return res
	}

	base := NewPayload(u, c.opt.Secret)
	if len(dests) == 0 {
		res.Outcomes = append(res.Outcomes, c.deliverOne(ctx, base, routing.ChannelRef{}, false))
		return res
	}
	for _, d := range dests {
		p := base
		p.Destination = DestinationOf(d)
		res.Outcomes = append(res.Outcomes, c.deliverOne(ctx, p, d, true))
	}
	return res
}

func (c *Client) deliverOne(ctx context.Context, p Payload, dest routing.ChannelRef, explicit bool) Outcome {
	out := Outcome{Dest: dest}
	body, err := json.Marshal(p)
	if err != nil {
		out.Err = err
		return out
	}
	label := "relay fan-out"
	if explicit {
		label = dest.String()
	}
	log := c.log.With(logx.String("dest", label))

	for attempt := 1; attempt <= c.opt.Attempts; attempt++ {
		out.Attempts = attempt
		reqID := uuid.NewString()
		err = c.post(ctx, body, reqID)
		if err == nil {
			log.Debug("delivered", logx.String("request_id", reqID), logx.Int("attempt", attempt))
			c.bus.Publish(eventbus.Event{Type: eventbus.ForwardDelivered, Data: label})
			return out
		}
		log.Warn("delivery attempt failed", logx.String("request_id", reqID), logx.Int("attempt", attempt), logx.Err(err))
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil || attempt == c.opt.Attempts {
			break
		}
		t := time.NewTimer(c.opt.Backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	out.Err = err
	c.bus.Publish(eventbus.Event{Type: eventbus.ForwardFailed, Data: label})
	c.alert(ctx, fmt.Sprintf("Delivery to %s failed after %d attempt(s): %v", label, out.Attempts, err))
	return out
}

func (c *Client) post(ctx context.Context, body []byte, reqID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opt.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set(SecretHeader, c.opt.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	var r Response
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &r)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || r.Status == StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("%w: http %d %s", ErrTransport, resp.StatusCode, r.Error)
	case r.Status != StatusOK:
		return fmt.Errorf("%w: status %q", ErrTransport, r.Status)
	}
	return nil
}

func (c *Client) alert(ctx context.Context, text string) {
	if c.opt.Alerter == nil {
		return
	}
	// alerts must go out even when the caller's context is done
	if err := c.opt.Alerter.Alert(context.WithoutCancel(ctx), text); err != nil {
		c.log.Warn("alert failed", logx.Err(err))
	}
}
