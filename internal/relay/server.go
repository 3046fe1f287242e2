package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"chanrelay/internal/delivery"
	"chanrelay/internal/eventbus"
	"chanrelay/internal/routing"
	kit "chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

// Sender posts to destination chats.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	kit.MediaSender
}

type Routing interface {
	Snapshot() routing.Config
	Update(ctx context.Context, fn func(*routing.Config) error) (routing.Config, error)
	OnChange(fn func(routing.Config))
}

type Alerter interface {
	Alert(ctx context.Context, text string) error
}

type Options struct {
	Addr          string
	Secret        string
	TempDir       string
	MaxMediaBytes int64
	// MaxBodyBytes caps a request body; 0 derives it from MaxMediaBytes.
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Sender   Sender
	Resolver kit.Resolver
	Routing  Routing
	Alerter  Alerter
	Bus      eventbus.Bus
	Log      logx.Logger
}

// Server is the delivery side of the relay: it accepts units over
// POST /forward and posts them to destination channels.
type Server struct {
	opt     Options
	log     logx.Logger
	bus     eventbus.Bus
	changed chan struct{}
}

const maxAlbumItems = 10

func New(opt Options) (*Server, error) {
	if opt.Sender == nil || opt.Routing == nil {
		return nil, errors.New("relay: sender and routing are required")
	}
	if opt.TempDir == "" {
		opt.TempDir = filepath.Join(os.TempDir(), "chanrelay-relay")
	}
	if err := os.MkdirAll(opt.TempDir, 0o700); err != nil {
		return nil, err
	}
	if opt.MaxBodyBytes <= 0 {
		per := opt.MaxMediaBytes
		if per <= 0 {
			per = 45 << 20
		}
		// base64 inflates by 4/3
		opt.MaxBodyBytes = maxAlbumItems*(per/3*4+4) + 1<<20
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opt.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Server{opt: opt, log: log.With(logx.String("comp", "relay")), bus: bus, changed: make(chan struct{}, 1)}
	opt.Routing.OnChange(func(routing.Config) {
		select {
		case s.changed <- struct{}{}:
		default:
		}
	})
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /forward", s.handleForward)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.recoverer(mux)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opt.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.opt.ReadTimeout,
		WriteTimeout:      s.opt.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", s.opt.Addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", s.opt.Addr, err)
	}
	s.log.Info("relay listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.log.Warn("relay shutdown", logx.Err(err))
	}
	return nil
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.log.Error("panic in relay handler", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
				s.alert(r.Context(), fmt.Sprintf("⚠️ [BotServer Error]\n%v", p))
				writeJSON(w, http.StatusInternalServerError, delivery.Response{Status: delivery.StatusError, Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	cfg := s.opt.Routing.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       delivery.StatusOK,
		"destinations": len(cfg.Destinations),
	})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	log := s.log.With(logx.String("request_id", reqID))
	ctx := r.Context()

	// A secret header is checked before the body is read; requests without
	// it fall back to the body's secret_key.
	header, hasHeader := r.Header[http.CanonicalHeaderKey(delivery.SecretHeader)]
	if hasHeader && !s.secretOK(strings.Join(header, "")) {
		s.unauthorized(ctx, w, r, log)
		return
	}

	var p delivery.Payload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opt.MaxBodyBytes))
	if err := dec.Decode(&p); err != nil {
		log.Warn("bad forward request", logx.Err(err))
		writeJSON(w, http.StatusBadRequest, delivery.Response{Status: delivery.StatusError, Error: "bad request"})
		return
	}

	if !hasHeader && !s.secretOK(p.SecretKey) {
		s.unauthorized(ctx, w, r, log)
		return
	}

	u, err := p.Unit()
	if err != nil {
		log.Warn("bad media encoding", logx.Err(err))
		writeJSON(w, http.StatusBadRequest, delivery.Response{Status: delivery.StatusError, Error: err.Error()})
		return
	}

	hadMedia := len(u.Media) > 0
	u, dropped := delivery.DropOversize(u, s.opt.MaxMediaBytes)
	for _, m := range dropped {
		msg := fmt.Sprintf("[BOT ERROR] Single file %s too large, skipping.", m.FileName)
		if p.Album {
			msg = fmt.Sprintf("[BOT ERROR] Album file %s too large, skipping.", m.FileName)
		}
		log.Warn("media oversize", logx.String("file", m.FileName), logx.Int("size", len(m.Data)))
		s.bus.Publish(eventbus.Event{Type: eventbus.MediaOversize, Data: m.FileName})
		s.alert(ctx, msg)
	}
	if hadMedia && len(u.Media) == 0 {
		writeJSON(w, http.StatusOK, delivery.Response{Status: delivery.StatusOK})
		return
	}

	staged, err := s.stage(u.Media)
	defer removeAll(staged)
	if err != nil {
		log.Error("staging failed", logx.Err(err))
		s.alert(ctx, fmt.Sprintf("⚠️ [BotServer Error]\nstaging media: %v", err))
		writeJSON(w, http.StatusInternalServerError, delivery.Response{Status: delivery.StatusError, Error: "staging failed"})
		return
	}
	caption := p.CaptionOrBuild()

	if p.Destination != nil {
		ref := p.Destination.Ref()
		if err := s.send(ctx, target(ref), caption, staged); err != nil {
			log.Warn("send failed", logx.String("dest", ref.String()), logx.Err(err))
			s.bus.Publish(eventbus.Event{Type: eventbus.ForwardFailed, Data: ref.String()})
			writeJSON(w, http.StatusBadGateway, delivery.Response{Status: delivery.StatusError, Error: err.Error()})
			return
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.ForwardDelivered, Data: ref.String()})
		log.Info("posted", logx.String("dest", ref.String()), logx.Int("media", len(staged)))
		writeJSON(w, http.StatusOK, delivery.Response{Status: delivery.StatusOK})
		return
	}

	sent, failed := s.fanOut(ctx, log, caption, staged)
	log.Info("fan-out done", logx.Int("sent", sent), logx.Int("failed", failed), logx.Int("media", len(staged)))
	writeJSON(w, http.StatusOK, delivery.Response{Status: delivery.StatusOK})
}

func (s *Server) secretOK(got string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opt.Secret)) == 1
}

func (s *Server) unauthorized(ctx context.Context, w http.ResponseWriter, r *http.Request, log logx.Logger) {
	log.Warn("wrong secret key", logx.String("remote", r.RemoteAddr))
	s.alert(ctx, "🚨 [BotServer] Unauthorized forward attempt!")
	writeJSON(w, http.StatusUnauthorized, delivery.Response{Status: delivery.StatusUnauthorized})
}

// fanOut posts to every destination in the routing document. A failing
// destination is alerted and skipped.
func (s *Server) fanOut(ctx context.Context, log logx.Logger, caption string, staged []kit.OutboundMedia) (sent, failed int) {
	for _, d := range s.opt.Routing.Snapshot().Destinations {
		if d.ID == 0 && d.Username == "" {
			continue
		}
		if err := s.send(ctx, target(d), caption, staged); err != nil {
			failed++
			log.Warn("send failed", logx.String("dest", d.String()), logx.Err(err))
			s.bus.Publish(eventbus.Event{Type: eventbus.ForwardFailed, Data: d.String()})
			s.alert(ctx, fmt.Sprintf("⚠️ [BotServer Error]\nDest: %s\n%v", d, err))
			continue
		}
		sent++
		s.bus.Publish(eventbus.Event{Type: eventbus.ForwardDelivered, Data: d.String()})
	}
	return sent, failed
}

func (s *Server) send(ctx context.Context, to kit.ChatTarget, caption string, media []kit.OutboundMedia) error {
	switch len(media) {
	case 0:
		if strings.TrimSpace(caption) == "" {
			return nil
		}
		_, err := s.opt.Sender.SendText(ctx, to, caption, &kit.SendOptions{DisablePreview: true})
		return err
	case 1:
		return s.opt.Sender.SendMedia(ctx, to, media[0], caption)
	default:
		return s.opt.Sender.SendAlbum(ctx, to, media, caption)
	}
}

// stage writes every item to its own temp file. The files live until the
// caller removes them, after the last destination was attempted.
func (s *Server) stage(items []delivery.MediaItem) ([]kit.OutboundMedia, error) {
	out := make([]kit.OutboundMedia, 0, len(items))
	for i, m := range items {
		name := m.FileName
		if name == "" {
			name = fmt.Sprintf("%s_%d", m.Kind, i+1)
		}
		f, err := os.CreateTemp(s.opt.TempDir, "relay-*"+filepath.Ext(name))
		if err != nil {
			return out, err
		}
		out = append(out, kit.OutboundMedia{Kind: m.Kind, Path: f.Name(), FileName: filepath.Base(name)})
		_, err = f.Write(m.Data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Sweep removes staged files older than maxAge left behind by a crash.
func (s *Server) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.opt.TempDir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "relay-") {
			continue
		}
		if info, err := e.Info(); err != nil || (maxAge > 0 && info.ModTime().After(cutoff)) {
			continue
		}
		if os.Remove(filepath.Join(s.opt.TempDir, e.Name())) == nil {
			n++
		}
	}
	return n, nil
}

func removeAll(items []kit.OutboundMedia) {
	for _, m := range items {
		_ = os.Remove(m.Path)
	}
}

func target(r routing.ChannelRef) kit.ChatTarget {
	return kit.ChatTarget{ChatID: r.ID, Username: r.Username}
}

func (s *Server) alert(ctx context.Context, text string) {
	if s.opt.Alerter == nil {
		return
	}
	if err := s.opt.Alerter.Alert(context.WithoutCancel(ctx), text); err != nil {
		s.log.Warn("alert failed", logx.Err(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
