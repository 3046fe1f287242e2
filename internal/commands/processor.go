package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"chanrelay/internal/routing"
	"chanrelay/internal/storage"
	kit "chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

// Forwarding is the pipeline switch the commands flip and report on.
type Forwarding interface {
	Enabled() bool
	SetEnabled(on bool)
	Pending() int
}

// Routing is the subset of routing.Store the commands need.
type Routing interface {
	Snapshot() routing.Config
	Update(ctx context.Context, fn func(*routing.Config) error) (routing.Config, error)
	Document(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, raw []byte) (routing.Config, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Alerter interface {
	Alert(ctx context.Context, text string) error
}

type Options struct {
	Routing    Routing
	Forwarding Forwarding
	Resolver   kit.Resolver
	Downloader kit.Downloader
	Sender     kit.Adapter
	Documents  kit.DocumentSender
	Audit      AuditLog
	Alerter    Alerter
	Log        logx.Logger

	// MaxRestoreBytes caps the size of an uploaded routing document.
	MaxRestoreBytes int64
	// Timeout bounds one command, including its reply.
	Timeout time.Duration
}

type Attachment struct {
	Name string
	Data []byte
}

// Result is what a command produced. Err is set when the command failed
// after it was accepted; it is recorded in the audit log, never shown raw.
type Result struct {
	Reply      string
	Attachment *Attachment
	Mutated    bool
	Err        error
}

// Request is one parsed command invocation.
type Request struct {
	Msg   *kit.Message
	Name  string
	Args  string
	ReqID string
}

func (r *Request) Fields() []string { return strings.Fields(r.Args) }

type Command struct {
	Name        string
	Usage       string
	Description string
	Mutating    bool
	Run         func(ctx context.Context, req *Request) Result
}

// Processor authorizes, parses and runs operator commands.
type Processor struct {
	opt  Options
	log  logx.Logger
	cmds map[string]Command
	list []Command
}

func New(opt Options) *Processor {
	if opt.MaxRestoreBytes <= 0 {
		opt.MaxRestoreBytes = 1 << 20
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Processor{opt: opt, log: log.With(logx.String("comp", "commands")), cmds: map[string]Command{}}
	for _, c := range p.builtin() {
		p.list = append(p.list, c)
		p.cmds[c.Name] = c
	}
	return p
}

// Commands returns the registered commands in menu order.
func (p *Processor) Commands() []Command { return append([]Command(nil), p.list...) }

// Menu is the command list published to the chat network.
func (p *Processor) Menu() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(p.list))
	for _, c := range p.list {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (p *Processor) PublishMenu(ctx context.Context, u kit.CommandMenuUpdater) error {
	if u == nil {
		return nil
	}
	return u.UpdateMenuCommands(ctx, p.Menu())
}

// Parse splits "/name@bot args" into a lowercase name and the raw args.
func Parse(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, rest = text[:i], text[i:]
	}
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// Execute runs the command in m. ok is false when the message is not a
// command or the sender is not an admin; such messages get no reply.
func (p *Processor) Execute(ctx context.Context, m *kit.Message) (res Result, ok bool) {
	if m == nil {
		return Result{}, false
	}
	name, args, isCmd := Parse(m.Text)
	if !isCmd {
		return Result{}, false
	}
	if !p.opt.Routing.Snapshot().IsAdmin(m.FromID) {
		p.log.Debug("ignored command from non-admin", logx.Int64("from", m.FromID), logx.String("cmd", name))
		return Result{}, false
	}

	req := &Request{Msg: m, Name: name, Args: args, ReqID: uuid.NewString()}
	cmd, found := p.cmds[name]
	if !found {
		return Result{Reply: "❓ Unknown command. Type /help."}, true
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in command", logx.String("cmd", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = Result{Reply: "❌ Internal error.", Err: fmt.Errorf("panic: %v", r)}
			p.alert(ctx, fmt.Sprintf("⚠️ [Command ERROR] /%s: %v", name, r))
			ok = true
		}
		if cmd.Mutating {
			p.audit(ctx, req, res)
		}
	}()

	start := time.Now()
	res = cmd.Run(ctx, req)
	p.log.Info("command",
		logx.String("cmd", name),
		logx.Int64("from", m.FromID),
		logx.String("request_id", req.ReqID),
		logx.Bool("mutated", res.Mutated),
		logx.Duration("dur", time.Since(start)),
	)
	return res, true
}

// HandleCommand executes m and sends the reply back to the chat it came
// from.
func (p *Processor) HandleCommand(ctx context.Context, m *kit.Message) {
	ctx, cancel := context.WithTimeout(ctx, p.opt.Timeout)
	defer cancel()

	res, ok := p.Execute(ctx, m)
	if !ok {
		return
	}
	to := kit.ChatTarget{ChatID: m.ChatID}
	if res.Reply != "" && p.opt.Sender != nil {
		if _, err := p.opt.Sender.SendText(ctx, to, res.Reply, &kit.SendOptions{DisablePreview: true}); err != nil {
			p.log.Warn("reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
		}
	}
	if res.Attachment != nil && p.opt.Documents != nil {
		if err := p.opt.Documents.SendDocument(ctx, to, res.Attachment.Name, res.Attachment.Data, ""); err != nil {
			p.log.Warn("attachment failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
		}
	}
}

func (p *Processor) audit(ctx context.Context, req *Request, res Result) {
	if p.opt.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            time.Now().UTC(),
		RequestID:     req.ReqID,
		ActorID:       req.Msg.FromID,
		ActorUsername: req.Msg.FromUsername,
		ChatID:        req.Msg.ChatID,
		Action:        req.Name,
		Target:        req.Args,
		OK:            res.Err == nil,
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	if err := p.opt.Audit.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		p.log.Warn("audit append failed", logx.Err(err))
	}
}

func (p *Processor) alert(ctx context.Context, text string) {
	if p.opt.Alerter == nil {
		return
	}
	if err := p.opt.Alerter.Alert(context.WithoutCancel(ctx), text); err != nil {
		p.log.Warn("alert failed", logx.Err(err))
	}
}

// update runs fn through the routing store and turns the outcome into a
// reply. ok builds the confirmation, noop the reply when nothing changed.
func (p *Processor) update(ctx context.Context, fn func(*routing.Config) error, ok func(routing.Config) string, noop string) Result {
	cfg, err := p.opt.Routing.Update(ctx, fn)
	switch {
	case err == nil:
		return Result{Reply: ok(cfg), Mutated: true}
	case errors.Is(err, routing.ErrNoChange):
		return Result{Reply: noop}
	case errors.Is(err, routing.ErrPersistFailure):
		p.log.Error("routing document not saved", logx.Err(err))
		p.alert(ctx, "⚠️ [Config ERROR] change applied in memory but could not be saved: "+err.Error())
		return Result{Reply: ok(p.opt.Routing.Snapshot()) + "\n⚠️ Applied in memory only: saving the config failed.", Mutated: true, Err: err}
	default:
		var ue userError
		if errors.As(err, &ue) {
			return Result{Reply: ue.msg, Err: err}
		}
		p.log.Error("routing update failed", logx.Err(err))
		return Result{Reply: "❌ Update failed.", Err: err}
	}
}

// userError aborts an update with a reply for the operator.
type userError struct{ msg string }

func (e userError) Error() string { return e.msg }

// resolve turns a user-supplied reference into a canonical ChannelRef.
func (p *Processor) resolve(ctx context.Context, token string) (routing.ChannelRef, error) {
	ref, ok := routing.ParseRef(token)
	if !ok {
		return routing.ChannelRef{}, fmt.Errorf("%w: %q is not a channel reference", kit.ErrResolution, token)
	}
	if p.opt.Resolver == nil {
		if ref.ID == 0 {
			return routing.ChannelRef{}, fmt.Errorf("%w: no resolver", kit.ErrResolution)
		}
		return ref, nil
	}
	q := "@" + ref.Username
	if ref.ID != 0 {
		q = fmt.Sprint(ref.ID)
	}
	info, err := p.opt.Resolver.ResolveChat(ctx, q)
	if err != nil {
		return routing.ChannelRef{}, err
	}
	out := routing.ChannelRef{ID: routing.CanonicalID(info.ID), Username: strings.TrimPrefix(info.Username, "@")}
	if out.Username == "" {
		out.Username = ref.Username
	}
	return out, nil
}
