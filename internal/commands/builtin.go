package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"chanrelay/internal/routing"
	kit "chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

func (p *Processor) builtin() []Command {
	return []Command{
		{Name: "start", Description: "Enable forwarding", Mutating: true, Run: p.cmdStart},
		{Name: "stop", Description: "Pause forwarding", Mutating: true, Run: p.cmdStop},
		{Name: "status", Description: "Show if bot is forwarding", Run: p.cmdStatus},
		{Name: "showconfig", Description: "Show current channels", Run: p.cmdShowConfig},
		{Name: "addsource", Usage: "<channel username or id>", Description: "Add a source channel", Mutating: true, Run: p.cmdAddSource},
		{Name: "removesource", Usage: "<channel id or username>", Description: "Remove a source channel", Mutating: true, Run: p.cmdRemoveSource},
		{Name: "adddest", Usage: "<channel username or id>", Description: "Add a destination channel", Mutating: true, Run: p.cmdAddDest},
		{Name: "removedest", Usage: "<channel username or id>", Description: "Remove a destination channel", Mutating: true, Run: p.cmdRemoveDest},
		{Name: "setdest", Usage: "<ch1,ch2,...>", Description: "Replace all destinations", Mutating: true, Run: p.cmdSetDest},
		{Name: "showsource", Usage: "on|off", Description: "Toggle 'Source:' in forwards", Mutating: true, Run: p.cmdShowSource},
		{Name: "addadmin", Usage: "<user_id> or reply to user", Description: "Add an admin", Mutating: true, Run: p.cmdAddAdmin},
		{Name: "removeadmin", Usage: "<user_id> or reply to user", Description: "Remove an admin", Mutating: true, Run: p.cmdRemoveAdmin},
		{Name: "backup", Description: "Download config.json", Run: p.cmdBackup},
		{Name: "restore", Usage: "(reply to file)", Description: "Restore config.json", Mutating: true, Run: p.cmdRestore},
		{Name: "help", Description: "List commands", Run: p.cmdHelp},
	}
}

func (p *Processor) cmdStart(context.Context, *Request) Result {
	p.opt.Forwarding.SetEnabled(true)
	return Result{Reply: "✅ Forwarding enabled!", Mutated: true}
}

func (p *Processor) cmdStop(context.Context, *Request) Result {
	p.opt.Forwarding.SetEnabled(false)
	return Result{Reply: "⛔ Forwarding paused. No messages will be forwarded.", Mutated: true}
}

func (p *Processor) cmdStatus(context.Context, *Request) Result {
	status := "paused ⛔"
	if p.opt.Forwarding.Enabled() {
		status = "enabled ✅"
	}
	cfg := p.opt.Routing.Snapshot()
	return Result{Reply: fmt.Sprintf("Bot forwarding is currently %s.\nSources: %d, destinations: %d, albums pending: %d",
		status, len(cfg.Sources), len(cfg.Destinations), p.opt.Forwarding.Pending())}
}

func (p *Processor) cmdShowConfig(context.Context, *Request) Result {
	return Result{Reply: FormatConfig(p.opt.Routing.Snapshot())}
}

// FormatConfig renders cfg for operators.
func FormatConfig(cfg routing.Config) string {
	var b strings.Builder
	list := func(title string, refs []routing.ChannelRef) {
		b.WriteString(title + ":\n")
		if len(refs) == 0 {
			b.WriteString("(none)\n")
		}
		for i, r := range refs {
			name := "[NO_USERNAME]"
			if r.Username != "" {
				name = "@" + r.Username
			}
			id := "unresolved"
			if r.ID != 0 {
				id = strconv.FormatInt(r.ID, 10)
			}
			fmt.Fprintf(&b, "%d. %s (id: %s)\n", i+1, name, id)
		}
	}
	list("Sources", cfg.Sources)
	list("Destinations", cfg.Destinations)
	admins := make([]string, 0, len(cfg.Admins))
	for _, id := range cfg.Admins {
		admins = append(admins, strconv.FormatInt(id, 10))
	}
	fmt.Fprintf(&b, "Admins: %s\nShow source tag: %t", strings.Join(admins, ", "), cfg.ShowSource)
	return b.String()
}

func (p *Processor) addRef(ctx context.Context, req *Request, dest bool) Result {
	what, usage := "source", "/addsource <channel username or id>"
	if dest {
		what, usage = "destination", "/adddest <channel username or id>"
	}
	token := strings.TrimSpace(req.Args)
	if token == "" {
		return Result{Reply: "❌ Usage: " + usage}
	}
	ref, err := p.resolve(ctx, token)
	if err != nil {
		p.log.Warn("resolve failed", logx.String("ref", token), logx.Err(err))
		return Result{Reply: fmt.Sprintf("❌ Could not resolve %s: %v", token, err), Err: err}
	}
	return p.update(ctx, func(c *routing.Config) error {
		list := &c.Sources
		if dest {
			list = &c.Destinations
		}
		var added bool
		*list, added = routing.AddRef(*list, ref)
		if !added {
			return routing.ErrNoChange
		}
		return nil
	}, func(routing.Config) string {
		return fmt.Sprintf("✅ Added %s: %s", what, ref)
	}, fmt.Sprintf("Channel %s already in the %s list.", ref, what))
}

func (p *Processor) removeRef(ctx context.Context, req *Request, dest bool) Result {
	what, usage := "source", "/removesource <channel id or username>"
	if dest {
		what, usage = "destination", "/removedest <channel username or id>"
	}
	token := strings.TrimSpace(req.Args)
	if token == "" {
		return Result{Reply: "❌ Usage: " + usage}
	}
	return p.update(ctx, func(c *routing.Config) error {
		list := &c.Sources
		if dest {
			list = &c.Destinations
		}
		var removed bool
		*list, removed = routing.RemoveRef(*list, token)
		if !removed {
			return routing.ErrNoChange
		}
		return nil
	}, func(routing.Config) string {
		return fmt.Sprintf("✅ Removed %s: %s", what, token)
	}, fmt.Sprintf("Channel %s not found in %s list.", token, what))
}

func (p *Processor) cmdAddSource(ctx context.Context, req *Request) Result {
	return p.addRef(ctx, req, false)
}

func (p *Processor) cmdRemoveSource(ctx context.Context, req *Request) Result {
	return p.removeRef(ctx, req, false)
}

func (p *Processor) cmdAddDest(ctx context.Context, req *Request) Result {
	return p.addRef(ctx, req, true)
}

func (p *Processor) cmdRemoveDest(ctx context.Context, req *Request) Result {
	return p.removeRef(ctx, req, true)
}

func (p *Processor) cmdSetDest(ctx context.Context, req *Request) Result {
	var tokens []string
	for _, t := range strings.Split(req.Args, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		return Result{Reply: "❌ Usage: /setdest <ch1,ch2,...>"}
	}

	var refs []routing.ChannelRef
	var failed []string
	for _, t := range tokens {
		ref, err := p.resolve(ctx, t)
		if err != nil {
			p.log.Warn("resolve failed", logx.String("ref", t), logx.Err(err))
			failed = append(failed, t)
			continue
		}
		refs, _ = routing.AddRef(refs, ref)
	}
	if len(refs) == 0 {
		err := fmt.Errorf("%w: %s", kit.ErrResolution, strings.Join(failed, ", "))
		return Result{Reply: "❌ Could not resolve any of: " + strings.Join(failed, ", ") + "\nDestinations unchanged.", Err: err}
	}

	res := p.update(ctx, func(c *routing.Config) error {
		c.Destinations = refs
		return nil
	}, func(cfg routing.Config) string {
		names := make([]string, 0, len(cfg.Destinations))
		for _, d := range cfg.Destinations {
			names = append(names, d.String())
		}
		return "✅ Destination channels set to: " + strings.Join(names, ", ")
	}, "")
	if len(failed) > 0 {
		res.Reply += "\n❌ Could not resolve: " + strings.Join(failed, ", ")
	}
	return res
}

func (p *Processor) cmdShowSource(ctx context.Context, req *Request) Result {
	var on bool
	switch strings.ToLower(strings.TrimSpace(req.Args)) {
	case "on":
		on = true
	case "off":
	default:
		return Result{Reply: "Usage: /showsource on  or  /showsource off"}
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	reply := fmt.Sprintf("✅ Source tag in forwarded messages is now %s.", state)
	return p.update(ctx, func(c *routing.Config) error {
		if c.ShowSource == on {
			return routing.ErrNoChange
		}
		c.ShowSource = on
		return nil
	}, func(routing.Config) string { return reply }, reply)
}

// adminTarget reads the user id from the argument or the replied-to
// message.
func adminTarget(req *Request) (int64, bool) {
	if f := req.Fields(); len(f) == 1 {
		id, err := strconv.ParseInt(f[0], 10, 64)
		return id, err == nil && id != 0
	} else if len(f) > 1 {
		return 0, false
	}
	if r := req.Msg.ReplyTo; r != nil && r.FromID != 0 {
		return r.FromID, true
	}
	return 0, false
}

func (p *Processor) cmdAddAdmin(ctx context.Context, req *Request) Result {
	id, ok := adminTarget(req)
	if !ok {
		return Result{Reply: "❌ Usage: /addadmin <user_id> or reply to user"}
	}
	return p.update(ctx, func(c *routing.Config) error {
		if c.IsAdmin(id) {
			return routing.ErrNoChange
		}
		c.Admins = append(c.Admins, id)
		slices.Sort(c.Admins)
		return nil
	}, func(routing.Config) string {
		return fmt.Sprintf("✅ Added admin: %d", id)
	}, fmt.Sprintf("User ID %d is already an admin.", id))
}

func (p *Processor) cmdRemoveAdmin(ctx context.Context, req *Request) Result {
	id, ok := adminTarget(req)
	if !ok {
		return Result{Reply: "❌ Usage: /removeadmin <user_id> or reply to user"}
	}
	return p.update(ctx, func(c *routing.Config) error {
		i, found := slices.BinarySearch(c.Admins, id)
		switch {
		case !found:
			return userError{fmt.Sprintf("User ID %d is not an admin.", id)}
		case len(c.Admins) == 1:
			return userError{"❌ At least one admin must remain."}
		}
		c.Admins = slices.Delete(c.Admins, i, i+1)
		return nil
	}, func(routing.Config) string {
		return fmt.Sprintf("✅ Removed admin: %d", id)
	}, "")
}

func (p *Processor) cmdBackup(ctx context.Context, _ *Request) Result {
	raw, err := p.opt.Routing.Document(ctx)
	if err != nil {
		p.log.Error("backup failed", logx.Err(err))
		return Result{Reply: "❌ Could not read the config for backup.", Err: err}
	}
	return Result{Reply: "Here is your config.json backup ⬇️", Attachment: &Attachment{Name: "config.json", Data: raw}}
}

var errRestoreTooLarge = errors.New("restore document too large")

func (p *Processor) cmdRestore(ctx context.Context, req *Request) Result {
	m := req.Msg.Media
	if m == nil && req.Msg.ReplyTo != nil {
		m = req.Msg.ReplyTo.Media
	}
	if m == nil || m.Kind != kit.MediaDocument {
		return Result{Reply: "Reply to a config.json file with /restore."}
	}
	if p.opt.Downloader == nil {
		return Result{Reply: "❌ Restore is not available.", Err: errors.New("no downloader")}
	}
	if m.Size > p.opt.MaxRestoreBytes {
		return Result{Reply: "❌ Restore rejected: file too large.", Err: errRestoreTooLarge}
	}

	var buf bytes.Buffer
	w := &capWriter{w: &buf, left: p.opt.MaxRestoreBytes}
	if err := p.opt.Downloader.Download(ctx, *m, w); err != nil {
		if errors.Is(err, errRestoreTooLarge) {
			return Result{Reply: "❌ Restore rejected: file too large.", Err: err}
		}
		p.log.Warn("restore download failed", logx.Err(err))
		return Result{Reply: "❌ Could not download the file.", Err: err}
	}

	cfg, err := p.opt.Routing.Restore(ctx, buf.Bytes())
	switch {
	case err == nil:
		return Result{Reply: "✅ Config restored from uploaded file!\n\n" + FormatConfig(cfg), Mutated: true}
	case errors.Is(err, routing.ErrPersistFailure):
		p.alert(ctx, "⚠️ [Config ERROR] restored config could not be saved: "+err.Error())
		return Result{Reply: "⚠️ Config restored in memory only: saving failed.", Mutated: true, Err: err}
	case errors.Is(err, routing.ErrConfigCorrupt):
		return Result{Reply: "❌ Restore rejected: " + err.Error(), Err: err}
	default:
		return Result{Reply: "❌ Restore failed.", Err: err}
	}
}

type capWriter struct {
	w    io.Writer
	left int64
}

func (c *capWriter) Write(b []byte) (int, error) {
	if int64(len(b)) > c.left {
		return 0, errRestoreTooLarge
	}
	c.left -= int64(len(b))
	return c.w.Write(b)
}

func (p *Processor) cmdHelp(context.Context, *Request) Result {
	var b strings.Builder
	b.WriteString("Admin commands:\n")
	for _, c := range p.list {
		b.WriteString("/" + c.Name)
		if c.Usage != "" {
			b.WriteString(" " + c.Usage)
		}
		b.WriteString(" - " + c.Description + "\n")
	}
	return Result{Reply: strings.TrimRight(b.String(), "\n")}
}
