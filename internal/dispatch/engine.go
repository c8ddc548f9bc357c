// Package dispatch routes inbound conversation events to commands.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"laughingfox/internal/bus"
	"laughingfox/internal/command"
	"laughingfox/internal/config"
	"laughingfox/internal/correlation"
	"laughingfox/internal/domain"
	"laughingfox/internal/metrics"
	"laughingfox/internal/security"
)

// Recorder keeps every message the gateway sees.
type Recorder interface {
	Record(msg domain.Message) bool
}

type Config struct {
	Client    domain.Client
	Store     Recorder
	Registry  *command.Registry
	Tables    *correlation.Tables
	Records   domain.RecordStore
	Admission *security.Admission
	Config    *config.Config
	// Events receives a handler fault notice. Optional.
	Events *bus.EventBus

	// Self returns the bot's own JID. Optional.
	Self    func() string
	Started time.Time
	Logger  *slog.Logger
}

// Engine owns everything a route needs; independent engines share nothing.
type Engine struct {
	cfg    Config
	client domain.Client
}

func New(cfg Config) *Engine {
	if cfg.Started.IsZero() {
		cfg.Started = time.Now()
	}
	if cfg.Self == nil {
		cfg.Self = func() string { return "" }
	}
	return &Engine{cfg: cfg, client: cfg.Client}
}

// Run consumes events in arrival order. Each event is routed on its own
// goroutine, at most general.maxConcurrentEvents at a time. Run returns
// when ctx is done or events is closed, after in-flight routes finish.
func (e *Engine) Run(ctx context.Context, events <-chan domain.Event) error {
	limit := e.cfg.Config.General.MaxConcurrentEvents
	if limit <= 0 {
		limit = 64
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			metrics.InFlightEvents.Inc()
			go func() {
				defer func() {
					metrics.InFlightEvents.Dec()
					<-sem
					wg.Done()
				}()
				start := time.Now()
				e.Handle(ctx, ev)
				metrics.DispatchLatency.Observe(time.Since(start).Seconds())
			}()
		}
	}
}

// Handle records and routes one protocol event. Every upserted message is
// recorded; only freshly delivered ones are routed.
func (e *Engine) Handle(ctx context.Context, ev domain.Event) {
	switch ev.Kind {
	case domain.EventMessage:
		if ev.Upsert == nil {
			return
		}
		for i := range ev.Upsert.Messages {
			msg := &ev.Upsert.Messages[i]
			if e.cfg.Store != nil {
				e.cfg.Store.Record(*msg)
			}
			if ev.Upsert.Type == domain.UpsertNotify {
				e.Route(ctx, msg)
			}
		}
	case domain.EventGroupMembership:
		if ev.Group != nil {
			e.RouteGroupUpdate(ctx, *ev.Group)
		}
	}
}

// Route is the single entry point for an inbound conversation message. It
// returns once the primary command and every passive handler have finished.
func (e *Engine) Route(ctx context.Context, msg *domain.Message) {
	thread := msg.Key.RemoteJID
	if thread == "" || thread == domain.BroadcastJID || msg.Content == nil {
		return
	}
	if msg.Key.FromMe && !e.cfg.Config.General.SelfListen {
		return
	}
	metrics.MessagesRouted.Inc()

	sender := msg.SenderID()
	body := msg.Content.Text()
	isGroup := domain.IsGroupJID(thread)
	prefix := e.prefix(ctx, thread)
	prefixed := body != "" && strings.HasPrefix(strings.TrimSpace(body), prefix)

	decision := e.cfg.Admission.Check(ctx, security.Request{
		SenderID: sender,
		ThreadID: thread,
		IsGroup:  isGroup,
		Prefixed: prefixed,
	})
	if decision.Action != security.ActionAllow {
		if decision.Action == security.ActionNotify {
			e.notify(ctx, thread, decision.Reply)
		}
		return
	}

	base := command.Context{
		Message:    msg,
		ThreadID:   thread,
		SenderID:   sender,
		SenderName: msg.PushName,
		IsGroup:    isGroup,
		Body:       body,
		Prefix:     prefix,
		Role:       command.RoleEveryone,
		Self:       e.cfg.Self(),
	}
	if e.cfg.Admission.IsAdmin(sender) {
		base.Role = command.RoleBotAdmin
	}

	var g errgroup.Group
	if prefixed {
		g.Go(func() error {
			e.runPrimary(ctx, base)
			return nil
		})
	}
	g.Go(func() error {
		e.continueReply(ctx, base)
		return nil
	})
	g.Go(func() error {
		e.continueReaction(ctx, base)
		return nil
	})
	if body != "" {
		for _, entry := range e.cfg.Registry.ChatObservers() {
			g.Go(func() error {
				c := e.newContext(base, entry.Meta.Name)
				e.invoke(ctx, c, "chat", func() error {
					return entry.Command.(command.ChatObserver).OnChat(ctx, c)
				})
				return nil
			})
		}
	}
	g.Go(func() error {
		e.keepRecords(ctx, base)
		return nil
	})
	g.Wait()
}

func (e *Engine) runPrimary(ctx context.Context, base command.Context) {
	name, args, ok := command.Parse(base.Body, base.Prefix)
	if !ok {
		return
	}
	entry, found := e.cfg.Registry.Resolve(name)
	if !found || !entry.Caps.Run {
		e.notify(ctx, base.ThreadID, fmt.Sprintf("❌ | Command '%s' does not exist. Type %shelp to view all commands.", name, base.Prefix))
		return
	}

	c := e.newContext(base, entry.Meta.Name)
	c.Args = args
	c.Role = e.senderRole(ctx, c)
	if c.Role < entry.Meta.Role {
		e.notify(ctx, c.ThreadID, fmt.Sprintf("❌ | Only %ss can use %s.", entry.Meta.Role, entry.Meta.Name))
		return
	}

	if allowed, wait := e.cfg.Tables.ExpireCooldown(c.SenderID, entry.Meta.Cooldown); !allowed {
		e.notify(ctx, c.ThreadID, fmt.Sprintf("⏳ | Please wait %.1fs before using %s again.", wait.Seconds(), entry.Meta.Name))
		return
	}

	metrics.CommandInvocations(entry.Meta.Name).Inc()
	e.cfg.Logger.Info("command invoked", "command", entry.Meta.Name, "sender", c.SenderID, "thread", c.ThreadID)
	e.invoke(ctx, c, "run", func() error {
		return entry.Command.(command.Runner).Run(ctx, c)
	})
}

// continueReply hands a quoted reply to the command tracking the quoted
// message.
func (e *Engine) continueReply(ctx context.Context, base command.Context) {
	info := base.Message.Content.Context()
	if info == nil || info.StanzaID == "" {
		return
	}
	tracked, ok := e.cfg.Tables.Take(correlation.Reply, info.StanzaID)
	if !ok {
		return
	}
	entry := e.cfg.Registry.Get(tracked.CommandName)
	if entry == nil || !entry.Caps.Reply {
		e.cfg.Logger.Warn("reply tracked by unknown command", "command", tracked.CommandName, "message", info.StanzaID)
		return
	}
	c := e.newContext(base, entry.Meta.Name)
	c.Args = strings.Fields(base.Body)
	e.invoke(ctx, c, "reply", func() error {
		return entry.Command.(command.ReplyHandler).OnReply(ctx, c, tracked)
	})
}

func (e *Engine) continueReaction(ctx context.Context, base command.Context) {
	reaction := base.Message.Content.Reaction
	if reaction == nil || reaction.Key.ID == "" {
		return
	}
	tracked, ok := e.cfg.Tables.Take(correlation.Reaction, reaction.Key.ID)
	if !ok {
		return
	}
	entry := e.cfg.Registry.Get(tracked.CommandName)
	if entry == nil || !entry.Caps.Reaction {
		e.cfg.Logger.Warn("reaction tracked by unknown command", "command", tracked.CommandName, "message", reaction.Key.ID)
		return
	}
	c := e.newContext(base, entry.Meta.Name)
	e.invoke(ctx, c, "reaction", func() error {
		return entry.Command.(command.ReactionHandler).OnReaction(ctx, c, tracked, reaction.Text)
	})
}

// RouteGroupUpdate delivers a membership or settings change to every
// event handler. A new subject is also written to the group's record.
func (e *Engine) RouteGroupUpdate(ctx context.Context, update domain.GroupMembershipUpdate) {
	if update.ID == "" {
		return
	}
	if update.Action == domain.GroupSettings && update.Subject != nil {
		subject := *update.Subject
		err := e.cfg.Records.UpdateGroup(ctx, update.ID, func(g *domain.GroupRecord) { g.Name = subject })
		if err != nil {
			e.cfg.Logger.Warn("group rename not recorded", "group", update.ID, "err", err)
		}
	}
	handlers := e.cfg.Registry.EventHandlers()
	if len(handlers) == 0 {
		return
	}
	base := command.Context{
		ThreadID: update.ID,
		SenderID: update.Author,
		IsGroup:  true,
		Prefix:   e.prefix(ctx, update.ID),
		Self:     e.cfg.Self(),
	}
	var g errgroup.Group
	for _, entry := range handlers {
		g.Go(func() error {
			c := e.newContext(base, entry.Meta.Name)
			e.invoke(ctx, c, "event", func() error {
				return entry.Command.(command.EventHandler).OnEvent(ctx, c, update)
			})
			return nil
		})
	}
	g.Wait()
}

// newContext copies base and attaches the capabilities of one invocation.
func (e *Engine) newContext(base command.Context, name string) *command.Context {
	c := base
	c.CommandName = name
	c.Msg = command.NewMessenger(e.client, base.ThreadID, base.Message)
	c.Bot = command.NewBot(e.client)
	c.Records = e.cfg.Records
	c.Tables = e.cfg.Tables
	c.Registry = e.cfg.Registry
	c.Config = e.cfg.Config
	c.Logger = e.cfg.Logger.With("command", name, "thread", base.ThreadID)
	c.Started = e.cfg.Started
	return &c
}

// invoke runs one handler entry. A returned error or a panic is logged,
// counted and answered with a generic failure message; it never reaches
// sibling handlers.
func (e *Engine) invoke(ctx context.Context, c *command.Context, entryPoint string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.fault(ctx, c, entryPoint, fmt.Errorf("panic: %v", r), debug.Stack())
		}
	}()
	if err := fn(); err != nil {
		e.fault(ctx, c, entryPoint, err, nil)
	}
}

func (e *Engine) fault(ctx context.Context, c *command.Context, entryPoint string, err error, stack []byte) {
	metrics.HandlerFaults.Inc()
	attrs := []any{"entry", entryPoint, "sender", c.SenderID, "err", err}
	if stack != nil {
		attrs = append(attrs, "stack", string(stack))
	}
	c.Logger.Error("command handler failed", attrs...)
	if e.cfg.Events != nil {
		e.cfg.Events.Emit(bus.Event{Type: bus.EventHandlerFault, Source: entryPoint, Payload: err})
	}
	e.notify(ctx, c.ThreadID, fmt.Sprintf("❌ | An error occurred while running %s. Please try again later.", c.CommandName))
}

// notify sends a gateway-generated text. Failures are only logged.
func (e *Engine) notify(ctx context.Context, thread, text string) {
	if _, err := e.client.Send(ctx, thread, domain.OutboundContent{Text: text}); err != nil {
		e.cfg.Logger.Warn("notice not delivered", "thread", thread, "err", err)
	}
}

// prefix returns the thread's prefix override, else the configured one.
func (e *Engine) prefix(ctx context.Context, thread string) string {
	p, err := e.cfg.Records.GetPrefix(ctx, thread)
	if err != nil {
		e.cfg.Logger.Warn("prefix lookup failed", "thread", thread, "err", err)
	}
	if p == "" {
		return e.cfg.Config.General.Prefix
	}
	return p
}

// senderRole resolves group admin status, which needs the group's
// metadata. Bot admins were resolved when the context was built.
func (e *Engine) senderRole(ctx context.Context, c *command.Context) command.Role {
	if c.Role == command.RoleBotAdmin || !c.IsGroup {
		return c.Role
	}
	meta, err := e.client.GroupMetadata(ctx, c.ThreadID)
	if err != nil {
		e.cfg.Logger.Warn("group metadata unavailable for role check", "thread", c.ThreadID, "err", err)
		return c.Role
	}
	if meta.IsAdmin(c.SenderID) {
		return command.RoleGroupAdmin
	}
	return c.Role
}
