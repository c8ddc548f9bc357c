// Package command defines what a chat command is, the context it runs with
// and the registry the dispatcher resolves commands from.
package command

import (
	"context"
	"time"

	"laughingfox/internal/correlation"
	"laughingfox/internal/domain"
)

// Role is the minimum permission needed to invoke a command.
type Role int

const (
	RoleEveryone   Role = 0
	RoleGroupAdmin Role = 1
	RoleBotAdmin   Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleGroupAdmin:
		return "group admin"
	case RoleBotAdmin:
		return "bot admin"
	}
	return "everyone"
}

// Meta is the declared metadata of a command.
type Meta struct {
	Name        string
	Aliases     []string
	Role        Role
	Cooldown    time.Duration
	Category    string
	Description string
	Usage       string
}

// Command is anything with metadata. What it can do is discovered from
// the optional interfaces below when it is registered.
type Command interface {
	Meta() Meta
}

// Runner is the primary entry, invoked when the command name is typed.
type Runner interface {
	Run(ctx context.Context, c *Context) error
}

// ChatObserver sees every textual message, prefixed or not.
type ChatObserver interface {
	OnChat(ctx context.Context, c *Context) error
}

// ReplyHandler continues a conversation when someone quotes a message the
// command tracked.
type ReplyHandler interface {
	OnReply(ctx context.Context, c *Context, entry correlation.Entry) error
}

// ReactionHandler continues when someone reacts to a tracked message.
type ReactionHandler interface {
	OnReaction(ctx context.Context, c *Context, entry correlation.Entry, emoji string) error
}

// EventHandler receives group membership changes.
type EventHandler interface {
	OnEvent(ctx context.Context, c *Context, update domain.GroupMembershipUpdate) error
}

// Capabilities records which optional interfaces a command implements.
type Capabilities struct {
	Run      bool
	Chat     bool
	Reply    bool
	Reaction bool
	Event    bool
}

func (c Capabilities) any() bool {
	return c.Run || c.Chat || c.Reply || c.Reaction || c.Event
}

func detect(cmd Command) Capabilities {
	var caps Capabilities
	_, caps.Run = cmd.(Runner)
	_, caps.Chat = cmd.(ChatObserver)
	_, caps.Reply = cmd.(ReplyHandler)
	_, caps.Reaction = cmd.(ReactionHandler)
	_, caps.Event = cmd.(EventHandler)
	return caps
}
