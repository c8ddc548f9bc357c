package builtin

import (
	"context"
	"fmt"
	"strings"

	"laughingfox/internal/command"
)

// Prefix shows or changes the prefix of the current conversation. A bare
// "prefix" message is answered too, since users who forgot the prefix
// cannot type it.
type Prefix struct{}

func (*Prefix) Meta() command.Meta {
	return command.Meta{
		Name:        "prefix",
		Category:    "config",
		Description: "Show the prefix, or set/reset it for this chat.",
		Usage:       "prefix [set <prefix> | reset]",
	}
}

func (*Prefix) Run(ctx context.Context, c *command.Context) error {
	if len(c.Args) == 0 {
		return showPrefix(ctx, c)
	}
	if c.Role < command.RoleGroupAdmin && c.IsGroup {
		_, err := c.Msg.Reply(ctx, "Only group admins can change the prefix.")
		return err
	}

	switch strings.ToLower(c.Args[0]) {
	case "set":
		if len(c.Args) < 2 || strings.ContainsAny(c.Args[1], " \t") {
			_, err := c.Msg.Reply(ctx, fmt.Sprintf("Usage: %sprefix set <prefix>", c.Prefix))
			return err
		}
		if err := c.Records.SetPrefix(ctx, c.ThreadID, c.Args[1]); err != nil {
			return fmt.Errorf("prefix: save: %w", err)
		}
		_, err := c.Msg.Reply(ctx, fmt.Sprintf("Prefix for this chat is now %s", c.Args[1]))
		return err
	case "reset":
		if err := c.Records.SetPrefix(ctx, c.ThreadID, ""); err != nil {
			return fmt.Errorf("prefix: reset: %w", err)
		}
		_, err := c.Msg.Reply(ctx, fmt.Sprintf("Prefix reset to %s", c.Config.General.Prefix))
		return err
	}
	_, err := c.Msg.Reply(ctx, fmt.Sprintf("Usage: %sprefix [set <prefix> | reset]", c.Prefix))
	return err
}

func (*Prefix) OnChat(ctx context.Context, c *command.Context) error {
	if !strings.EqualFold(strings.TrimSpace(c.Body), "prefix") {
		return nil
	}
	return showPrefix(ctx, c)
}

func showPrefix(ctx context.Context, c *command.Context) error {
	text := fmt.Sprintf("Global prefix: %s", c.Config.General.Prefix)
	if c.Prefix != c.Config.General.Prefix {
		text += fmt.Sprintf("\nThis chat: %s", c.Prefix)
	}
	_, err := c.Msg.Reply(ctx, text)
	return err
}
