package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"laughingfox/internal/command"
)

type Help struct{}

func (*Help) Meta() command.Meta {
	return command.Meta{
		Name:        "help",
		Aliases:     []string{"menu", "h"},
		Category:    "info",
		Description: "List commands or show details of one.",
		Usage:       "help [command]",
	}
}

func (*Help) Run(ctx context.Context, c *command.Context) error {
	if len(c.Args) > 0 {
		return helpDetail(ctx, c, c.Args[0])
	}

	cats := c.Registry.Categories()
	names := make([]string, 0, len(cats))
	for cat := range cats {
		names = append(names, cat)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "*%s* commands (prefix %s)\n", c.Config.General.BotName, c.Prefix)
	for _, cat := range names {
		fmt.Fprintf(&b, "\n*%s*\n%s\n", strings.ToUpper(cat), strings.Join(cats[cat], ", "))
	}
	fmt.Fprintf(&b, "\n%d commands. Type %shelp <cmd> for details.", c.Registry.Len(), c.Prefix)
	_, err := c.Msg.Reply(ctx, b.String())
	return err
}

func helpDetail(ctx context.Context, c *command.Context, name string) error {
	e, ok := c.Registry.Resolve(strings.TrimPrefix(name, c.Prefix))
	if !ok {
		_, err := c.Msg.Reply(ctx, fmt.Sprintf("Command %q not found. Use %shelp to see all commands.", name, c.Prefix))
		return err
	}
	m := e.Meta
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", m.Name)
	if m.Description != "" {
		fmt.Fprintf(&b, "%s\n", m.Description)
	}
	usage := m.Usage
	if usage == "" {
		usage = m.Name
	}
	fmt.Fprintf(&b, "Usage: %s%s\n", c.Prefix, usage)
	if len(m.Aliases) > 0 {
		fmt.Fprintf(&b, "Aliases: %s\n", strings.Join(m.Aliases, ", "))
	}
	fmt.Fprintf(&b, "Role: %s\nCooldown: %s", m.Role, m.Cooldown)
	_, err := c.Msg.Reply(ctx, b.String())
	return err
}
