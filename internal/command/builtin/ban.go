package builtin

import (
	"context"
	"fmt"
	"strings"

	"laughingfox/internal/command"
)

// Ban bans a user, or the current group with "ban group".
type Ban struct{}

func (*Ban) Meta() command.Meta {
	return command.Meta{
		Name:        "ban",
		Role:        command.RoleBotAdmin,
		Category:    "admin",
		Description: "Ban a user or this group from using the bot.",
		Usage:       "ban <number|@user|group> [reason]",
	}
}

func (*Ban) Run(ctx context.Context, c *command.Context) error {
	return setBan(ctx, c, true)
}

type Unban struct{}

func (*Unban) Meta() command.Meta {
	return command.Meta{
		Name:        "unban",
		Role:        command.RoleBotAdmin,
		Category:    "admin",
		Description: "Lift a user or group ban.",
		Usage:       "unban <number|@user|group>",
	}
}

func (*Unban) Run(ctx context.Context, c *command.Context) error {
	return setBan(ctx, c, false)
}

func setBan(ctx context.Context, c *command.Context, banned bool) error {
	verb := "Banned"
	if !banned {
		verb = "Unbanned"
	}
	if len(c.Args) == 0 {
		_, err := c.Msg.Reply(ctx, fmt.Sprintf("Usage: %s%s <number|@user|group>", c.Prefix, c.CommandName))
		return err
	}

	if strings.EqualFold(c.Args[0], "group") {
		if !c.IsGroup {
			_, err := c.Msg.Reply(ctx, "This is not a group.")
			return err
		}
		if err := command.SetGroupBan(ctx, c.Records, c.ThreadID, banned); err != nil {
			return fmt.Errorf("%s group %s: %w", c.CommandName, c.ThreadID, err)
		}
		_, err := c.Msg.Reply(ctx, verb+" this group.")
		return err
	}

	target := userKey(c.Args[0])
	if target == "" {
		_, err := c.Msg.Reply(ctx, "No user given.")
		return err
	}
	if banned && c.IsBotAdmin(target) {
		_, err := c.Msg.Reply(ctx, "Bot admins cannot be banned.")
		return err
	}
	reason := strings.Join(c.Args[1:], " ")
	if err := command.SetUserBan(ctx, c.Records, target, banned, reason); err != nil {
		return fmt.Errorf("%s user %s: %w", c.CommandName, target, err)
	}
	c.Logger.Info("ban updated", "user", target, "banned", banned, "by", c.SenderID)
	_, err := c.Msg.Reply(ctx, fmt.Sprintf("%s %s.", verb, target))
	return err
}
