package builtin

import (
	"context"
	"fmt"

	"laughingfox/internal/command"
	"laughingfox/internal/domain"
)

// Welcome greets members joining a group and says goodbye to those who
// leave. When the bot itself is added it introduces itself and tells the
// bot admins.
type Welcome struct{}

func (*Welcome) Meta() command.Meta {
	return command.Meta{
		Name:        "welcome",
		Category:    "group",
		Description: "Greets new group members.",
	}
}

func (*Welcome) OnEvent(ctx context.Context, c *command.Context, update domain.GroupMembershipUpdate) error {
	if update.Action != domain.GroupAdd && update.Action != domain.GroupRemove {
		return nil
	}
	meta, err := c.Bot.GroupMetadata(ctx, update.ID)
	if err != nil {
		return fmt.Errorf("welcome: metadata %s: %w", update.ID, err)
	}

	self := domain.UserNumber(c.Self)
	for _, p := range update.Participants {
		if update.Action == domain.GroupAdd && self != "" && domain.UserNumber(p) == self {
			if err := botAdded(ctx, c, meta); err != nil {
				return err
			}
			continue
		}

		var text string
		if update.Action == domain.GroupAdd {
			text = fmt.Sprintf("Welcome @%s to *%s*! You are member number %d. Feel free to introduce yourself!",
				domain.UserNumber(p), meta.Subject, len(meta.Participants))
		} else {
			text = fmt.Sprintf("@%s has left *%s*. Farewell!", domain.UserNumber(p), meta.Subject)
		}
		if _, err := c.Msg.Mention(ctx, text, []string{p}); err != nil {
			return err
		}
	}
	return nil
}

func botAdded(ctx context.Context, c *command.Context, meta *domain.GroupMetadata) error {
	text := fmt.Sprintf("Thanks for adding me to *%s*! Use %shelp to see all available commands.", meta.Subject, c.Config.General.Prefix)
	if _, err := c.Msg.Send(ctx, text); err != nil {
		return err
	}
	notice := domain.OutboundContent{Text: fmt.Sprintf("Bot was added to a new group: *%s* (%s)", meta.Subject, meta.ID)}
	for _, admin := range c.Config.General.Admins {
		if _, err := c.Msg.SendTo(ctx, domain.UserNumber(admin)+"@s.whatsapp.net", notice); err != nil {
			c.Logger.Warn("admin notice failed", "admin", admin, "err", err)
		}
	}
	return nil
}
