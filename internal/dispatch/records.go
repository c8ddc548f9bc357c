package dispatch

import (
	"context"

	"laughingfox/internal/command"
	"laughingfox/internal/domain"
)

// keepRecords counts the message against its sender and, in groups, its
// group. A group seen for the first time is named from its metadata.
// Only the name and the counter are touched, so a ban written by the
// same message's command is never overwritten. Storage failures are
// logged; they never reach the sender.
func (e *Engine) keepRecords(ctx context.Context, c command.Context) {
	id := domain.UserNumber(c.SenderID)
	err := e.cfg.Records.UpdateUser(ctx, id, func(u *domain.UserRecord) {
		if c.SenderName != "" {
			u.Name = c.SenderName
		}
		u.MsgCount++
	})
	if err != nil {
		e.cfg.Logger.Warn("user record update failed", "user", id, "err", err)
		return
	}

	if !c.IsGroup {
		return
	}
	var subject string
	existing, err := e.cfg.Records.GetGroup(ctx, c.ThreadID)
	if err != nil {
		e.cfg.Logger.Warn("group record lookup failed", "group", c.ThreadID, "err", err)
		return
	}
	if existing == nil || existing.Name == "" {
		meta, err := e.client.GroupMetadata(ctx, c.ThreadID)
		if err != nil {
			e.cfg.Logger.Warn("group metadata unavailable", "group", c.ThreadID, "err", err)
		} else {
			subject = meta.Subject
		}
	}
	err = e.cfg.Records.UpdateGroup(ctx, c.ThreadID, func(g *domain.GroupRecord) {
		if g.Name == "" {
			g.Name = subject
		}
		g.MsgCount++
	})
	if err != nil {
		e.cfg.Logger.Warn("group record update failed", "group", c.ThreadID, "err", err)
	}
}
