package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"laughingfox/internal/command"
	"laughingfox/internal/correlation"
	"laughingfox/internal/domain"
)

const (
	voteYes = "👍"
	voteNo  = "👎"
)

// Vote posts a yes/no poll counted from reactions. The poll message is
// edited as votes come in.
type Vote struct{}

type poll struct {
	mu       sync.Mutex
	question string
	votes    map[string]string // voter -> emoji
}

func (p *poll) cast(voter, emoji string) (yes, no int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch emoji {
	case voteYes, voteNo:
		p.votes[voter] = emoji
	case "":
		delete(p.votes, voter)
	}
	for _, v := range p.votes {
		if v == voteYes {
			yes++
		} else {
			no++
		}
	}
	return yes, no
}

func (p *poll) render(yes, no int) string {
	return fmt.Sprintf("*Poll:* %s\n\nReact %s or %s to vote.\n%s %d   %s %d", p.question, voteYes, voteNo, voteYes, yes, voteNo, no)
}

func (*Vote) Meta() command.Meta {
	return command.Meta{
		Name:        "vote",
		Aliases:     []string{"poll"},
		Category:    "group",
		Cooldown:    10 * time.Second,
		Description: "Start a yes/no poll answered by reacting.",
		Usage:       "vote <question>",
	}
}

func (*Vote) Run(ctx context.Context, c *command.Context) error {
	question := strings.TrimSpace(strings.Join(c.Args, " "))
	if question == "" {
		_, err := c.Msg.Reply(ctx, fmt.Sprintf("Usage: %svote <question>", c.Prefix))
		return err
	}
	p := &poll{question: question, votes: make(map[string]string)}
	receipt, err := c.Msg.Send(ctx, p.render(0, 0))
	if err != nil {
		return err
	}
	c.TrackReaction(receipt, p)
	return nil
}

func (*Vote) OnReaction(ctx context.Context, c *command.Context, entry correlation.Entry, emoji string) error {
	p, ok := entry.State.(*poll)
	if !ok {
		return fmt.Errorf("vote: unexpected state %T", entry.State)
	}
	if emoji != "" && emoji != voteYes && emoji != voteNo {
		return nil
	}
	yes, no := p.cast(c.SenderID, emoji)
	key := domain.MessageKey{RemoteJID: c.ThreadID, ID: entry.AnchorID, FromMe: true}
	return c.Msg.Edit(ctx, key, p.render(yes, no))
}
