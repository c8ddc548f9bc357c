package builtin

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"laughingfox/internal/command"
	"laughingfox/internal/correlation"
)

const guessMax = 100

// Guess is a number guessing game played by replying to the bot.
type Guess struct {
	// Pick chooses the secret; nil means random.
	Pick func() int
}

type guessState struct {
	Secret int
	Tries  int
}

func (*Guess) Meta() command.Meta {
	return command.Meta{
		Name:        "guess",
		Aliases:     []string{"number"},
		Category:    "games",
		Cooldown:    5 * time.Second,
		Description: "Guess the number between 1 and 100. Reply to the bot with your guesses.",
	}
}

func (g *Guess) Run(ctx context.Context, c *command.Context) error {
	secret := rand.IntN(guessMax) + 1
	if g.Pick != nil {
		secret = g.Pick()
	}
	receipt, err := c.Msg.Reply(ctx, fmt.Sprintf("I'm thinking of a number between 1 and %d. Reply to this message with your guess.", guessMax))
	if err != nil {
		return err
	}
	c.TrackReply(receipt, guessState{Secret: secret})
	return nil
}

func (*Guess) OnReply(ctx context.Context, c *command.Context, entry correlation.Entry) error {
	state, ok := entry.State.(guessState)
	if !ok {
		return fmt.Errorf("guess: unexpected state %T", entry.State)
	}
	if c.SenderID != entry.AuthorID {
		_, err := c.Msg.Reply(ctx, "This is not your game. Start your own with "+c.Prefix+"guess")
		return err
	}

	n, err := strconv.Atoi(strings.TrimSpace(c.Body))
	if err != nil || n < 1 || n > guessMax {
		_, err := c.Msg.Reply(ctx, fmt.Sprintf("Reply with a whole number between 1 and %d.", guessMax))
		return err
	}
	state.Tries++

	// Each answer moves the game onto the bot's newest message.
	c.Tables.Delete(correlation.Reply, entry.AnchorID)
	switch {
	case n == state.Secret:
		_, err = c.Msg.Reply(ctx, fmt.Sprintf("Correct! It was %d. You got it in %d tries.", n, state.Tries))
		return err
	case n < state.Secret:
		return guessAgain(ctx, c, "Higher!", state)
	default:
		return guessAgain(ctx, c, "Lower!", state)
	}
}

func guessAgain(ctx context.Context, c *command.Context, hint string, state guessState) error {
	receipt, err := c.Msg.Reply(ctx, hint+" Reply to this message to guess again.")
	if err != nil {
		return err
	}
	c.TrackReply(receipt, state)
	return nil
}
