// Package builtin holds the commands that ship with the gateway.
package builtin

import (
	"strings"

	"laughingfox/internal/command"
	"laughingfox/internal/domain"
)

// All returns a fresh instance of every built-in command.
func All() []command.Command {
	return []command.Command{
		&Help{},
		&Ping{},
		&Uptime{},
		&Prefix{},
		&Ban{},
		&Unban{},
		&Guess{},
		&Vote{},
		&Welcome{},
	}
}

// Register adds every built-in to r.
func Register(r *command.Registry) error {
	for _, cmd := range All() {
		if err := r.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

// userKey turns a typed number, @mention or JID into the user number
// that user records are keyed by.
func userKey(arg string) string {
	return domain.UserNumber(strings.TrimPrefix(strings.TrimSpace(arg), "@"))
}
