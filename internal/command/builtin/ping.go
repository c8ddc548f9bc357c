package builtin

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"laughingfox/internal/command"
)

type Ping struct{}

func (*Ping) Meta() command.Meta {
	return command.Meta{
		Name:        "ping",
		Category:    "info",
		Cooldown:    3 * time.Second,
		Description: "Check that the bot answers and how long a send takes.",
	}
}

func (*Ping) Run(ctx context.Context, c *command.Context) error {
	start := time.Now()
	receipt, err := c.Msg.Reply(ctx, "Pong!")
	if err != nil {
		return err
	}
	return c.Msg.Edit(ctx, receipt.Key, fmt.Sprintf("Pong! %dms", time.Since(start).Milliseconds()))
}

type Uptime struct{}

func (*Uptime) Meta() command.Meta {
	return command.Meta{
		Name:        "uptime",
		Aliases:     []string{"up"},
		Category:    "info",
		Cooldown:    5 * time.Second,
		Description: "Show how long the bot has been running.",
	}
}

func (*Uptime) Run(ctx context.Context, c *command.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	lines := []string{
		"Uptime: " + formatDuration(time.Since(c.Started)),
		fmt.Sprintf("Commands: %d", c.Registry.Len()),
		fmt.Sprintf("Goroutines: %d", runtime.NumGoroutine()),
		fmt.Sprintf("Memory: %.1f MB", float64(mem.Alloc)/1024/1024),
		fmt.Sprintf("Go: %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}
	_, err := c.Msg.Reply(ctx, strings.Join(lines, "\n"))
	return err
}

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := (d - m*time.Minute) / time.Second
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
	}
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
