package command

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var ErrFrozen = errors.New("command: registry is frozen")

// Entry is a registered command with its effective metadata.
type Entry struct {
	Meta     Meta
	Command  Command
	Caps     Capabilities
	Disabled bool
}

// Registry resolves commands by name or alias, case-insensitively. It is
// filled at startup and frozen before the dispatcher starts.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	aliases map[string]string
	frozen  bool
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		aliases: make(map[string]string),
		logger:  logger,
	}
}

// Register validates cmd and records its capabilities.
func (r *Registry) Register(cmd Command) error {
	meta := cmd.Meta()
	meta.Name = strings.ToLower(strings.TrimSpace(meta.Name))
	if meta.Name == "" {
		return errors.New("command: empty name")
	}
	if strings.ContainsAny(meta.Name, " \t\n") {
		return fmt.Errorf("command: name %q contains whitespace", meta.Name)
	}
	caps := detect(cmd)
	if !caps.any() {
		return fmt.Errorf("command: %s implements no entry point", meta.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if r.taken(meta.Name) {
		return fmt.Errorf("command: %s already registered", meta.Name)
	}
	aliases := make([]string, 0, len(meta.Aliases))
	for _, a := range meta.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || a == meta.Name {
			continue
		}
		if r.taken(a) {
			return fmt.Errorf("command: alias %s of %s already in use", a, meta.Name)
		}
		aliases = append(aliases, a)
	}
	meta.Aliases = aliases

	r.entries[meta.Name] = &Entry{Meta: meta, Command: cmd, Caps: caps}
	for _, a := range aliases {
		r.aliases[a] = meta.Name
	}
	r.logger.Debug("registered command", "name", meta.Name, "aliases", aliases, "caps", caps)
	return nil
}

// MustRegister registers every cmd and panics on the first error.
func (r *Registry) MustRegister(cmds ...Command) {
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) taken(name string) bool {
	if _, ok := r.entries[name]; ok {
		return true
	}
	_, ok := r.aliases[name]
	return ok
}

// Freeze stops further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve looks name up by command name first, then by alias. Disabled
// commands do not resolve.
func (r *Registry) Resolve(name string) (*Entry, bool) {
	name = strings.ToLower(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		var target string
		if target, ok = r.aliases[name]; ok {
			e = r.entries[target]
		}
	}
	if !ok || e.Disabled {
		return nil, false
	}
	return e, true
}

// Get returns the entry registered under its canonical name.
func (r *Registry) Get(name string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.entries[name]
	if e == nil || e.Disabled {
		return nil
	}
	return e
}

// All returns enabled entries sorted by name.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.Disabled {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta.Name < out[j].Meta.Name })
	return out
}

// ChatObservers returns enabled entries that observe chat.
func (r *Registry) ChatObservers() []*Entry {
	return r.filter(func(c Capabilities) bool { return c.Chat })
}

// EventHandlers returns enabled entries that handle membership events.
func (r *Registry) EventHandlers() []*Entry {
	return r.filter(func(c Capabilities) bool { return c.Event })
}

func (r *Registry) filter(keep func(Capabilities) bool) []*Entry {
	var out []*Entry
	for _, e := range r.All() {
		if keep(e.Caps) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of enabled commands.
func (r *Registry) Len() int {
	return len(r.All())
}

// Categories groups enabled command names by category.
func (r *Registry) Categories() map[string][]string {
	out := make(map[string][]string)
	for _, e := range r.All() {
		cat := e.Meta.Category
		if cat == "" {
			cat = "general"
		}
		out[cat] = append(out[cat], e.Meta.Name)
	}
	return out
}
