package command

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Override adjusts one command's metadata without touching its code.
type Override struct {
	Aliases     []string `yaml:"aliases,omitempty"`
	Cooldown    *int     `yaml:"cooldown,omitempty"` // seconds
	Role        *int     `yaml:"role,omitempty"`
	Category    string   `yaml:"category,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Disabled    bool     `yaml:"disabled,omitempty"`
}

// Manifest is the YAML file of per-command overrides:
//
//	commands:
//	  ping:
//	    aliases: [p]
//	    cooldown: 3
//	  ban:
//	    disabled: true
type Manifest struct {
	Commands map[string]Override `yaml:"commands"`
}

// LoadManifest reads the overrides file. A missing file is an empty
// manifest.
func LoadManifest(path string, logger *slog.Logger) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Debug("command manifest does not exist, skipping", "path", path)
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read command manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse command manifest %s: %w", path, err)
	}
	return &m, nil
}

// Apply merges the manifest into the registry. Unknown command names and
// conflicting aliases are logged and skipped.
func (r *Registry) Apply(m *Manifest) error {
	if m == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}

	for name, o := range m.Commands {
		name = strings.ToLower(name)
		e, ok := r.entries[name]
		if !ok {
			r.logger.Warn("command manifest names unknown command", "name", name)
			continue
		}
		if o.Cooldown != nil {
			e.Meta.Cooldown = time.Duration(*o.Cooldown) * time.Second
		}
		if o.Role != nil {
			if *o.Role < int(RoleEveryone) || *o.Role > int(RoleBotAdmin) {
				return fmt.Errorf("command manifest: %s: role %d out of range", name, *o.Role)
			}
			e.Meta.Role = Role(*o.Role)
		}
		if o.Category != "" {
			e.Meta.Category = o.Category
		}
		if o.Description != "" {
			e.Meta.Description = o.Description
		}
		e.Disabled = o.Disabled
		if o.Aliases != nil {
			r.replaceAliases(e, o.Aliases)
		}
		r.logger.Info("command override applied", "name", name, "disabled", e.Disabled)
	}
	return nil
}

// replaceAliases must be called with mu held.
func (r *Registry) replaceAliases(e *Entry, aliases []string) {
	for _, a := range e.Meta.Aliases {
		delete(r.aliases, a)
	}
	kept := make([]string, 0, len(aliases))
	for _, a := range aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || a == e.Meta.Name {
			continue
		}
		if r.taken(a) {
			r.logger.Warn("command manifest alias already in use", "alias", a, "command", e.Meta.Name)
			continue
		}
		r.aliases[a] = e.Meta.Name
		kept = append(kept, a)
	}
	e.Meta.Aliases = kept
}
