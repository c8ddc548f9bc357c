package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// tree is the config as generic JSON, the shape the dot-path accessors
// walk.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromTree(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "general.prefix").
// List elements are addressed by index ("general.admins.0").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid list index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path in place. Only
// existing keys can be set. A string given for a list field is split on
// commas ("general.admins 123,456").
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	m, err := tree(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("key not found: %s", path)
		}
		parent = child
	}

	last := parts[len(parts)-1]
	old, exists := parent[last]
	if !exists && !optionalKey(path) {
		return fmt.Errorf("key not found: %s", path)
	}

	if isList(old, exists) {
		parent[last] = splitList(value)
	} else {
		parent[last] = parseValue(value)
	}
	updated, err := fromTree(m)
	if err != nil {
		// String fields keep the raw text ("sessionId 1234" must not
		// become a number).
		s, isString := value.(string)
		if !isString {
			return err
		}
		parent[last] = s
		if updated, err = fromTree(m); err != nil {
			return err
		}
	}
	*cfg = *updated
	return nil
}

// optionalKey reports whether path names an omitempty field that is unset
// and therefore missing from the JSON tree.
func optionalKey(path string) bool {
	switch path {
	case "general.logFile", "general.logMaxSizeMB", "general.logMaxBackups",
		"general.selfListen", "general.restartSchedule",
		"connection.sidecarToken",
		"credentials.bootstrap.url", "credentials.bootstrap.sessionId",
		"credentials.bootstrap.sessionPrefix", "credentials.bootstrap.ssmParameter",
		"credentials.bootstrap.region",
		"store.cacheCapacity",
		"storage.dynamoTable", "storage.region",
		"admission.notifyBannedUsers",
		"commands.manifestPath":
		return true
	}
	return false
}

// isList treats an explicit null as an empty list; the config has no
// other nullable fields.
func isList(v any, exists bool) bool {
	_, ok := v.([]any)
	return ok || (exists && v == nil)
}

func splitList(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	out := []any{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseValue tries to convert string values to appropriate Go types.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	m, err := tree(cfg)
	if err != nil {
		return cfg
	}
	out, err := fromTree(m)
	if err != nil {
		return cfg
	}
	if out.Connection.SidecarToken != "" {
		out.Connection.SidecarToken = maskString(out.Connection.SidecarToken)
	}
	if out.Credentials.Bootstrap.SessionID != "" {
		out.Credentials.Bootstrap.SessionID = maskString(out.Credentials.Bootstrap.SessionID)
	}
	return out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf config path with its current value.
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flatten("", m, result)
	return result
}

func flatten(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, result)
			continue
		}
		result[path] = v
	}
}
