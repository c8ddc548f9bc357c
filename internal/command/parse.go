package command

import "strings"

// Parse splits a prefixed body into the lower-cased command name and its
// arguments. ok is false when body does not start with prefix. A bare
// prefix parses to an empty name, which no command resolves.
func Parse(body, prefix string) (name string, args []string, ok bool) {
	body = strings.TrimSpace(body)
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(body, prefix))
	if len(fields) == 0 {
		return "", nil, true
	}
	return strings.ToLower(fields[0]), fields[1:], true
}
