package domain

import "encoding/json"

// Credentials is the opaque session material (identity keys, registration
// id, pairing state). Field values are kept as raw JSON; the gateway never
// interprets them.
type Credentials map[string]json.RawMessage

// Clone returns a deep copy.
func (c Credentials) Clone() Credentials {
	if c == nil {
		return nil
	}
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Merge returns a copy of c with every field of patch applied on top.
func (c Credentials) Merge(patch Credentials) Credentials {
	out := c.Clone()
	if out == nil {
		out = make(Credentials, len(patch))
	}
	for k, v := range patch {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// SelfID returns the account JID from the "me" field, the one part of the
// credentials the gateway reads. It is empty before the first pairing.
func (c Credentials) SelfID() string {
	var me struct {
		ID string `json:"id"`
	}
	if raw, ok := c["me"]; !ok || json.Unmarshal(raw, &me) != nil {
		return ""
	}
	return me.ID
}
