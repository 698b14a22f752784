package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is a flat, tagged-variant record: every wire message carries a
// required "type" field plus type-specific fields. Fields this package
// does not know about are preserved verbatim in Fields so that a sensor's
// payload enrichments reach panels unchanged when forwarded.
type Message struct {
	Type MessageType

	// Fields holds every field other than "type", keyed by JSON field name,
	// as raw JSON. Accessors below decode tolerant defaults from it;
	// anything not accessed here is still present for re-marshaling.
	Fields map[string]json.RawMessage
}

// New creates a Message of the given type with the supplied string fields.
func New(t MessageType, fields map[string]string) *Message {
	m := &Message{Type: t, Fields: make(map[string]json.RawMessage, len(fields))}
	for k, v := range fields {
		m.SetString(k, v)
	}
	return m
}

// SetString sets field key to the JSON-encoded string value v.
func (m *Message) SetString(key, v string) {
	if m.Fields == nil {
		m.Fields = make(map[string]json.RawMessage)
	}
	raw, _ := json.Marshal(v)
	m.Fields[key] = raw
}

// SetRaw sets field key to a pre-encoded JSON value, used when forwarding a
// field verbatim (e.g. an extra field carried on a SENSOR_DATA message).
func (m *Message) SetRaw(key string, raw json.RawMessage) {
	if m.Fields == nil {
		m.Fields = make(map[string]json.RawMessage)
	}
	m.Fields[key] = raw
}

// String returns field key as a string, tolerating both `"k":"v"` and
// `"k":42` wire encodings: value, action, and state may arrive as numeric
// JSON literals. Missing or unparsable fields return "".
func (m *Message) String(key string) string {
	raw, ok := m.Fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return "true"
		}
		return "false"
	}
	return ""
}

// StringArray returns field key decoded as a []string, used for the
// optional sensorKeys/actuatorKeys capability lists on REGISTER_NODE and
// NODE_LIST. Returns nil if the field is absent or not a
// JSON array of strings.
func (m *Message) StringArray(key string) []string {
	raw, ok := m.Fields[key]
	if !ok {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// SetStringArray sets field key to a JSON array built from vs.
func (m *Message) SetStringArray(key string, vs []string) {
	if m.Fields == nil {
		m.Fields = make(map[string]json.RawMessage)
	}
	raw, _ := json.Marshal(vs)
	m.Fields[key] = raw
}

// Has reports whether field key was present on the wire.
func (m *Message) Has(key string) bool {
	_, ok := m.Fields[key]
	return ok
}

// Convenience accessors for the commonly-routed fields.
func (m *Message) NodeID() string      { return m.String("nodeId") }
func (m *Message) Role() string        { return m.String("role") }
func (m *Message) TargetNode() string  { return m.String("targetNode") }
func (m *Message) Actuator() string    { return m.String("actuator") }
func (m *Message) Action() string      { return m.String("action") }
func (m *Message) State() string       { return m.String("state") }
func (m *Message) SensorKey() string   { return m.String("sensorKey") }
func (m *Message) Value() string       { return m.String("value") }
func (m *Message) Unit() string        { return m.String("unit") }
func (m *Message) Timestamp() string   { return m.String("timestamp") }
func (m *Message) ErrorMessage() string { return m.String("message") }

// MarshalJSON emits canonical JSON: "type" plus every field in Fields, with
// keys in sorted order (encoding/json sorts map keys), UTF-8, with the
// standard library's escaping (exactly what encoding/json produces).
func (m *Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Fields)+1)
	typeRaw, err := json.Marshal(string(m.Type))
	if err != nil {
		return nil, err
	}
	out["type"] = typeRaw
	for k, v := range m.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// ErrMissingType is returned by Parse when a frame parses as JSON but
// carries no "type" field, or the type is not a JSON string.
var ErrMissingType = fmt.Errorf("protocol: message missing \"type\" field")

// Parse decodes a JSON object payload into a Message. Unknown fields are
// retained (not an error); a missing or non-string "type" field is an error
// so the caller can answer with ERROR. Parse does not reject an
// unrecognized-but-present type string — callers check protocol.IsKnown.
func Parse(payload []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("protocol: invalid JSON: %w", err)
	}

	typeRaw, ok := raw["type"]
	if !ok {
		return nil, ErrMissingType
	}
	var typeStr string
	if err := json.Unmarshal(typeRaw, &typeStr); err != nil || typeStr == "" {
		return nil, ErrMissingType
	}
	delete(raw, "type")

	return &Message{Type: MessageType(typeStr), Fields: raw}, nil
}
