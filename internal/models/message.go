package models

// Message visibility levels. Visibility scopes who a relayed message is
// shown to; the server itself only distinguishes global from the rest.
const (
	VisGlobal = "global"
	VisTeam   = "team"
	VisMap    = "map"
	VisNone   = "none"
)

// Visibilities lists every accepted visibility value.
var Visibilities = []string{VisGlobal, VisTeam, VisMap, VisNone}

// ValidVisibility reports whether v is one of the accepted visibility values.
func ValidVisibility(v string) bool {
	for _, k := range Visibilities {
		if v == k {
			return true
		}
	}
	return false
}

// Message is a single client-originated envelope. From is attached by the
// session after authentication; it never comes off the wire.
type Message struct {
	Type       string
	Payload    map[string]interface{}
	Visibility string
	From       *User
	Ts         float64
}

// NewMessage builds a server-originated message stamped with the current time.
func NewMessage(typ string, payload map[string]interface{}, visibility string) *Message {
	return &Message{
		Type:       typ,
		Payload:    payload,
		Visibility: visibility,
		Ts:         NowTs(),
	}
}

// SafeJSON is the broadcast form: the sender appears as their public view.
func (m *Message) SafeJSON() map[string]interface{} {
	var from interface{}
	if m.From != nil {
		from = m.From.SafeJSON()
	}
	return map[string]interface{}{
		"type":       m.Type,
		"payload":    m.Payload,
		"visibility": m.Visibility,
		"from":       from,
		"ts":         m.Ts,
	}
}

// MessageFromDoc rebuilds a live message from its stored form. The sender
// is resolved by the caller; a nil from leaves the message anonymous.
func MessageFromDoc(d MessageDoc, from *User) *Message {
	return &Message{
		Type:       d.Type,
		Payload:    d.Payload,
		Visibility: d.Visibility,
		From:       from,
		Ts:         d.Ts,
	}
}

// MessageDoc is the persisted form of a message; the sender is stored by uid.
type MessageDoc struct {
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	Visibility string                 `json:"visibility"`
	UserUID    string                 `json:"user_uid,omitempty"`
	Ts         float64                `json:"ts"`
}

// Doc snapshots the message for persistence.
func (m *Message) Doc() MessageDoc {
	d := MessageDoc{
		Type:       m.Type,
		Payload:    m.Payload,
		Visibility: m.Visibility,
		Ts:         m.Ts,
	}
	if m.From != nil {
		d.UserUID = m.From.UID
	}
	return d
}

// StrField returns payload[key] when it is a string.
func (m *Message) StrField(key string) (string, bool) {
	if m.Payload == nil {
		return "", false
	}
	s, ok := m.Payload[key].(string)
	return s, ok
}

// NumField returns payload[key] when it is a number. JSON numbers decode as
// float64.
func (m *Message) NumField(key string) (float64, bool) {
	if m.Payload == nil {
		return 0, false
	}
	n, ok := m.Payload[key].(float64)
	return n, ok
}

// BoolField returns payload[key] when it is a bool.
func (m *Message) BoolField(key string) (bool, bool) {
	if m.Payload == nil {
		return false, false
	}
	b, ok := m.Payload[key].(bool)
	return b, ok
}
