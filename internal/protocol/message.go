// internal/protocol/message.go
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/XertroV/cgf-server/internal/models"
)

// BadPayloadError marks an envelope that failed validation in a way the
// client can be told about. The session replies with the reason and keeps
// the connection; any other parse error tears the connection down.
type BadPayloadError struct {
	Reason string
}

func (e *BadPayloadError) Error() string { return e.Reason }

func badPayload(format string, args ...interface{}) error {
	return &BadPayloadError{Reason: fmt.Sprintf(format, args...)}
}

// Envelope validation messages. Clients match on these strings, so they are
// part of the wire contract.
const (
	msgBadKeyCount   = "Bad payload: number of keys != 3"
	msgBadKeys       = "Bad payload: required keys: `type`, `payload`, `visibility`."
	msgBadVisibility = "Bad payload: `visibility` must be 'global', 'team', 'map', or 'none'."
	msgBadType       = "Bad payload: `type` must be a string."
)

// ParseEnvelope decodes and validates one client frame. Checks run in a
// fixed order so clients always see the same complaint for the same shape
// of mistake.
func ParseEnvelope(raw []byte) (*models.Message, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding client frame: %w", err)
	}
	if len(env) != 3 {
		return nil, badPayload(msgBadKeyCount)
	}
	typRaw, okType := env["type"]
	payloadRaw, okPayload := env["payload"]
	visRaw, okVis := env["visibility"]
	if !okType || !okPayload || !okVis {
		return nil, badPayload(msgBadKeys)
	}

	var vis string
	if err := json.Unmarshal(visRaw, &vis); err != nil || !models.ValidVisibility(vis) {
		return nil, badPayload(msgBadVisibility)
	}

	var typ string
	if err := json.Unmarshal(typRaw, &typ); err != nil {
		return nil, badPayload(msgBadType)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(payloadRaw, &payload); err != nil {
		return nil, fmt.Errorf("decoding message payload: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("decoding message payload: payload must be an object")
	}

	return &models.Message{
		Type:       typ,
		Payload:    payload,
		Visibility: vis,
		Ts:         models.NowTs(),
	}, nil
}
