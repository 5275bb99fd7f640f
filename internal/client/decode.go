package client

import (
	"encoding/json"
	"fmt"

	"github.com/avrile/cadence/internal/protocol"
)

// ParseServerEvent decodes one text message from the stream into its typed
// form. Unknown types are errors; callers drop the message and keep reading.
func ParseServerEvent(raw []byte) (any, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var (
		out any
		err error
	)
	switch env.Type {
	case protocol.TypePartialUserRequest:
		var msg protocol.PartialUserRequest
		err = json.Unmarshal(raw, &msg)
		out = msg
	case protocol.TypeFinalUserRequest:
		var msg protocol.FinalUserRequest
		err = json.Unmarshal(raw, &msg)
		out = msg
	case protocol.TypePartialAssistantAnswer:
		var msg protocol.PartialAssistantAnswer
		err = json.Unmarshal(raw, &msg)
		out = msg
	case protocol.TypeFinalAssistantAnswer:
		var msg protocol.FinalAssistantAnswer
		err = json.Unmarshal(raw, &msg)
		out = msg
	case protocol.TypeTTSChunk:
		var msg protocol.TTSChunk
		err = json.Unmarshal(raw, &msg)
		out = msg
	case protocol.TypeTTSInterruption:
		var msg protocol.TTSInterruption
		err = json.Unmarshal(raw, &msg)
		out = msg
	case protocol.TypeSessionID:
		var msg protocol.SessionID
		err = json.Unmarshal(raw, &msg)
		out = msg
	case protocol.TypeSessionRestored:
		var msg protocol.SessionRestored
		err = json.Unmarshal(raw, &msg)
		out = msg
	case protocol.TypeErrorEvent:
		var msg protocol.ErrorEvent
		err = json.Unmarshal(raw, &msg)
		out = msg
	default:
		return nil, protocol.ErrUnsupportedType
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
