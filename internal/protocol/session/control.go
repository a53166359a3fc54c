package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	TypeAPDURequest  = "apdu_request"
	TypeAPDUResponse = "apdu_response"

	StatusConnected = "connected"

	// StatusNotFound is answered when no tag is connected for the session.
	StatusNotFound = "6A82"
	// StatusNoPreciseDiagnosis is answered when the tag did not respond in time.
	StatusNoPreciseDiagnosis = "6F00"
)

var (
	ErrInvalidEnvelope        = errors.New("session: invalid envelope")
	ErrUnknownMessageType     = errors.New("session: unknown message type")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Envelope is one JSON message exchanged over a duplex channel.
type Envelope struct {
	Type         string `json:"type,omitempty"`
	CommandAPDU  string `json:"command_apdu,omitempty"`
	ResponseAPDU string `json:"response_apdu,omitempty"`
	CallID       string `json:"call_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Role         string `json:"role,omitempty"`
}

func NewAPDURequest(callID, command string) Envelope {
	return Envelope{Type: TypeAPDURequest, CommandAPDU: command, CallID: callID}
}

func NewAPDUResponse(callID, response string) Envelope {
	return Envelope{Type: TypeAPDUResponse, ResponseAPDU: response, CallID: callID}
}

func NewConnected(role string) Envelope {
	return Envelope{Status: StatusConnected, Role: role}
}

func (e Envelope) Validate() error {
	switch e.Type {
	case TypeAPDURequest:
		if strings.TrimSpace(e.CommandAPDU) == "" {
			return fmt.Errorf("%w: missing command_apdu", ErrInvalidEnvelope)
		}
	case TypeAPDUResponse:
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, e.Type)
	}
	return nil
}

// DecodeEnvelope parses and validates one inbound message. A response without
// a payload is read as "6F00".
func DecodeEnvelope(raw []byte, maxBytes int64) (Envelope, error) {
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return Envelope{}, ErrControlMessageTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	env.CallID = strings.TrimSpace(env.CallID)
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if env.Type == TypeAPDUResponse && strings.TrimSpace(env.ResponseAPDU) == "" {
		env.ResponseAPDU = StatusNoPreciseDiagnosis
	}
	return env, nil
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
