package websocket

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/yanun0323/errors"

	"sitesync/pkg/exception"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is a decoded inbound frame: a JSON object whose "type" field
// selects how the remaining fields are read.
type Envelope struct {
	Type string
	Raw  []byte
}

// Decode unmarshals the whole frame into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return errors.Wrap(err, "decode envelope").With("type", e.Type)
	}
	return nil
}

// Message is one inbound frame as delivered to EventMessage listeners.
type Message struct {
	Type MessageType
	Data []byte
	// Envelope is nil when the frame is not a JSON object.
	Envelope *Envelope
}

// Text returns the raw frame as a string.
func (m Message) Text() string {
	return string(m.Data)
}

type envelopeHeader struct {
	Type string `json:"type"`
}

// DecodeEnvelope reads the type discriminator of a JSON object frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var header envelopeHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return Envelope{}, errors.Wrap(exception.ErrWebSocketProtocol, err.Error())
	}
	return Envelope{Type: header.Type, Raw: data}, nil
}

// Encode serializes an outbound value to the wire format.
func Encode(v any) ([]byte, error) {
	switch data := v.(type) {
	case []byte:
		return data, nil
	case jsoniter.RawMessage:
		return data, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return data, nil
}

func newMessage(msgType MessageType, payload []byte) Message {
	msg := Message{Type: msgType, Data: payload}
	if env, err := DecodeEnvelope(payload); err == nil {
		msg.Envelope = &env
	}
	return msg
}
