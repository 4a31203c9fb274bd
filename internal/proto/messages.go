package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage marks an upstream message that is not valid JSON or
// carries a packet without both name and data. It is recoverable: the
// message is dropped and the channel keeps going.
var ErrMalformedMessage = errors.New("malformed message")

// Packet is one protocol packet. The same value travels as a binary frame
// downstream and as {"name":..,"data":..} upstream.
type Packet struct {
	Name string `json:"name"`
	Data Value  `json:"data"`
}

func (p Packet) Equal(o Packet) bool { return p.Name == o.Name && p.Data.Equal(o.Data) }

// ConnectRequest is sent by the browser to start a relay session. Either
// SessionID names registered credentials, or Username and Token are given
// directly. UUID is the profile id that goes with a direct Token.
type ConnectRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Direct reports whether the request carries its own credentials.
func (c ConnectRequest) Direct() bool { return c.SessionID == "" && c.Username != "" }

// ErrorMessage server -> client only.
type ErrorMessage struct {
	Error string `json:"error"`
}

// MessageKind classifies an upstream message.
type MessageKind int

const (
	KindControl MessageKind = iota
	KindConnect
	KindPacket
)

func (k MessageKind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindPacket:
		return "packet"
	}
	return "control"
}

// Message is a decoded upstream message. Exactly one of Connect or Packet is
// set for the matching kind; control messages carry neither.
type Message struct {
	Kind    MessageKind
	Connect ConnectRequest
	Packet  Packet
}

// envelope captures presence of every field we care about.
type envelope struct {
	Name      json.RawMessage `json:"name"`
	Data      json.RawMessage `json:"data"`
	SessionID json.RawMessage `json:"sessionId"`
	Host      json.RawMessage `json:"host"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// Decode classifies one raw upstream message. Forward-packet messages need
// both name and data; connect requests are recognised by sessionId or host.
// Anything else that is a JSON object is a control message.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	hasName, hasData := present(env.Name), present(env.Data)
	switch {
	case hasName && hasData:
		var name string
		if err := json.Unmarshal(env.Name, &name); err != nil || name == "" {
			return Message{}, fmt.Errorf("%w: name must be a non-empty string", ErrMalformedMessage)
		}
		var data Value
		if err := data.UnmarshalJSON(env.Data); err != nil {
			return Message{}, fmt.Errorf("%w: data: %v", ErrMalformedMessage, err)
		}
		return Message{Kind: KindPacket, Packet: Packet{Name: name, Data: data}}, nil
	case hasName || hasData:
		return Message{}, fmt.Errorf("%w: packet needs both name and data", ErrMalformedMessage)
	case present(env.SessionID) || present(env.Host):
		var req ConnectRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return Message{}, fmt.Errorf("%w: connect request: %v", ErrMalformedMessage, err)
		}
		return Message{Kind: KindConnect, Connect: req}, nil
	}
	return Message{Kind: KindControl}, nil
}
