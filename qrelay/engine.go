package qrelay

import (
	"encoding/json"
	"fmt"
)

// Control message types understood by the game engine worker.
const (
	TypeInit    = "init"
	TypeExecute = "execute"
	TypeNet     = "net"
)

// ControlMessage is one message on the engine's control channel. On the
// wire each is a JSON array whose first element is the type.
type ControlMessage interface {
	GetType() string
}

// InitMessage carries the engine's startup arguments.
type InitMessage struct {
	Args []string
}

func (m InitMessage) GetType() string { return TypeInit }

func (m InitMessage) MarshalJSON() ([]byte, error) {
	args := m.Args
	if args == nil {
		args = []string{}
	}
	return json.Marshal([]interface{}{TypeInit, args})
}

// ExecuteMessage runs one console command.
type ExecuteMessage struct {
	Command string
}

func (m ExecuteMessage) GetType() string { return TypeExecute }

func (m ExecuteMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{TypeExecute, m.Command})
}

// NetMeta describes where a relayed datagram came from.
type NetMeta struct {
	Port      int    `json:"port"`
	Address   string `json:"address"`
	From      int    `json:"from"`
	WebSocket bool   `json:"websocket"`
}

// NetMessage hands one inbound datagram to the engine. Payload is base64
// in JSON.
type NetMessage struct {
	Payload []byte
	Meta    NetMeta
}

func (m NetMessage) GetType() string { return TypeNet }

func (m NetMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{TypeNet, m.Payload, m.Meta})
}

// ParseControlMessage decodes a JSON control message.
func ParseControlMessage(data []byte) (ControlMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("failed to parse control message: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty control message")
	}
	var typ string
	if err := json.Unmarshal(parts[0], &typ); err != nil {
		return nil, fmt.Errorf("failed to parse control message type: %w", err)
	}

	switch typ {
	case TypeInit:
		msg := InitMessage{}
		if len(parts) > 1 && string(parts[1]) != "null" {
			if err := json.Unmarshal(parts[1], &msg.Args); err != nil {
				return nil, fmt.Errorf("invalid init args: %w", err)
			}
		}
		return msg, nil
	case TypeExecute:
		if len(parts) < 2 {
			return nil, fmt.Errorf("execute message without command")
		}
		msg := ExecuteMessage{}
		if err := json.Unmarshal(parts[1], &msg.Command); err != nil {
			return nil, fmt.Errorf("invalid execute command: %w", err)
		}
		return msg, nil
	case TypeNet:
		if len(parts) < 2 {
			return nil, fmt.Errorf("net message without payload")
		}
		msg := NetMessage{}
		if err := json.Unmarshal(parts[1], &msg.Payload); err != nil {
			return nil, fmt.Errorf("invalid net payload: %w", err)
		}
		if len(parts) > 2 {
			if err := json.Unmarshal(parts[2], &msg.Meta); err != nil {
				return nil, fmt.Errorf("invalid net meta: %w", err)
			}
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown control message type: %s", typ)
	}
}

// NetSink receives every datagram the relay delivers to a session.
type NetSink interface {
	Deliver(msg NetMessage)
}

// ChannelSink delivers to a buffered channel, dropping when it is full.
type ChannelSink chan NetMessage

func (c ChannelSink) Deliver(msg NetMessage) {
	select {
	case c <- msg:
	default:
	}
}
