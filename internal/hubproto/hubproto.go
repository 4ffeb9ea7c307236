// Package hubproto is the JSON framing spoken on the realtime hubs.
//
// Every frame is a JSON record terminated by the 0x1E record separator. A
// connection opens with a handshake request from the client and an empty
// handshake response from the server; after that both sides exchange
// invocation, ping and close messages.
package hubproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const RecordSeparator byte = 0x1e

const (
	ProtocolName    = "json"
	ProtocolVersion = 1
)

type MessageType int

const (
	TypeInvocation MessageType = 1
	TypePing       MessageType = 6
	TypeClose      MessageType = 7
)

var ErrIncompleteRecord = errors.New("hubproto: incomplete record")

// HandshakeRequest is the first record a client sends.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse is empty on success.
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// Message covers every post-handshake record. Unused fields are omitted.
type Message struct {
	Type           MessageType       `json:"type"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// Encode marshals v and appends the record separator.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, RecordSeparator), nil
}

// Invocation builds an invocation record for target with the given arguments.
func Invocation(target string, args ...any) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d of %s: %w", i, target, err)
		}
		raw = append(raw, b)
	}
	return Encode(Message{Type: TypeInvocation, Target: target, Arguments: raw})
}

// Ping is the keep-alive record.
func Ping() []byte {
	b, _ := Encode(Message{Type: TypePing})
	return b
}

// Close builds a close record.
func Close(reason string, allowReconnect bool) []byte {
	b, _ := Encode(Message{Type: TypeClose, Error: reason, AllowReconnect: allowReconnect})
	return b
}

// Split cuts a websocket frame into its records. A frame may carry several
// records; a trailing fragment without separator is an error.
func Split(frame []byte) ([][]byte, error) {
	var out [][]byte
	for len(frame) > 0 {
		i := bytes.IndexByte(frame, RecordSeparator)
		if i < 0 {
			return out, ErrIncompleteRecord
		}
		if i > 0 {
			out = append(out, frame[:i])
		}
		frame = frame[i+1:]
	}
	return out, nil
}

// Decode parses one record into a Message.
func Decode(record []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(record, &m); err != nil {
		return Message{}, fmt.Errorf("hubproto: decode: %w", err)
	}
	return m, nil
}
