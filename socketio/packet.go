package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Engine.IO v4 packet types.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineUpgrade = '5'
	engineNoop    = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message.
const (
	packetConnect      = '0'
	packetDisconnect   = '1'
	packetEvent        = '2'
	packetAck          = '3'
	packetConnectError = '4'
	packetBinaryEvent  = '5'
	packetBinaryAck    = '6'
)

var errEmptyPacket = errors.New("empty packet")

type openPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

type packet struct {
	Type      byte
	Namespace string
	AckID     int
	Data      json.RawMessage
}

// decodePacket parses a Socket.IO packet with the leading Engine.IO message
// byte already stripped.
func decodePacket(s string) (packet, error) {
	if s == "" {
		return packet{}, errEmptyPacket
	}
	p := packet{Type: s[0], Namespace: "/", AckID: -1}
	rest := s[1:]

	if p.Type == packetBinaryEvent || p.Type == packetBinaryAck {
		return p, fmt.Errorf("binary packets are not supported")
	}

	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = rest
			return p, nil
		}
		p.Namespace = rest[:end]
		rest = rest[end+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(rest[:i])
		if err != nil {
			return p, fmt.Errorf("invalid ack id: %w", err)
		}
		p.AckID = id
		rest = rest[i:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return p, fmt.Errorf("invalid packet payload: %q", rest)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// encodeEvent builds the Engine.IO message frame for an event on the default namespace.
func encodeEvent(event string, args ...any) (string, error) {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, event)
	parts = append(parts, args...)
	b, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to encode event %s: %w", event, err)
	}
	return string([]byte{engineMessage, packetEvent}) + string(b), nil
}

// splitEvent returns the event name and its first argument.
func splitEvent(data json.RawMessage) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("invalid event payload: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, errors.New("event payload has no name")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("invalid event name: %w", err)
	}
	if len(parts) < 2 {
		return name, nil, nil
	}
	return name, parts[1], nil
}
