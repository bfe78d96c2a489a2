// Package protocol defines the master/slave control-channel wire format.
//
// After the TCP connection is established the slave sends its bare name on one
// line. Every following frame in either direction is a JSON-encoded Message.
// Requests carry an ID; the matching reply echoes it with Type "response" or
// "error". An error with an empty ID is addressed to the connection as a whole
// and ends it.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	TypeResponse = "response"
	TypeError    = "error"

	CmdPing        = "ping"
	CmdStatus      = "status"
	CmdListing     = "listing"
	CmdAcquirePort = "port.acquire"
	CmdReleasePort = "port.release"

	MaxNameLength = 64
)

var ErrInvalidName = errors.New("invalid slave name")

type Message struct {
	ID      string          `json:"id,omitempty"`
	Target  string          `json:"target"`
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PortLease is the reply to port.acquire and the payload of port.release.
type PortLease struct {
	Port int `json:"port"`
}

// NewError builds the error envelope sent to a slave before or instead of a reply.
func NewError(target, message string) Message {
	return Message{Target: target, Type: TypeError, Message: message}
}

// Reply builds a response to req carrying payload.
func Reply(req Message, payload any) (Message, error) {
	msg := Message{ID: req.ID, Target: req.Target, Type: TypeResponse}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode %s reply: %w", req.Type, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// ReplyError builds an error reply to req.
func ReplyError(req Message, err error) Message {
	return Message{ID: req.ID, Target: req.Target, Type: TypeError, Message: err.Error()}
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ValidateName checks a slave name read from the wire or supplied by an operator.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, r)
		}
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	}
	return nil
}

// Codec frames messages over one connection. Encode and Decode may be called from
// different goroutines, but each must only be called from one at a time.
type Codec struct {
	r   *bufio.Reader
	dec *json.Decoder

	wmu sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func NewCodec(rw io.ReadWriter) *Codec {
	r := bufio.NewReader(rw)
	return &Codec{
		r:   r,
		dec: json.NewDecoder(r),
		w:   rw,
		enc: json.NewEncoder(rw),
	}
}

// ReadName reads the bare name line that opens a connection.
func (c *Codec) ReadName() (string, error) {
	var sb strings.Builder
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("failed to read slave name: %w", err)
		}
		if b == '\n' {
			break
		}
		if sb.Len() >= MaxNameLength+1 {
			return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
		}
		sb.WriteByte(b)
	}

	name := strings.TrimSuffix(sb.String(), "\r")
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func (c *Codec) WriteName(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := io.WriteString(c.w, name+"\n"); err != nil {
		return fmt.Errorf("failed to send slave name: %w", err)
	}
	return nil
}

func (c *Codec) Encode(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
	}
	return nil
}

func (c *Codec) Decode() (Message, error) {
	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
