package messenger

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Payload is a message body that names its own wire type.
type Payload interface {
	PayloadType() string
}

// Envelope is the unit exchanged between nodes.
type Envelope struct {
	From        string `msgpack:"from"`
	To          string `msgpack:"to,omitempty"`
	TaskName    string `msgpack:"task"`
	PayloadType string `msgpack:"type,omitempty"`
	Payload     []byte `msgpack:"payload,omitempty"`
	// AckID obliges the receiver to answer with an ack envelope carrying the
	// same id.
	AckID string `msgpack:"ack_id,omitempty"`
	IsAck bool   `msgpack:"is_ack,omitempty"`
}

// MarshalEnvelope encodes env for a transport.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes bytes received from a transport.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Codec maps payload type names to factories. Decoding never inspects Go
// types at runtime; unknown type names are rejected.
type Codec struct {
	mu        sync.RWMutex
	factories map[string]func() Payload
}

// NewCodec returns an empty codec table.
func NewCodec() *Codec {
	return &Codec{factories: make(map[string]func() Payload)}
}

// Register adds a payload type. factory must return a fresh pointer each call.
func (c *Codec) Register(factory func() Payload) {
	name := factory().PayloadType()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = factory
}

// Encode serializes p and returns its type discriminator.
func (c *Codec) Encode(p Payload) (string, []byte, error) {
	if p == nil {
		return "", nil, nil
	}
	name := p.PayloadType()
	c.mu.RLock()
	_, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("payload type %q is not registered", name)
	}
	data, err := msgpack.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode payload %s: %w", name, err)
	}
	return name, data, nil
}

// Decode rebuilds a payload from its discriminator and bytes.
func (c *Codec) Decode(name string, data []byte) (Payload, error) {
	if name == "" {
		return nil, nil
	}
	c.mu.RLock()
	factory, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("payload type %q is not registered", name)
	}
	p := factory()
	if err := msgpack.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", name, err)
	}
	return p, nil
}
