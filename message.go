package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Kind tags a job payload and selects its handler.
type Kind string

const (
	KindSendSignInEmail Kind = "send_sign_in_email"
	KindKeepAlive       Kind = "keep_alive"
)

// Payload is one variant of a job message.
type Payload interface {
	Kind() Kind
}

type validator interface {
	Validate() error
}

type SendSignInEmail struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Code  string `json:"code"`
}

func (SendSignInEmail) Kind() Kind { return KindSendSignInEmail }

func (s SendSignInEmail) Validate() error {
	if s.Email == "" {
		return errors.New("email cant be empty")
	}
	if s.Code == "" {
		return errors.New("code cant be empty")
	}
	return nil
}

// KeepAlive is pushed by workers with nothing to do, so an idle deployment still
// exercises the whole push, claim and resolve path.
type KeepAlive struct {
	Nonce string `json:"nonce"`
}

func (KeepAlive) Kind() Kind { return KindKeepAlive }

// UnknownPayload holds a message whose kind this process does not know.
// It encodes back to exactly what was read.
type UnknownPayload struct {
	Type Kind
	Data json.RawMessage
}

func (u UnknownPayload) Kind() Kind { return u.Type }

// Message is the envelope stored with every job.
type Message struct {
	Payload Payload
}

func NewMessage(p Payload) Message {
	return Message{Payload: p}
}

func (m Message) Kind() Kind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

func (m Message) isValidMessage() error {
	if m.Payload == nil {
		return fmt.Errorf("%w: payload cant be empty", ErrInvalidMessage)
	}
	if m.Payload.Kind() == "" {
		return fmt.Errorf("%w: kind cant be empty", ErrInvalidMessage)
	}
	if v, ok := m.Payload.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Payload.Kind(), err)
		}
	}
	return nil
}

type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("%w: payload cant be empty", ErrInvalidMessage)
	}

	if u, ok := m.Payload.(UnknownPayload); ok {
		return json.Marshal(envelope{Type: u.Type, Data: u.Data})
	}

	data, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.Payload.Kind(), Data: data})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	if env.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	decode, ok := lookupPayload(env.Type)
	if !ok {
		m.Payload = UnknownPayload{Type: env.Type, Data: env.Data}
		return nil
	}

	p, err := decode(env.Data)
	if err != nil {
		return fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	m.Payload = p
	return nil
}

type payloadDecoder func(data json.RawMessage) (Payload, error)

var (
	payloadsMu sync.RWMutex
	payloads   = map[Kind]payloadDecoder{}
)

func init() {
	RegisterPayload[SendSignInEmail]()
	RegisterPayload[KeepAlive]()
}

// RegisterPayload makes a payload type decodable from storage.
// P must report its kind from its zero value.
func RegisterPayload[P Payload]() {
	var zero P
	kind := zero.Kind()

	payloadsMu.Lock()
	defer payloadsMu.Unlock()
	payloads[kind] = func(data json.RawMessage) (Payload, error) {
		var p P
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
}

func lookupPayload(kind Kind) (payloadDecoder, bool) {
	payloadsMu.RLock()
	defer payloadsMu.RUnlock()
	decode, ok := payloads[kind]
	return decode, ok
}
