// Package message defines the envelope exchanged over the bus.
//
// Every message on the wire — RPC request, RPC response, or event — is a
// Message. The envelope gets serialized by the codec layer and handed to a
// transport as an opaque byte slice addressed to a topic.
//
//   - Requests and responses carry a correlation id linking the pair.
//   - Events carry no correlation id; they are fire-and-forget broadcasts.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three message shapes on the bus.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// ErrInvalidMessage is returned when a decoded envelope is missing
// required fields. Use errors.Is to test for it.
var ErrInvalidMessage = errors.New("invalid message")

// Message is the wire envelope for a single bus exchange.
//
//   - On request:  CorrelationID is set, Payload contains the serialized args.
//   - On response: CorrelationID echoes the request, Payload contains the
//     result; Error is non-empty if the remote handler failed.
//   - On event:    CorrelationID is empty, Payload contains the event body.
type Message struct {
	Kind          Kind      `json:"kind"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Api           string    `json:"api"`
	Name          string    `json:"name"` // procedure or event name
	Payload       []byte    `json:"payload,omitempty"`
	Error         string    `json:"error,omitempty"` // responses only
	Timestamp     time.Time `json:"timestamp"`
}

// NewRequest builds a request envelope with a fresh correlation id.
func NewRequest(api, procedure string, payload []byte) *Message {
	return &Message{
		Kind:          KindRequest,
		CorrelationID: uuid.NewString(),
		Api:           api,
		Name:          procedure,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// NewResponse builds a success response for the given request,
// echoing its correlation id, api and name.
func NewResponse(req *Message, payload []byte) *Message {
	return &Message{
		Kind:          KindResponse,
		CorrelationID: req.CorrelationID,
		Api:           req.Api,
		Name:          req.Name,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// NewErrorResponse builds a failure response carrying the remote error text.
func NewErrorResponse(req *Message, errText string) *Message {
	return &Message{
		Kind:          KindResponse,
		CorrelationID: req.CorrelationID,
		Api:           req.Api,
		Name:          req.Name,
		Error:         errText,
		Timestamp:     time.Now().UTC(),
	}
}

// NewEvent builds an event envelope. Events never carry a correlation id.
func NewEvent(api, event string, payload []byte) *Message {
	return &Message{
		Kind:      KindEvent,
		Api:       api,
		Name:      event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// CanonicalName returns "<api>.<name>", e.g. "example.hello_world".
func (m *Message) CanonicalName() string {
	return m.Api + "." + m.Name
}

// Validate checks the envelope invariants after decoding.
// Requests and responses must carry a correlation id; events must not.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindRequest, KindResponse, KindEvent:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	if m.Api == "" {
		return fmt.Errorf("%w: empty api name", ErrInvalidMessage)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: empty procedure/event name", ErrInvalidMessage)
	}
	if m.Kind == KindEvent {
		if m.CorrelationID != "" {
			return fmt.Errorf("%w: event %s carries a correlation id", ErrInvalidMessage, m.CanonicalName())
		}
		return nil
	}
	if m.CorrelationID == "" {
		return fmt.Errorf("%w: %s %s has no correlation id", ErrInvalidMessage, m.Kind, m.CanonicalName())
	}
	return nil
}
