package core

import (
	"encoding/json"
	"fmt"
	"io"
)

// Event is the envelope of every frame exchanged over the connection.
// Name selects the schema of Data.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Name: %s, Data.Size: %d}", e.Name, len(e.Data))
}

// NewEvent marshals payload into a new event.
func NewEvent(name string, payload interface{}) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return &Event{Name: name, Data: b}, nil
}

// Decode unmarshals the event data into v.
func (e *Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty data", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Name, err)
	}
	return nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// Handler receives inbound events for the names it is subscribed to.
// Implementations must be comparable (typically pointers) because the
// registry deduplicates on handler identity.
type Handler interface {
	HandleEvent(e *Event)
}

type funcHandler struct {
	f func(*Event)
}

func (h *funcHandler) HandleEvent(e *Event) {
	h.f(e)
}

// HandlerFunc wraps f in a Handler with its own identity. Keep the returned
// value to unsubscribe it later or to make repeated subscriptions no-ops.
func HandlerFunc(f func(*Event)) Handler {
	return &funcHandler{f: f}
}
