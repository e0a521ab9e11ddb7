package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink receives published envelopes. A sink returning an error or panicking never
// propagates back into the engine call that triggered the event.
type Sink func(Envelope) error

// Bus is the in-process fanout. Publish is synchronous per sink so ordering is
// preserved for a single publisher; slow sinks belong behind their own queue.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a sink for all subsequent events.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish fills in envelope defaults and fans out to every sink, recovering
// panics and logging errors.
func (b *Bus) Publish(envelope Envelope) {
	if b == nil {
		return
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	if err := envelope.ValidateBasic(); err != nil {
		log.Printf("[EVENTS] dropping invalid envelope: %v", err)
		return
	}
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()
	for _, s := range sinks {
		deliver(s, envelope)
	}
	recordPublished(envelope.EventType)
}

func deliver(s Sink, envelope Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[EVENTS] sink panic on %s: %v", envelope.EventType, r)
			recordSinkError(envelope.EventType)
		}
	}()
	if err := s(envelope); err != nil {
		log.Printf("[EVENTS] sink error on %s: %v", envelope.EventType, err)
		recordSinkError(envelope.EventType)
	}
}
