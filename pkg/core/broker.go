package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Broker dispatches InternalEvents to subscribers. Each ModuleManager
// owns one; there is no package-level bus.
type Broker struct {
	logger *slog.Logger

	typesMu sync.RWMutex
	types   map[EventTypeName]EventTypeDesc

	subsMu sync.RWMutex
	subs   map[string][]Listener

	inflight sync.WaitGroup
}

func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger: logger,
		types:  make(map[EventTypeName]EventTypeDesc),
		subs:   make(map[string][]Listener),
	}
}

// RegisterEventType lets modules declare an event type they publish.
func (b *Broker) RegisterEventType(desc EventTypeDesc) error {
	b.typesMu.Lock()
	defer b.typesMu.Unlock()

	if _, exists := b.types[desc.Name]; exists {
		return fmt.Errorf("event type %s already registered", desc.Name)
	}
	b.types[desc.Name] = desc
	b.logger.Debug("Registered event type", "name", desc.Name, "description", desc.Description)
	return nil
}

// Subscribe registers a handler for an exact event type or a prefix
// pattern such as "relay_*".
func (b *Broker) Subscribe(pattern string, handler Listener) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.subs[pattern] = append(b.subs[pattern], handler)
	b.logger.Debug("Subscribed to pattern", "pattern", pattern)
}

// Publish sends an event to all matching subscribers. Handlers run on
// their own goroutines; Wait joins them.
func (b *Broker) Publish(ctx context.Context, event InternalEvent) {
	if ctx == nil {
		ctx = context.Background()
	}
	event.Timestamp = time.Now()

	b.typesMu.RLock()
	desc, ok := b.types[event.Type]
	b.typesMu.RUnlock()
	if ok {
		for field, spec := range desc.PayloadSpec {
			if spec.Required {
				if _, has := event.Details[field]; !has {
					b.logger.Warn("Published event missing required field", "type", event.Type, "field", field)
				}
			}
		}
	}

	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	for pattern, listeners := range b.subs {
		if !matchesPattern(string(event.Type), pattern) {
			continue
		}
		for _, listener := range listeners {
			b.inflight.Add(1)
			go func(l Listener) {
				defer b.inflight.Done()
				l(ctx, event)
			}(listener)
		}
	}
}

// Wait blocks until every dispatched handler has returned.
func (b *Broker) Wait() {
	b.inflight.Wait()
}

// matchesPattern: "relay_*" matches "relay_shutdown".
func matchesPattern(eventType, pattern string) bool {
	if pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(eventType, prefix)
	}
	return false
}
