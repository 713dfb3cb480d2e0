package events

import (
	"sync"
	"time"

	"github.com/znlabs/zn-vault-agent/pkg/log"
)

// EventType represents the type of event
type EventType string

const (
	EventCertificateDeployed EventType = "certificate.deployed"
	EventSecretDeployed      EventType = "secret.deployed"
	EventKeyRotated          EventType = "key.rotated"
	EventChannelConnected    EventType = "channel.connected"
	EventChannelDisconnected EventType = "channel.disconnected"
	EventAgentStarted        EventType = "agent.started"
	EventAgentStopping       EventType = "agent.stopping"
	EventChildRestarted      EventType = "child.restarted"
	EventChildMaxRestarts    EventType = "child.max_restarts"
)

// Event represents an agent event delivered to plugin sinks
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Handle registers a handler function for the given event types and runs it
// on a dedicated goroutine. A panicking handler is isolated from its peers.
// The returned function cancels the subscription.
func (b *Broker) Handle(fn func(*Event), types ...EventType) func() {
	want := make(map[EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	sub := b.Subscribe()
	done := make(chan struct{})

	go func() {
		for ev := range sub {
			if len(want) > 0 && !want[ev.Type] {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger := log.WithComponent("events")
						logger.Error().
							Interface("panic", r).
							Str("event", string(ev.Type)).
							Msg("event handler panicked")
					}
				}()
				fn(ev)
			}()
		}
		close(done)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.Unsubscribe(sub)
			<-done
		})
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
