package server

import (
	"context"
	"sync"
	"time"
)

const (
	// EventTicketChanged notifies subscribers that a ticket in their topic
	// was created or mutated.
	EventTicketChanged = "ticket-change"
	eventHeartbeat     = "heartbeat"

	// TopicHeatmap receives an event on every ticket write anywhere in the
	// system, since room open-counts aggregate across rooms.
	TopicHeatmap = "heatmap"
)

// RoomTopic names the live-update topic for one normalized room.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}

// ReporterTopic names the live-update topic for tickets created by one user.
func ReporterTopic(userID string) string {
	return "reporter:" + userID
}

// Event is one realtime notification delivered to topic subscribers.
type Event struct {
	Topic     string
	EventType string
	TicketID  string
	RoomID    string
	Timestamp time.Time
}

// Dispatcher fans ticket events out to per-topic subscriber channels.
// Slow subscribers drop events rather than block publishers; streams are
// change signals, not a durable log.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*topicSubscriber
	nextID      int64
	bufferSize  int
}

type topicSubscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*topicSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener on the topic. Delivery stops and the
// listener slot is released when the context is cancelled or the returned
// cleanup function runs, whichever happens first.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &topicSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(topic, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(topic, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every current subscriber of its topic.
func (d *Dispatcher) Publish(event Event) {
	if event.Topic == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*topicSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(topic string, subscriber *topicSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*topicSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
