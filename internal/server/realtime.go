package server

import (
	"context"
	"sync"
	"time"
)

const (
	// RealtimeEventLandmarkChanged announces table mutations to subscribers.
	RealtimeEventLandmarkChanged = "landmark-change"
	realtimeSourceBackend        = "waymark-backend"
)

// RealtimeMessage tells subscribers of one game table that landmarks changed
// and who changed them, so clients can decide whether to pull a sync delta.
type RealtimeMessage struct {
	Game        string
	Actor       string
	EventType   string
	LandmarkIDs []string
	Timestamp   time.Time
}

// RealtimeDispatcher fans change notifications out to per-game subscribers.
// Slow subscribers drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, game string) (<-chan RealtimeMessage, func()) {
	if game == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(game, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(game, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Game == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Game]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(game string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[game]; !ok {
		d.subscribers[game] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[game][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(game string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[game]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, game)
		}
	}
	d.mu.Unlock()
}
