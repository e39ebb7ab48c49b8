// Package notify carries sync notifications from the engine to the UI layer.
//
// The engine publishes Events on a Bus; sinks such as the WebSocket Hub and
// the Kafka publisher subscribe to it.
package notify

import (
	"sync"
	"time"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
)

// EventType names a notification.
type EventType string

const (
	EventRecordEnqueued      EventType = "record.enqueued"
	EventRecordUpdated       EventType = "record.updated"
	EventSyncStarted         EventType = "sync.started"
	EventSyncCompleted       EventType = "sync.completed"
	EventConnectivityOnline  EventType = "connectivity.online"
	EventConnectivityOffline EventType = "connectivity.offline"
)

// Event is one notification. Owner is empty for process-wide events.
type Event struct {
	Type      EventType              `json:"type"`
	Owner     string                 `json:"owner,omitempty"`
	LocalID   string                 `json:"local_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"` // unix millis
}

// Handler receives events.
type Handler func(Event)

// Publisher accepts events.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers synchronously, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	now    func() time.Time
}

type subscription struct {
	id int
	h  Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish stamps e and delivers it to every subscriber. A panicking
// subscriber is logged and skipped.
func (b *Bus) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = b.now().UnixMilli()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.h, e)
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Event subscriber panicked",
				map[string]interface{}{"event": e.Type, "panic": r, "code": apperrors.ErrNotificationDropped})
		}
	}()
	h(e)
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
