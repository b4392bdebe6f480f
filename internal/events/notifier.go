// Package events wakes long-polling requests when tasks are created or
// complete. Notifications carry no data; receivers re-read the store.
package events

import (
	"strings"
	"sync"
)

const (
	createdPrefix   = "task:created:"
	completedPrefix = "task:completed:"
)

// TaskCreated is the topic published when a task of groupKey becomes
// visible. A groupKey ending in '*' subscribes to every group with that prefix.
func TaskCreated(groupKey string) string { return createdPrefix + groupKey }

// TaskCompleted is the topic published when task id reaches a terminal state.
func TaskCompleted(id string) string { return completedPrefix + id }

type Notifier interface {
	Publish(topic string)
	// Subscribe returns a channel that receives a value after each matching
	// publish, and a function releasing the subscription.
	Subscribe(topic string) (<-chan struct{}, func())
}

type subscription struct {
	topic  string
	prefix bool
	ch     chan struct{}
}

func (s *subscription) matches(topic string) bool {
	if s.prefix {
		return strings.HasPrefix(topic, s.topic)
	}
	return s.topic == topic
}

// Local fans notifications out to subscribers of this process.
type Local struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func NewLocal() *Local {
	return &Local{subs: map[*subscription]struct{}{}}
}

func (l *Local) Publish(topic string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for s := range l.subs {
		if !s.matches(topic) {
			continue
		}
		// buffered by one: a pending wake-up already covers this publish
		select {
		case s.ch <- struct{}{}:
		default:
		}
	}
}

func (l *Local) Subscribe(topic string) (<-chan struct{}, func()) {
	s := &subscription{topic: topic, ch: make(chan struct{}, 1)}
	if t, ok := strings.CutSuffix(topic, "*"); ok {
		s.topic = t
		s.prefix = true
	}
	l.mu.Lock()
	l.subs[s] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, s)
			l.mu.Unlock()
		})
	}
}

// Subscribers reports the number of live subscriptions.
func (l *Local) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
