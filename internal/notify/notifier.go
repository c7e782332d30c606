// Package notify provides an in-process bus for batch lifecycle notifications.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind represents the type of notification.
type Kind int

const (
	BatchFinalized Kind = iota
	BatchUploaded
	BatchFailed
	BatchDiscarded
)

func (k Kind) String() string {
	switch k {
	case BatchFinalized:
		return "finalized"
	case BatchUploaded:
		return "uploaded"
	case BatchFailed:
		return "failed"
	case BatchDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Notification describes a change in a batch file's lifecycle.
type Notification struct {
	Kind        Kind
	Path        string
	AnonymousID string
	SizeBytes   int64
	StatusCode  int
	Timestamp   time.Time
}

// Notifier is a pub/sub bus. Publish never blocks.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
	dropped     atomic.Int64
}

// NewNotifier creates a notifier whose subscriber channels hold bufferSize
// notifications.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Notifier{bufferSize: bufferSize}
}

// Publish sends a notification to all matching subscribers. If a
// subscriber's channel is full, the notification is dropped for it.
func (n *Notifier) Publish(notif Notification) {
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now()
	}
	n.subscribers.Range(func(_, value any) bool {
		sub := value.(*Subscriber)
		if !sub.accepts(notif.Kind) {
			return true
		}
		select {
		case sub.Ch <- notif:
		default:
			n.dropped.Add(1)
		}
		return true
	})
}

// Subscribe registers a subscriber. With no kinds it receives everything.
func (n *Notifier) Subscribe(id string, kinds ...Kind) *Subscriber {
	sub := &Subscriber{
		ID:    id,
		Kinds: kinds,
		Ch:    make(chan Notification, n.bufferSize),
	}
	if old, loaded := n.subscribers.Swap(id, sub); loaded {
		close(old.(*Subscriber).Ch)
	}
	return sub
}

// SubscribeAutoID registers a subscriber under a generated id.
func (n *Notifier) SubscribeAutoID(kinds ...Kind) *Subscriber {
	return n.Subscribe("sub_"+uuid.NewString(), kinds...)
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	if value, ok := n.subscribers.LoadAndDelete(id); ok {
		close(value.(*Subscriber).Ch)
	}
}

// Close removes every subscriber.
func (n *Notifier) Close() {
	n.subscribers.Range(func(key, _ any) bool {
		n.Unsubscribe(key.(string))
		return true
	})
}

// Dropped returns how many deliveries were skipped because a subscriber
// was not keeping up.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Subscriber receives notifications on Ch.
type Subscriber struct {
	ID    string
	Kinds []Kind
	Ch    chan Notification
}

func (s *Subscriber) accepts(k Kind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, want := range s.Kinds {
		if want == k {
			return true
		}
	}
	return false
}
