package discord

import (
	"context"
	"sync"
	"time"

	"github.com/ptvtracker-eta/internal/common/logger"
)

const sendTimeout = 10 * time.Second

// Transition is one reachability change of a feed.
type Transition struct {
	Feed string
	From string
	To   string
	At   time.Time
}

// Notifier posts reachability transitions to the webhook from its own
// goroutine so the caller never waits on the network. When the queue is full
// the transition is dropped and logged.
type Notifier struct {
	client *Client
	logger logger.Logger
	queue  chan Transition
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewNotifier(client *Client, log logger.Logger, buffer int) *Notifier {
	if log == nil {
		log = logger.Nop()
	}
	if buffer <= 0 {
		buffer = 16
	}
	n := &Notifier{
		client: client,
		logger: log,
		queue:  make(chan Transition, buffer),
		done:   make(chan struct{}),
	}
	go n.loop()
	return n
}

// Notify queues a transition. It never blocks and is a no-op after Close.
func (n *Notifier) Notify(t Transition) {
	if t.At.IsZero() {
		t.At = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	select {
	case n.queue <- t:
	default:
		n.logger.Warn("Dropping state notification, queue full", "feed", t.Feed, "to", t.To)
	}
}

// Close stops accepting transitions and waits for queued ones to be sent.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	<-n.done
}

func (n *Notifier) loop() {
	defer close(n.done)
	for t := range n.queue {
		n.send(t)
	}
}

func (n *Notifier) send(t Transition) {
	level := "WARN"
	if t.To == "ONLINE" {
		level = "INFO"
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	err := n.client.SendLogMessage(ctx, level, "Feed "+t.Feed+" is "+t.To, map[string]interface{}{
		"feed":  t.Feed,
		"from":  t.From,
		"to":    t.To,
		"since": t.At.Format(time.RFC3339),
	})
	if err != nil {
		n.logger.Error("Failed to send state notification", "feed", t.Feed, "error", err)
	}
}
