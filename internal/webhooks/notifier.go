package webhooks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shiftroute/internal/events"
)

const maxQueued = 1000

// delivery is one queued webhook POST.
type delivery struct {
	ID        string
	EventType string
	Payload   []byte
	Attempts  int
	NextAt    time.Time
}

type Options struct {
	URL         string
	Secret      string
	MaxAttempts int
	Logger      logrus.FieldLogger
}

// Notifier forwards route events to a single configured endpoint. Publish
// only enqueues; Run delivers in the background with retries.
type Notifier struct {
	url         string
	secret      string
	maxAttempts int
	log         logrus.FieldLogger

	worker *Worker

	mu    sync.Mutex
	queue []*delivery
	now   func() time.Time
}

func NewNotifier(o Options) *Notifier {
	n := &Notifier{url: o.URL, secret: o.Secret, maxAttempts: o.MaxAttempts, log: o.Logger, now: time.Now}
	if n.maxAttempts <= 0 {
		n.maxAttempts = 10
	}
	if n.log == nil {
		n.log = logrus.StandardLogger()
	}
	n.worker = newWorker(n)
	return n
}

// Publish enqueues evt for delivery. When the queue is full the oldest
// undelivered event is dropped.
func (n *Notifier) Publish(evt events.Event) {
	payload := map[string]any{
		"id":       evt.ID,
		"type":     evt.Type,
		"routeId":  evt.RouteID,
		"driverId": evt.DriverID,
		"ts":       evt.At.UTC().Format(time.RFC3339),
		"data":     evt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.WithError(err).WithField("event_type", evt.Type).Error("encode webhook payload")
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) >= maxQueued {
		dropped := n.queue[0]
		n.queue = n.queue[1:]
		n.log.WithFields(logrus.Fields{"event_id": dropped.ID, "event_type": dropped.EventType}).Warn("webhook queue full, dropping oldest event")
	}
	n.queue = append(n.queue, &delivery{ID: evt.ID, EventType: evt.Type, Payload: body, NextAt: n.now()})
}

// due removes and returns up to limit deliveries whose retry time has come.
func (n *Notifier) due(limit int) []*delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	var out []*delivery
	rest := n.queue[:0]
	for _, d := range n.queue {
		if len(out) < limit && !d.NextAt.After(now) {
			out = append(out, d)
			continue
		}
		rest = append(rest, d)
	}
	n.queue = rest
	return out
}

func (n *Notifier) requeue(d *delivery) {
	n.mu.Lock()
	n.queue = append(n.queue, d)
	n.mu.Unlock()
}

// Pending reports how many deliveries are waiting.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Run delivers queued events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) { n.worker.run(ctx) }
