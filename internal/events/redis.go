package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis fans events out over Redis pub/sub so every API replica sees every
// route's changes.
type Redis struct {
	rdb *redis.Client
	log logrus.FieldLogger

	mu   sync.Mutex
	subs map[chan Event]*redis.PubSub
}

func NewRedis(rdb *redis.Client, log logrus.FieldLogger) *Redis {
	return &Redis{rdb: rdb, log: log, subs: map[chan Event]*redis.PubSub{}}
}

func (b *Redis) Subscribe(routeID string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, channelName(routeID))
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.WithError(err).WithField("route_id", routeID).Warn("redis subscribe")
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		}()
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.log.WithError(err).Warn("decode route event")
				continue
			}
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				select {
				case ch <- evt:
				default:
				}
			}
			b.mu.Unlock()
		}
	}()
	return ch
}

func (b *Redis) Unsubscribe(routeID string, ch chan Event) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	if ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *Redis) Publish(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		b.log.WithError(err).Error("encode route event")
		return
	}
	if err := b.rdb.Publish(ctx, channelName(evt.RouteID), data).Err(); err != nil {
		b.log.WithError(err).WithField("route_id", evt.RouteID).Warn("redis publish")
	}
}

func channelName(routeID string) string { return "route:" + routeID }
