package common

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/arenactf/instanced/pkg/types"
)

const (
	EventBusChannel = "instanced:events"
)

// EventEmitter is the publishing half of the event bus
type EventEmitter interface {
	Emit(ctx context.Context, e types.Event)
}

// EventBus publishes instance lifecycle events on redis pub/sub and dispatches
// received events to local handlers. Without redis it dispatches in-process.
type EventBus struct {
	rdb      *RedisClient
	channel  string
	handlers map[types.EventType][]func(types.Event)
	mu       sync.RWMutex
	done     chan struct{}
	stopOnce sync.Once
}

func NewEventBus(rdb *RedisClient, channel string) *EventBus {
	if channel == "" {
		channel = EventBusChannel
	}
	return &EventBus{
		rdb:      rdb,
		channel:  channel,
		handlers: make(map[types.EventType][]func(types.Event)),
		done:     make(chan struct{}),
	}
}

func (eb *EventBus) On(t types.EventType, fn func(types.Event)) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], fn)
	eb.mu.Unlock()
}

func (eb *EventBus) Emit(ctx context.Context, e types.Event) {
	if eb.rdb == nil {
		eb.dispatch(e)
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := eb.rdb.Publish(ctx, eb.channel, data).Err(); err != nil {
		log.Warn().Err(err).Str("event", string(e.Type)).Msg("failed to publish event")
	}
}

func (eb *EventBus) dispatch(e types.Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

// Start blocks, delivering events to handlers until ctx is cancelled or Stop is called
func (eb *EventBus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-eb.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if eb.rdb == nil {
		<-ctx.Done()
		return
	}
	log.Info().Str("channel", eb.channel).Msg("eventbus started")
	eb.listen(ctx)
}

func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() { close(eb.done) })
}

func (eb *EventBus) listen(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		sub := eb.rdb.Subscribe(ctx, eb.channel)
		eb.recv(ctx, sub.Channel())
		sub.Close()
	}
}

func (eb *EventBus) recv(ctx context.Context, msgs <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var e types.Event
			if json.Unmarshal([]byte(msg.Payload), &e) == nil {
				eb.dispatch(e)
			}
		}
	}
}

// NopEmitter discards events
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, types.Event) {}
