package bus

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentcore/core/internal/common/logger"
	"go.uber.org/zap"
)

// Memory is the default in-process Bus: per-subscriber bounded queues with
// drop-oldest backpressure, and a rolling buffer per exact topic for late
// subscribers. Unlike a plain pub/sub fan-out, a slow or dead subscriber
// never blocks Publish and never blocks other subscribers.
type Memory struct {
	mu            sync.RWMutex
	subscriptions map[*memorySub]struct{}
	buffers       map[Topic][]*Event
	bufferDepth   int
	queueDepth    int
	log           *logger.Logger
	closed        bool
}

// NewMemory creates a Memory bus. queueDepth bounds each subscriber's
// channel; bufferDepth bounds the rolling replay buffer kept per topic.
func NewMemory(queueDepth, bufferDepth int, log *logger.Logger) *Memory {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if bufferDepth <= 0 {
		bufferDepth = 200
	}
	return &Memory{
		subscriptions: make(map[*memorySub]struct{}),
		buffers:       make(map[Topic][]*Event),
		bufferDepth:   bufferDepth,
		queueDepth:    queueDepth,
		log:           log,
	}
}

type memorySub struct {
	bus     *Memory
	pattern string
	regex   *regexp.Regexp
	ch      chan *Event
	dropped uint64
	once    sync.Once
}

func (s *memorySub) Events() <-chan *Event { return s.ch }
func (s *memorySub) Dropped() uint64       { return atomic.LoadUint64(&s.dropped) }

func (s *memorySub) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscriptions, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Publish delivers event to every subscriber whose pattern matches topic. A
// subscriber whose queue is full has its oldest buffered event dropped (and
// its counter incremented) rather than stalling the publisher.
func (b *Memory) Publish(topic Topic, event *Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	buf := append(b.buffers[topic], event)
	if len(buf) > b.bufferDepth {
		buf = buf[len(buf)-b.bufferDepth:]
	}
	b.buffers[topic] = buf

	subs := make([]*memorySub, 0, len(b.subscriptions))
	for s := range b.subscriptions {
		if matchesTopic(string(topic), s.pattern, s.regex) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		default:
			// Queue full: drop the oldest buffered event for this
			// subscriber, then retry once.
			select {
			case <-s.ch:
				atomic.AddUint64(&s.dropped, 1)
			default:
			}
			select {
			case s.ch <- event:
			default:
			}
		}
	}
	if b.log != nil {
		b.log.Debug("event published",
			zap.String("topic", string(topic)),
			zap.String("event_id", event.ID),
			zap.Int("subscribers", len(subs)),
		)
	}
}

// Subscribe registers pattern and replays the buffered tail of every topic it
// currently matches, so a late subscriber still sees recent history.
func (b *Memory) Subscribe(pattern string) Subscription {
	s := &memorySub{
		bus:     b,
		pattern: pattern,
		regex:   compileTopicPattern(pattern),
		ch:      make(chan *Event, b.queueDepth),
	}

	b.mu.Lock()
	b.subscriptions[s] = struct{}{}
	var replay []*Event
	for topic, buf := range b.buffers {
		if matchesTopic(string(topic), pattern, s.regex) {
			replay = append(replay, buf...)
		}
	}
	b.mu.Unlock()

	for _, e := range replay {
		select {
		case s.ch <- e:
		default:
		}
	}
	return s
}

// Close shuts down the bus and every live subscription.
func (b *Memory) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*memorySub, 0, len(b.subscriptions))
	for s := range b.subscriptions {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

func matchesTopic(topic, pattern string, regex *regexp.Regexp) bool {
	if !strings.ContainsAny(pattern, "*>") {
		return topic == pattern
	}
	if regex == nil {
		return false
	}
	return regex.MatchString(topic)
}

// compileTopicPattern turns a NATS-style subject pattern ("*" = one token,
// ">" = one-or-more trailing tokens) into an anchored regex.
func compileTopicPattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
