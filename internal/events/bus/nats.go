package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/agentcore/core/internal/common/logger"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus backs the same Bus contract with a real NATS connection, so a
// second local process (or an external diagnostics tool) can observe the
// same event stream. Subject wildcards map directly onto topic patterns:
// NATS "*"/">" have identical semantics to Memory's pattern matching.
type NATSBus struct {
	conn        *nats.Conn
	log         *logger.Logger
	queueDepth  int
	bufferDepth int

	mu      sync.Mutex
	buffers map[Topic][]*Event
}

// DialNATS connects to url and returns a Bus backed by it.
func DialNATS(url string, queueDepth, bufferDepth int, log *logger.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(10))
	if err != nil {
		return nil, err
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if bufferDepth <= 0 {
		bufferDepth = 200
	}
	return &NATSBus{
		conn:        conn,
		log:         log,
		queueDepth:  queueDepth,
		bufferDepth: bufferDepth,
		buffers:     make(map[Topic][]*Event),
	}, nil
}

func (n *NATSBus) Publish(topic Topic, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.log.Error("marshal event for nats publish", zap.Error(err))
		return
	}

	n.mu.Lock()
	buf := append(n.buffers[topic], event)
	if len(buf) > n.bufferDepth {
		buf = buf[len(buf)-n.bufferDepth:]
	}
	n.buffers[topic] = buf
	n.mu.Unlock()

	if err := n.conn.Publish(string(topic), payload); err != nil {
		n.log.Error("nats publish failed", zap.String("topic", string(topic)), zap.Error(err))
	}
}

type natsSub struct {
	sub     *nats.Subscription
	ch      chan *Event
	dropped uint64
	once    sync.Once
}

func (s *natsSub) Events() <-chan *Event { return s.ch }
func (s *natsSub) Dropped() uint64       { return atomic.LoadUint64(&s.dropped) }
func (s *natsSub) Unsubscribe() {
	s.once.Do(func() {
		_ = s.sub.Unsubscribe()
		close(s.ch)
	})
}

// Subscribe maps pattern (worker.*, task.>, ...) directly onto a NATS
// wildcard subscription and replays this process's own rolling buffer for
// topics the pattern matches, since NATS itself does not retain history.
func (n *NATSBus) Subscribe(pattern string) Subscription {
	natsPattern := natsifyPattern(pattern)
	s := &natsSub{ch: make(chan *Event, n.queueDepth)}

	sub, err := n.conn.Subscribe(natsPattern, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			n.log.Warn("dropping malformed nats event", zap.Error(err))
			return
		}
		select {
		case s.ch <- &event:
		default:
			select {
			case <-s.ch:
				atomic.AddUint64(&s.dropped, 1)
			default:
			}
			select {
			case s.ch <- &event:
			default:
			}
		}
	})
	if err != nil {
		n.log.Error("nats subscribe failed", zap.String("pattern", pattern), zap.Error(err))
		close(s.ch)
		return s
	}
	s.sub = sub

	n.mu.Lock()
	var replay []*Event
	for topic, buf := range n.buffers {
		if matchesTopic(string(topic), pattern, compileTopicPattern(pattern)) {
			replay = append(replay, buf...)
		}
	}
	n.mu.Unlock()
	for _, e := range replay {
		select {
		case s.ch <- e:
		default:
		}
	}

	return s
}

// Close closes the NATS connection. It does not close the Events channels
// of subscriptions made through this bus; those close on Unsubscribe.
func (n *NATSBus) Close() {
	n.conn.Close()
}

// natsifyPattern maps our "worker.*" / "skill.>" convention onto NATS
// subject wildcards, which already use the same tokens, so this is the
// identity function today; it exists as the single seam if the two
// conventions ever diverge.
func natsifyPattern(pattern string) string {
	return pattern
}
