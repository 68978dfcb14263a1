// Package hub pushes state changes to connected observers over
// websockets. The hub itself is stateless: each topic has a snapshot
// provider that re-derives current state from the queue, store, or
// history on demand.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devflowhq/adw/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Topic names one broadcast stream.
type Topic string

const (
	TopicQueue         Topic = "queue"
	TopicMonitor       Topic = "monitor"
	TopicStatus        Topic = "status"
	TopicRoutes        Topic = "routes"
	TopicHistory       Topic = "history"
	TopicPlans         Topic = "plans"
	TopicWebhookStatus Topic = "webhook-status"
)

// Topics lists every broadcast stream the hub serves.
var Topics = []Topic{
	TopicQueue, TopicMonitor, TopicStatus, TopicRoutes,
	TopicHistory, TopicPlans, TopicWebhookStatus,
}

// Message is the wire format pushed to subscribers. Versions increase
// per topic so subscribers can discard redundant snapshots.
type Message struct {
	Type    string `json:"type"` // snapshot, event
	Topic   Topic  `json:"topic"`
	Data    any    `json:"data"`
	Version uint64 `json:"version"`
}

// SnapshotFunc derives the full current state of a topic.
type SnapshotFunc func(ctx context.Context) (any, error)

// subscriber is one websocket connection pinned to a single topic.
type subscriber struct {
	conn  *websocket.Conn
	topic Topic
	send  chan Message
	done  chan struct{}
	once  sync.Once
}

// Hub fans run events out to topic subscribers.
type Hub struct {
	upgrader  websocket.Upgrader
	publisher events.Publisher
	logger    *slog.Logger

	mu        sync.RWMutex
	snapshots map[Topic]SnapshotFunc
	subs      map[*subscriber]struct{}
	versions  map[Topic]uint64
}

// New creates a hub wired to the publisher.
func New(publisher events.Publisher, logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		publisher: publisher,
		logger:    logger.With("component", "hub"),
		snapshots: make(map[Topic]SnapshotFunc),
		subs:      make(map[*subscriber]struct{}),
		versions:  make(map[Topic]uint64),
	}
}

// SetSnapshot registers the provider consulted when a subscriber
// connects to a topic.
func (h *Hub) SetSnapshot(topic Topic, fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots[topic] = fn
}

// Register mounts one websocket endpoint per topic on mux.
func (h *Hub) Register(mux *http.ServeMux) {
	for _, topic := range Topics {
		mux.HandleFunc("GET /ws/"+string(topic), h.serveTopic(topic))
	}
}

func (h *Hub) serveTopic(topic Topic) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", "topic", string(topic), "error", err)
			return
		}

		sub := &subscriber{
			conn:  conn,
			topic: topic,
			send:  make(chan Message, sendBuffer),
			done:  make(chan struct{}),
		}

		h.mu.Lock()
		h.subs[sub] = struct{}{}
		version := h.versions[topic]
		snapshot := h.snapshots[topic]
		h.mu.Unlock()

		if snapshot != nil {
			data, err := snapshot(r.Context())
			if err != nil {
				h.logger.Error("topic snapshot failed", "topic", string(topic), "error", err)
			} else {
				sub.send <- Message{Type: "snapshot", Topic: topic, Data: data, Version: version}
			}
		}

		go h.readPump(sub)
		go h.writePump(sub)
	}
}

// Run forwards published events to topic subscribers until the context
// ends. Each event may fan out to several topics.
func (h *Hub) Run(ctx context.Context) {
	ch := h.publisher.Subscribe(events.GlobalRunID)
	defer h.publisher.Unsubscribe(events.GlobalRunID, ch)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event, ok := <-ch:
			if !ok {
				h.closeAll()
				return
			}
			for _, topic := range topicsFor(event.Type) {
				h.broadcast(topic, event)
			}
		}
	}
}

// topicsFor maps an event type to the streams that carry it.
func topicsFor(t events.EventType) []Topic {
	switch t {
	case events.EventQueue:
		return []Topic{TopicQueue, TopicMonitor}
	case events.EventPhase, events.EventHeartbeat:
		return []Topic{TopicMonitor}
	case events.EventRunComplete:
		return []Topic{TopicMonitor, TopicStatus, TopicHistory}
	case events.EventError:
		return []Topic{TopicStatus, TopicMonitor}
	case events.EventWebhook:
		return []Topic{TopicWebhookStatus}
	case events.EventResource:
		return []Topic{TopicStatus}
	case events.EventHistory:
		return []Topic{TopicHistory}
	case events.EventPlan:
		return []Topic{TopicPlans}
	default:
		return nil
	}
}

// broadcast delivers an event to every subscriber of the topic. Slow
// subscribers are dropped rather than blocking the hub.
func (h *Hub) broadcast(topic Topic, event events.Event) {
	h.mu.Lock()
	h.versions[topic]++
	version := h.versions[topic]
	targets := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		if sub.topic == topic {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	msg := Message{
		Type:    "event",
		Topic:   topic,
		Data:    map[string]any{"event": string(event.Type), "run_id": event.RunID, "payload": event.Data, "time": event.Time},
		Version: version,
	}

	for _, sub := range targets {
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("dropping slow subscriber", "topic", string(topic))
			h.remove(sub)
		}
	}
}

func (h *Hub) readPump(sub *subscriber) {
	defer h.remove(sub)

	sub.conn.SetReadLimit(maxMessageSize)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "topic", string(sub.topic), "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("marshal hub message", "error", err)
				continue
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	_, exists := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if !exists {
		return
	}
	sub.once.Do(func() { close(sub.done) })
	_ = sub.conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.remove(sub)
	}
}

// SubscriberCount reports connected subscribers for a topic. Used by
// status reporting and tests.
func (h *Hub) SubscriberCount(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for sub := range h.subs {
		if sub.topic == topic {
			n++
		}
	}
	return n
}
