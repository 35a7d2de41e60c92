package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/edufocus/classroom_backend/config"
	"github.com/gorilla/websocket"
)

// The hub fans "queue changed" / "submission updated" signals out to
// connected browser clients. Publishing goes through a Redis channel so
// every instance forwards to its own local sockets; when Redis is not
// available the message is broadcast locally only. Delivery is best-effort
// in every case — the grading pipeline never waits on a subscriber.

const redisChannel = "notify:broadcast"

type envelope struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

var (
	hub     *Hub
	hubOnce sync.Once
)

func getHub() *Hub {
	hubOnce.Do(func() {
		hub = &Hub{clients: make(map[*client]struct{})}
		go hub.forwardFromRedis()
	})
	return hub
}

// Publish is fire-and-forget. Marshal or transport failures are swallowed.
func Publish(topic string, eventType string, payload interface{}) {
	h := getHub()
	msg, err := json.Marshal(envelope{
		Topic:   topic,
		Event:   eventType,
		Payload: payload,
		At:      time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		if err := rdb.Publish(context.Background(), redisChannel, msg).Err(); err == nil {
			return
		}
	}
	h.broadcastLocal(msg)
}

func (h *Hub) forwardFromRedis() {
	for {
		rdb := config.GetRedisDB()
		if rdb == nil {
			time.Sleep(time.Second)
			continue
		}
		sub := rdb.Subscribe(context.Background(), redisChannel)
		for m := range sub.Channel() {
			h.broadcastLocal([]byte(m.Payload))
		}
		_ = sub.Close()
		time.Sleep(time.Second)
	}
}

func (h *Hub) broadcastLocal(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow consumer; drop the message rather than block the hub.
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
