// Package stream implements the push-channel hub exposed at /ws by both
// services. Subscribers join named channels; publishing never blocks the
// caller, and slow subscribers lose messages instead of stalling the system.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Channel names.
const (
	ChannelStatusUpdate   = "StatusUpdate"
	ChannelMetricsUpdate  = "MetricsUpdate"
	ChannelEventLog       = "EventLog"
	ChannelPositionUpdate = "PositionUpdate"
)

// subscriberBufferSize bounds each subscriber's send queue.
const subscriberBufferSize = 100

// writeTimeout bounds a single websocket frame write.
const writeTimeout = 5 * time.Second

// Message is the frame delivered to subscribers.
type Message struct {
	Channel   string      `json:"channel"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type subscriber struct {
	id       string
	channels map[string]bool // nil means all channels
	send     chan Message
}

// Hub fans messages out to websocket subscribers grouped by channel name.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]*subscriber
	throttle map[string]time.Duration
	lastSent map[string]time.Time
	known    map[string]bool
	log      zerolog.Logger
}

// NewHub creates a hub serving the given channel names.
func NewHub(log zerolog.Logger, channels ...string) *Hub {
	known := make(map[string]bool, len(channels))
	for _, c := range channels {
		known[c] = true
	}
	return &Hub{
		subs:     make(map[string]*subscriber),
		throttle: make(map[string]time.Duration),
		lastSent: make(map[string]time.Time),
		known:    known,
		log:      log.With().Str("component", "stream_hub").Logger(),
	}
}

// SetThrottle enforces a minimum interval between publishes on a channel.
// Messages arriving faster are dropped.
func (h *Hub) SetThrottle(channel string, min time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.throttle[channel] = min
}

// Publish delivers data to every subscriber of the channel.
func (h *Hub) Publish(channel string, data interface{}) {
	msg := Message{
		Channel:   channel,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	h.mu.Lock()
	if min, ok := h.throttle[channel]; ok && min > 0 {
		if time.Since(h.lastSent[channel]) < min {
			h.mu.Unlock()
			return
		}
		h.lastSent[channel] = time.Now()
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.channels != nil && !sub.channels[channel] {
			continue
		}
		select {
		case sub.send <- msg:
		default:
			h.log.Warn().
				Str("channel", channel).
				Str("subscriber", sub.id).
				Msg("Subscriber queue full, dropping message")
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) subscribe(channels []string) *subscriber {
	sub := &subscriber{
		id:   uuid.New().String(),
		send: make(chan Message, subscriberBufferSize),
	}
	if len(channels) > 0 {
		sub.channels = make(map[string]bool, len(channels))
		for _, c := range channels {
			sub.channels[c] = true
		}
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	return sub
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// ServeHTTP upgrades to websocket and streams the requested channels.
// Channels are selected with ?channels=StatusUpdate,EventLog; omitting the
// parameter subscribes to everything the hub serves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var channels []string
	if raw := r.URL.Query().Get("channels"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if len(h.known) > 0 && !h.known[c] {
				http.Error(w, "unknown channel: "+c, http.StatusBadRequest)
				return
			}
			channels = append(channels, c)
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := h.subscribe(channels)
	defer h.unsubscribe(sub.id)

	h.log.Debug().
		Str("subscriber", sub.id).
		Strs("channels", channels).
		Msg("Subscriber connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads are only expected to fail; the client never sends payloads.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case msg := <-sub.send:
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Error().Err(err).Str("channel", msg.Channel).Msg("Failed to marshal stream message")
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				h.log.Debug().Err(err).Str("subscriber", sub.id).Msg("Subscriber write failed, disconnecting")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
