package apiserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coldbell/basket/backend/internal/metrics"
	"github.com/coldbell/basket/backend/internal/orchestrator"
	"github.com/gorilla/websocket"
)

// Channels a websocket client may subscribe to.
const (
	channelAll          = "operations"
	channelWalletPrefix = "wallet."
	channelOpPrefix     = "operation."
)

const (
	clientSendBuffer = 64
	pongWait         = 90 * time.Second
	pingInterval     = 30 * time.Second
	writeWait        = 10 * time.Second
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Hub fans orchestration events out to websocket clients. It implements
// orchestrator.EventSink; Publish never blocks and drops events for clients
// whose buffer is full.
type Hub struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	subs *subscriptionSet
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger.With("component", "ws_hub"),
		clients: make(map[*wsClient]struct{}),
	}
}

var _ orchestrator.EventSink = (*Hub)(nil)

func (h *Hub) Publish(ev orchestrator.Event) {
	channels := []string{
		channelAll,
		channelWalletPrefix + ev.Wallet.String(),
		channelOpPrefix + ev.OperationID,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		channel, ok := client.subs.Match(channels)
		if !ok {
			continue
		}
		payload, err := json.Marshal(websocketEnvelope{Type: "event", Channel: channel, Data: ev, TS: ev.Time.Unix()})
		if err != nil {
			h.logger.Error("encode websocket event", "err", err)
			return
		}
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("websocket client too slow, dropping event", "operation_id", ev.OperationID, "kind", ev.Kind)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		client.close()
		delete(h.clients, client)
		metrics.WebSocketClients.Dec()
	}
}

func (h *Hub) register(client *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	metrics.WebSocketClients.Inc()
	return true
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.close()
	metrics.WebSocketClients.Dec()
}

// handleWebsocket serves GET /ws. A "wallet" query parameter subscribes the
// connection to that wallet's events up front; further channels are managed
// with subscribe/unsubscribe messages.
func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		return s.isOriginAllowed(strings.TrimSpace(req.Header.Get("Origin")))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer), subs: newSubscriptionSet()}
	if wallet := strings.TrimSpace(r.URL.Query().Get("wallet")); wallet != "" {
		client.subs.Add(channelWalletPrefix + wallet)
	}
	if !s.hub.register(client) {
		return
	}
	defer s.hub.unregister(client)

	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(client, readErrCh)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case payload, ok := <-client.send:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Service) websocketReadLoop(client *wsClient, readErrCh chan<- error) {
	conn := client.conn
	conn.SetReadLimit(64 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	for {
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}
		switch message.Type {
		case "subscribe":
			client.subs.Add(message.Channel)
		case "unsubscribe":
			client.subs.Remove(message.Channel)
		}
	}
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

// Match returns the first of channels the set contains.
func (s *subscriptionSet) Match(channels []string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, channel := range channels {
		if _, ok := s.items[channel]; ok {
			return channel, true
		}
	}
	return "", false
}
