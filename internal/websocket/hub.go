package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"maskrelay/agent/internal/cache"
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 无 Origin 视为本机非浏览器客户端
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType WebSocket 消息类型
type MessageType string

const (
	MessageTypeResourceUpdate MessageType = "resource_update"
	MessageTypePing           MessageType = "ping"
	MessageTypePong           MessageType = "pong"
	MessageTypeSubscribe      MessageType = "subscribe"
	MessageTypeUnsubscribe    MessageType = "unsubscribe"
	MessageTypeSubscribed     MessageType = "subscribed"
	MessageTypeError          MessageType = "error"
)

// Message WebSocket 消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Key       string          `json:"key,omitempty"` // 资源键
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// resourceUpdateData 资源更新推送的数据格式
type resourceUpdateData struct {
	Key          string          `json:"key"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
	IsValidating bool            `json:"isValidating"`
	UpdatedAt    string          `json:"updatedAt"`
}

// Client 一个已连接的 UI 外壳
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	keys map[string]bool // 订阅的资源键
	mu   sync.RWMutex
	log  *zap.Logger
}

// Hub 管理所有 WebSocket 连接并把资源更新推送给订阅方。
//
// 实现 cache.Subscriber：缓存每完成一次重新验证，订阅了该资源键
// 的客户端都会收到一条 resource_update 推送。
type Hub struct {
	clients        map[string]*Client
	subscriptions  map[string]map[string]*Client // 资源键 -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *broadcastMessage
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	agentToken     string // 本地接口的共享令牌，为空时不认证
	connections    prometheus.Gauge
}

type broadcastMessage struct {
	Key     string
	Message *Message
}

// Options Hub 的配置。
type Options struct {
	AllowedOrigins []string
	AgentToken     string
	Logger         *zap.Logger
	// Connections 在线连接数计量，可为 nil
	Connections prometheus.Gauge
}

// NewHub 创建 WebSocket Hub
func NewHub(opts Options) *Hub {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		subscriptions:  make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastMessage, 256),
		log:            log,
		allowedOrigins: origins,
		agentToken:     opts.AgentToken,
		connections:    opts.Connections,
	}
}

// Run 启动 Hub
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			if h.connections != nil {
				h.connections.Inc()
			}
			h.log.Info("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				for key := range client.keys {
					if clients, exists := h.subscriptions[key]; exists {
						delete(clients, client.ID)
						if len(clients) == 0 {
							delete(h.subscriptions, key)
						}
					}
				}
				delete(h.clients, client.ID)
				close(client.send)
				if h.connections != nil {
					h.connections.Dec()
				}
				h.log.Info("client unregistered", zap.String("id", client.ID))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.broadcastToKey(msg.Key, msg.Message)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// NotifyResourceUpdated 实现 cache.Subscriber。
func (h *Hub) NotifyResourceUpdated(key string, entry cache.Entry) {
	update := resourceUpdateData{
		Key:          key,
		IsValidating: entry.IsValidating,
		UpdatedAt:    entry.UpdatedAt.Format(time.RFC3339),
	}
	if entry.Err != nil {
		update.Error = entry.Err.Error()
	}
	if entry.Data != nil {
		if raw, err := json.Marshal(entry.Data); err == nil {
			update.Data = raw
		} else {
			h.log.Error("failed to marshal resource data", zap.String("key", key), zap.Error(err))
		}
	}

	data, err := json.Marshal(update)
	if err != nil {
		h.log.Error("failed to marshal resource update", zap.Error(err))
		return
	}

	msg := &Message{
		Type:      MessageTypeResourceUpdate,
		Key:       key,
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- &broadcastMessage{Key: key, Message: msg}:
	default:
		h.log.Warn("broadcast channel full, dropping update", zap.String("key", key))
	}
}

// broadcastToKey 向订阅了指定资源键的客户端广播消息
func (h *Hub) broadcastToKey(key string, msg *Message) {
	h.mu.RLock()
	clients := h.subscriptions[key]
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送 ping
func (h *Hub) pingAllClients() {
	msg := &Message{
		Type:      MessageTypePing,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.subscriptions = make(map[string]map[string]*Client)
}

// authenticate 校验连接方的代理令牌。
func (h *Hub) authenticate(c *gin.Context) error {
	if h.agentToken == "" {
		return nil
	}

	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
	}
	if token == "" {
		return errors.New("missing authentication token")
	}

	if subtle.ConstantTimeCompare([]byte(h.agentToken), []byte(token)) != 1 {
		return errors.New("invalid authentication token")
	}
	return nil
}

// HandleWebSocket 处理 WebSocket 连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		if err := hub.authenticate(c); err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
			keys: make(map[string]bool),
			log:  hub.log,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}

		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.Key)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.Key)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// subscribe 订阅资源键
func (c *Client) subscribe(key string) {
	if key == "" {
		c.sendError("resource key is required")
		return
	}

	c.mu.Lock()
	c.keys[key] = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	if c.hub.subscriptions[key] == nil {
		c.hub.subscriptions[key] = make(map[string]*Client)
	}
	c.hub.subscriptions[key][c.ID] = c
	c.hub.mu.Unlock()

	c.log.Info("subscribed to resource",
		zap.String("clientID", c.ID),
		zap.String("key", key))

	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		Key:       key,
		Timestamp: time.Now(),
	})
}

// unsubscribe 取消订阅资源键
func (c *Client) unsubscribe(key string) {
	c.mu.Lock()
	delete(c.keys, key)
	c.mu.Unlock()

	c.hub.mu.Lock()
	if clients, exists := c.hub.subscriptions[key]; exists {
		delete(clients, c.ID)
		if len(clients) == 0 {
			delete(c.hub.subscriptions, key)
		}
	}
	c.hub.mu.Unlock()

	c.log.Info("unsubscribed from resource",
		zap.String("clientID", c.ID),
		zap.String("key", key))
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
