package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"marketatlas/internal/bus"
	"marketatlas/internal/logging"
	"marketatlas/internal/store"
	"marketatlas/internal/tasks"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 32
)

// wsClient is one authenticated WebSocket connection with its ticker
// subscriptions. Subscribing to "*" receives all news.
type wsClient struct {
	conn   *websocket.Conn
	userID string
	send   chan interface{}

	mu      sync.Mutex
	closed  bool
	tickers map[string]bool
}

func (c *wsClient) subscribed(ticker string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickers[ticker] || c.tickers["*"]
}

func (c *wsClient) subscribe(tickers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tickers {
		c.tickers[strings.ToUpper(strings.TrimSpace(t))] = true
	}
}

func (c *wsClient) unsubscribe(tickers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tickers {
		delete(c.tickers, strings.ToUpper(strings.TrimSpace(t)))
	}
}

// enqueue drops the message when the client's buffer is full rather than
// blocking the hub. The read loop can race hub shutdown, so sends after
// closeSend are dropped instead of hitting a closed channel.
func (c *wsClient) enqueue(msg interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// closeSend closes the send channel exactly once.
func (c *wsClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub fans bus messages out to WebSocket clients: news to ticker
// subscribers, task updates to the owning user's connections.
type Hub struct {
	bus *bus.Bus

	mu      sync.Mutex
	clients map[*wsClient]bool

	stopNews  func()
	stopTasks func()
	done      chan struct{}
}

func newHub(b *bus.Bus) *Hub {
	return &Hub{bus: b, clients: make(map[*wsClient]bool)}
}

// Start begins pumping bus messages to clients.
func (h *Hub) Start() {
	newsCh, cancelNews := h.bus.Subscribe(bus.TopicNews)
	taskCh, cancelTasks := h.bus.Subscribe(bus.TopicTaskUpdates)
	h.stopNews = cancelNews
	h.stopTasks = cancelTasks
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		for {
			select {
			case msg, ok := <-newsCh:
				if !ok {
					return
				}
				h.broadcastNews(msg)
			case msg, ok := <-taskCh:
				if !ok {
					return
				}
				h.broadcastTaskUpdate(msg)
			}
		}
	}()
}

// Stop detaches from the bus and closes every client.
func (h *Hub) Stop() {
	if h.stopNews != nil {
		h.stopNews()
		h.stopTasks()
		<-h.done
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.closeSend()
}

func (h *Hub) broadcastNews(msg bus.Message) {
	item, ok := msg.Payload.(*store.NewsItem)
	if !ok {
		return
	}
	payload := gin.H{"type": "news", "ticker": item.Ticker, "data": toNewsResponse(item)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.subscribed(item.Ticker) {
			c.enqueue(payload)
		}
	}
}

func (h *Hub) broadcastTaskUpdate(msg bus.Message) {
	update, ok := msg.Payload.(tasks.TaskUpdate)
	if !ok {
		return
	}
	payload := gin.H{"type": "task_update", "data": update}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.userID == update.UserID {
			c.enqueue(payload)
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth happens before the upgrade; browser origin is not a
	// trust boundary here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsRequest struct {
	Action  string   `json:"action"`
	Tickers []string `json:"tickers"`
}

// handleWS authenticates via the token query parameter and serves the
// subscribe/unsubscribe/ping protocol.
func (s *Server) handleWS(c *gin.Context) {
	uid, err := s.auth.VerifyAccess(c.Query("token"))
	if err != nil {
		errorJSON(c, http.StatusUnauthorized, "Invalid token")
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.WS("Upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		conn:    conn,
		userID:  uid,
		send:    make(chan interface{}, wsSendBuffer),
		tickers: make(map[string]bool),
	}
	s.hub.add(client)
	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
	}
	logging.WSDebug("Client connected for user %s", uid)

	go s.wsWriteLoop(client)
	s.wsReadLoop(client)

	s.hub.remove(client)
	if s.metrics != nil {
		s.metrics.WSConnections.Dec()
	}
	logging.WSDebug("Client disconnected for user %s", uid)
}

func (s *Server) wsReadLoop(c *wsClient) {
	defer c.conn.Close()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var req wsRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch req.Action {
		case "subscribe":
			c.subscribe(req.Tickers)
			c.enqueue(gin.H{"type": "subscribed", "tickers": req.Tickers})
		case "unsubscribe":
			c.unsubscribe(req.Tickers)
			c.enqueue(gin.H{"type": "unsubscribed", "tickers": req.Tickers})
		case "ping":
			c.enqueue(gin.H{"type": "pong"})
		}
	}
}

func (s *Server) wsWriteLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
