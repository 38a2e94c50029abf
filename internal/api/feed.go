package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"otc_book/internal/domain"
	"otc_book/internal/engine"
)

const (
	feedWriteTimeout = 5 * time.Second
	feedSendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Indexers connect from anywhere; auth sits in front if needed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Feed fans committed notification events out to websocket clients.
// It implements engine.Sink; a client that cannot keep up is dropped
// rather than allowed to stall the engine.
type Feed struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan []domain.Event
}

// NewFeed creates an empty feed.
func NewFeed(log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		log:     log,
		clients: make(map[*feedClient]struct{}),
	}
}

// Commit pushes the batch to every connected client, non-blocking.
func (f *Feed) Commit(events []domain.Event, _ engine.Snapshot) {
	if len(events) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- events:
		default:
			// Slow client: evict instead of backing up the engine.
			delete(f.clients, c)
			close(c.send)
			f.log.Warn("event feed client evicted, send buffer full")
		}
	}
}

// Serve upgrades the request and streams events until the client
// disconnects.
func (f *Feed) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &feedClient{
		conn: conn,
		send: make(chan []domain.Event, feedSendBuffer),
	}
	f.mu.Lock()
	f.clients[client] = struct{}{}
	f.mu.Unlock()

	go f.writePump(client)
	f.readPump(client)
}

func (f *Feed) writePump(c *feedClient) {
	defer c.conn.Close()
	for batch := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		for _, ev := range batch {
			if err := c.conn.WriteJSON(ev); err != nil {
				f.remove(c)
				return
			}
		}
	}
}

// readPump discards client frames and detects disconnects.
func (f *Feed) readPump(c *feedClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			f.remove(c)
			return
		}
	}
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}
