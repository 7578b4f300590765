package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marketfanout/gatewayapi/internal/metrics"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// Two missed ping cycles terminate the connection
	pongWait       = 2 * pingPeriod
	maxMessageSize = 64 * 1024

	sendBufferFrames = 512
	// Outbound bytes beyond this skip broadcast frames for the socket
	maxQueuedBytes = 16 << 20
)

// Client is one connected downstream socket and its subscription state
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	record *models.ApiKeyModel

	mu          sync.Mutex
	instruments map[uint32]provider.Mode

	queuedBytes int64
	closeOnce   sync.Once
}

func newClient(id string, conn *websocket.Conn, record *models.ApiKeyModel) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		send:        make(chan []byte, sendBufferFrames),
		record:      record,
		instruments: make(map[uint32]provider.Mode),
	}
}

// subscribedTokens snapshots the client's subscription set
func (c *Client) subscribedTokens() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	tokens := make([]uint32, 0, len(c.instruments))
	for token := range c.instruments {
		tokens = append(tokens, token)
	}
	return tokens
}

// addInstruments records tokens at the given mode, upgrade-only per token
func (c *Client) addInstruments(tokens []uint32, mode provider.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, token := range tokens {
		if current, ok := c.instruments[token]; !ok || mode.Priority() > current.Priority() {
			c.instruments[token] = mode
		}
	}
}

// removeInstruments drops tokens from the set and returns those that were
// actually subscribed
func (c *Client) removeInstruments(tokens []uint32) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := make([]uint32, 0, len(tokens))
	for _, token := range tokens {
		if _, ok := c.instruments[token]; ok {
			delete(c.instruments, token)
			removed = append(removed, token)
		}
	}
	return removed
}

// filterSubscribed returns the subset of tokens present in the client's set
func (c *Client) filterSubscribed(tokens []uint32) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	subscribed := make([]uint32, 0, len(tokens))
	for _, token := range tokens {
		if _, ok := c.instruments[token]; ok {
			subscribed = append(subscribed, token)
		}
	}
	return subscribed
}

func (c *Client) hasInstrument(token uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.instruments[token]
	return ok
}

func (c *Client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instruments)
}

// enqueue queues a frame for delivery, dropping it when the socket is too
// far behind
func (c *Client) enqueue(payload []byte) bool {
	if atomic.LoadInt64(&c.queuedBytes) > maxQueuedBytes {
		metrics.WsBackpressureDrops.Inc()
		return false
	}
	select {
	case c.send <- payload:
		atomic.AddInt64(&c.queuedBytes, int64(len(payload)))
		return true
	default:
		metrics.WsBackpressureDrops.Inc()
		return false
	}
}

// close terminates the socket once
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// writePump drains the send channel onto the socket and drives heartbeats.
// One writer per connection, as the transport requires.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			atomic.AddInt64(&c.queuedBytes, -int64(len(payload)))
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds inbound events to the handler until the socket closes
func (c *Client) readPump(handle func(*Client, []byte)) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zaplogger.Debug("socket read error", zaplogger.Fields{
					"clientId": c.ID,
					"error":    err.Error(),
				})
			}
			return
		}
		handle(c, payload)
	}
}
