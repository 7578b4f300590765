package provider

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
)

const (
	tickerWriteTimeout     = 10 * time.Second
	tickerPongTimeout      = 60 * time.Second
	tickerPingInterval     = 30 * time.Second
	reconnectBaseDelay     = 1000 * time.Millisecond
	reconnectJitterMax     = 2000 // ms
	reconnectMaxDelay      = 60 * time.Second
	tickerHandshakeTimeout = 10 * time.Second
)

// tickerCodec translates between the generic ticker operations and one
// broker's wire protocol.
type tickerCodec interface {
	subscribeFrame(tokens []uint32, mode Mode) ([]byte, error)
	unsubscribeFrame(tokens []uint32) ([]byte, error)
	modeFrame(tokens []uint32, mode Mode) ([]byte, error)
	// decode returns nil for control frames that carry no tick
	decode(data []byte) (*Tick, error)
}

// wsTicker is the shared WebSocket engine behind both provider tickers. It
// keeps the subscription snapshot and replays it after every reconnect.
type wsTicker struct {
	name   string
	url    string
	header http.Header
	codec  tickerCodec

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed map[uint32]Mode
	connected  bool
	closing    bool
	attempt    int

	// writeMu serializes data writes on the connection: the drain loop, the
	// reconnect replay, and any admin-triggered frame may race otherwise
	writeMu sync.Mutex

	onTick    func(Tick)
	onConnect func()
	onClose   func(error)
	onError   func(error)
}

func newWsTicker(name, url string, header http.Header, codec tickerCodec) *wsTicker {
	return &wsTicker{
		name:       name,
		url:        url,
		header:     header,
		codec:      codec,
		subscribed: make(map[uint32]Mode),
	}
}

func (t *wsTicker) OnTick(fn func(Tick))   { t.onTick = fn }
func (t *wsTicker) OnConnect(fn func())    { t.onConnect = fn }
func (t *wsTicker) OnClose(fn func(error)) { t.onClose = fn }
func (t *wsTicker) OnError(fn func(error)) { t.onError = fn }

// Connect dials the upstream and starts the read loop
func (t *wsTicker) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.closing = false
	t.mu.Unlock()
	return t.dial(ctx)
}

func (t *wsTicker) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: tickerHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return NewError(err, true)
	}

	conn.SetReadDeadline(time.Now().Add(tickerPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(tickerPongTimeout))
		return nil
	})

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.attempt = 0
	snapshot := t.snapshotByMode()
	t.mu.Unlock()

	// Replay the current subscription set grouped by mode
	for mode, tokens := range snapshot {
		if err := t.writeFrameFn(t.codec.subscribeFrame, tokens, mode); err != nil {
			zaplogger.Error("ticker resubscribe failed", zaplogger.Fields{
				"provider": t.name, "mode": string(mode), "error": err.Error(),
			})
		}
	}

	if t.onConnect != nil {
		t.onConnect()
	}

	go t.readLoop(conn)
	go t.pingLoop(conn)
	return nil
}

func (t *wsTicker) snapshotByMode() map[Mode][]uint32 {
	snapshot := make(map[Mode][]uint32)
	for token, mode := range t.subscribed {
		snapshot[mode] = append(snapshot[mode], token)
	}
	return snapshot
}

func (t *wsTicker) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(err)
			return
		}
		tick, err := t.codec.decode(data)
		if err != nil {
			if t.onError != nil {
				t.onError(err)
			}
			continue
		}
		if tick != nil && t.onTick != nil {
			t.onTick(*tick)
		}
	}
}

func (t *wsTicker) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(tickerPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		current, closing := t.conn, t.closing
		t.mu.Unlock()
		if closing || current != conn {
			return
		}
		// WriteControl is safe alongside concurrent data writes
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(tickerWriteTimeout)); err != nil {
			return
		}
	}
}

func (t *wsTicker) handleDisconnect(cause error) {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.connected = false
	closing := t.closing
	t.attempt++
	attempt := t.attempt
	t.mu.Unlock()

	if t.onClose != nil {
		t.onClose(cause)
	}
	if closing {
		return
	}

	delay := reconnectDelay(attempt)
	zaplogger.Warn("ticker disconnected, reconnecting", zaplogger.Fields{
		"provider": t.name,
		"attempt":  attempt,
		"delay":    delay.String(),
		"error":    cause.Error(),
	})

	time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.closing || t.connected {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		if err := t.dial(context.Background()); err != nil {
			t.handleDisconnect(err)
		}
	})
}

// reconnectDelay is 1000 + rand(0, 2000) ms, doubled per attempt, capped
func reconnectDelay(attempt int) time.Duration {
	delay := reconnectBaseDelay + time.Duration(rand.Intn(reconnectJitterMax))*time.Millisecond
	for i := 1; i < attempt && delay < reconnectMaxDelay; i++ {
		delay *= 2
	}
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay
}

// Close stops the ticker without clearing the subscription snapshot, so a
// later Connect replays it
func (t *wsTicker) Close() {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// IsConnected reports whether the upstream socket is live
func (t *wsTicker) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Subscribe adds tokens to the snapshot and issues a subscribe frame
func (t *wsTicker) Subscribe(tokens []uint32, mode Mode) error {
	t.mu.Lock()
	for _, token := range tokens {
		t.subscribed[token] = mode
	}
	t.mu.Unlock()
	return t.writeFrameFn(t.codec.subscribeFrame, tokens, mode)
}

// Unsubscribe removes tokens from the snapshot and issues an unsubscribe frame
func (t *wsTicker) Unsubscribe(tokens []uint32) error {
	t.mu.Lock()
	for _, token := range tokens {
		delete(t.subscribed, token)
	}
	t.mu.Unlock()
	frame, err := t.codec.unsubscribeFrame(tokens)
	if err != nil {
		return err
	}
	return t.write(frame)
}

// SetMode updates the snapshot mode and issues a mode frame
func (t *wsTicker) SetMode(tokens []uint32, mode Mode) error {
	t.mu.Lock()
	for _, token := range tokens {
		if _, ok := t.subscribed[token]; ok {
			t.subscribed[token] = mode
		}
	}
	t.mu.Unlock()
	return t.writeFrameFn(t.codec.modeFrame, tokens, mode)
}

func (t *wsTicker) writeFrameFn(encode func([]uint32, Mode) ([]byte, error), tokens []uint32, mode Mode) error {
	if len(tokens) == 0 {
		return nil
	}
	frame, err := encode(tokens, mode)
	if err != nil {
		return err
	}
	return t.write(frame)
}

func (t *wsTicker) write(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		// Not connected, the snapshot replays on the next connect
		return nil
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(tickerWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return NewError(err, true)
	}
	return nil
}
