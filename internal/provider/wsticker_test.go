package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoCodec is a minimal wire protocol for exercising the ticker engine
type echoCodec struct{}

func (echoCodec) subscribeFrame(tokens []uint32, mode Mode) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"op": "sub", "tokens": tokens, "mode": mode})
}

func (echoCodec) unsubscribeFrame(tokens []uint32) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"op": "unsub", "tokens": tokens})
}

func (echoCodec) modeFrame(tokens []uint32, mode Mode) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"op": "mode", "tokens": tokens, "mode": mode})
}

func (echoCodec) decode(data []byte) (*Tick, error) {
	var tick Tick
	if err := json.Unmarshal(data, &tick); err != nil || tick.Token == 0 {
		return nil, nil
	}
	return &tick, nil
}

// startTickerServer upgrades connections and discards inbound frames
func startTickerServer(t *testing.T) (string, *httptest.Server) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv
}

func TestTickerSerializesConcurrentWriters(t *testing.T) {
	url, srv := startTickerServer(t)
	defer srv.Close()

	tk := newWsTicker("stub", url, nil, echoCodec{})
	require.NoError(t, tk.Connect(context.Background()))
	defer tk.Close()

	// Subscribe, unsubscribe, and set_mode frames from several goroutines
	// must never write the connection concurrently
	var wg sync.WaitGroup
	deadline := time.Now().Add(500 * time.Millisecond)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(offset uint32) {
			defer wg.Done()
			for time.Now().Before(deadline) {
				tokens := []uint32{100 + offset, 200 + offset}
				assert.NoError(t, tk.Subscribe(tokens, ModeLTP))
				assert.NoError(t, tk.SetMode(tokens, ModeFull))
				assert.NoError(t, tk.Unsubscribe(tokens))
			}
		}(uint32(i))
	}
	wg.Wait()

	assert.True(t, tk.IsConnected())
}

func TestTickerReplaysSnapshotOnConnect(t *testing.T) {
	url, srv := startTickerServer(t)
	defer srv.Close()

	tk := newWsTicker("stub", url, nil, echoCodec{})
	require.NoError(t, tk.Subscribe([]uint32{256265}, ModeFull))

	require.NoError(t, tk.Connect(context.Background()))
	defer tk.Close()

	assert.True(t, tk.IsConnected())
	assert.Equal(t, ModeFull, tk.subscribed[256265])
}
