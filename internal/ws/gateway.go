package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/marketfanout/gatewayapi/internal/config"
	"github.com/marketfanout/gatewayapi/internal/metrics"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/internal/service"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the reverse proxy in front of the gateway
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway accepts downstream WebSocket clients and bridges them onto the
// stream multiplexer
type Gateway struct {
	cfg          *config.Config
	apiKeys      *service.ApiKeyService
	usage        *service.UsageService
	abuse        *service.AbuseService
	blocklist    *service.BlocklistService
	audit        *service.AuditService
	stream       *service.StreamService
	batch        *service.BatchService
	resolver     *provider.Resolver
	pairResolver *provider.PairResolver

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewGateway creates a new Gateway and registers itself as the stream's
// broadcast sink
func NewGateway(
	cfg *config.Config,
	apiKeys *service.ApiKeyService,
	usage *service.UsageService,
	abuse *service.AbuseService,
	blocklist *service.BlocklistService,
	audit *service.AuditService,
	stream *service.StreamService,
	batch *service.BatchService,
	resolver *provider.Resolver,
	pairResolver *provider.PairResolver,
) *Gateway {
	g := &Gateway{
		cfg:          cfg,
		apiKeys:      apiKeys,
		usage:        usage,
		abuse:        abuse,
		blocklist:    blocklist,
		audit:        audit,
		stream:       stream,
		batch:        batch,
		resolver:     resolver,
		pairResolver: pairResolver,
		clients:      make(map[string]*Client),
	}
	stream.SetBroadcastFunc(g.Broadcast)
	return g
}

// Handle upgrades an HTTP request to a WebSocket session and runs the
// connection lifecycle
func (g *Gateway) Handle(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	apiKey := c.QueryParam("api_key")
	if apiKey == "" {
		apiKey = c.Request().Header.Get("x-api-key")
	}
	if apiKey == "" {
		g.refuse(conn, errorFrame(CodeAuthMissing, nil))
		return nil
	}

	record, err := g.apiKeys.ValidateApiKey(apiKey)
	if err != nil || record == nil || !record.IsActive {
		g.refuse(conn, errorFrame(CodeAuthInvalid, nil))
		return nil
	}

	ctx := c.Request().Context()

	if flag := g.abuse.GetStatusForApiKey(apiKey); flag != nil && flag.Blocked {
		var reasons []string
		_ = json.Unmarshal(flag.ReasonCodes, &reasons)
		g.refuse(conn, errorFrame(CodeKeyBlockedForAbuse, map[string]interface{}{
			"risk_score": flag.RiskScore,
			"reasons":    reasons,
		}))
		return nil
	}
	if g.blocklist.IsKeyOrTenantBlocked(ctx, apiKey, record.TenantID) {
		g.refuse(conn, errorFrame(CodeKeyBlockedForAbuse, map[string]interface{}{
			"reasons": []string{"blocklist"},
		}))
		return nil
	}

	if err := g.usage.TrackWsConnection(ctx, apiKey, record.ConnectionLimit); err != nil {
		g.refuse(conn, errorFrame(CodeConnectionLimitExceeded, nil))
		return nil
	}

	client := newClient(uuid.New().String(), conn, record)

	g.mu.Lock()
	g.clients[client.ID] = client
	g.mu.Unlock()
	metrics.WsConnectionsActive.Inc()

	go client.writePump()
	client.enqueue(frame(FrameConnected, map[string]interface{}{
		"client_id": client.ID,
	}))

	g.audit.RecordWS(models.RequestAuditLog{
		RouteOrEvent: service.WsAuditConnect,
		ApiKey:       apiKey,
		TenantID:     record.TenantID,
		IP:           c.RealIP(),
		UserAgent:    c.Request().UserAgent(),
		Origin:       c.Request().Header.Get("Origin"),
	})
	zaplogger.Info("ws client connected", zaplogger.Fields{
		"clientId": client.ID,
		"apiKey":   apiKey,
	})

	// Blocks until the socket closes
	client.readPump(g.handleEvent)
	g.disconnect(client, c.RealIP())
	return nil
}

// refuse sends a single error frame on a freshly upgraded socket and closes it
func (g *Gateway) refuse(conn *websocket.Conn, payload []byte) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, payload)
	conn.Close()
}

func (g *Gateway) disconnect(client *Client, ip string) {
	g.mu.Lock()
	delete(g.clients, client.ID)
	g.mu.Unlock()
	metrics.WsConnectionsActive.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g.usage.UntrackWsConnection(ctx, client.record.Key)

	if tokens := client.subscribedTokens(); len(tokens) > 0 {
		g.stream.Unsubscribe(tokens, client.ID)
	}
	client.close()

	g.audit.RecordWS(models.RequestAuditLog{
		RouteOrEvent: service.WsAuditDisconnect,
		ApiKey:       client.record.Key,
		TenantID:     client.record.TenantID,
		IP:           ip,
	})
	zaplogger.Info("ws client disconnected", zaplogger.Fields{
		"clientId": client.ID,
	})
}

// handleEvent dispatches one inbound frame
func (g *Gateway) handleEvent(client *Client, payload []byte) {
	var event clientEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		g.sendError(client, CodeInvalidPayload, map[string]interface{}{"message": "malformed JSON"})
		return
	}
	metrics.WsEventsTotal.WithLabelValues(event.Event).Inc()

	if limit, limited := g.eventRPSLimit(client.record, event.Event); limited {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		retryAfter, allowed := g.usage.CheckWsRateLimit(ctx, client.record.Key, event.Event, limit)
		cancel()
		if !allowed {
			g.sendError(client, CodeRateLimited, map[string]interface{}{
				"limit":          limit,
				"retry_after_ms": retryAfter.Milliseconds(),
			})
			return
		}
	}

	switch event.Event {
	case EventSubscribe:
		g.handleSubscribe(client, event)
	case EventUnsubscribe:
		g.handleUnsubscribe(client, event)
	case EventSetMode:
		g.handleSetMode(client, event)
	case EventGetQuote:
		g.handleGetQuote(client, event)
	case EventGetHistoricalData:
		g.handleGetHistoricalData(client, event)
	case EventPing:
		client.enqueue(frame(FramePong, map[string]interface{}{
			"ts": time.Now().UnixMilli(),
		}))
	default:
		g.sendError(client, CodeUnknownEvent, map[string]interface{}{"event": event.Event})
	}
}

// eventRPSLimit returns the per-event RPS limit, per-key override first
func (g *Gateway) eventRPSLimit(record *models.ApiKeyModel, event string) (int, bool) {
	switch event {
	case EventSubscribe:
		if record.WsSubscribeRPS != nil {
			return *record.WsSubscribeRPS, true
		}
		return g.cfg.WsSubscribeRPS, true
	case EventUnsubscribe:
		if record.WsUnsubscribeRPS != nil {
			return *record.WsUnsubscribeRPS, true
		}
		return g.cfg.WsUnsubscribeRPS, true
	case EventSetMode:
		if record.WsModeRPS != nil {
			return *record.WsModeRPS, true
		}
		return g.cfg.WsModeRPS, true
	default:
		return 0, false
	}
}

// resolveInstruments parses, resolves, and policy-checks an instruments
// payload. It returns the admitted tokens or nil after sending the error.
func (g *Gateway) resolveInstruments(client *Client, raw []interface{}) []uint32 {
	refs, err := parseInstruments(raw)
	if err != nil {
		if _, ok := err.(*provider.ErrInvalidExchange); ok {
			g.sendError(client, CodeInvalidExchange, map[string]interface{}{"message": err.Error()})
		} else {
			g.sendError(client, CodeInvalidPayload, map[string]interface{}{"message": err.Error()})
		}
		return nil
	}

	// Resolve exchanges for bare tokens, pair strings carry their own
	exchangeOf := make(map[uint32]string, len(refs))
	var bare []uint32
	for _, ref := range refs {
		if ref.Exchange != "" {
			exchangeOf[ref.Token] = ref.Exchange
		} else {
			bare = append(bare, ref.Token)
		}
	}
	if len(bare) > 0 {
		pairs, err := g.pairResolver.ResolveTokens(bare)
		if err != nil {
			zaplogger.Warn("instrument resolution failed", zaplogger.Fields{"error": err.Error()})
			for _, token := range bare {
				exchangeOf[token] = provider.DefaultExchange
			}
		} else {
			for _, pair := range pairs {
				exchangeOf[pair.Token] = pair.Exchange
			}
		}
	}

	tokens := make([]uint32, 0, len(refs))
	for _, ref := range refs {
		tokens = append(tokens, ref.Token)
	}

	if entitled := service.EntitledExchanges(client.record); entitled != nil {
		entitledSet := make(map[string]bool, len(entitled))
		for _, exchange := range entitled {
			entitledSet[exchange] = true
		}
		var denied []uint32
		for _, token := range tokens {
			if !entitledSet[exchangeOf[token]] {
				denied = append(denied, token)
			}
		}
		if len(denied) > 0 {
			g.sendError(client, CodeEntitlementDenied, map[string]interface{}{
				"instruments": denied,
			})
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	allowed, blocked := g.blocklist.FilterBlocked(ctx, tokens, exchangeOf)
	cancel()
	if len(allowed) == 0 && len(blocked) > 0 {
		g.sendError(client, CodeEntitlementDenied, map[string]interface{}{
			"instruments": blocked,
			"reason":      "blocklist",
		})
		return nil
	}
	return allowed
}

func (g *Gateway) handleSubscribe(client *Client, event clientEvent) {
	mode := provider.ModeLTP
	if event.Mode != "" {
		mode = provider.Mode(event.Mode)
		if !mode.Valid() {
			g.sendError(client, CodeInvalidMode, map[string]interface{}{"mode": event.Mode})
			return
		}
	}

	tokens := g.resolveInstruments(client, event.Instruments)
	if tokens == nil {
		return
	}

	// Cap to the per-socket subscription budget, first come first kept
	room := g.cfg.WsMaxSubscriptions - client.subscriptionCount()
	overflow := false
	if len(tokens) > room {
		overflow = true
		if room < 0 {
			room = 0
		}
		tokens = tokens[:room]
	}

	if len(tokens) > 0 {
		g.stream.Subscribe(tokens, mode, client.ID)
		client.addInstruments(tokens, mode)
	}

	if overflow {
		g.sendError(client, CodeInvalidPayload, map[string]interface{}{
			"message":    "max subscriptions per connection exceeded",
			"max":        g.cfg.WsMaxSubscriptions,
			"subscribed": tokens,
		})
	} else {
		client.enqueue(frame(FrameSubscriptionConfirmed, map[string]interface{}{
			"subscribed": tokens,
			"mode":       string(mode),
			"total":      client.subscriptionCount(),
		}))
	}

	g.audit.RecordWS(models.RequestAuditLog{
		RouteOrEvent: EventSubscribe,
		ApiKey:       client.record.Key,
		TenantID:     client.record.TenantID,
	})
}

func (g *Gateway) handleUnsubscribe(client *Client, event clientEvent) {
	refs, err := parseInstruments(event.Instruments)
	if err != nil {
		g.sendError(client, CodeInvalidPayload, map[string]interface{}{"message": err.Error()})
		return
	}
	tokens := make([]uint32, 0, len(refs))
	for _, ref := range refs {
		tokens = append(tokens, ref.Token)
	}

	removed := client.removeInstruments(tokens)
	if len(removed) > 0 {
		g.stream.Unsubscribe(removed, client.ID)
	}

	client.enqueue(frame(FrameUnsubscriptionConfirmed, map[string]interface{}{
		"unsubscribed": removed,
		"total":        client.subscriptionCount(),
	}))

	g.audit.RecordWS(models.RequestAuditLog{
		RouteOrEvent: EventUnsubscribe,
		ApiKey:       client.record.Key,
		TenantID:     client.record.TenantID,
	})
}

func (g *Gateway) handleSetMode(client *Client, event clientEvent) {
	mode := provider.Mode(event.Mode)
	if !mode.Valid() {
		g.sendError(client, CodeInvalidMode, map[string]interface{}{"mode": event.Mode})
		return
	}

	refs, err := parseInstruments(event.Instruments)
	if err != nil {
		g.sendError(client, CodeInvalidPayload, map[string]interface{}{"message": err.Error()})
		return
	}
	tokens := make([]uint32, 0, len(refs))
	for _, ref := range refs {
		tokens = append(tokens, ref.Token)
	}

	subscribed := client.filterSubscribed(tokens)
	if len(subscribed) == 0 {
		g.sendError(client, CodeSubscriptionNotFound, map[string]interface{}{
			"instruments": tokens,
		})
		return
	}

	// Upgrade-only, the multiplexer never lowers a token's mode
	g.stream.Subscribe(subscribed, mode, client.ID)
	client.addInstruments(subscribed, mode)

	client.enqueue(frame(FrameModeConfirmed, map[string]interface{}{
		"instruments": subscribed,
		"mode":        string(mode),
	}))
}

func (g *Gateway) handleGetQuote(client *Client, event clientEvent) {
	tokens := g.resolveInstruments(client, event.Instruments)
	if tokens == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	adapter := g.resolver.ResolveForHTTP(ctx, "", client.record.Provider)

	if event.LtpOnly {
		prices, err := g.batch.GetLTP(ctx, adapter, tokens)
		if err != nil {
			g.sendProviderError(client, err)
			return
		}
		data := make(map[uint32]map[string]interface{}, len(prices))
		for token, price := range prices {
			if price > 0 {
				data[token] = map[string]interface{}{"last_price": price}
			}
		}
		client.enqueue(frame(FrameQuoteData, map[string]interface{}{"data": data}))
		return
	}

	quotes, err := g.batch.GetQuotes(ctx, adapter, tokens)
	if err != nil {
		g.sendProviderError(client, err)
		return
	}
	client.enqueue(frame(FrameQuoteData, map[string]interface{}{"data": quotes}))
}

func (g *Gateway) handleGetHistoricalData(client *Client, event clientEvent) {
	if event.Token == 0 || event.Interval == "" {
		g.sendError(client, CodeInvalidPayload, map[string]interface{}{
			"message": "token and interval are required",
		})
		return
	}
	from, err := time.Parse(time.RFC3339, event.From)
	if err != nil {
		g.sendError(client, CodeInvalidPayload, map[string]interface{}{"message": "invalid from timestamp"})
		return
	}
	to, err := time.Parse(time.RFC3339, event.To)
	if err != nil {
		g.sendError(client, CodeInvalidPayload, map[string]interface{}{"message": "invalid to timestamp"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	adapter := g.resolver.ResolveForHTTP(ctx, "", client.record.Provider)
	candles, err := g.batch.GetHistoricalData(ctx, adapter, provider.HistoryRequest{
		Token:    event.Token,
		Interval: event.Interval,
		From:     from,
		To:       to,
	})
	if err != nil {
		g.sendProviderError(client, err)
		return
	}
	client.enqueue(frame(FrameHistoricalData, map[string]interface{}{
		"token":   event.Token,
		"candles": candles,
	}))
}

func (g *Gateway) sendError(client *Client, code string, extra map[string]interface{}) {
	metrics.WsErrorsTotal.WithLabelValues(code).Inc()
	client.enqueue(errorFrame(code, extra))
}

func (g *Gateway) sendProviderError(client *Client, err error) {
	if err == provider.ErrNotReady {
		g.sendError(client, CodeStreamInactive, map[string]interface{}{"message": err.Error()})
		return
	}
	g.sendError(client, CodeProviderError, map[string]interface{}{"message": err.Error()})
}

// Broadcast fans one tick out to every socket subscribed to its token
func (g *Gateway) Broadcast(token uint32, tick provider.Tick) {
	payload := frame(FrameMarketData, map[string]interface{}{
		"token": token,
		"data":  tick,
		"ts":    tick.Timestamp.UnixMilli(),
	})

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, client := range g.clients {
		if client.hasInstrument(token) {
			if client.enqueue(payload) {
				metrics.WsBroadcastsTotal.Inc()
			}
		}
	}
}

// NotifyStreamStatus pushes the multiplexer's state to every client, used
// by the admin start and stop operations
func (g *Gateway) NotifyStreamStatus() {
	status := g.stream.Status()
	payload := frame(FrameStreamStatus, map[string]interface{}{
		"streaming": status.Streaming,
		"state":     status.State,
		"provider":  status.Provider,
	})
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, client := range g.clients {
		client.enqueue(payload)
	}
}

// ClientCount reports the number of connected sockets
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}
