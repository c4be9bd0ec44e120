// Package gateway implements the WebSocket gateway (C8): connection
// accept/auth/routing between external clients and the internal bus and
// broadcast engine, per spec §4.7.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/holoforge/scenecast/internal/auth"
	"github.com/holoforge/scenecast/internal/broadcast"
	"github.com/holoforge/scenecast/internal/bus"
	"github.com/holoforge/scenecast/internal/correlator"
	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/errs"
)

// Config carries the connection-cap and generation-request settings from
// spec §4.7 / §4.6.
type Config struct {
	MaxConnsPerIP     int
	MaxConnsPerTenant int
	RequestDeadline   time.Duration
	AllowedOrigins    []string
}

// Gateway accepts WebSocket connections, authenticates them, and routes
// their control traffic to the broadcast engine and bus.
type Gateway struct {
	verifier   auth.TokenVerifier
	broadcast  *broadcast.Engine
	correlator *correlator.Correlator
	bus        bus.Bus
	cfg        Config
	logger     zerolog.Logger
	upgrader   websocket.Upgrader

	mu            sync.Mutex
	connsByIP     map[string]int
	connsByTenant map[string]int
}

func New(verifier auth.TokenVerifier, engine *broadcast.Engine, corr *correlator.Correlator, b bus.Bus, cfg Config, logger zerolog.Logger) *Gateway {
	allowAll := len(cfg.AllowedOrigins) == 0
	originSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
		originSet[o] = struct{}{}
	}

	return &Gateway{
		verifier: verifier, broadcast: engine, correlator: corr, bus: b, cfg: cfg,
		logger:        logger.With().Str("component", "gateway").Logger(),
		connsByIP:     make(map[string]int),
		connsByTenant: make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				_, ok := originSet[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// ServeHTTP upgrades authenticated requests to WebSocket connections,
// enforcing per-IP and per-tenant connection caps before upgrading.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	identity, err := g.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ip := clientIP(r)
	if !g.admit(ip, identity.TenantID) {
		http.Error(w, "connection limit reached", http.StatusTooManyRequests)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.release(ip, identity.TenantID)
		g.logger.Error().Err(err).Msg("gateway: upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), ip, conn, identity, g, g.logger)
	go c.writePump()
	// Upgrade hijacks the connection, so r.Context() is canceled as soon as
	// ServeHTTP returns below; the client's control loop needs its own
	// context that lives for the connection's lifetime instead.
	go c.readPump(context.Background())
	c.writeJSON(ServerMessage{Type: ServerMsgWelcome, Payload: map[string]string{"clientID": c.id}})
}

func (g *Gateway) admit(ip, tenantID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.MaxConnsPerIP > 0 && g.connsByIP[ip] >= g.cfg.MaxConnsPerIP {
		return false
	}
	if g.cfg.MaxConnsPerTenant > 0 && g.connsByTenant[tenantID] >= g.cfg.MaxConnsPerTenant {
		return false
	}
	g.connsByIP[ip]++
	g.connsByTenant[tenantID]++
	return true
}

func (g *Gateway) release(ip, tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connsByIP[ip]--
	if g.connsByIP[ip] <= 0 {
		delete(g.connsByIP, ip)
	}
	g.connsByTenant[tenantID]--
	if g.connsByTenant[tenantID] <= 0 {
		delete(g.connsByTenant, tenantID)
	}
}

func (g *Gateway) removeClient(c *client) {
	for tenantID := range c.tenants {
		g.broadcast.Unsubscribe(tenantID, c.id)
	}
	g.release(c.ip, c.identity.TenantID)
}

func (g *Gateway) handleMessage(ctx context.Context, c *client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.writeJSON(ServerMessage{Type: ServerMsgError, Payload: errorPayload{Code: "bad_request", Message: "invalid message"}})
		return
	}

	switch msg.Type {
	case ClientMsgSubscribe:
		g.handleSubscribe(c, msg.Payload)
	case ClientMsgUnsubscribe:
		g.handleUnsubscribe(c, msg.Payload)
	case ClientMsgPing:
		c.writeJSON(ServerMessage{Type: ServerMsgPong})
	case ClientMsgGenRequest:
		go g.handleGenRequest(ctx, c, msg.Payload)
	default:
		c.writeJSON(ServerMessage{Type: ServerMsgError, Payload: errorPayload{Code: "unknown_type", Message: msg.Type}})
	}
}

func (g *Gateway) handleSubscribe(c *client, raw json.RawMessage) {
	var p subscribePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TenantID == "" {
		c.writeJSON(ServerMessage{Type: ServerMsgError, Payload: errorPayload{Code: "bad_request", Message: "subscribe requires tenantID"}})
		return
	}
	if p.TenantID != c.identity.TenantID {
		c.writeJSON(ServerMessage{Type: ServerMsgError, Payload: errorPayload{Code: "forbidden", Message: "tenant scope mismatch"}})
		return
	}
	if !slices.Contains(c.identity.Scopes, domain.ScopeStream) {
		c.writeJSON(ServerMessage{Type: ServerMsgError, Payload: errorPayload{Code: "forbidden", Message: "missing reality.stream scope"}})
		return
	}
	c.tenants[p.TenantID] = true
	g.broadcast.Subscribe(p.TenantID, c)
}

func (g *Gateway) handleUnsubscribe(c *client, raw json.RawMessage) {
	var p subscribePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TenantID == "" {
		return
	}
	delete(c.tenants, p.TenantID)
	g.broadcast.Unsubscribe(p.TenantID, c.id)
}

// handleGenRequest submits a SceneRequest on behalf of an authenticated
// socket and relays the correlated result back once it arrives.
func (g *Gateway) handleGenRequest(ctx context.Context, c *client, raw json.RawMessage) {
	var p genRequestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.writeJSON(ServerMessage{Type: ServerMsgError, Payload: errorPayload{Code: "bad_request", Message: "invalid gen_request"}})
		return
	}
	if p.JobID == "" {
		p.JobID = uuid.NewString()
	}

	deadline := time.Now().Add(g.cfg.RequestDeadline)
	if p.DeadlineMs > 0 {
		deadline = time.Now().Add(time.Duration(p.DeadlineMs) * time.Millisecond)
	}

	req := domain.SceneRequest{
		JobID: p.JobID, TenantID: c.identity.TenantID, Payload: p.Payload,
		SubmittedAt: time.Now(), Deadline: deadline,
	}
	if err := req.Validate(); err != nil {
		c.writeJSON(ServerMessage{Type: ServerMsgError, Payload: errorPayload{Code: "invalid_request", Message: err.Error()}})
		return
	}

	result, err := g.correlator.Await(ctx, p.JobID, func() error {
		return g.bus.Publish(ctx, bus.SubjectGenRequest, req)
	})
	if err != nil {
		code := "internal"
		if errs.Is(err, errs.Timeout) {
			code = "timeout"
		}
		c.writeJSON(ServerMessage{Type: ServerMsgError, Payload: errorPayload{Code: code, Message: err.Error()}})
		return
	}
	c.writeJSON(ServerMessage{Type: ServerMsgResult, Payload: result})
}

func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authz) > len(prefix) && authz[:len(prefix)] == prefix {
		return authz[len(prefix):]
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var _ broadcast.Socket = (*client)(nil)
