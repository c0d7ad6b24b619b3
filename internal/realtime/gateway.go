package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const defaultSendBuffer = 64

var (
	errMissingAuthenticator = errors.New("realtime: authenticator required")
	errMissingIDProvider    = errors.New("realtime: id provider required")
)

// GatewayConfig wires a Gateway.
type GatewayConfig struct {
	Registry       *Registry
	Authenticator  Authenticator
	Poster         MessagePoster
	IDs            ids.Provider
	SendBuffer     int
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Gateway upgrades HTTP requests to websocket connections and runs one
// Session per connection.
type Gateway struct {
	registry      *Registry
	authenticator Authenticator
	poster        MessagePoster
	ids           ids.Provider
	sendBuffer    int
	validate      *validator.Validate
	upgrader      websocket.Upgrader
	logger        *zap.Logger

	mu     sync.Mutex
	active map[string]*connection
	closed bool
}

// NewGateway constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if cfg.IDs == nil {
		return nil, errMissingIDProvider
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gateway := &Gateway{
		registry:      cfg.Registry,
		authenticator: cfg.Authenticator,
		poster:        cfg.Poster,
		ids:           cfg.IDs,
		sendBuffer:    sendBuffer,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger,
		active:        make(map[string]*connection),
	}
	origins := lo.Map(cfg.AllowedOrigins, func(origin string, _ int) string {
		return strings.TrimRight(strings.TrimSpace(origin), "/")
	})
	gateway.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(origins, r.Header.Get("Origin"))
		},
	}
	return gateway, nil
}

// ServeHTTP upgrades the request and blocks until the connection ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connectionID, err := g.ids.NewID()
	if err != nil {
		g.logger.Error("failed to allocate connection id", zap.Error(err))
		http.Error(w, "connection_failed", http.StatusInternalServerError)
		return
	}
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Info("websocket upgrade rejected", zap.Error(err))
		return
	}

	conn := newConnection(connectionID, socket, g.sendBuffer, g.logger)
	session, err := NewSession(SessionConfig{
		ConnectionID:  connectionID,
		Registry:      g.registry,
		Authenticator: g.authenticator,
		Poster:        g.poster,
		Validate:      g.validate,
		Out:           conn,
		Logger:        g.logger,
	})
	if err != nil {
		g.logger.Error("failed to start realtime session", zap.Error(err))
		_ = socket.Close()
		return
	}
	conn.session = session

	if !g.track(conn) {
		_ = socket.Close()
		return
	}
	defer g.untrack(conn)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go conn.writePump()
	conn.readPump(ctx)
	session.Close()
}

// ConnectionCount returns the number of open sockets, authenticated or not.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Close disconnects every open socket and rejects new ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	connections := lo.Values(g.active)
	g.mu.Unlock()
	for _, conn := range connections {
		conn.shutdown()
		_ = conn.socket.Close()
	}
}

func (g *Gateway) track(conn *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.active[conn.id] = conn
	return true
}

func (g *Gateway) untrack(conn *connection) {
	g.mu.Lock()
	delete(g.active, conn.id)
	g.mu.Unlock()
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	normalized := strings.TrimRight(origin, "/")
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(candidate, normalized) {
			return true
		}
	}
	return false
}
