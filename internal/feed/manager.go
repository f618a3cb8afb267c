// Package feed pushes committed envelopes to internal consumers over
// WebSocket, pooled per organization. It is a best-effort mirror of
// the event stream for dashboards and internal tooling; the event log
// and webhook ledger remain the durable surfaces.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/harborpay/eventflow/internal/event"
)

// Config holds WebSocket connection settings.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Manager owns the per-organization connection pools and the
// broadcast loop.
type Manager struct {
	orgConnections map[uuid.UUID]map[*Connection]bool
	mu             sync.RWMutex

	upgrader websocket.Upgrader
	config   Config

	broadcastCh chan broadcast
}

// Connection is one consumer socket.
type Connection struct {
	ID             string
	OrganizationID uuid.UUID
	Conn           *websocket.Conn
	Send           chan []byte
	Manager        *Manager

	ConnectedAt time.Time
}

type broadcast struct {
	organizationID uuid.UUID
	payload        []byte
}

func NewManager(config Config) *Manager {
	return &Manager{
		orgConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcast, 1000),
	}
}

// Start runs the broadcast loop until the context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	log.Info().Msg("feed manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("feed manager shutting down")
			return
		case b := <-m.broadcastCh:
			m.handleBroadcast(b)
		}
	}
}

// EnvelopePublished implements the relay hook: every accepted envelope
// is mirrored to the organization's connected consumers.
func (m *Manager) EnvelopePublished(ctx context.Context, env *event.Envelope) {
	payload, err := env.PayloadJSON()
	if err != nil {
		log.Error().Err(err).Str("event_id", env.ID.String()).Msg("failed to marshal feed payload")
		return
	}

	select {
	case m.broadcastCh <- broadcast{organizationID: env.OrganizationID, payload: payload}:
	default:
		log.Warn().
			Str("organization_id", env.OrganizationID.String()).
			Msg("feed broadcast channel full, dropping event")
	}
}

// Upgrade turns an HTTP request into a feed connection for the
// organization.
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request, organizationID uuid.UUID) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		Conn:           conn,
		Send:           make(chan []byte, 256),
		Manager:        m,
		ConnectedAt:    time.Now(),
	}

	m.register(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("organization_id", organizationID.String()).
		Msg("feed connection established")

	return nil
}

func (m *Manager) register(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.orgConnections[conn.OrganizationID] == nil {
		m.orgConnections[conn.OrganizationID] = make(map[*Connection]bool)
	}
	m.orgConnections[conn.OrganizationID][conn] = true
}

func (m *Manager) unregister(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if connections, exists := m.orgConnections[conn.OrganizationID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)
			if len(connections) == 0 {
				delete(m.orgConnections, conn.OrganizationID)
			}
		}
	}
}

func (m *Manager) handleBroadcast(b broadcast) {
	m.mu.RLock()
	connections, exists := m.orgConnections[b.organizationID]
	if !exists {
		m.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.Send <- b.payload:
		default:
			// Slow consumer: drop the socket rather than the stream.
			log.Warn().Str("connection_id", conn.ID).Msg("feed send buffer full, closing connection")
			m.unregister(conn)
			conn.Conn.Close()
		}
	}
}

// Stats returns connection counts for the ops surface.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	perOrg := make(map[string]int)
	for orgID, connections := range m.orgConnections {
		total += len(connections)
		perOrg[orgID.String()] = len(connections)
	}

	return map[string]any{
		"total_connections":   total,
		"organizations":       len(m.orgConnections),
		"connections_per_org": perOrg,
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write feed message")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected feed close error")
			}
			break
		}
		// The feed is one-way; consumer messages only refresh the
		// read deadline.
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
