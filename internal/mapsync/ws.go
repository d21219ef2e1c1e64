package mapsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ticketwhiz/listing-engine/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // The widget is embedded from the storefront's own origin list.
	},
}

// Conn is a map widget connected over WebSocket. Commands are written as
// JSON text frames; events are read as JSON text frames.
type Conn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
	once sync.Once
}

// Send implements Widget.
func (c *Conn) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(cmd)
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}

func (c *Conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ServeWS upgrades the request and attaches the connection as the bridge's
// widget. A newer connection replaces an older one.
func (b *Bridge) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &Conn{conn: ws}
	b.Attach(c)
	metrics.WidgetConnections.Inc()
	slog.Info("map widget connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())

	// Read pump: decode events and detect disconnects.
	go func() {
		defer func() {
			cancel()
			b.Detach(c)
			c.Close()
			metrics.WidgetConnections.Dec()
			slog.Info("map widget disconnected", "remote", r.RemoteAddr)
		}()
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Warn("map widget read failed", "err", err)
				}
				return
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				slog.Debug("malformed map event dropped", "err", err)
				continue
			}
			if err := b.Deliver(ctx, ev); err != nil {
				return
			}
		}
	}()

	// Ping ticker to keep the connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()
}
