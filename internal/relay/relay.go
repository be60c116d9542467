// Package relay rebroadcasts DMX frames between Socket.IO clients.
//
// Every "DMX" event received from any socket is re-emitted to all connected
// sockets as "rcvDMX". The relay is independent of the render session.
package relay

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bhandras/dumiverse/internal/logger"
	"github.com/gin-gonic/gin"
	socket "github.com/zishang520/socket.io/servers/socket/v3"
	sockettypes "github.com/zishang520/socket.io/v3/pkg/types"
)

const (
	// EventDMX is emitted by senders.
	EventDMX = "DMX"
	// EventReceiveDMX is broadcast to every socket.
	EventReceiveDMX = "rcvDMX"
)

const (
	pingInterval = 10 * time.Second
	pingTimeout  = 20 * time.Second
)

// Relay wraps a Socket.IO server that fans DMX frames out to all clients.
type Relay struct {
	server    *socket.Server
	broadcast func(payload any)

	relayed atomic.Int64
	clients atomic.Int64
}

// New creates a relay serving Socket.IO at path.
func New(path string) *Relay {
	opts := socket.DefaultServerOptions()
	opts.SetCors(&sockettypes.Cors{
		Origin:      "*",
		Credentials: false,
	})
	opts.SetPingInterval(pingInterval)
	opts.SetPingTimeout(pingTimeout)
	opts.SetPath(path)

	r := &Relay{server: socket.NewServer(nil, opts)}
	r.broadcast = func(payload any) {
		r.server.Emit(EventReceiveDMX, payload)
	}

	r.server.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		r.handleConnection(client)
	})
	return r
}

func (r *Relay) handleConnection(client *socket.Socket) {
	socketID := string(client.Id())
	r.clients.Add(1)
	logger.Infof("[relay] client connected (socket %s)", socketID)

	client.On(EventDMX, func(data ...any) {
		r.handleDMX(socketID, data...)
	})
	client.On("disconnect", func(data ...any) {
		r.clients.Add(-1)
		reason := ""
		if len(data) > 0 {
			reason = fmt.Sprint(data[0])
		}
		logger.Infof("[relay] client disconnected (socket %s, reason: %s)", socketID, reason)
	})
}

func (r *Relay) handleDMX(socketID string, data ...any) {
	payload, ack := getFirstAnyWithAck(data)
	if payload == nil {
		logger.Warnf("[relay] empty DMX event from socket %s", socketID)
		if ack != nil {
			ack(map[string]any{"success": false})
		}
		return
	}

	logger.Debugf("[relay] DMX packet received for universe %s (socket %s)", universeOf(payload), socketID)
	r.broadcast(payload)
	r.relayed.Add(1)

	if ack != nil {
		ack(map[string]any{"success": true})
	}
}

// Relayed returns the number of frames rebroadcast so far.
func (r *Relay) Relayed() int64 {
	return r.relayed.Load()
}

// Clients returns the number of connected sockets.
func (r *Relay) Clients() int64 {
	return r.clients.Load()
}

// Handler returns a Gin handler for the Socket.IO endpoint.
func (r *Relay) Handler() gin.HandlerFunc {
	httpHandler := r.server.ServeHandler(nil)

	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "false")

		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusOK)
			return
		}

		logger.Tracef("[relay] Socket.IO request: %s %s", c.Request.Method, c.Request.URL.Path)
		httpHandler.ServeHTTP(c.Writer, c.Request)
	}
}

// Close shuts down the Socket.IO server.
func (r *Relay) Close() error {
	r.server.Close(nil)
	return nil
}

// getFirstAnyWithAck splits an event's arguments into the first payload and
// an optional trailing acknowledgement callback.
func getFirstAnyWithAck(data []any) (any, func(...any)) {
	var ack func(...any)
	if len(data) == 0 {
		return nil, nil
	}
	if cb, ok := data[len(data)-1].(func(...any)); ok {
		ack = cb
		data = data[:len(data)-1]
	} else if cb, ok := data[len(data)-1].(socket.Ack); ok {
		ack = func(args ...any) {
			cb(args, nil)
		}
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil, ack
	}
	return data[0], ack
}

// universeOf extracts the universe label from a DMX payload for logging.
func universeOf(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return "?"
	}
	v, ok := m["universe"]
	if !ok || v == nil {
		return "?"
	}
	return fmt.Sprint(v)
}
