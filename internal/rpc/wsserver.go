package rpc

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/scriptum/daemon/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades to a `/rpc` connection and services it until
// the client disconnects: every inbound text or binary frame is one
// JSON-RPC request, answered with exactly one response frame of the
// same type, matching original_source/crates/daemon/src/rpc/ws.rs's
// handle_socket loop. Unlike the sync protocol's WsSession, this
// connection is stateless request/response — there is no subscription,
// heartbeat, or backpressure concern here.
func WebSocketHandler(d *Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("rpc websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				response := d.Dispatch(context.Background(), payload)
				if err := conn.WriteMessage(messageType, response); err != nil {
					return
				}
			case websocket.PingMessage:
				if err := conn.WriteMessage(websocket.PongMessage, nil); err != nil {
					return
				}
			case websocket.CloseMessage:
				return
			}
		}
	}
}
