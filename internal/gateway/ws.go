package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/slidoc/slidoc/internal/rowstore"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleWebSocket serves the persistent ordered channel: requests are
// handled strictly in arrival order on a single goroutine, so the
// timestamp-conflict expectation is relaxed for this transport.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req rowstore.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		resp := g.Handle(r.Context(), &req, true)
		if err := conn.WriteJSON(resp); err != nil {
			g.logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}
