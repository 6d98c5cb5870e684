package ws

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/zimage-server/internal/hub"
	"github.com/aliskhannn/zimage-server/internal/model"
	jobsvc "github.com/aliskhannn/zimage-server/internal/service/job"
)

const maxMessageBytes = 1 << 20

// service is the orchestrator entry point the transport depends on.
type service interface {
	Handle(ctx context.Context, caller jobsvc.Caller, raw []byte) []model.Outbound
}

// Handler upgrades HTTP requests to WebSocket connections and pumps messages
// between the connection and the job orchestrator. All writes to a
// connection flow through its hub session outbox, so the write pump is the
// single writer.
type Handler struct {
	service  service
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a new Handler with the given service and hub.
func NewHandler(s service, h *hub.Hub) *Handler {
	return &Handler{
		service: s,
		hub:     h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin policy is handled by the CORS middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve handles one WebSocket connection. Clients may supply a client_id
// query parameter to keep their subscriptions across reconnects; anonymous
// connections get a generated identifier that lives as long as the process.
func (h *Handler) Serve(c *ginext.Context) {
	clientID := c.Query("client_id")
	bound := clientID != ""
	if !bound {
		clientID = uuid.New().String()
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zlog.Logger.Err(err).Msg("websocket upgrade failed")
		return
	}

	zlog.Logger.Info().Str("client_id", clientID).Bool("bound", bound).Msg("client connected")

	sess := h.hub.Bind(clientID)
	defer h.hub.Unbind(sess)

	go writePump(conn, sess)

	caller := jobsvc.Caller{ClientID: clientID, Bound: bound}
	conn.SetReadLimit(maxMessageBytes)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zlog.Logger.Warn().Err(err).Str("client_id", clientID).Msg("websocket read error")
			}
			break
		}

		for _, out := range h.service.Handle(c.Request.Context(), caller, raw) {
			h.hub.Send(clientID, out)
		}
	}

	zlog.Logger.Info().Str("client_id", clientID).Msg("client disconnected, subscriptions preserved")
}

// writePump drains the session outbox onto the connection. It exits when
// the outbox is closed, either by Unbind or because a reconnect with the
// same client_id replaced this session; the stale connection is then closed.
func writePump(conn *websocket.Conn, sess *hub.Session) {
	defer conn.Close()

	for msg := range sess.Outbox() {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
