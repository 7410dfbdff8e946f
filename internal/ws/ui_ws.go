package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"legalaid-chat/internal/models"
	"legalaid-chat/internal/observability"
)

// UIWebSocketHandler upgrades UI sockets onto the hub.
type UIWebSocketHandler struct {
	hub *Hub
	log *zap.Logger
}

// NewUIWebSocketHandler constructs a UIWebSocketHandler.
func NewUIWebSocketHandler(hub *Hub, log *zap.Logger) *UIWebSocketHandler {
	return &UIWebSocketHandler{hub: hub, log: log.With(zap.String("component", "ws.ui"))}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and registers the client. The first frame
// is a state notification so the UI loads a snapshot.
func (h *UIWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("legalaid-chat/ws").Start(c.Request.Context(), "ws.handshake",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := h.hub.AddClient(conn, info)
	h.log.Info("ui connected", info.fields()...)

	if hello, err := jsonNotification(models.Notification{Kind: models.NotifyState}); err == nil {
		h.hub.sendTo(client, hello)
	}

	// UI sockets are push-only; reads only detect the close.
	go func() {
		defer h.hub.RemoveClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.log.Debug("ui socket closed", zap.String("conn_id", info.ConnID), zap.Error(err))
				}
				return
			}
		}
	}()
}
