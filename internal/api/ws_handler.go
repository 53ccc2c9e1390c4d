package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/fanout"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

// WebSocketHandler handles the /api/v1/ws endpoint for real-time alias events.
type WebSocketHandler struct {
	engine   Engine
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocketHandler instance. Origins are checked
// by the CORS layer in front, so the upgrader accepts any.
func NewWebSocketHandler(engine Engine, logger *logrus.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		engine: engine,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades the connection and subscribes it to ?alias=. The first frame is a
// snapshot of the cached messages, followed by one frame per new message.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	owner, ok := GetOwnerFromContext(r.Context(), w)
	if !ok {
		return
	}

	address := r.URL.Query().Get("alias")
	if address == "" {
		http.Error(w, "alias is required", http.StatusBadRequest)
		return
	}
	// Fail before upgrading so the client gets a real status code.
	if _, err := h.engine.OwnedAlias(owner, address); err != nil {
		writeError(w, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("owner", owner).Debug("WebSocket upgrade failed")
		return
	}

	sub := fanout.NewWSSubscriber(conn, wsWriteTimeout)
	if err := h.engine.SubscribeWith(owner, address, sub); err != nil {
		h.logger.WithError(err).WithField("owner", owner).Info("WebSocket subscription rejected")
		_ = sub.CloseWithReason(websocket.ClosePolicyViolation, err.Error())
		return
	}

	log := h.logger.WithFields(logrus.Fields{"owner": owner, "alias": address})
	log.Debug("WebSocket subscribed")

	done := make(chan struct{})
	go h.pingLoop(sub, done)
	go func() {
		defer close(done)
		h.readLoop(sub)
		h.engine.Unsubscribe(sub)
		log.Debug("WebSocket closed")
	}()
}

// readLoop reads until the client goes away. Clients never send anything meaningful.
func (h *WebSocketHandler) readLoop(sub *fanout.WSSubscriber) {
	conn := sub.Conn()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) pingLoop(sub *fanout.WSSubscriber, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sub.Ping(); err != nil {
				return
			}
		}
	}
}
