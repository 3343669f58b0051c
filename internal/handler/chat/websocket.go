package chat

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/drakyn/agent/backend/internal/config"
	"github.com/drakyn/agent/backend/internal/service/session"
	"github.com/drakyn/agent/backend/pkg/utils"
)

// WebSocketHandler runs a conversation session per websocket connection.
type WebSocketHandler struct {
	deps     session.Deps
	cfg      config.SessionConfig
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the handler. Browsers are only accepted from
// allowedOrigin; clients that send no Origin header are always accepted.
func NewWebSocketHandler(deps session.Deps, cfg config.SessionConfig, allowedOrigin string) *WebSocketHandler {
	allowedOrigin = strings.TrimRight(allowedOrigin, "/")
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 10 / 9
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &WebSocketHandler{
		deps: deps,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "" || strings.EqualFold(origin, allowedOrigin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chat/{conversationID}", h.handleWebSocket)
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		utils.RespondError(w, http.StatusBadRequest, "conversationID is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "websocket").Msg("upgrade failed")
		return
	}

	transport := newWSTransport(conn, h.cfg)
	s := session.New(conversationID, transport, h.deps, session.Config{
		AuthTimeout:    h.cfg.AuthTimeout,
		PersistTimeout: h.cfg.PersistTimeout,
	})

	log.Debug().Str("component", "websocket").Str("conv_id", conversationID).Str("session_id", s.ID()).Msg("connection opened")
	if err := s.Run(r.Context()); err != nil {
		log.Info().Err(err).Str("component", "websocket").Str("session_id", s.ID()).Msg("connection closed by server")
	}
}

// wsTransport adapts a gorilla connection to session.Transport. Only the
// session goroutine writes data frames; pings and close frames go through
// WriteControl, which is safe to call concurrently.
type wsTransport struct {
	conn *websocket.Conn
	cfg  config.SessionConfig

	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, cfg config.SessionConfig) *wsTransport {
	t := &wsTransport{conn: conn, cfg: cfg, done: make(chan struct{})}

	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	go t.pingLoop()
	return t
}

func (t *wsTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
			log.Debug().Err(err).Str("component", "websocket").Msg("read error")
		}
		return nil, err
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	return data, nil
}

func (t *wsTransport) Send(event session.Event) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return errors.Wrap(t.conn.WriteJSON(event), "write event")
}

func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		deadline := time.Now().Add(t.cfg.WriteWait)
		writeErr := t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
			err = errors.Wrap(writeErr, "write close frame")
		}
		if closeErr := t.conn.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "close connection")
		}
	})
	return err
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}
