package negotiation

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"agrilink/contract-portal/contract-portal-backend/internal/auth"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 8192
)

const (
	FrameHistory = "history"
	FrameMessage = "message"
	FrameFailure = "error"
)

// ErrorClassifier maps a core error to a status, a stable code and a message
type ErrorClassifier func(err error) (status int, code string, message string)

// ServerFrame is every frame the server writes to a session socket
type ServerFrame struct {
	Type     string     `json:"type"`
	Messages []Message  `json:"messages,omitempty"`
	Message  *Message   `json:"message,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server upgrades HTTP requests into negotiation session sockets
type Server struct {
	hub      *Hub
	classify ErrorClassifier
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, classify ErrorClassifier, allowedOrigins []string, logger *zap.Logger) *Server {
	return &Server{
		hub:      hub,
		classify: classify,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// connection is one socket bound to one subscription
type connection struct {
	conn   *websocket.Conn
	sub    *Subscription
	errors chan ServerFrame
	done   chan struct{}
}

// ServeSession joins the session before upgrading so that refusals are
// reported as plain HTTP errors.
func (s *Server) ServeSession(w http.ResponseWriter, r *http.Request, contractID uuid.UUID, p auth.Principal) {
	sub, err := s.hub.Join(r.Context(), contractID, p)
	if err != nil {
		status, code, message := s.classify(err)
		writeJSONError(w, status, code, message)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.Warn("failed to upgrade negotiation socket", zap.Error(err))
		return
	}

	c := &connection{
		conn:   conn,
		sub:    sub,
		errors: make(chan ServerFrame, 16),
		done:   make(chan struct{}),
	}

	go s.writePump(c)
	go s.readPump(c)
}

// readPump submits client frames until the socket fails
func (s *Server) readPump(c *connection) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.sub.Close()
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("negotiation socket closed", zap.Error(err))
			}
			return
		}

		var in ClientMessage
		if err := json.Unmarshal(data, &in); err != nil {
			s.sendError(c, "validation", "malformed frame: "+err.Error())
			continue
		}

		if _, err := s.hub.Submit(ctx, c.sub.ContractID, c.sub.Participant, in); err != nil {
			_, code, message := s.classify(err)
			s.sendError(c, code, message)
		}
	}
}

// sendError queues an error frame for the sender only
func (s *Server) sendError(c *connection, code, message string) {
	frame := ServerFrame{Type: FrameFailure, Error: &ErrorBody{Code: code, Message: message}}
	select {
	case c.errors <- frame:
	default:
		s.logger.Warn("error frame dropped", zap.String("contract_id", c.sub.ContractID.String()))
	}
}

// writePump sends history once, then live messages, error frames and pings
func (s *Server) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ServerFrame{Type: FrameHistory, Messages: c.sub.History}); err != nil {
		return
	}

	events := c.sub.Events()
	for {
		select {
		case msg, ok := <-events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// dropped by the hub or closed by readPump
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ServerFrame{Type: FrameMessage, Message: &msg}); err != nil {
				return
			}

		case frame := <-c.errors:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

// originChecker returns nil for an empty list, which leaves the upgrader on
// its same-origin default. "*" must be listed to accept any origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
