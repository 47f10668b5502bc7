package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dndtracker/internal/broadcast"
	"dndtracker/internal/encounter"
	"dndtracker/internal/logging"
	"dndtracker/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10
)

// messageSync asks the server to resend the state unless the client already
// holds the given sequence.
const messageSync = "sync"

type inbound struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
}

// serveChannel upgrades to a push channel. A rejected token still completes
// the upgrade and is answered with a policy-violation close frame, so
// browsers can read the reason.
func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	id, tok := mux.Vars(r)["id"], r.URL.Query().Get("token")
	sub, err := s.svc.Subscribe(r.Context(), id, tok)
	if err != nil {
		s.log.Info("push channel rejected",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("encounter_id", id),
			zap.String("token", logging.MaskToken(tok)),
			zap.String("reason", encounter.Code(err)))
		reject(conn, err)
		return
	}

	c := &channel{
		conn:    conn,
		sub:     sub,
		svc:     s.svc,
		limiter: rate.NewLimiter(rate.Limit(s.opts.SyncRate), s.opts.SyncBurst),
		log:     s.log.With(zap.String("encounter_id", id), zap.String("role", string(sub.Role))),
	}
	go c.writePump()
	c.readPump()
}

func reject(conn *websocket.Conn, err error) {
	reason := "internal error"
	switch {
	case errors.Is(err, encounter.ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, encounter.ErrNotFound):
		reason = "not found"
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// channel pumps frames between one subscriber and its connection.
type channel struct {
	conn    *websocket.Conn
	sub     *broadcast.Subscriber
	svc     *session.Service
	limiter *rate.Limiter
	log     *zap.Logger
}

// readPump handles inbound sync requests until the connection fails, then
// releases the subscription.
func (c *channel) readPump() {
	defer func() {
		c.svc.Unsubscribe(c.sub)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("push channel read failed", zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == messageSync {
			c.svc.Resync(c.sub, msg.Sequence)
		}
	}
}

// writePump drains the subscriber queue in order and keeps the connection
// alive with pings. A closed queue ends the channel with a close frame.
func (c *channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.sub.Frames():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("push channel write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
