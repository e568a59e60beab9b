package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/collab"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 1 << 20
	clientSendDepth = 256
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := false
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
			continue
		}
		origins[strings.ToLower(origin)] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := origins[strings.ToLower(origin)]
			return ok
		},
	}
}

// wsSession is one websocket connection. The read pump owns the subscriptions
// map; the write pump owns the connection's write side; forwarding goroutines
// funnel room messages into the send channel.
type wsSession struct {
	handler       *httpHandler
	conn          *websocket.Conn
	connectionID  collab.ConnectionID
	subject       string
	displayName   string
	send          chan []byte
	done          chan struct{}
	closeOnce     sync.Once
	subscriptions map[collab.RoomKey]*collab.Subscription
}

func (h *httpHandler) handleCollabSocket(c *gin.Context) {
	subject := c.GetString(subjectContextKey)
	displayName := c.GetString(displayNameContextKey)
	if displayName == "" {
		displayName = strings.TrimSpace(c.Query("display_name"))
	}

	rawID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("failed to issue connection id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connection_id_failed"})
		return
	}
	connectionID, err := collab.NewConnectionID(rawID)
	if err != nil {
		h.logger.Error("failed to validate connection id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connection_id_failed"})
		return
	}

	conn, upgradeErr := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if upgradeErr != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(upgradeErr))
		return
	}

	session := &wsSession{
		handler:       h,
		conn:          conn,
		connectionID:  connectionID,
		subject:       subject,
		displayName:   displayName,
		send:          make(chan []byte, clientSendDepth),
		done:          make(chan struct{}),
		subscriptions: make(map[collab.RoomKey]*collab.Subscription),
	}

	h.logger.Debug("websocket connected",
		zap.String("connection", connectionID.String()),
		zap.String("subject", subject))

	go session.writePump()
	session.readPump(c.Request.Context())
}

func (session *wsSession) readPump(ctx context.Context) {
	defer session.cleanup()

	session.conn.SetReadLimit(maxMessageSize)
	_ = session.conn.SetReadDeadline(time.Now().Add(pongWait))
	session.conn.SetPongHandler(func(string) error {
		return session.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var envelope clientEnvelope
		if err := session.conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				session.handler.logger.Debug("websocket read ended",
					zap.String("connection", session.connectionID.String()),
					zap.Error(err))
			}
			return
		}

		switch envelope.Type {
		case messageTypeJoin:
			session.handleJoin(ctx, envelope)
		case messageTypeSyncRequest:
			session.handleSyncRequest(ctx, envelope)
		case messageTypeUpdate:
			session.handleUpdate(envelope)
		case messageTypeAwareness:
			session.handleAwareness(ctx, envelope)
		default:
			session.enqueue(marshalError(envelope.Room, "unknown_message_type"))
		}
	}
}

func (session *wsSession) handleJoin(ctx context.Context, envelope clientEnvelope) {
	key, err := collab.ParseRoomKey(envelope.Room)
	if err != nil {
		session.enqueue(marshalError(envelope.Room, "invalid_room"))
		return
	}

	if existing, ok := session.subscriptions[key]; ok {
		existing.Leave()
		delete(session.subscriptions, key)
	}

	subscription, err := session.handler.collab.Join(ctx, key, session.connectionID)
	if err != nil {
		session.handler.logger.Warn("room join failed",
			zap.String("room", key.String()),
			zap.String("connection", session.connectionID.String()),
			zap.Error(err))
		session.enqueue(marshalError(key.String(), "join_failed"))
		return
	}
	session.subscriptions[key] = subscription
	go session.forwardRoomMessages(subscription)

	session.handler.announcePresence(ctx, key.String(), session.connectionID.String(), session.displayName)
	session.enqueue(marshalJoined(key.String(), session.connectionID.String()))
}

func (session *wsSession) handleSyncRequest(ctx context.Context, envelope clientEnvelope) {
	key, err := collab.ParseRoomKey(envelope.Room)
	if err != nil {
		session.enqueue(marshalError(envelope.Room, "invalid_room"))
		return
	}

	state, err := session.handler.collab.RequestSync(ctx, key)
	if err != nil {
		session.handler.logger.Error("sync request failed",
			zap.String("room", key.String()),
			zap.String("connection", session.connectionID.String()),
			zap.Error(err))
		session.enqueue(marshalError(key.String(), "sync_failed"))
		return
	}

	var payload *string
	if state != nil {
		encoded := base64.StdEncoding.EncodeToString(state)
		payload = &encoded
	}
	session.enqueue(marshalSyncReply(key.String(), payload))
}

func (session *wsSession) handleUpdate(envelope clientEnvelope) {
	key, fragment, ok := session.decodeFragment(envelope)
	if !ok {
		return
	}

	if err := session.handler.collab.RelayUpdate(key, session.connectionID, fragment); err != nil {
		session.enqueue(marshalError(key.String(), relayErrorReason(err)))
	}
}

func (session *wsSession) handleAwareness(ctx context.Context, envelope clientEnvelope) {
	key, fragment, ok := session.decodeFragment(envelope)
	if !ok {
		return
	}

	if err := session.handler.collab.RelayAwareness(key, session.connectionID, fragment); err != nil {
		session.enqueue(marshalError(key.String(), relayErrorReason(err)))
		return
	}
	session.handler.heartbeatPresence(ctx, key.String(), session.connectionID.String())
}

func (session *wsSession) decodeFragment(envelope clientEnvelope) (collab.RoomKey, []byte, bool) {
	key, err := collab.ParseRoomKey(envelope.Room)
	if err != nil {
		session.enqueue(marshalError(envelope.Room, "invalid_room"))
		return collab.RoomKey{}, nil, false
	}
	fragment, err := base64.StdEncoding.DecodeString(envelope.Payload)
	if err != nil || len(fragment) == 0 {
		session.enqueue(marshalError(key.String(), "invalid_payload"))
		return collab.RoomKey{}, nil, false
	}
	return key, fragment, true
}

func relayErrorReason(err error) string {
	switch {
	case errors.Is(err, collab.ErrMalformedFragment):
		return "malformed_fragment"
	case errors.Is(err, collab.ErrNotSubscribed):
		return "not_subscribed"
	case errors.Is(err, collab.ErrServiceClosed):
		return "service_closed"
	default:
		return "relay_failed"
	}
}

// forwardRoomMessages drains one subscription into the send channel. When the
// stream closes without this side leaving first, the service detached us and
// the client must rejoin to resync.
func (session *wsSession) forwardRoomMessages(subscription *collab.Subscription) {
	room := subscription.Room().String()
	for message := range subscription.Messages() {
		var frame []byte
		switch message.Kind {
		case collab.MessageKindUpdate:
			frame = marshalRelay(messageTypeUpdate, room, message.Sender.String(),
				base64.StdEncoding.EncodeToString(message.Payload))
		case collab.MessageKindAwareness:
			frame = marshalRelay(messageTypeAwareness, room, message.Sender.String(),
				base64.StdEncoding.EncodeToString(message.Payload))
		case collab.MessageKindPeerGone:
			frame = marshalPeerGone(room, message.Sender.String())
		default:
			continue
		}
		session.enqueue(frame)
	}

	select {
	case <-session.done:
	default:
		session.enqueue(marshalError(room, "detached"))
	}
}

// enqueue hands a frame to the write pump. A full buffer means the client
// stopped draining; the connection is closed so it reconnects and resyncs
// instead of silently missing frames.
func (session *wsSession) enqueue(frame []byte) {
	select {
	case <-session.done:
	case session.send <- frame:
	default:
		_ = session.conn.Close()
	}
}

func (session *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = session.conn.Close()
	}()

	for {
		select {
		case frame := <-session.send:
			_ = session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-session.done:
			_ = session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = session.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (session *wsSession) cleanup() {
	session.closeOnce.Do(func() { close(session.done) })
	for _, subscription := range session.subscriptions {
		room := subscription.Room().String()
		subscription.Leave()
		session.handler.withdrawPresence(room, session.connectionID.String())
	}
	_ = session.conn.Close()

	session.handler.logger.Debug("websocket disconnected",
		zap.String("connection", session.connectionID.String()))
}
