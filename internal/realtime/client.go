package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// TokenValidator validates a relay room token and returns the room, identity
// and role it grants.
type TokenValidator func(token string) (room, identity, role string, err error)

// Client represents a single websocket connection in a relay room.
type Client struct {
	Room     string
	Identity string
	Role     string
	hub      *Hub
	sfu      *SFU
	conn     *websocket.Conn
	send     chan Signal
	logger   *zap.Logger

	closeOnce sync.Once
}

// ServeWs handles the websocket upgrade on /ws/rtc/:room and runs the client loop.
func ServeWs(hub *Hub, sfu *SFU, validate TokenValidator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		room := c.Param("room")
		token := c.Query("token")
		if room == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "room and token required"})
			return
		}
		grantedRoom, identity, role, err := validate(token)
		if err != nil || grantedRoom != room {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			Room:     room,
			Identity: identity,
			Role:     role,
			hub:      hub,
			sfu:      sfu,
			conn:     conn,
			send:     make(chan Signal, 256),
			logger:   logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) readPump() {
	defer func() {
		// Only the current connection for this identity tears the peer
		// down; a replaced connection must leave the media session alone.
		if c.hub.Unregister(c) {
			c.sfu.Leave(c.Room, c.Identity)
			c.hub.Broadcast(c.Room, c.Identity, Signal{
				Type:          SignalParticipantLeft,
				ParticipantID: c.Identity,
			})
		}
		c.closeConn()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	sendToMe := func(sig Signal) {
		c.hub.SendToClient(c.Room, c.Identity, sig)
	}

	for {
		var sig Signal
		if err := c.conn.ReadJSON(&sig); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch sig.Type {
		case SignalJoin:
			c.sfu.Join(c.Room, c.Identity, sendToMe)
			sendToMe(Signal{Type: SignalJoined, Room: c.Room})
			c.hub.Broadcast(c.Room, c.Identity, Signal{
				Type:          SignalParticipantJoined,
				ParticipantID: c.Identity,
			})
		case SignalOffer:
			if sig.SDP == "" {
				continue
			}
			if err := c.sfu.HandleOffer(c.Room, c.Identity, sig.SDP, sendToMe); err != nil {
				c.logger.Warn("handle offer failed", zap.Error(err), zap.String("identity", c.Identity))
				sendToMe(Signal{Type: SignalError, Error: "negotiation failed"})
			}
		case SignalAnswer:
			if sig.SDP == "" {
				continue
			}
			if err := c.sfu.HandleAnswer(c.Room, c.Identity, sig.SDP); err != nil {
				c.logger.Warn("handle answer failed", zap.Error(err), zap.String("identity", c.Identity))
			}
		case SignalCandidate:
			if sig.Candidate == nil {
				continue
			}
			if err := c.sfu.HandleCandidate(c.Room, c.Identity, *sig.Candidate); err != nil {
				c.logger.Warn("handle candidate failed", zap.Error(err), zap.String("identity", c.Identity))
			}
		case SignalMute:
			if sig.Kind == "" || sig.Enabled == nil {
				continue
			}
			c.sfu.HandleMute(c.Room, c.Identity, sig.Kind, *sig.Enabled, func(out Signal) {
				c.hub.Broadcast(c.Room, c.Identity, out)
			})
		case SignalResubscribe:
			c.sfu.HandleResubscribe(c.Room, c.Identity, sendToMe)
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case sig, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(sig); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
