// Package clientws serves the length-prefixed WS video path: one
// connection, one device, one Bus subscription for its lifetime. Grounded
// on the teacher's api.Client/writePump/readPump (ping/pong keepalive,
// bounded send channel, binary-vs-JSON framing), adapted from the
// teacher's one-hub-many-devices multiplexer to one subscriber per
// connection per spec.md §4.6.
package clientws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"androidcontrol/internal/stream"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 2 * 1024 * 1024,
}

// Sessions is what the H.264 WS handler needs from the streaming core.
type Sessions interface {
	Subscribe(ctx context.Context, id stream.DeviceId, opts stream.StreamOptions) (*stream.Subscriber, stream.VideoMetadata, error)
	Unsubscribe(id stream.DeviceId, sub *stream.Subscriber)
	Restart(ctx context.Context, id stream.DeviceId, sub *stream.Subscriber, opts stream.StreamOptions) (*stream.Subscriber, stream.VideoMetadata, error)
}

// configMessage is the in-band restart request a lone viewer can send to
// change StreamOptions without reconnecting.
type configMessage struct {
	Type    string `json:"type"`
	MaxSize int    `json:"max_size"`
	BitRate int    `json:"bit_rate"`
}

// safeConn serializes writes to the connection: pumpVideo and readLoop's
// pong replies both write concurrently, and gorilla/websocket forbids
// concurrent writers on one *websocket.Conn.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *safeConn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// ServeH264 upgrades the request, subscribes to the device's bus, and
// pumps packets out as binary WS messages until the client disconnects
// or the subscriber is evicted (LaggingOut, session torn down).
func ServeH264(sessions Sessions, id stream.DeviceId, defaultOpts stream.StreamOptions, w http.ResponseWriter, r *http.Request) {
	log := logrus.WithField("device", string(id)).WithField("transport", "ws-h264")

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer wsConn.Close()
	conn := &safeConn{Conn: wsConn}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, meta, err := sessions.Subscribe(ctx, id, defaultOpts)
	if err != nil {
		writeError(conn, err)
		return
	}
	opts := defaultOpts

	conn.SetReadLimit(1 << 16)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	writeConnected(conn, meta)

	restartCh := make(chan configMessage, 1)
	done := make(chan struct{})
	go readLoop(conn, cancel, restartCh, done)

	for {
		outcome, msg := pumpVideo(ctx, conn, sub, restartCh, log)
		if outcome != outcomeRestart {
			break
		}

		newOpts := opts
		newOpts.MaxSize = msg.MaxSize
		newOpts.BitRate = msg.BitRate

		newSub, newMeta, err := sessions.Restart(ctx, id, sub, newOpts)
		if err != nil {
			writeError(conn, err)
			break
		}
		sub, opts, meta = newSub, newOpts, newMeta
		writeConnected(conn, meta)
	}

	sessions.Unsubscribe(id, sub)
	<-done
}

func writeConnected(conn *safeConn, meta stream.VideoMetadata) {
	payload, _ := json.Marshal(map[string]interface{}{
		"type":        "connected",
		"device_name": meta.DeviceName,
		"width":       meta.Width,
		"height":      meta.Height,
	})
	conn.writeMessage(websocket.TextMessage, payload)
}

func writeError(conn *safeConn, err error) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "message": err.Error()})
	conn.writeMessage(websocket.TextMessage, payload)
}

// readLoop detects client-initiated close, drives the pong deadline,
// echoes a literal "ping" text frame with "pong" per spec.md §4.6, and
// forwards in-band {"type":"config",...} restart requests onto
// restartCh. Any other text frame is ignored.
func readLoop(conn *safeConn, cancel context.CancelFunc, restartCh chan<- configMessage, done chan<- struct{}) {
	defer close(done)
	defer cancel()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if string(data) == "ping" {
			conn.writeMessage(websocket.TextMessage, []byte("pong"))
			continue
		}
		var msg configMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "config" {
			continue
		}
		select {
		case restartCh <- msg:
		default:
		}
	}
}

type pumpOutcome int

const (
	outcomeDone pumpOutcome = iota
	outcomeRestart
)

// pumpVideo drains the subscriber and ping-keeps-alive the connection
// until ctx is cancelled, the subscriber closes, or a restart request
// arrives on restartCh. A single background goroutine feeds packets into
// pktCh so the select loop can also service the ping ticker and
// restartCh without starving any of them.
func pumpVideo(ctx context.Context, conn *safeConn, sub *stream.Subscriber, restartCh <-chan configMessage, log *logrus.Entry) (pumpOutcome, configMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	pktCh := make(chan stream.MediaPacket)
	go func() {
		defer close(pktCh)
		for {
			pkt, ok := sub.Next(ctx)
			if !ok {
				return
			}
			select {
			case pktCh <- pkt:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return outcomeDone, configMessage{}
		case <-sub.Closed():
			if cause := sub.CloseCause(); cause != nil {
				log.WithError(cause).Info("subscriber closed")
			}
			return outcomeDone, configMessage{}
		case msg := <-restartCh:
			return outcomeRestart, msg
		case <-ticker.C:
			if err := conn.writeMessage(websocket.PingMessage, nil); err != nil {
				return outcomeDone, configMessage{}
			}
		case pkt, ok := <-pktCh:
			if !ok {
				return outcomeDone, configMessage{}
			}
			if err := conn.writeMessage(websocket.BinaryMessage, pkt.Payload); err != nil {
				return outcomeDone, configMessage{}
			}
		}
	}
}
