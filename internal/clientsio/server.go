// Package clientsio serves the Socket.IO video path: one "connect-device"
// event subscribes a socket to a device's bus, which then receives
// "video-metadata" once and "video-data" per packet, per spec.md §4.6.
// New relative to the teacher (no example repo in the pack uses
// Socket.IO); built on github.com/googollee/go-socket.io, the standard Go
// Socket.IO server implementation, named explicitly by spec.md §6.
package clientsio

import (
	"context"
	"encoding/json"
	"time"

	"androidcontrol/internal/stream"

	socketio "github.com/googollee/go-socket.io"
	"github.com/sirupsen/logrus"
)

// Sessions is what the Socket.IO server needs from the streaming core.
type Sessions interface {
	Subscribe(ctx context.Context, id stream.DeviceId, opts stream.StreamOptions) (*stream.Subscriber, stream.VideoMetadata, error)
	Unsubscribe(id stream.DeviceId, sub *stream.Subscriber)
}

type connectDeviceRequest struct {
	DeviceID string `json:"device_id"`
	MaxSize  int    `json:"maxSize"`
	BitRate  int    `json:"bitRate"`
}

type socketState struct {
	cancel context.CancelFunc
	id     stream.DeviceId
	sub    *stream.Subscriber
}

// NewServer builds a socket.io server wired to sessions. defaultOpts
// supplies every StreamOptions field the request payload doesn't
// override. Per-connection state rides on socketio.Conn's own context
// slot, so no side map or extra locking is needed across handlers.
func NewServer(sessions Sessions, defaultOpts stream.StreamOptions) *socketio.Server {
	server := socketio.NewServer(nil)

	server.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(&socketState{})
		return nil
	})

	server.OnEvent("/", "connect-device", func(s socketio.Conn, raw string) {
		var req connectDeviceRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil || req.DeviceID == "" {
			s.Emit("error", map[string]string{"message": "invalid connect-device payload"})
			return
		}

		opts := defaultOpts
		if req.MaxSize > 0 {
			opts.MaxSize = req.MaxSize
		}
		if req.BitRate > 0 {
			opts.BitRate = req.BitRate
		}

		ctx, cancel := context.WithCancel(context.Background())
		sub, meta, err := sessions.Subscribe(ctx, stream.DeviceId(req.DeviceID), opts)
		if err != nil {
			cancel()
			s.Emit("error", map[string]string{"message": err.Error()})
			return
		}

		s.SetContext(&socketState{cancel: cancel, id: stream.DeviceId(req.DeviceID), sub: sub})

		s.Emit("video-metadata", map[string]interface{}{
			"device_name": meta.DeviceName,
			"width":       meta.Width,
			"height":      meta.Height,
		})

		go pumpVideoData(ctx, s, sub)
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		teardown(s, sessions)
	})

	server.OnError("/", func(s socketio.Conn, err error) {
		logrus.WithError(err).Warn("socket.io connection error")
		teardown(s, sessions)
	})

	return server
}

func teardown(s socketio.Conn, sessions Sessions) {
	st, ok := s.Context().(*socketState)
	if !ok || st == nil || st.cancel == nil {
		return
	}
	st.cancel()
	if st.sub != nil {
		sessions.Unsubscribe(st.id, st.sub)
	}
	s.SetContext(&socketState{})
}

// pumpVideoData emits one "video-data" event per packet, enveloped as
// {type, data, timestamp, keyframe?, pts?} to match the reference
// implementation's _packet_to_payload: keyframe/pts only accompany data
// packets, never configuration packets.
func pumpVideoData(ctx context.Context, s socketio.Conn, sub *stream.Subscriber) {
	for {
		pkt, ok := sub.Next(ctx)
		if !ok {
			return
		}

		payload := map[string]interface{}{
			"type":      packetTypeLabel(pkt.Kind),
			"data":      pkt.Payload,
			"timestamp": time.Now().UnixMilli(),
		}
		if pkt.Kind == stream.PacketData {
			payload["keyframe"] = pkt.Keyframe
			payload["pts"] = pkt.PTS
		}

		s.Emit("video-data", payload)
	}
}

func packetTypeLabel(kind stream.PacketKind) string {
	if kind == stream.PacketConfiguration {
		return "configuration"
	}
	return "data"
}
