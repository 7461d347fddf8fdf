package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/protocol"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/registry"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

// Session is one device's open sync connection. Frames to the device go
// through a bounded send queue drained by writePump; inbound frames are
// handled on the read loop, which keeps events from one device in order.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	userID   string
	deviceID uuid.UUID

	send      chan *protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
	graceful  atomic.Bool
}

func newSession(h *Hub, conn *websocket.Conn, userID string, deviceID uuid.UUID) *Session {
	return &Session{
		hub:      h,
		conn:     conn,
		userID:   userID,
		deviceID: deviceID,
		send:     make(chan *protocol.Frame, h.config.SendQueueSize),
		done:     make(chan struct{}),
	}
}

// Enqueue hands a frame to the write pump without blocking. Returns false if
// the queue is full or the session is closing.
func (s *Session) Enqueue(frame *protocol.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// CloseGracefully sends a normal close so the device treats the disconnect as
// intentional and does not reconnect.
func (s *Session) CloseGracefully(reason string) {
	s.graceful.Store(true)
	deadline := time.Now().Add(writeWait)
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		logger.Log.Debug("failed to write close frame", zap.String("device_id", s.deviceID.String()), zap.Error(err))
	}
	s.close()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) run(ctx context.Context) {
	s.hub.attach(s)
	defer s.hub.detach(s)
	defer s.close()

	go s.writePump()
	s.readPump(ctx)
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)

	// Two missed heartbeats and the connection is considered dead.
	readWait := 2 * s.hub.config.HeartbeatInterval

	for {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.graceful.Store(true)
			} else if !errors.Is(err, websocket.ErrCloseSent) {
				logger.Log.Debug("read failed", zap.String("device_id", s.deviceID.String()), zap.Error(err))
			}
			return
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			// Malformed frames are dropped; the connection stays up.
			logger.Log.Warn("dropping malformed frame",
				zap.String("user_id", s.userID),
				zap.String("device_id", s.deviceID.String()),
				zap.Error(err))
			continue
		}

		s.dispatch(ctx, frame)
	}
}

func (s *Session) dispatch(ctx context.Context, frame *protocol.Frame) {
	switch {
	case frame.Type == protocol.TypeHeartbeat:
		if err := s.hub.registry.Touch(ctx, s.userID, s.deviceID); err != nil && !errors.Is(err, registry.ErrNotFound) {
			logger.Log.Warn("failed to touch device session", zap.String("device_id", s.deviceID.String()), zap.Error(err))
		}
		s.Enqueue(protocol.HeartbeatAck())

	case frame.Type.IsEvent() || frame.Type == protocol.TypeConflictResolution:
		event, err := frame.Event(s.userID)
		if err != nil {
			s.hub.metrics.EventsTotal.WithLabelValues(string(frame.Type), "rejected").Inc()
			logger.Log.Warn("dropping invalid event",
				zap.String("user_id", s.userID),
				zap.String("device_id", s.deviceID.String()),
				zap.Error(err))
			return
		}
		if event.DeviceID != s.deviceID {
			s.hub.metrics.EventsTotal.WithLabelValues(string(frame.Type), "rejected").Inc()
			logger.Log.Warn("dropping event with mismatched device id",
				zap.String("device_id", s.deviceID.String()),
				zap.String("claimed_device_id", event.DeviceID.String()))
			return
		}
		if err := s.hub.Submit(ctx, s, event, frame.Type == protocol.TypeConflictResolution); err != nil {
			logger.Log.Error("failed to process event",
				zap.String("user_id", s.userID),
				zap.String("event_id", frame.EventID),
				zap.Error(err))
		}

	case frame.Type == protocol.TypeRequestLatestState:
		if err := s.hub.SendLatestState(ctx, s, frame.ContextKey); err != nil {
			logger.Log.Error("failed to send latest state", zap.String("user_id", s.userID), zap.Error(err))
		}

	default:
		logger.Log.Debug("ignoring unexpected frame",
			zap.String("device_id", s.deviceID.String()),
			zap.String("type", string(frame.Type)))
	}
}

func (s *Session) writePump() {
	defer s.close()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			raw, err := frame.Encode()
			if err != nil {
				logger.Log.Error("failed to encode frame", zap.String("type", string(frame.Type)), zap.Error(err))
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				logger.Log.Debug("write failed", zap.String("device_id", s.deviceID.String()), zap.Error(err))
				return
			}
		}
	}
}
