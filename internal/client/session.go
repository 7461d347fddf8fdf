package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/protocol"
)

const (
	writeWait                = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// session is one live websocket connection to the hub. Writes are serialized
// with a mutex since heartbeats, buffer flushes and resolutions all write
// from their own goroutines.
type session struct {
	conn      *websocket.Conn
	deviceID  uuid.UUID
	heartbeat time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func dialSession(ctx context.Context, config Config, deviceID uuid.UUID) (*session, error) {
	u, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", config.ServerURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/sync"
	}

	q := u.Query()
	if config.Token != "" {
		q.Set("token", config.Token)
	} else {
		q.Set("user_id", config.UserID)
		q.Set("device_id", deviceID.String())
	}
	if config.DeviceName != "" {
		q.Set("device_name", config.DeviceName)
	}
	if config.DeviceType != "" {
		q.Set("device_type", config.DeviceType)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &session{
		conn:      conn,
		deviceID:  deviceID,
		heartbeat: config.HeartbeatInterval,
		done:      make(chan struct{}),
	}, nil
}

func (s *session) send(frame *protocol.Frame) error {
	raw, err := frame.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// run reads frames until the connection dies, handing each one to handle.
// The read deadline spans two heartbeat intervals, so a hub that stops
// answering is declared dead after two missed beats.
func (s *session) run(ctx context.Context, handle func(*protocol.Frame)) error {
	defer s.close()

	go s.heartbeatLoop(ctx)

	for {
		s.conn.SetReadDeadline(time.Now().Add(2 * s.heartbeat))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			logger.Log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		handle(frame)
	}
}

func (s *session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(protocol.Heartbeat(s.deviceID)); err != nil {
				logger.Log.Debug("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// closeGracefully announces a normal closure first so the hub releases the
// device's primary claim immediately instead of waiting out the grace period.
func (s *session) closeGracefully() {
	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown"),
		time.Now().Add(writeWait))
	s.writeMu.Unlock()
	s.close()
}
