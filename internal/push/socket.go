package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aesdetic/aesdetic-core/internal/wled"
)

// socket is one device connection with its own reconnect loop.
type socket struct {
	manager  *Manager
	deviceID string
	addr     string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	priority int
}

func newSocket(m *Manager, deviceID, addr string, priority int) *socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &socket{
		manager:  m,
		deviceID: deviceID,
		addr:     addr,
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusConnecting,
		priority: priority,
	}
}

// run dials the device and reads pushes until stopped, reconnecting with
// capped exponential backoff on any failure.
func (s *socket) run() {
	cfg := s.manager.cfg
	backoff := cfg.ReconnectInitial()
	first := true

	for {
		if s.ctx.Err() != nil {
			return
		}

		if first {
			s.setStatus(StatusConnecting)
		} else {
			s.setStatus(StatusReconnecting)
		}

		conn, err := s.dial()
		if err != nil {
			s.manager.logger.Debug("push dial failed",
				"device_id", s.deviceID, "error", err, "retry_in", backoff)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > cfg.ReconnectMax() {
				backoff = cfg.ReconnectMax()
			}
			continue
		}

		s.setConn(conn)
		s.setStatus(StatusConnected)
		backoff = cfg.ReconnectInitial()
		first = false

		s.readLoop(conn)
		s.setConn(nil)
		conn.Close() //nolint:errcheck // Already torn down

		if s.ctx.Err() != nil {
			return
		}
	}
}

// dial opens the WebSocket to the device's /ws endpoint.
func (s *socket) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.manager.cfg.HandshakeTimeout(),
	}
	conn, resp, err := dialer.DialContext(s.ctx, "ws://"+s.addr+"/ws", nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // Handshake response body is not used
	}
	return conn, err
}

// readLoop consumes pushed documents until the connection breaks.
// WLED pushes the full {"state":...,"info":...} document on every change.
func (s *socket) readLoop(conn *websocket.Conn) {
	cfg := s.manager.cfg

	conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout())) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout()))
	})

	// Ping loop keeps the read deadline honest across idle periods.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(cfg.PingInterval())
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(cfg.HandshakeTimeout())
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.manager.logger.Debug("push read failed",
					"device_id", s.deviceID, "error", err)
			}
			return
		}

		var doc wled.Document
		if err := json.Unmarshal(payload, &doc); err != nil {
			s.manager.logger.Warn("discarding unparsable push",
				"device_id", s.deviceID, "error", err)
			continue
		}
		if doc.State == nil && doc.Info == nil {
			continue
		}

		s.manager.emit(Event{
			DeviceID:   s.deviceID,
			State:      doc.State,
			Info:       doc.Info,
			ReceivedAt: time.Now(),
		})
	}
}

// send writes one JSON document to the device.
func (s *socket) send(state wled.State) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(s.manager.cfg.HandshakeTimeout())
	conn.SetWriteDeadline(deadline) //nolint:errcheck
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// stop cancels the socket's reconnect loop and closes any live connection.
func (s *socket) stop() {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close() //nolint:errcheck // Teardown path
	}
}

func (s *socket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *socket) setStatus(status Status) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if changed {
		s.manager.notify(s.deviceID, status)
	}
}

func (s *socket) getStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *socket) setPriority(priority int) {
	s.mu.Lock()
	s.priority = priority
	s.mu.Unlock()
}

func (s *socket) getPriority() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}
