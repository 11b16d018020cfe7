package push

import (
	"errors"
	"sync"
	"time"

	"github.com/aesdetic/aesdetic-core/internal/infrastructure/config"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/logging"
	"github.com/aesdetic/aesdetic-core/internal/wled"
)

// Domain errors for the push package.
var (
	// ErrSocketLimit is returned when the concurrent socket budget is
	// exhausted and the new connection does not outrank any existing one.
	ErrSocketLimit = errors.New("push: socket limit reached")

	// ErrNotConnected is returned when sending to a device without an
	// established socket.
	ErrNotConnected = errors.New("push: not connected")

	// ErrClosed is returned after the manager has been shut down.
	ErrClosed = errors.New("push: manager closed")
)

// Status is the connection status of one device socket.
type Status string

// Connection status values.
const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusReconnecting Status = "reconnecting"
	StatusLimitReached Status = "limitReached"
	StatusDisconnected Status = "disconnected"
)

// Event is one unsolicited push from a device. Either half of the document
// may be absent depending on what the firmware chose to send.
type Event struct {
	DeviceID   string
	State      *wled.State
	Info       *wled.Info
	ReceivedAt time.Time
}

// StatusFunc observes per-device connection status transitions.
type StatusFunc func(deviceID string, status Status)

// eventBufferSize is the manager-wide inbound event buffer. Devices push at
// sub-second rates during effects; the coalescer downstream absorbs bursts,
// this buffer only has to bridge scheduling gaps.
const eventBufferSize = 128

// Manager owns one WebSocket per connected device and fans their pushes
// into a single event channel consumed by the engine.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	cfg    config.PushConfig
	logger *logging.Logger

	mu      sync.Mutex
	sockets map[string]*socket
	closed  bool

	events   chan Event
	statusFn StatusFunc
}

// NewManager creates a push transport manager.
func NewManager(cfg config.PushConfig, logger *logging.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "push"),
		sockets: make(map[string]*socket),
		events:  make(chan Event, eventBufferSize),
	}
}

// Events returns the inbound push event channel.
// The channel is closed when the manager is closed.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// SetStatusFunc registers an observer for connection status transitions.
// Must be called before the first Connect.
func (m *Manager) SetStatusFunc(fn StatusFunc) {
	m.statusFn = fn
}

// Connect opens (or keeps) a socket to the device. Idempotent: an existing
// socket only has its priority refreshed.
//
// When the socket budget is exhausted, the lowest-priority existing socket
// is evicted if the new request outranks it; otherwise ErrSocketLimit is
// returned and the device is reported as StatusLimitReached.
func (m *Manager) Connect(deviceID, addr string, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if s, ok := m.sockets[deviceID]; ok {
		s.setPriority(priority)
		return nil
	}

	if len(m.sockets) >= m.cfg.MaxSockets {
		victim := m.lowestPriorityLocked()
		if victim == nil || victim.getPriority() >= priority {
			m.notify(deviceID, StatusLimitReached)
			return ErrSocketLimit
		}
		m.logger.Debug("evicting socket for higher-priority device",
			"evicted", victim.deviceID, "device_id", deviceID)
		victim.stop()
		delete(m.sockets, victim.deviceID)
		m.notify(victim.deviceID, StatusDisconnected)
	}

	s := newSocket(m, deviceID, addr, priority)
	m.sockets[deviceID] = s
	go s.run()
	return nil
}

// Disconnect closes the device's socket if one exists.
func (m *Manager) Disconnect(deviceID string) {
	m.mu.Lock()
	s, ok := m.sockets[deviceID]
	if ok {
		delete(m.sockets, deviceID)
	}
	m.mu.Unlock()

	if ok {
		s.stop()
		m.notify(deviceID, StatusDisconnected)
	}
}

// Send writes a partial state document to the device's socket. This mirrors
// an HTTP command for lower-latency fan-out to other observers of the same
// fixture; delivery is best effort.
func (m *Manager) Send(deviceID string, state wled.State) error {
	m.mu.Lock()
	s, ok := m.sockets[deviceID]
	m.mu.Unlock()

	if !ok {
		return ErrNotConnected
	}
	return s.send(state)
}

// Status reports the device's current connection status.
func (m *Manager) Status(deviceID string) Status {
	m.mu.Lock()
	s, ok := m.sockets[deviceID]
	m.mu.Unlock()

	if !ok {
		return StatusDisconnected
	}
	return s.getStatus()
}

// Close tears down every socket and closes the event channel.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sockets := make([]*socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		sockets = append(sockets, s)
	}
	m.sockets = make(map[string]*socket)
	m.mu.Unlock()

	for _, s := range sockets {
		s.stop()
	}
	close(m.events)
}

// lowestPriorityLocked returns the socket with the lowest priority.
// Caller holds m.mu.
func (m *Manager) lowestPriorityLocked() *socket {
	var victim *socket
	for _, s := range m.sockets {
		if victim == nil || s.getPriority() < victim.getPriority() {
			victim = s
		}
	}
	return victim
}

// emit delivers an event to the engine, dropping on a full buffer. A drop
// is safe: WLED pushes full state documents, so the next push carries
// everything this one did.
func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	select {
	case m.events <- ev:
	default:
		m.logger.Warn("push event buffer full, dropping event", "device_id", ev.DeviceID)
	}
}

// notify reports a status transition to the registered observer.
func (m *Manager) notify(deviceID string, status Status) {
	if m.statusFn != nil {
		m.statusFn(deviceID, status)
	}
}
